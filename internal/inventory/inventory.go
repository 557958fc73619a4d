// Package inventory loads host inventories from YAML or JSON files.
package inventory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jpoppe/libglue/internal/target"
)

// Host describes one inventory entry.
type Host struct {
	Host         string            `yaml:"host" json:"host"`
	Port         int               `yaml:"port" json:"port"`
	User         string            `yaml:"user" json:"user"`
	IdentityFile string            `yaml:"identity_file" json:"identity_file"`
	Password     string            `yaml:"password" json:"password"`
	Vars         map[string]string `yaml:"vars" json:"vars"`
}

// Group holds hosts and nested child groups.
type Group struct {
	Hosts    map[string]*Host  `yaml:"hosts" json:"hosts"`
	Children map[string]*Group `yaml:"children" json:"children"`
	Vars     map[string]string `yaml:"vars" json:"vars"`
}

// Inventory is a parsed inventory file. It implements
// target.GroupLookup for the resolver.
type Inventory struct {
	groups map[string]*Group
	order  []string
}

// Load reads an inventory file, choosing the parser by extension
// (.yml/.yaml/.json).
func Load(path string) (*Inventory, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}

	var groups map[string]*Group
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(content, &groups)
	case ".yml", ".yaml":
		err = yaml.Unmarshal(content, &groups)
	default:
		return nil, fmt.Errorf("unsupported inventory format: %s", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("parse inventory %s: %w", path, err)
	}

	return New(groups), nil
}

// New builds an inventory from already-parsed groups.
func New(groups map[string]*Group) *Inventory {
	order := make([]string, 0, len(groups))
	for name := range groups {
		order = append(order, name)
	}
	sort.Strings(order)
	return &Inventory{groups: groups, order: order}
}

// Groups returns the defined group names in sorted order.
func (inv *Inventory) Groups() []string {
	return append([]string(nil), inv.order...)
}

// Targets returns every host in the inventory, group by group in
// sorted order, deduplicated.
func (inv *Inventory) Targets() []target.Target {
	var all []target.Target
	seen := make(map[string]bool)
	for _, name := range inv.order {
		for _, t := range collect(name, inv.groups[name], []string{name}) {
			if seen[t.Key()] {
				continue
			}
			seen[t.Key()] = true
			all = append(all, t)
		}
	}
	return all
}

// TargetsByGroup returns the members of one group, including nested
// children, in stable order.
func (inv *Inventory) TargetsByGroup(name string) ([]target.Target, error) {
	g, ok := inv.groups[name]
	if !ok {
		return nil, fmt.Errorf("group %q not found", name)
	}
	return target.Dedup(collect(name, g, []string{name})), nil
}

// collect walks a group tree, emitting hosts in sorted-name order so
// resolution stays deterministic across runs.
func collect(name string, g *Group, tags []string) []target.Target {
	if g == nil {
		return nil
	}

	var out []target.Target

	hostNames := make([]string, 0, len(g.Hosts))
	for hn := range g.Hosts {
		hostNames = append(hostNames, hn)
	}
	sort.Strings(hostNames)

	for _, hn := range hostNames {
		out = append(out, convert(hn, g.Hosts[hn], g.Vars, tags))
	}

	childNames := make([]string, 0, len(g.Children))
	for cn := range g.Children {
		childNames = append(childNames, cn)
	}
	sort.Strings(childNames)

	for _, cn := range childNames {
		out = append(out, collect(cn, g.Children[cn], append(tags, cn))...)
	}

	return out
}

// convert builds a target from an inventory host, layering group vars
// under host vars.
func convert(name string, h *Host, groupVars map[string]string, tags []string) target.Target {
	t := target.Target{
		Host:       name,
		Port:       target.DefaultPort,
		Tags:       append([]string(nil), tags...),
		Properties: make(map[string]string),
		Original:   name,
	}

	for k, v := range groupVars {
		t.Properties[k] = v
	}

	if h != nil {
		if h.Host != "" {
			t.Host = h.Host
		}
		if h.Port > 0 {
			t.Port = h.Port
		}
		t.User = h.User
		t.IdentityFile = h.IdentityFile
		t.Password = h.Password
		for k, v := range h.Vars {
			t.Properties[k] = v
		}
	}

	return t
}

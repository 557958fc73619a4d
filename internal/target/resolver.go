package target

import (
	"fmt"
	"strings"

	glueerr "github.com/jpoppe/libglue/internal/errors"
)

// GroupLookup resolves a group name to its member targets. The
// inventory package provides the usual implementation.
type GroupLookup interface {
	TargetsByGroup(group string) ([]Target, error)
}

// Resolver expands a host specification into a concrete ordered set of
// targets. Group references use the "@group" prefix and require a
// GroupLookup; everything else is parsed as a host spec.
type Resolver struct {
	groups GroupLookup
}

// NewResolver creates a resolver. groups may be nil when group
// references are not in use.
func NewResolver(groups GroupLookup) *Resolver {
	return &Resolver{groups: groups}
}

// Resolve expands spec into an ordered, deduplicated target list,
// dropping anything matched by exclude (host names or "@group"
// references). Resolution is a pure function of its inputs plus the
// group lookup: resolving the same spec twice yields the same ordered
// sequence.
func (r *Resolver) Resolve(spec string, exclude []string) ([]Target, error) {
	if strings.TrimSpace(spec) == "" {
		return nil, &glueerr.ResolutionError{Reason: "empty host specification"}
	}

	var targets []Target
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if strings.HasPrefix(part, "@") {
			members, err := r.resolveGroup(strings.TrimPrefix(part, "@"))
			if err != nil {
				return nil, err
			}
			targets = append(targets, members...)
			continue
		}

		t, err := ParseSpec(part)
		if err != nil {
			return nil, &glueerr.ResolutionError{Spec: part, Reason: err.Error()}
		}
		targets = append(targets, t)
	}

	excluded, err := r.exclusionSet(exclude)
	if err != nil {
		return nil, err
	}

	targets = Dedup(targets)

	var kept []Target
	for _, t := range targets {
		if excluded[t.Host] || excluded[t.Key()] {
			continue
		}
		kept = append(kept, t)
	}

	if len(kept) == 0 {
		return nil, &glueerr.ResolutionError{Spec: spec, Reason: "specification yields zero targets"}
	}

	return kept, nil
}

// resolveGroup looks up one group, failing with a ResolutionError if
// no lookup is configured or the group is undefined.
func (r *Resolver) resolveGroup(name string) ([]Target, error) {
	if r.groups == nil {
		return nil, &glueerr.ResolutionError{
			Spec:   "@" + name,
			Reason: "group reference without an inventory",
		}
	}
	members, err := r.groups.TargetsByGroup(name)
	if err != nil {
		return nil, &glueerr.ResolutionError{
			Spec:   "@" + name,
			Reason: fmt.Sprintf("undefined group: %v", err),
		}
	}
	return members, nil
}

// exclusionSet expands the exclusion list, flattening group references
// into member host names.
func (r *Resolver) exclusionSet(exclude []string) (map[string]bool, error) {
	set := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.HasPrefix(e, "@") {
			members, err := r.resolveGroup(strings.TrimPrefix(e, "@"))
			if err != nil {
				return nil, err
			}
			for _, m := range members {
				set[m.Host] = true
			}
			continue
		}
		set[e] = true
	}
	return set, nil
}

// Dedup removes duplicate targets while preserving first-occurrence
// order.
func Dedup(targets []Target) []Target {
	seen := make(map[string]bool, len(targets))
	out := make([]Target, 0, len(targets))
	for _, t := range targets {
		if seen[t.Key()] {
			continue
		}
		seen[t.Key()] = true
		out = append(out, t)
	}
	return out
}

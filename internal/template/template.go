// Package template expands per-target placeholders in command strings.
// Commands may reference target attributes, so "echo {{.Host}}" runs
// with each host's own name substituted.
package template

import (
	"fmt"
	"strings"
	"text/template"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/jpoppe/libglue/internal/target"
)

// Context is the data visible to command templates.
type Context struct {
	User       string
	Host       string
	Port       int
	Addr       string
	Tags       []string
	Properties map[string]string
}

// Engine expands command templates against target contexts.
type Engine struct {
	funcs template.FuncMap
}

// New returns an engine with the standard helper functions.
func New() *Engine {
	titler := cases.Title(language.English)
	return &Engine{
		funcs: template.FuncMap{
			"upper":    strings.ToUpper,
			"lower":    strings.ToLower,
			"title":    titler.String,
			"join":     strings.Join,
			"property": func(props map[string]string, key string) string { return props[key] },
			"shortHost": func(host string) string {
				if i := strings.IndexByte(host, '.'); i > 0 {
					return host[:i]
				}
				return host
			},
		},
	}
}

// Expand renders the command for one target. Commands without template
// actions pass through unchanged.
func (e *Engine) Expand(command string, t target.Target) (string, error) {
	if !strings.Contains(command, "{{") {
		return command, nil
	}

	tmpl, err := template.New("command").Funcs(e.funcs).Option("missingkey=error").Parse(command)
	if err != nil {
		return "", fmt.Errorf("parsing command template: %w", err)
	}

	ctx := Context{
		User:       t.User,
		Host:       t.Host,
		Port:       t.Port,
		Addr:       t.Addr(),
		Tags:       t.Tags,
		Properties: t.Properties,
	}

	var out strings.Builder
	if err := tmpl.Execute(&out, ctx); err != nil {
		return "", fmt.Errorf("expanding command template: %w", err)
	}
	return out.String(), nil
}

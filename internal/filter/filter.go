// Package filter narrows resolved target sets by tag, property, or
// hostname pattern.
package filter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jpoppe/libglue/internal/target"
)

// Filter is one match condition over a target.
type Filter interface {
	Match(t target.Target) bool
	String() string
}

// TagFilter matches targets carrying all required tags and none of the
// excluded ones.
type TagFilter struct {
	Required []string
	Excluded []string
}

// Match implements Filter.
func (f *TagFilter) Match(t target.Target) bool {
	tags := make(map[string]bool, len(t.Tags))
	for _, tag := range t.Tags {
		tags[strings.ToLower(tag)] = true
	}
	for _, req := range f.Required {
		if !tags[strings.ToLower(req)] {
			return false
		}
	}
	for _, excl := range f.Excluded {
		if tags[strings.ToLower(excl)] {
			return false
		}
	}
	return true
}

// String implements Filter.
func (f *TagFilter) String() string {
	var parts []string
	if len(f.Required) > 0 {
		parts = append(parts, "tag:"+strings.Join(f.Required, ","))
	}
	if len(f.Excluded) > 0 {
		parts = append(parts, "!tag:"+strings.Join(f.Excluded, ","))
	}
	return strings.Join(parts, " ")
}

// PropertyFilter matches a target property for equality.
type PropertyFilter struct {
	Property string
	Value    string
}

// Match implements Filter.
func (f *PropertyFilter) Match(t target.Target) bool {
	v, ok := t.Properties[f.Property]
	return ok && strings.EqualFold(v, f.Value)
}

// String implements Filter.
func (f *PropertyFilter) String() string {
	return fmt.Sprintf("property:%s=%s", f.Property, f.Value)
}

// HostFilter matches the hostname against a wildcard pattern.
type HostFilter struct {
	Pattern string
}

// Match implements Filter.
func (f *HostFilter) Match(t target.Target) bool {
	pattern := "^" + strings.ReplaceAll(regexp.QuoteMeta(f.Pattern), `\*`, ".*") + "$"
	matched, err := regexp.MatchString(pattern, t.Host)
	return err == nil && matched
}

// String implements Filter.
func (f *HostFilter) String() string {
	return "host:" + f.Pattern
}

// Apply keeps the targets matching every filter, preserving order.
func Apply(targets []target.Target, filters ...Filter) []target.Target {
	if len(filters) == 0 {
		return targets
	}

	var kept []target.Target
	for _, t := range targets {
		match := true
		for _, f := range filters {
			if !f.Match(t) {
				match = false
				break
			}
		}
		if match {
			kept = append(kept, t)
		}
	}
	return kept
}

// ParseExpression parses a filter expression of the form
// "tag:web,prod !tag:canary property:env=production host:*.example.com".
func ParseExpression(expression string) ([]Filter, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, nil
	}

	var filters []Filter
	for _, part := range strings.Fields(expression) {
		switch {
		case strings.HasPrefix(part, "tag:"):
			filters = append(filters, &TagFilter{Required: strings.Split(strings.TrimPrefix(part, "tag:"), ",")})
		case strings.HasPrefix(part, "!tag:"):
			filters = append(filters, &TagFilter{Excluded: strings.Split(strings.TrimPrefix(part, "!tag:"), ",")})
		case strings.HasPrefix(part, "property:"):
			spec := strings.TrimPrefix(part, "property:")
			kv := strings.SplitN(spec, "=", 2)
			if len(kv) != 2 {
				return nil, fmt.Errorf("property filter %q needs key=value", part)
			}
			filters = append(filters, &PropertyFilter{Property: kv[0], Value: kv[1]})
		case strings.HasPrefix(part, "host:"):
			filters = append(filters, &HostFilter{Pattern: strings.TrimPrefix(part, "host:")})
		default:
			return nil, fmt.Errorf("unknown filter term %q", part)
		}
	}
	return filters, nil
}

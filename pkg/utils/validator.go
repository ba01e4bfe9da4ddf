package utils

import (
	"fmt"
	"regexp"
	"strings"
)

// Entity ref defaults applied when a ref omits its kind or namespace
const (
	DefaultNamespace = "default"
	DefaultKind      = "component"
)

var refPartPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-]*$`)

// EntityRef is a parsed kind:namespace/name reference
type EntityRef struct {
	Kind      string
	Namespace string
	Name      string
}

// String returns the canonical lower-case kind with namespace and name as given
func (r EntityRef) String() string {
	return fmt.Sprintf("%s:%s/%s", strings.ToLower(r.Kind), r.Namespace, r.Name)
}

// ParseEntityRef parses [kind:][namespace/]name. Missing parts take
// defaultKind and DefaultNamespace.
func ParseEntityRef(ref, defaultKind string) (EntityRef, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return EntityRef{}, fmt.Errorf("entity ref is empty")
	}

	out := EntityRef{Kind: defaultKind, Namespace: DefaultNamespace}
	rest := ref
	if i := strings.Index(rest, ":"); i >= 0 {
		out.Kind = rest[:i]
		rest = rest[i+1:]
	}
	if i := strings.Index(rest, "/"); i >= 0 {
		out.Namespace = rest[:i]
		rest = rest[i+1:]
	}
	out.Name = rest

	for _, part := range []string{out.Kind, out.Namespace, out.Name} {
		if !refPartPattern.MatchString(part) {
			return EntityRef{}, fmt.Errorf("invalid entity ref: %q", ref)
		}
	}
	out.Kind = strings.ToLower(out.Kind)
	return out, nil
}

// SanitizeString removes control characters
func SanitizeString(s string) string {
	return regexp.MustCompile(`[\x00-\x1f\x7f]`).ReplaceAllString(s, "")
}

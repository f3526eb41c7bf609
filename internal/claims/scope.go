package claims

import (
	"fmt"
	"sort"
	"strings"
)

// Access defines the verb class a grant permits on a resource prefix.
type Access uint8

const (
	// AccessNone indicates no access.
	AccessNone Access = iota
	// AccessRead allows snapshot reads.
	AccessRead
	// AccessWrite allows buffered writes and finalize of own writes.
	AccessWrite
	// AccessReadWrite allows all resource operations.
	AccessReadWrite
)

// ParseAccess decodes the wire form (r, w, rw) of an access level.
func ParseAccess(s string) (Access, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "r":
		return AccessRead, nil
	case "w":
		return AccessWrite, nil
	case "rw":
		return AccessReadWrite, nil
	}
	return AccessNone, fmt.Errorf("invalid access %q", s)
}

// String renders the wire form of the access level.
func (a Access) String() string {
	switch a {
	case AccessRead:
		return "r"
	case AccessWrite:
		return "w"
	case AccessReadWrite:
		return "rw"
	}
	return ""
}

func (a Access) covers(required Access) bool {
	switch required {
	case AccessNone:
		return true
	case AccessRead:
		return a == AccessRead || a == AccessReadWrite
	case AccessWrite:
		return a == AccessWrite || a == AccessReadWrite
	case AccessReadWrite:
		return a == AccessReadWrite
	}
	return false
}

// Grant authorizes one access level on a resource path prefix.
type Grant struct {
	Prefix string
	Access Access
}

// Scope is a set of grants. Delegation down a claim chain may only narrow a
// scope, never widen it.
type Scope []Grant

// NormalizeScope trims prefixes, drops empty grants, and sorts for a
// deterministic canonical encoding.
func NormalizeScope(s Scope) Scope {
	out := make(Scope, 0, len(s))
	for _, g := range s {
		prefix := strings.TrimSpace(g.Prefix)
		if prefix == "" || g.Access == AccessNone {
			continue
		}
		if !strings.HasPrefix(prefix, "/") {
			prefix = "/" + prefix
		}
		out = append(out, Grant{Prefix: prefix, Access: g.Access})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Prefix != out[j].Prefix {
			return out[i].Prefix < out[j].Prefix
		}
		return out[i].Access < out[j].Access
	})
	return out
}

// Allows reports whether the scope permits the required access on resource.
func (s Scope) Allows(resource string, required Access) bool {
	if !strings.HasPrefix(resource, "/") {
		resource = "/" + resource
	}
	for _, g := range s {
		if !g.Access.covers(required) {
			continue
		}
		if prefixMatches(g.Prefix, resource) {
			return true
		}
	}
	return false
}

// SubsetOf reports whether every grant in s is covered by some grant in
// parent with at least the same access.
func (s Scope) SubsetOf(parent Scope) bool {
	for _, g := range s {
		covered := false
		for _, p := range parent {
			if p.Access.covers(g.Access) && prefixMatches(p.Prefix, g.Prefix) {
				covered = true
				break
			}
		}
		if !covered {
			return false
		}
	}
	return true
}

// prefixMatches applies path-segment prefix semantics: /a covers /a and
// /a/b but not /ab.
func prefixMatches(prefix, path string) bool {
	if prefix == "/" {
		return true
	}
	prefix = strings.TrimSuffix(prefix, "/")
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+"/")
}

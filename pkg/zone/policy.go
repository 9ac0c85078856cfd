// Package zone compiles an agent's allowed/shared glob pattern lists into a
// deterministic matcher and answers read/write authorization questions for
// candidate workspace paths, per spec.md §4.2.
package zone

import (
	"fmt"
	"path"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// Operation is the kind of access being checked.
type Operation string

const (
	OpRead  Operation = "read"
	OpWrite Operation = "write"
)

// Verdict is the outcome of a Decide call.
type Verdict int

const (
	Allowed Verdict = iota
	Denied
)

// Decision carries the verdict plus, on denial, a human-readable reason
// naming the offending path and the rule that failed to match it.
type Decision struct {
	Verdict Verdict
	Reason  string
}

func allow() Decision { return Decision{Verdict: Allowed} }

func deny(op Operation, p string) Decision {
	return Decision{
		Verdict: Denied,
		Reason:  fmt.Sprintf("zone violation: %s %s not in allowed zones", op, p),
	}
}

// DefaultSharedPatterns is the always-loaded shared set from spec.md §4.2:
// build/package descriptors, lockfiles, lint/format configs, and a handful
// of ecosystem-standard files. Callers may extend or (via NewPolicy's
// includeDefaults=false) disable it.
var DefaultSharedPatterns = []string{
	"go.mod", "go.sum",
	"package.json", "package-lock.json", "pnpm-lock.yaml", "yarn.lock",
	"Cargo.toml", "Cargo.lock",
	"pyproject.toml", "poetry.lock", "requirements.txt",
	".eslintrc*", ".prettierrc*", ".golangci.yml", ".golangci.yaml",
	".gitignore", ".env.example",
	"README.md", "LICENSE",
}

// Policy is the compiled decision surface for one agent.
type Policy struct {
	allowed []gitignore.Pattern
	shared  []gitignore.Pattern

	// allowedRaw/sharedRaw retain the source pattern strings purely for
	// introspection (internal/introspect's list_zone_rules tool); Decide
	// never consults them.
	allowedRaw []string
	sharedRaw  []string
}

// NewPolicy compiles allowedPatterns and sharedPatterns (plus
// DefaultSharedPatterns, unless includeDefaults is false) into a Policy.
// A pattern beginning with "!" is a ConfigError: zone patterns are
// allow-lists, not exclude rules, so gitignore-style negation has no
// meaning here and almost certainly indicates a copy-pasted .gitignore.
// A pattern containing a ".." path segment anywhere is likewise rejected —
// it can only ever describe an escape from the workspace root.
func NewPolicy(allowedPatterns, sharedPatterns []string, includeDefaults bool) (*Policy, error) {
	shared := sharedPatterns
	if includeDefaults {
		shared = append(append([]string{}, DefaultSharedPatterns...), sharedPatterns...)
	}
	if len(allowedPatterns) == 0 {
		allowedPatterns = []string{"**"}
	}

	compiledAllowed, err := compilePatterns(allowedPatterns)
	if err != nil {
		return nil, fmt.Errorf("zone: allowed patterns: %w", err)
	}
	compiledShared, err := compilePatterns(shared)
	if err != nil {
		return nil, fmt.Errorf("zone: shared patterns: %w", err)
	}
	return &Policy{
		allowed:    compiledAllowed,
		shared:     compiledShared,
		allowedRaw: append([]string{}, allowedPatterns...),
		sharedRaw:  append([]string{}, shared...),
	}, nil
}

// Patterns returns the source allow/shared pattern strings this Policy was
// compiled from (shared includes DefaultSharedPatterns when the Policy was
// built with includeDefaults=true). Used only for introspection — Decide
// consults the compiled gitignore.Pattern slices, never these.
func (pol *Policy) Patterns() (allowed, shared []string) {
	return append([]string{}, pol.allowedRaw...), append([]string{}, pol.sharedRaw...)
}

func compilePatterns(patterns []string) ([]gitignore.Pattern, error) {
	out := make([]gitignore.Pattern, 0, len(patterns))
	for _, raw := range patterns {
		p := strings.TrimSpace(raw)
		if p == "" {
			continue
		}
		if strings.HasPrefix(p, "!") {
			return nil, fmt.Errorf("pattern %q: negation is not supported in zone patterns", raw)
		}
		for _, seg := range strings.Split(p, "/") {
			if seg == ".." {
				return nil, fmt.Errorf("pattern %q: \"..\" segments are not allowed", raw)
			}
		}
		out = append(out, gitignore.ParsePattern(p, nil))
	}
	return out, nil
}

// Decide reports whether op is permitted against the workspace-relative
// POSIX path p. Read is permitted iff matched by allowed ∪ shared. Write is
// permitted iff matched by allowed and not shared-only (shared files are
// read-only even within the allowed region).
func (pol *Policy) Decide(op Operation, p string) Decision {
	p = NormalizePath(p)
	segs := strings.Split(p, "/")
	if segs[0] == ".." {
		return deny(op, p)
	}

	isShared := matchAny(pol.shared, segs)
	isAllowed := matchAny(pol.allowed, segs)

	switch op {
	case OpRead:
		if isAllowed || isShared {
			return allow()
		}
		return deny(op, p)
	case OpWrite:
		// "shared-only" means matched by shared and not by allowed; once
		// isAllowed holds, the path is by definition not shared-only, so
		// write permission reduces to isAllowed alone (spec.md §4.2).
		if isAllowed {
			return allow()
		}
		return deny(op, p)
	default:
		return deny(op, p)
	}
}

func matchAny(patterns []gitignore.Pattern, segs []string) bool {
	for _, pat := range patterns {
		if pat.Match(segs, false) == gitignore.Exclude {
			return true
		}
	}
	return false
}

// NormalizePath cleans p into a workspace-relative POSIX path: it strips a
// leading "./", collapses "//" via path.Clean, converts backslashes, and
// trims any leading "/". Paths with a leading ".." after cleaning describe
// an escape from the workspace root and are returned unchanged so the
// caller's Decide sees a leading segment literally equal to "..", which it
// always denies before consulting any allow/shared pattern.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimPrefix(p, "/")
	cleaned := path.Clean(p)
	if cleaned == "." {
		return ""
	}
	return cleaned
}

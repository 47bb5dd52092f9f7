package layer

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// PatternKind selects how a capacity pattern is compiled. It is decided when the
// configuration is built, never by probing values at runtime.
type PatternKind uint8

const (
	GlobPattern PatternKind = iota + 1
	RegexpPattern
)

func (k PatternKind) String() string {
	switch k {
	case GlobPattern:
		return "glob"
	case RegexpPattern:
		return "regexp"
	default:
		return "unknown"
	}
}

// Prefix selecting a regular expression in the textual capacity form.
const regexpPrefix = "re:"

// CapacityPattern is a channel-name pattern: a shell glob or a regular expression.
type CapacityPattern struct {
	Kind PatternKind
	Expr string
}

// Glob returns a shell-style pattern (*, ?, [seq], [!seq]).
func Glob(expr string) CapacityPattern {
	return CapacityPattern{Kind: GlobPattern, Expr: expr}
}

// Regexp returns a regular-expression pattern. It must match the whole channel name.
func Regexp(expr string) CapacityPattern {
	return CapacityPattern{Kind: RegexpPattern, Expr: expr}
}

// CompiledRegexp reuses the source of an already compiled expression.
func CompiledRegexp(re *regexp.Regexp) CapacityPattern {
	return CapacityPattern{Kind: RegexpPattern, Expr: re.String()}
}

func (p CapacityPattern) String() string {
	if p.Kind == RegexpPattern {
		return regexpPrefix + p.Expr
	}
	return p.Expr
}

func (p CapacityPattern) compile() (*regexp.Regexp, error) {
	switch p.Kind {
	case GlobPattern:
		return regexp.Compile(translateGlob(p.Expr))
	case RegexpPattern:
		return regexp.Compile(`^(?:` + p.Expr + `)$`)
	default:
		return nil, fmt.Errorf("unknown pattern kind %d", p.Kind)
	}
}

// CapacityEntry is one raw configuration pair.
type CapacityEntry struct {
	Pattern CapacityPattern
	Limit   int
}

// CapacityRule is a compiled CapacityEntry.
type CapacityRule struct {
	Pattern CapacityPattern
	Limit   int

	re *regexp.Regexp
}

// Matches reports whether the rule's pattern matches the whole channel name.
func (r CapacityRule) Matches(channel string) bool {
	return r.re != nil && r.re.MatchString(channel)
}

// CompileCapacities compiles entries into rules, preserving their order.
// Unmatchable or redundant patterns are fine; malformed ones are a *ConfigurationError.
func CompileCapacities(entries []CapacityEntry) ([]CapacityRule, error) {
	rules := make([]CapacityRule, 0, len(entries))
	for _, e := range entries {
		if e.Limit < 0 {
			return nil, &ConfigurationError{Pattern: e.Pattern.String(), Msg: "negative capacity"}
		}
		re, err := e.Pattern.compile()
		if err != nil {
			return nil, &ConfigurationError{Pattern: e.Pattern.String(), Err: err}
		}
		rules = append(rules, CapacityRule{Pattern: e.Pattern, Limit: e.Limit, re: re})
	}
	return rules, nil
}

// ResolveCapacity returns the limit of the first rule matching channel, or
// defaultCapacity when none does. It only reads rules and is safe for concurrent use.
func ResolveCapacity(channel string, rules []CapacityRule, defaultCapacity int) int {
	for _, r := range rules {
		if r.Matches(channel) {
			return r.Limit
		}
	}
	return defaultCapacity
}

// ParseCapacities parses "pattern=limit,pattern=limit". A "re:" prefix marks a
// regular expression; anything else is a glob. Order is preserved.
func ParseCapacities(raw string) ([]CapacityEntry, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	parts := strings.Split(raw, ",")
	out := make([]CapacityEntry, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		i := strings.LastIndexByte(part, '=')
		if i <= 0 {
			return nil, &ConfigurationError{Pattern: part, Msg: "expected pattern=limit"}
		}
		expr := strings.TrimSpace(part[:i])
		limit, err := strconv.Atoi(strings.TrimSpace(part[i+1:]))
		if err != nil {
			return nil, &ConfigurationError{Pattern: expr, Err: errors.Unwrap(err)}
		}

		p := Glob(expr)
		if strings.HasPrefix(expr, regexpPrefix) {
			p = Regexp(strings.TrimPrefix(expr, regexpPrefix))
		}
		if p.Expr == "" {
			return nil, &ConfigurationError{Pattern: expr, Msg: "empty pattern"}
		}
		out = append(out, CapacityEntry{Pattern: p, Limit: limit})
	}
	return out, nil
}

// CapacityList is the decoded form of a textual capacity configuration.
type CapacityList []CapacityEntry

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *CapacityList) UnmarshalText(text []byte) error {
	entries, err := ParseCapacities(string(text))
	if err != nil {
		return err
	}
	*l = entries
	return nil
}

func (l CapacityList) String() string {
	parts := make([]string, 0, len(l))
	for _, e := range l {
		parts = append(parts, e.Pattern.String()+"="+strconv.Itoa(e.Limit))
	}
	return strings.Join(parts, ",")
}

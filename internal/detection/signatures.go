// Package detection implements the signature-based event classifier.
// Classification is a pure function over a single event: a fixed table of
// attack-category signatures plus contextual risk signals produce a bounded
// anomaly score. No state is carried between events.
package detection

import (
	"fmt"
	"regexp"
)

// SignatureSet is one attack category: an ordered list of compiled patterns
// and the score the category contributes when any of them matches.
type SignatureSet struct {
	Category string
	Score    float64
	Patterns []*regexp.Regexp
}

// DefaultCategoryScore is the per-category increment used when a signature
// definition does not override it.
const DefaultCategoryScore = 0.4

// builtinPatterns is the built-in rule table, in evaluation order. The
// mapping is data: adding a category here (or via signature files) never
// touches the scoring algorithm. All patterns are applied case-insensitively.
var builtinPatterns = []struct {
	category string
	patterns []string
}{
	{"sql_injection", []string{
		`(\bunion\b.*\bselect\b)`,
		`(\bor\b\s+\d+\s*=\s*\d+)`,
		`(\bor\b\s+['"]?\d+['"]?\s*=\s*['"]?\d+)`,
		`(';\s*drop\s+table)`,
		`(--\s*$)`,
		`(/\*.*\*/)`,
		`(xp_cmdshell)`,
		`(exec\s*\()`,
	}},
	{"xss", []string{
		`(<script[^>]*>.*?</script>)`,
		`(javascript:)`,
		`(on\w+\s*=)`,
		`(<iframe)`,
		`(eval\s*\()`,
	}},
	{"path_traversal", []string{
		`(\.\./)+`,
		`(\.\.\\)+`,
		`(%2e%2e/)`,
		`(%252e%252e)`,
	}},
	{"command_injection", []string{
		`(;\s*cat\s+)`,
		`(;\s*ls\s+)`,
		`(\|\s*nc\s+)`,
		`(&&\s*\w+)`,
		"(`.*`)",
		`(\$\(.*\))`,
	}},
	{"log4shell", []string{
		`(\$\{jndi:(ldap|ldaps|rmi|dns|iiop|corba|nds|http))`,
		`(\$\{(lower|upper|base64|env|sys|date):)`,
		`(%24%7bjndi:)`,
	}},
}

// BuiltinSignatures compiles the built-in rule table. Patterns are fixed
// and known-good, so compilation failures are programmer errors.
func BuiltinSignatures() []SignatureSet {
	sets := make([]SignatureSet, 0, len(builtinPatterns))
	for _, entry := range builtinPatterns {
		set := SignatureSet{
			Category: entry.category,
			Score:    DefaultCategoryScore,
			Patterns: make([]*regexp.Regexp, 0, len(entry.patterns)),
		}
		for _, p := range entry.patterns {
			set.Patterns = append(set.Patterns, regexp.MustCompile(`(?i)`+p))
		}
		sets = append(sets, set)
	}
	return sets
}

// CompilePattern compiles a signature pattern case-insensitively. Used by
// the signature-file loader so bad user patterns surface as errors instead
// of panics.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(`(?i)` + pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return re, nil
}

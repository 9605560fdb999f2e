// SPDX-License-Identifier: MIT

// Package rules evaluates the tagged filter rules the scanner's
// directory/file filters and the finalizer's per-root delete rules share:
// exact match, glob, and unanchored regex, combined under a whitelist or
// blacklist mode.
package rules

import (
	"fmt"
	"regexp"
	"strings"
)

// Type is the tag of a single filter rule.
type Type string

const (
	Exact Type = "exact"
	Glob  Type = "glob"
	Regex Type = "regex"
)

// Rule is one pattern of a given Type.
type Rule struct {
	Type    Type   `yaml:"type" koanf:"type"`
	Pattern string `yaml:"pattern" koanf:"pattern"`
}

// Mode selects whitelist (allow only matches) or blacklist (deny matches)
// evaluation for a Filter.
type Mode string

const (
	Whitelist Mode = "whitelist"
	Blacklist Mode = "blacklist"
)

// Filter is the `{mode, rules}` shape shared by AppConfig's directory
// filters, file allow/deny lists, and delete rules.
type Filter struct {
	Mode  Mode
	Rules []Rule
}

// compiled is a Rule with its matcher pre-built, so repeated Allow calls
// against the same Filter (once per scanned entry) don't re-compile regexes.
type compiled struct {
	rule    Rule
	literal string         // set when Type == Exact
	re      *regexp.Regexp // set when Type == Glob or Regex
}

// Compiled is a Filter whose rules have been parsed once, for reuse across a
// full directory walk.
type Compiled struct {
	mode  Mode
	rules []compiled
}

// Compile builds a Compiled matcher from a Filter. An invalid regex or glob
// pattern is reported at compile time rather than silently matching nothing.
func Compile(f Filter) (*Compiled, error) {
	c := &Compiled{mode: f.Mode}
	for _, r := range f.Rules {
		cr := compiled{rule: r}
		switch r.Type {
		case Exact:
			cr.literal = r.Pattern
		case Glob:
			re, err := regexp.Compile("^" + globToRegex(r.Pattern) + "$")
			if err != nil {
				return nil, fmt.Errorf("compile glob rule %q: %w", r.Pattern, err)
			}
			cr.re = re
		case Regex:
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				return nil, fmt.Errorf("compile regex rule %q: %w", r.Pattern, err)
			}
			cr.re = re
		default:
			return nil, fmt.Errorf("unknown rule type %q", r.Type)
		}
		c.rules = append(c.rules, cr)
	}
	return c, nil
}

// globToRegex translates a shell glob into its regex-search equivalent:
// '*' becomes '.*', '?' becomes '.', and every other regex metacharacter is
// escaped so it matches literally.
func globToRegex(pattern string) string {
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	return b.String()
}

// anyMatch reports whether s matches at least one of the compiled rules.
func (c *Compiled) anyMatch(s string) bool {
	for _, r := range c.rules {
		switch r.rule.Type {
		case Exact:
			if s == r.literal {
				return true
			}
		default:
			if r.re.MatchString(s) {
				return true
			}
		}
	}
	return false
}

// Allow reports whether s passes this filter. Whitelist mode allows only
// entries matching a rule (an empty rule set denies everything); blacklist
// mode allows everything except entries matching a rule (an empty rule set
// allows everything).
func (c *Compiled) Allow(s string) bool {
	matched := c.anyMatch(s)
	if c.mode == Whitelist {
		return matched
	}
	return !matched
}

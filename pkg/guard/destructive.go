// SPDX-License-Identifier: Apache-2.0

package guard

import (
	"context"
	"regexp"
	"strings"
)

// RuleCategory names a class of refused operations.
type RuleCategory string

const (
	CategoryDataLoss    RuleCategory = "data_loss"
	CategoryFleetWide   RuleCategory = "fleet_wide"
	CategoryCredentials RuleCategory = "credentials"
)

type opRule struct {
	category RuleCategory
	patterns []*regexp.Regexp
	keywords []string
}

// Operations no autonomous task may request regardless of risk tier. These
// need a change ticket and a human at the keyboard, not an approval click.
var defaultOpRules = map[RuleCategory]struct {
	patterns []string
	keywords []string
}{
	CategoryDataLoss: {
		patterns: []string{
			`(?i)\brm\s+(-[a-z]*f[a-z]*\s+)+/`,
			`(?i)\bdrop\s+(database|table|schema)\b`,
			`(?i)\btruncate\s+table\b`,
			`(?i)\bmkfs(\.[a-z0-9]+)?\b`,
			`(?i)\bdd\s+.*\bof=/dev/`,
			`(?i)\b(wipe|erase|format)\s+(the\s+)?(disk|volume|partition|drive)\b`,
			`(?i)delete\s+all\s+(backups?|snapshots?|volumes?)`,
		},
	},
	CategoryFleetWide: {
		patterns: []string{
			`(?i)\b(shutdown|power\s*off|halt|reboot)\s+(all|every|entire)\b`,
			`(?i)\bdecommission\s+(all|every)\b`,
			`(?i)\bdrain\s+(all|every)\s+(nodes?|hosts?)\b`,
		},
	},
	CategoryCredentials: {
		patterns: []string{
			`(?i)(print|dump|exfiltrate|read\s+out)\s+.*(secrets?|credentials?|private\s+keys?)`,
			`(?i)disable\s+(authentication|mfa|2fa)\b`,
		},
	},
}

// DestructiveOpsChecker refuses objectives that request unrecoverable or
// fleet-wide destructive operations.
type DestructiveOpsChecker struct {
	rules map[RuleCategory]opRule
}

// DestructiveOpsOption configures the checker.
type DestructiveOpsOption func(*DestructiveOpsChecker)

// WithOpPattern adds a custom refusal pattern to a category. Invalid
// patterns are ignored.
func WithOpPattern(category RuleCategory, pattern string) DestructiveOpsOption {
	return func(c *DestructiveOpsChecker) {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return
		}
		rule := c.rules[category]
		rule.category = category
		rule.patterns = append(rule.patterns, re)
		c.rules[category] = rule
	}
}

// WithOpKeywords adds refusal keywords to a category.
func WithOpKeywords(category RuleCategory, keywords ...string) DestructiveOpsOption {
	return func(c *DestructiveOpsChecker) {
		rule := c.rules[category]
		rule.category = category
		rule.keywords = append(rule.keywords, keywords...)
		c.rules[category] = rule
	}
}

// NewDestructiveOpsChecker creates a checker with the default rules.
func NewDestructiveOpsChecker(opts ...DestructiveOpsOption) *DestructiveOpsChecker {
	c := &DestructiveOpsChecker{rules: make(map[RuleCategory]opRule)}
	for cat, def := range defaultOpRules {
		rule := opRule{category: cat, keywords: def.keywords}
		for _, p := range def.patterns {
			if re, err := regexp.Compile(p); err == nil {
				rule.patterns = append(rule.patterns, re)
			}
		}
		c.rules[cat] = rule
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID returns the checker identifier.
func (c *DestructiveOpsChecker) ID() string { return "destructive-ops" }

// Check refuses objectives matching a forbidden operation pattern.
func (c *DestructiveOpsChecker) Check(_ context.Context, objective string) Finding {
	if objective == "" {
		return Finding{}
	}
	normalized := strings.ToLower(objective)
	for cat, rule := range c.rules {
		for _, pattern := range rule.patterns {
			if pattern.MatchString(normalized) {
				return Finding{
					Blocked:  true,
					Reason:   "forbidden operation: " + string(cat),
					Category: string(cat),
				}
			}
		}
		for _, keyword := range rule.keywords {
			if strings.Contains(normalized, strings.ToLower(keyword)) {
				return Finding{
					Blocked:  true,
					Reason:   "forbidden operation: " + string(cat),
					Category: string(cat),
				}
			}
		}
	}
	return Finding{}
}

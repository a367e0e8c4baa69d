// Package approval implements the configuration change approval workflow:
// a rule table keyed by changed-field path, a request state machine, and
// the audited emergency override path.
package approval

import (
	"sort"
	"strings"
	"time"
)

// Priority orders rules; the strictest (highest) wins.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var priorityRank = map[Priority]int{
	PriorityLow:      0,
	PriorityMedium:   1,
	PriorityHigh:     2,
	PriorityCritical: 3,
}

// Rule binds a field-path pattern to its approval requirements. Patterns
// match exactly or by prefix when they end in ".*".
type Rule struct {
	Pattern                string
	RequiredApprovers      []string
	Priority               Priority
	Expiry                 time.Duration
	AllowEmergencyOverride bool
}

func (r Rule) matches(fieldPath string) bool {
	if prefix, ok := strings.CutSuffix(r.Pattern, ".*"); ok {
		return fieldPath == prefix || strings.HasPrefix(fieldPath, prefix+".")
	}
	return fieldPath == r.Pattern
}

// RuleTable resolves changed fields to requirements.
type RuleTable struct {
	rules    []Rule
	fallback Rule
}

// NewRuleTable keeps the fallback for fields no rule names.
func NewRuleTable(rules []Rule, fallback Rule) *RuleTable {
	return &RuleTable{rules: rules, fallback: fallback}
}

// DefaultRules is the shipped policy table.
func DefaultRules() *RuleTable {
	return NewRuleTable([]Rule{
		{
			Pattern:           "auth.*",
			RequiredApprovers: []string{"security_admin"},
			Priority:          PriorityCritical,
			Expiry:            4 * time.Hour,
		},
		{
			Pattern:           "secrets.*",
			RequiredApprovers: []string{"security_admin"},
			Priority:          PriorityCritical,
			Expiry:            4 * time.Hour,
		},
		{
			Pattern:                "database.*",
			RequiredApprovers:      []string{"platform_admin", "dba"},
			Priority:               PriorityHigh,
			Expiry:                 8 * time.Hour,
			AllowEmergencyOverride: true,
		},
		{
			Pattern:                "resilience.*",
			RequiredApprovers:      []string{"sre"},
			Priority:               PriorityHigh,
			Expiry:                 12 * time.Hour,
			AllowEmergencyOverride: true,
		},
		{
			Pattern:                "tts.*",
			RequiredApprovers:      []string{"platform_admin"},
			Priority:               PriorityMedium,
			Expiry:                 24 * time.Hour,
			AllowEmergencyOverride: true,
		},
		{
			Pattern:                "asr.*",
			RequiredApprovers:      []string{"platform_admin"},
			Priority:               PriorityMedium,
			Expiry:                 24 * time.Hour,
			AllowEmergencyOverride: true,
		},
	}, Rule{
		RequiredApprovers:      []string{"platform_admin"},
		Priority:               PriorityLow,
		Expiry:                 72 * time.Hour,
		AllowEmergencyOverride: true,
	})
}

// Requirements is the resolved outcome for one request.
type Requirements struct {
	RequiredApprovers      []string
	Priority               Priority
	Expiry                 time.Duration
	AllowEmergencyOverride bool
}

// Resolve folds the rules of every changed field into the strictest
// combination: highest priority, shortest expiry, union of approvers.
// Production environments add a mandatory platform admin. Emergency
// override is allowed only when every matched rule opts in.
func (t *RuleTable) Resolve(fieldPaths []string, environment string) Requirements {
	req := Requirements{
		Priority:               PriorityLow,
		Expiry:                 t.fallback.Expiry,
		AllowEmergencyOverride: true,
	}
	approvers := make(map[string]bool)
	first := true
	for _, field := range fieldPaths {
		rule := t.match(field)
		for _, a := range rule.RequiredApprovers {
			approvers[a] = true
		}
		if priorityRank[rule.Priority] > priorityRank[req.Priority] {
			req.Priority = rule.Priority
		}
		if first || rule.Expiry < req.Expiry {
			req.Expiry = rule.Expiry
		}
		if !rule.AllowEmergencyOverride {
			req.AllowEmergencyOverride = false
		}
		first = false
	}

	if strings.EqualFold(environment, "production") {
		approvers["platform_admin"] = true
	}
	for a := range approvers {
		req.RequiredApprovers = append(req.RequiredApprovers, a)
	}
	sort.Strings(req.RequiredApprovers)
	return req
}

func (t *RuleTable) match(fieldPath string) Rule {
	for _, r := range t.rules {
		if r.matches(fieldPath) {
			return r
		}
	}
	return t.fallback
}

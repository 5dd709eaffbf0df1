package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"witness_service/internal/audit"
)

const (
	StateHealthy                   = "HEALTHY"
	StateDegradedInactive          = "DEGRADED_INACTIVE"
	StateDegradedMissingEvaluation = "DEGRADED_MISSING_EVALUATION"

	FieldDegradationState = "degradation_state"
	FieldSchemaVersion    = "schema_version"
)

// Policy is an ordered rule list. The first rule whose conditions all hold
// decides the state; Default applies when none do.
type Policy struct {
	Rules   []Rule `json:"rules"`
	Default string `json:"default"`
}

type Rule struct {
	ID         string      `json:"id"`
	State      string      `json:"state"`
	Conditions []Condition `json:"conditions"`
}

type Condition struct {
	Key   string      `json:"key"`
	Op    string      `json:"op"`
	Value interface{} `json:"value"`
}

type Classification struct {
	State          string `json:"degradation_state"`
	MatchedRule    string `json:"matched_rule,omitempty"`
	EvaluatedRules int    `json:"evaluated_rules"`
}

type Engine struct {
	policy Policy
}

// DefaultPolicy classifies a non-ACTIVE status as inactive, then an
// evaluation that is absent, not a list or an empty list, and everything else
// as healthy.
func DefaultPolicy() Policy {
	return Policy{
		Rules: []Rule{
			{ID: "inactive", State: StateDegradedInactive, Conditions: []Condition{
				{Key: "event.status", Op: "ineq", Value: "ACTIVE"},
			}},
			{ID: "missing-evaluation", State: StateDegradedMissingEvaluation, Conditions: []Condition{
				{Key: "event.evaluation", Op: "emptylist"},
			}},
		},
		Default: StateHealthy,
	}
}

func New(pol Policy) (*Engine, error) {
	if pol.Default == "" {
		pol.Default = StateHealthy
	}
	for i, rule := range pol.Rules {
		if strings.TrimSpace(rule.State) == "" {
			return nil, fmt.Errorf("policy rule %d (%s): missing state", i, rule.ID)
		}
		for _, cond := range rule.Conditions {
			if !knownOp(cond.Op) {
				return nil, fmt.Errorf("policy rule %d (%s): unknown op %q", i, rule.ID, cond.Op)
			}
		}
	}
	return &Engine{policy: pol}, nil
}

// Load reads a policy file. An empty path yields the default policy.
func Load(path string) (*Engine, error) {
	if path == "" {
		return New(DefaultPolicy())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var pol Policy
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&pol); err != nil {
		return nil, fmt.Errorf("decode policy %s: %w", path, err)
	}
	return New(pol)
}

// Classify evaluates the rules over an event's fields. Keys starting with
// "event." read fields; keys starting with "context." read extra.
func (e *Engine) Classify(fields, extra map[string]interface{}) (Classification, error) {
	if e == nil {
		return Classification{}, errors.New("policy engine not configured")
	}
	out := Classification{}
	for _, rule := range e.policy.Rules {
		out.EvaluatedRules++
		if !conditionsMatch(rule.Conditions, fields, extra) {
			continue
		}
		out.State = rule.State
		out.MatchedRule = rule.ID
		return out, nil
	}
	out.State = e.policy.Default
	return out, nil
}

// Stamp returns a copy of fields with degradation_state and schema_version
// set. An explicit schema_version in fields is kept.
func (e *Engine) Stamp(fields map[string]interface{}) (map[string]interface{}, Classification, error) {
	c, err := e.Classify(fields, nil)
	if err != nil {
		return nil, Classification{}, err
	}
	out := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		out[k] = v
	}
	out[FieldDegradationState] = c.State
	if _, ok := out[FieldSchemaVersion]; !ok {
		out[FieldSchemaVersion] = audit.SchemaVersion
	}
	return out, c, nil
}

func knownOp(op string) bool {
	switch strings.ToLower(op) {
	case "eq", "neq", "ieq", "ineq", "gte", "lte", "in", "empty", "emptylist", "present":
		return true
	}
	return false
}

func conditionsMatch(conds []Condition, fields, extra map[string]interface{}) bool {
	for _, cond := range conds {
		if cond.Key == "" {
			continue
		}
		actual, ok := resolveValue(cond.Key, fields, extra)
		if !compare(actual, ok, cond.Op, cond.Value) {
			return false
		}
	}
	return true
}

func resolveValue(path string, fields, extra map[string]interface{}) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var current interface{}
	switch parts[0] {
	case "event":
		current = fields
	case "context":
		current = extra
	default:
		return nil, false
	}

	for _, part := range parts[1:] {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// compare evaluates op. Absent values satisfy only the negative ops.
func compare(actual interface{}, present bool, op string, expected interface{}) bool {
	switch strings.ToLower(op) {
	case "present":
		return present
	case "empty":
		return !present || isEmpty(actual)
	case "emptylist":
		return !present || !isNonEmptyList(actual)
	case "neq":
		return !present || toString(actual) != toString(expected)
	case "ineq":
		return !present || !strings.EqualFold(toString(actual), toString(expected))
	}
	if !present {
		return false
	}
	switch strings.ToLower(op) {
	case "eq":
		return toString(actual) == toString(expected)
	case "ieq":
		return strings.EqualFold(toString(actual), toString(expected))
	case "gte":
		av, okA := toFloat(actual)
		ev, okE := toFloat(expected)
		return okA && okE && av >= ev
	case "lte":
		av, okA := toFloat(actual)
		ev, okE := toFloat(expected)
		return okA && okE && av <= ev
	case "in":
		expectedList, ok := expected.([]interface{})
		if !ok {
			return false
		}
		for _, item := range expectedList {
			if toString(item) == toString(actual) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func isEmpty(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []interface{}:
		return len(val) == 0
	case []string:
		return len(val) == 0
	case map[string]interface{}:
		return len(val) == 0
	default:
		return false
	}
}

func isNonEmptyList(v interface{}) bool {
	switch val := v.(type) {
	case []interface{}:
		return len(val) > 0
	case []string:
		return len(val) > 0
	default:
		return false
	}
}

func toString(v interface{}) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

func toFloat(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	case string:
		f, err := json.Number(val).Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

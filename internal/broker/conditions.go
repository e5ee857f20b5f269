package broker

import (
	"fmt"
	"strings"
)

// Condition narrows delivery to subscribers whose context satisfies a
// field/operator/value predicate.
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value,omitempty"`
}

// Supported condition operators.
const (
	OpEquals    = "eq"
	OpNotEquals = "neq"
	OpContains  = "contains"
	OpExists    = "exists"
)

// EvaluateConditions reports whether every condition holds against the given
// subscriber context. An empty condition list always holds; an unknown
// operator fails closed.
func EvaluateConditions(conditions []Condition, context map[string]any) bool {
	for _, c := range conditions {
		if !evaluateCondition(c, context) {
			return false
		}
	}
	return true
}

func evaluateCondition(c Condition, context map[string]any) bool {
	val, present := context[c.Field]

	switch c.Operator {
	case OpExists:
		return present
	case OpEquals:
		return present && stringify(val) == stringify(c.Value)
	case OpNotEquals:
		return !present || stringify(val) != stringify(c.Value)
	case OpContains:
		return present && strings.Contains(stringify(val), stringify(c.Value))
	default:
		return false
	}
}

// stringify normalizes condition operands so values arriving via JSON
// decoding (float64, bool, string) compare predictably.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

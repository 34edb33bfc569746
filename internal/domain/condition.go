package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// LogicalOperator: оператор группы условий.
type LogicalOperator string

const (
	LogicalAnd LogicalOperator = "AND"
	LogicalOr  LogicalOperator = "OR"
)

// Normalize приводит оператор к верхнему регистру. Пустой оператор трактуется как AND.
func (o LogicalOperator) Normalize() LogicalOperator {
	if o == "" {
		return LogicalAnd
	}
	return LogicalOperator(strings.ToUpper(string(o)))
}

// Operator: оператор сравнения поля события со значением.
type Operator string

const (
	OpEquals     Operator = "equals"
	OpNotEquals  Operator = "not_equals"
	OpContains   Operator = "contains"
	OpMatches    Operator = "matches"
	OpStartsWith Operator = "starts_with"
	OpEndsWith   Operator = "ends_with"
	OpGT         Operator = "gt"
	OpGTE        Operator = "gte"
	OpLT         Operator = "lt"
	OpLTE        Operator = "lte"
	OpIn         Operator = "in"
	OpNotIn      Operator = "not_in"
)

// Operators: все поддерживаемые операторы.
var Operators = []Operator{
	OpEquals, OpNotEquals, OpContains, OpMatches, OpStartsWith, OpEndsWith,
	OpGT, OpGTE, OpLT, OpLTE, OpIn, OpNotIn,
}

// IsValid проверяет, известен ли оператор.
func (o Operator) IsValid() bool {
	for _, op := range Operators {
		if op == o {
			return true
		}
	}
	return false
}

// IsRelational: операторы с числовым приведением.
func (o Operator) IsRelational() bool {
	switch o {
	case OpGT, OpGTE, OpLT, OpLTE:
		return true
	}
	return false
}

// IsNegative: операторы, для которых отсутствие поля означает "выполнено".
func (o Operator) IsNegative() bool {
	return o == OpNotEquals || o == OpNotIn
}

// ConditionGroup: булево дерево условий.
//
// Поддерживаются две JSON-формы:
//
//	{"operator": "AND", "conditions": [...], "groups": [...]}
//	{"AND": [{"field": "queue", ...}, {"OR": [...]}]}
type ConditionGroup struct {
	Operator   LogicalOperator  `json:"operator"`
	Conditions []Condition      `json:"conditions,omitempty"`
	Groups     []ConditionGroup `json:"groups,omitempty"`
}

// Condition: предикат над одним полем события.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value,omitempty"`
}

// IsEmpty: группа без условий и подгрупп совпадает всегда.
func (g *ConditionGroup) IsEmpty() bool {
	return len(g.Conditions) == 0 && len(g.Groups) == 0
}

// UnmarshalJSON разбирает обе формы группы условий.
func (g *ConditionGroup) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("condition group: %w", err)
	}

	for key, items := range raw {
		op := LogicalOperator(strings.ToUpper(key))
		if op != LogicalAnd && op != LogicalOr {
			continue
		}
		if len(raw) != 1 {
			return fmt.Errorf("condition group: shorthand %q must be the only key", key)
		}
		return g.unmarshalShorthand(op, items)
	}

	type plain ConditionGroup
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("condition group: %w", err)
	}
	*g = ConditionGroup(p)
	return nil
}

func (g *ConditionGroup) unmarshalShorthand(op LogicalOperator, data []byte) error {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("condition group %s: %w", op, err)
	}

	g.Operator = op
	g.Conditions = nil
	g.Groups = nil

	for _, item := range items {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(item, &probe); err != nil {
			return fmt.Errorf("condition group %s: %w", op, err)
		}
		if isGroupShape(probe) {
			var sub ConditionGroup
			if err := json.Unmarshal(item, &sub); err != nil {
				return err
			}
			g.Groups = append(g.Groups, sub)
			continue
		}
		var c Condition
		if err := json.Unmarshal(item, &c); err != nil {
			return fmt.Errorf("condition: %w", err)
		}
		g.Conditions = append(g.Conditions, c)
	}
	return nil
}

func isGroupShape(m map[string]json.RawMessage) bool {
	if _, ok := m["field"]; ok {
		return false
	}
	for key := range m {
		switch strings.ToUpper(key) {
		case "AND", "OR", "CONDITIONS", "GROUPS":
			return true
		}
	}
	return false
}

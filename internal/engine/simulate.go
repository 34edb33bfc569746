package engine

import (
	"strconv"

	"github.com/google/uuid"
	"github.com/shaiso/celerywatch/internal/domain"
)

// Simulation: результат dry-run проверки workflow на синтетическом событии.
type Simulation struct {
	// TriggerMatched: тип события совпадает с trigger.type.
	TriggerMatched bool `json:"trigger_matched"`

	// ConditionsMet: результат Evaluate.
	ConditionsMet bool `json:"conditions_met"`

	// WouldExecute: workflow включён, триггер и условия совпали.
	// Гейты допуска (cooldown, hourly cap, circuit breaker) не опрашиваются.
	WouldExecute bool `json:"would_execute"`

	// Conditions: результат каждого условия (без short-circuit), для отладки.
	Conditions []ConditionOutcome `json:"conditions"`

	// Actions: действия, которые были бы выполнены, с отрендеренными params.
	Actions []ActionPreview `json:"actions"`

	// Notes: причины, по которым workflow не выполнился бы.
	Notes []string `json:"notes,omitempty"`
}

// ConditionOutcome: результат одного условия.
type ConditionOutcome struct {
	Path     string          `json:"path"`
	Field    string          `json:"field"`
	Operator domain.Operator `json:"operator"`
	Expected any             `json:"expected,omitempty"`
	Actual   any             `json:"actual"`
	Matched  bool            `json:"matched"`
}

// ActionPreview: действие в порядке выполнения.
type ActionPreview struct {
	Type              string         `json:"type"`
	ConfigID          *uuid.UUID     `json:"config_id,omitempty"`
	Params            map[string]any `json:"params,omitempty"`
	ContinueOnFailure bool           `json:"continue_on_failure"`
	RenderError       string         `json:"render_error,omitempty"`
}

// Simulate выполняет чистую симуляцию: только триггер, условия и
// рендеринг шаблонов. Circuit breaker, scheduler, ledger и executors
// не затрагиваются, поэтому повторные вызовы ничего не меняют.
func Simulate(wf *domain.WorkflowDefinition, ev *domain.Event) *Simulation {
	sim := &Simulation{
		TriggerMatched: ev.Type == wf.Trigger.Type,
		ConditionsMet:  Evaluate(wf.Conditions, ev),
		Conditions:     []ConditionOutcome{},
		Actions:        make([]ActionPreview, 0, len(wf.Actions)),
	}

	if !wf.Enabled {
		sim.Notes = append(sim.Notes, "workflow is disabled")
	}
	if !sim.TriggerMatched {
		sim.Notes = append(sim.Notes, "event type "+ev.Type+" does not match trigger "+wf.Trigger.Type)
	}
	if !sim.ConditionsMet {
		sim.Notes = append(sim.Notes, "conditions not met")
	}
	if len(wf.Actions) == 0 {
		sim.Notes = append(sim.Notes, "workflow has no actions")
	}

	sim.WouldExecute = wf.IsRunnable() && sim.TriggerMatched && sim.ConditionsMet

	if wf.Conditions != nil {
		sim.Conditions = explainGroup(wf.Conditions, ev, "conditions", sim.Conditions)
	}

	data := NewContext(ev, wf)
	for _, a := range wf.Actions {
		preview := ActionPreview{
			Type:              a.Type,
			ConfigID:          a.ConfigID,
			ContinueOnFailure: a.ContinueOnFailure,
		}
		params, err := RenderConfig(a.Params, data)
		if err != nil {
			preview.RenderError = err.Error()
			preview.Params = a.Params
		} else {
			preview.Params = params
		}
		sim.Actions = append(sim.Actions, preview)
	}

	return sim
}

func explainGroup(g *domain.ConditionGroup, ev *domain.Event, path string, out []ConditionOutcome) []ConditionOutcome {
	for i := range g.Conditions {
		c := &g.Conditions[i]
		out = append(out, ConditionOutcome{
			Path:     path + ".conditions[" + strconv.Itoa(i) + "]",
			Field:    c.Field,
			Operator: c.Operator,
			Expected: c.Value,
			Actual:   ev.Lookup(c.Field).Interface(),
			Matched:  EvaluateCondition(c, ev),
		})
	}
	for i := range g.Groups {
		out = explainGroup(&g.Groups[i], ev, path+".groups["+strconv.Itoa(i)+"]", out)
	}
	return out
}

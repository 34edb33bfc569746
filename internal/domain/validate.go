package domain

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Типы действий.
const (
	ActionSlackNotify = "slack.notify"
	ActionTaskRetry   = "task.retry"
	ActionEmailSend   = "email.send"
	ActionWebhookCall = "webhook.call"
)

// ActionTypes: поддерживаемые типы действий.
var ActionTypes = []string{ActionSlackNotify, ActionTaskRetry, ActionEmailSend, ActionWebhookCall}

// IsKnownActionType проверяет тип действия.
func IsKnownActionType(t string) bool {
	for _, at := range ActionTypes {
		if at == t {
			return true
		}
	}
	return false
}

// maxConditionDepth ограничивает вложенность групп условий.
const maxConditionDepth = 8

// ErrInvalidDefinition: базовая ошибка валидации определения.
var ErrInvalidDefinition = errors.New("invalid definition")

// ValidationError: ошибка валидации с путём к полю.
type ValidationError struct {
	Field   string // путь к полю ("actions[0].type")
	Message string
}

// Error реализует интерфейс error.
func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// ValidationErrors: список ошибок валидации определения.
type ValidationErrors []ValidationError

// Error реализует интерфейс error.
func (e ValidationErrors) Error() string {
	parts := make([]string, len(e))
	for i, ve := range e {
		parts[i] = ve.Error()
	}
	return strings.Join(parts, "; ")
}

// Unwrap позволяет errors.Is(err, ErrInvalidDefinition).
func (e ValidationErrors) Unwrap() error {
	return ErrInvalidDefinition
}

var validate = validator.New()

// ValidateWorkflow проверяет определение при сохранении.
// Ошибки определения (неизвестный оператор, битый regex, in без списка)
// не должны доходить до движка.
func ValidateWorkflow(wf *WorkflowDefinition) error {
	var errs ValidationErrors

	errs = append(errs, structErrors(wf)...)

	if wf.Enabled {
		if wf.Trigger.Type == "" {
			errs = append(errs, ValidationError{Field: "trigger.type", Message: "is required for an enabled workflow"})
		}
		if len(wf.Actions) == 0 {
			errs = append(errs, ValidationError{Field: "actions", Message: "at least one action is required for an enabled workflow"})
		}
	}
	if wf.Trigger.Type != "" && !IsKnownEventType(wf.Trigger.Type) {
		errs = append(errs, ValidationError{Field: "trigger.type", Message: fmt.Sprintf("unknown event type %q", wf.Trigger.Type)})
	}

	for i, a := range wf.Actions {
		if a.Type != "" && !IsKnownActionType(a.Type) {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("actions[%d].type", i),
				Message: fmt.Sprintf("unknown action type %q", a.Type),
			})
		}
	}

	if wf.Conditions != nil {
		errs = append(errs, validateGroup(wf.Conditions, "conditions", 1)...)
	}

	if cb := wf.CircuitBreaker; cb != nil && cb.Enabled {
		if cb.MaxExecutions < 1 {
			errs = append(errs, ValidationError{Field: "circuit_breaker.max_executions", Message: "must be at least 1"})
		}
		if cb.WindowSeconds < 1 {
			errs = append(errs, ValidationError{Field: "circuit_breaker.window_seconds", Message: "must be at least 1"})
		}
		if !cb.IsAuto() && CanonicalField(cb.ContextField) == "" {
			errs = append(errs, ValidationError{
				Field:   "circuit_breaker.context_field",
				Message: fmt.Sprintf("unknown event field %q", cb.ContextField),
			})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// ValidateActionConfig проверяет ActionConfigDefinition.
func ValidateActionConfig(cfg *ActionConfigDefinition) error {
	errs := structErrors(cfg)
	if cfg.Type != "" && !IsKnownActionType(cfg.Type) {
		errs = append(errs, ValidationError{Field: "type", Message: fmt.Sprintf("unknown action type %q", cfg.Type)})
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateGroup(g *ConditionGroup, path string, depth int) ValidationErrors {
	var errs ValidationErrors

	if depth > maxConditionDepth {
		return ValidationErrors{{Field: path, Message: fmt.Sprintf("nesting deeper than %d levels", maxConditionDepth)}}
	}

	op := g.Operator.Normalize()
	if op != LogicalAnd && op != LogicalOr {
		errs = append(errs, ValidationError{Field: path + ".operator", Message: fmt.Sprintf("must be AND or OR, got %q", g.Operator)})
	}

	for i, c := range g.Conditions {
		errs = append(errs, validateCondition(c, fmt.Sprintf("%s.conditions[%d]", path, i))...)
	}
	for i := range g.Groups {
		errs = append(errs, validateGroup(&g.Groups[i], fmt.Sprintf("%s.groups[%d]", path, i), depth+1)...)
	}
	return errs
}

func validateCondition(c Condition, path string) ValidationErrors {
	var errs ValidationErrors

	if CanonicalField(c.Field) == "" {
		errs = append(errs, ValidationError{Field: path + ".field", Message: fmt.Sprintf("unknown event field %q", c.Field)})
	}
	if !c.Operator.IsValid() {
		errs = append(errs, ValidationError{Field: path + ".operator", Message: fmt.Sprintf("unknown operator %q", c.Operator)})
		return errs
	}

	switch {
	case c.Operator == OpMatches:
		pattern, ok := c.Value.(string)
		if !ok {
			errs = append(errs, ValidationError{Field: path + ".value", Message: "matches expects a string pattern"})
			break
		}
		if _, err := regexp.Compile(pattern); err != nil {
			errs = append(errs, ValidationError{Field: path + ".value", Message: fmt.Sprintf("invalid regular expression: %v", err)})
		}
	case c.Operator == OpIn || c.Operator == OpNotIn:
		if _, ok := c.Value.([]any); !ok {
			errs = append(errs, ValidationError{Field: path + ".value", Message: string(c.Operator) + " expects a list"})
		}
	case c.Operator.IsRelational():
		if _, ok := ValueOf(c.Value).Float(); !ok {
			errs = append(errs, ValidationError{Field: path + ".value", Message: string(c.Operator) + " expects a number"})
		}
	default:
		if c.Value == nil {
			errs = append(errs, ValidationError{Field: path + ".value", Message: "is required"})
		}
	}
	return errs
}

// structErrors переводит ошибки validator в ValidationErrors.
func structErrors(s any) ValidationErrors {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return ValidationErrors{{Message: err.Error()}}
	}

	out := make(ValidationErrors, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, ValidationError{
			Field:   fieldPath(fe.Namespace()),
			Message: fmt.Sprintf("failed %q check", fe.Tag()),
		})
	}
	return out
}

// fieldPath: "WorkflowDefinition.Actions[0].Type" → "actions[0].type".
func fieldPath(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		ns = ns[i+1:]
	}
	return toSnake(ns)
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && s[i-1] != '.' && s[i-1] != '[' {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

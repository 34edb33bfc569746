package engine

import (
	"regexp"
	"strings"
	"sync"

	"github.com/shaiso/celerywatch/internal/domain"
)

// Evaluate вычисляет группу условий для события.
//
// nil группа и пустая группа совпадают всегда. AND останавливается на
// первом false, OR на первом true. Функция не меняет ни событие, ни
// дерево условий и безопасна для конкурентного вызова.
func Evaluate(group *domain.ConditionGroup, ev *domain.Event) bool {
	if group == nil {
		return true
	}
	return evalGroup(group, ev)
}

func evalGroup(g *domain.ConditionGroup, ev *domain.Event) bool {
	if g.IsEmpty() {
		return true
	}

	switch g.Operator.Normalize() {
	case domain.LogicalAnd:
		for i := range g.Conditions {
			if !EvaluateCondition(&g.Conditions[i], ev) {
				return false
			}
		}
		for i := range g.Groups {
			if !evalGroup(&g.Groups[i], ev) {
				return false
			}
		}
		return true

	case domain.LogicalOr:
		for i := range g.Conditions {
			if EvaluateCondition(&g.Conditions[i], ev) {
				return true
			}
		}
		for i := range g.Groups {
			if evalGroup(&g.Groups[i], ev) {
				return true
			}
		}
		return false

	default:
		return false
	}
}

// EvaluateCondition вычисляет одно условие.
//
// Отсутствующее поле даёт false для всех операторов, кроме
// not_equals/not_in. Ошибки приведения типов дают false.
func EvaluateCondition(c *domain.Condition, ev *domain.Event) bool {
	actual := ev.Lookup(c.Field)
	if actual.IsAbsent() {
		return c.Operator.IsNegative()
	}

	switch c.Operator {
	case domain.OpEquals:
		return actual.Equal(domain.ValueOf(c.Value))

	case domain.OpNotEquals:
		return !actual.Equal(domain.ValueOf(c.Value))

	case domain.OpContains:
		want := domain.ValueOf(c.Value)
		return !want.IsAbsent() && strings.Contains(actual.String(), want.String())

	case domain.OpStartsWith:
		want := domain.ValueOf(c.Value)
		return !want.IsAbsent() && strings.HasPrefix(actual.String(), want.String())

	case domain.OpEndsWith:
		want := domain.ValueOf(c.Value)
		return !want.IsAbsent() && strings.HasSuffix(actual.String(), want.String())

	case domain.OpMatches:
		pattern, ok := c.Value.(string)
		if !ok {
			return false
		}
		re, err := compilePattern(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(actual.String())

	case domain.OpGT, domain.OpGTE, domain.OpLT, domain.OpLTE:
		return compareNumbers(c.Operator, actual, domain.ValueOf(c.Value))

	case domain.OpIn:
		return inList(actual, c.Value)

	case domain.OpNotIn:
		return !inList(actual, c.Value)

	default:
		return false
	}
}

func compareNumbers(op domain.Operator, actual, want domain.Value) bool {
	a, ok := actual.Float()
	if !ok {
		return false
	}
	b, ok := want.Float()
	if !ok {
		return false
	}

	switch op {
	case domain.OpGT:
		return a > b
	case domain.OpGTE:
		return a >= b
	case domain.OpLT:
		return a < b
	case domain.OpLTE:
		return a <= b
	}
	return false
}

// inList проверяет вхождение значения в список.
// Не-список трактуется как список из одного элемента.
func inList(actual domain.Value, list any) bool {
	switch items := list.(type) {
	case []any:
		for _, item := range items {
			if actual.Equal(domain.ValueOf(item)) {
				return true
			}
		}
		return false
	case []string:
		for _, item := range items {
			if actual.Equal(domain.StringValue(item)) {
				return true
			}
		}
		return false
	default:
		return actual.Equal(domain.ValueOf(list))
	}
}

// patternCache: скомпилированные regex по тексту шаблона.
// Шаблоны проверены при сохранении, поэтому ошибки здесь редки и тоже кешируются.
var patternCache sync.Map

type cachedPattern struct {
	re  *regexp.Regexp
	err error
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	if cached, ok := patternCache.Load(pattern); ok {
		cp := cached.(cachedPattern)
		return cp.re, cp.err
	}
	re, err := regexp.Compile(pattern)
	patternCache.Store(pattern, cachedPattern{re: re, err: err})
	return re, err
}

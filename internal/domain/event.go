package domain

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Типы событий Celery в точечной нотации.
const (
	EventTaskSent      = "task.sent"
	EventTaskReceived  = "task.received"
	EventTaskStarted   = "task.started"
	EventTaskSucceeded = "task.succeeded"
	EventTaskFailed    = "task.failed"
	EventTaskRetried   = "task.retried"
	EventTaskRevoked   = "task.revoked"
	EventTaskRejected  = "task.rejected"
	EventTaskOrphaned  = "task.orphaned"

	EventWorkerOnline    = "worker.online"
	EventWorkerOffline   = "worker.offline"
	EventWorkerHeartbeat = "worker.heartbeat"
)

// EventTypes: известные типы событий, допустимые в trigger.type.
var EventTypes = []string{
	EventTaskSent, EventTaskReceived, EventTaskStarted, EventTaskSucceeded,
	EventTaskFailed, EventTaskRetried, EventTaskRevoked, EventTaskRejected,
	EventTaskOrphaned,
	EventWorkerOnline, EventWorkerOffline, EventWorkerHeartbeat,
}

// IsKnownEventType проверяет тип события.
func IsKnownEventType(t string) bool {
	for _, et := range EventTypes {
		if et == t {
			return true
		}
	}
	return false
}

// NormalizeEventType переводит тип Celery ("task-failed") в точечную нотацию.
func NormalizeEventType(t string) string {
	return strings.ReplaceAll(strings.TrimSpace(t), "-", ".")
}

// IsTaskEvent: события жизненного цикла задачи.
func IsTaskEvent(t string) bool {
	return strings.HasPrefix(t, "task.")
}

// Имена полей события, доступные в условиях, шаблонах и context_field.
const (
	FieldEventType  = "event_type"
	FieldTaskID     = "task_id"
	FieldTaskName   = "task_name"
	FieldRootID     = "root_id"
	FieldParentID   = "parent_id"
	FieldQueue      = "queue"
	FieldRoutingKey = "routing_key"
	FieldHostname   = "hostname"
	FieldWorkerName = "worker_name"
	FieldException  = "exception"
	FieldTraceback  = "traceback"
	FieldRetryCount = "retry_count"
	FieldRuntime    = "runtime"
	FieldTimestamp  = "timestamp"
)

// EventFields: все поля события.
var EventFields = []string{
	FieldEventType, FieldTaskID, FieldTaskName, FieldRootID, FieldParentID,
	FieldQueue, FieldRoutingKey, FieldHostname, FieldWorkerName,
	FieldException, FieldTraceback, FieldRetryCount, FieldRuntime, FieldTimestamp,
}

// fieldAliases: имена полей в формате Celery.
var fieldAliases = map[string]string{
	"type":    FieldEventType,
	"uuid":    FieldTaskID,
	"name":    FieldTaskName,
	"worker":  FieldWorkerName,
	"retries": FieldRetryCount,
}

// CanonicalField возвращает каноническое имя поля или "".
func CanonicalField(name string) string {
	if alias, ok := fieldAliases[name]; ok {
		return alias
	}
	for _, f := range EventFields {
		if f == name {
			return f
		}
	}
	return ""
}

// Event: типизированное событие Celery.
//
// Пустые строки и nil-указатели означают отсутствие поля.
type Event struct {
	Type       string
	TaskID     string
	TaskName   string
	RootID     string
	ParentID   string
	Queue      string
	RoutingKey string
	Hostname   string
	WorkerName string
	Exception  string
	Traceback  string
	Retries    *int
	Runtime    *float64
	Timestamp  time.Time
}

// Lookup возвращает значение поля по имени (каноническому или Celery).
func (e *Event) Lookup(field string) Value {
	switch CanonicalField(field) {
	case FieldEventType:
		return stringOrAbsent(e.Type)
	case FieldTaskID:
		return stringOrAbsent(e.TaskID)
	case FieldTaskName:
		return stringOrAbsent(e.TaskName)
	case FieldRootID:
		return stringOrAbsent(e.RootID)
	case FieldParentID:
		return stringOrAbsent(e.ParentID)
	case FieldQueue:
		return stringOrAbsent(e.Queue)
	case FieldRoutingKey:
		return stringOrAbsent(e.RoutingKey)
	case FieldHostname:
		return stringOrAbsent(e.Hostname)
	case FieldWorkerName:
		return stringOrAbsent(e.WorkerName)
	case FieldException:
		return stringOrAbsent(e.Exception)
	case FieldTraceback:
		return stringOrAbsent(e.Traceback)
	case FieldRetryCount:
		if e.Retries == nil {
			return Absent()
		}
		return NumberValue(float64(*e.Retries))
	case FieldRuntime:
		if e.Runtime == nil {
			return Absent()
		}
		return NumberValue(*e.Runtime)
	case FieldTimestamp:
		if e.Timestamp.IsZero() {
			return Absent()
		}
		return NumberValue(float64(e.Timestamp.UnixNano()) / 1e9)
	default:
		return Absent()
	}
}

// Fields возвращает присутствующие поля события.
// Используется для снимка в execution record и для шаблонов действий.
func (e *Event) Fields() map[string]any {
	m := make(map[string]any, len(EventFields))
	for _, f := range EventFields {
		v := e.Lookup(f)
		if v.IsAbsent() {
			continue
		}
		m[f] = v.Interface()
	}
	if !e.Timestamp.IsZero() {
		m[FieldTimestamp] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return m
}

// EventFromFields собирает событие из плоской карты полей
// (тело dry-run запроса, сохранённый снимок).
func EventFromFields(m map[string]any) Event {
	var ev Event
	for key, raw := range m {
		v := ValueOf(raw)
		if v.IsAbsent() {
			continue
		}
		switch CanonicalField(key) {
		case FieldEventType:
			ev.Type = NormalizeEventType(v.String())
		case FieldTaskID:
			ev.TaskID = v.String()
		case FieldTaskName:
			ev.TaskName = v.String()
		case FieldRootID:
			ev.RootID = v.String()
		case FieldParentID:
			ev.ParentID = v.String()
		case FieldQueue:
			ev.Queue = v.String()
		case FieldRoutingKey:
			ev.RoutingKey = v.String()
		case FieldHostname:
			ev.Hostname = v.String()
		case FieldWorkerName:
			ev.WorkerName = v.String()
		case FieldException:
			ev.Exception = v.String()
		case FieldTraceback:
			ev.Traceback = v.String()
		case FieldRetryCount:
			if n, ok := v.Float(); ok {
				retries := int(n)
				ev.Retries = &retries
			}
		case FieldRuntime:
			if n, ok := v.Float(); ok {
				ev.Runtime = &n
			}
		case FieldTimestamp:
			ev.Timestamp = parseTimestamp(v)
		}
	}
	if ev.WorkerName == "" {
		ev.WorkerName = ev.Hostname
	}
	return ev
}

// parseTimestamp принимает unix-секунды или RFC3339.
func parseTimestamp(v Value) time.Time {
	if v.Kind() == KindNumber {
		n, _ := v.Float()
		return UnixFloat(n)
	}
	if t, err := time.Parse(time.RFC3339Nano, v.String()); err == nil {
		return t
	}
	if n, ok := v.Float(); ok {
		return UnixFloat(n)
	}
	return time.Time{}
}

// UnixFloat переводит дробные unix-секунды (формат Celery) во время.
func UnixFloat(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC()
}

func stringOrAbsent(s string) Value {
	if s == "" {
		return Absent()
	}
	return StringValue(s)
}

// --- Value ---

// Kind: тег варианта Value.
type Kind uint8

const (
	KindAbsent Kind = iota
	KindString
	KindNumber
	KindBool
)

// Value: значение поля события (string, number, bool или отсутствует).
// Все приведения типов собраны здесь.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
}

// Absent возвращает отсутствующее значение.
func Absent() Value { return Value{} }

// StringValue создаёт строковое значение.
func StringValue(s string) Value { return Value{kind: KindString, str: s} }

// NumberValue создаёт числовое значение.
func NumberValue(n float64) Value { return Value{kind: KindNumber, num: n} }

// BoolValue создаёт булево значение.
func BoolValue(b bool) Value { return Value{kind: KindBool, b: b} }

// ValueOf переводит значение из JSON-дерева (condition.value, тело запроса) в Value.
func ValueOf(x any) Value {
	switch v := x.(type) {
	case nil:
		return Absent()
	case Value:
		return v
	case string:
		return StringValue(v)
	case bool:
		return BoolValue(v)
	case float64:
		return NumberValue(v)
	case float32:
		return NumberValue(float64(v))
	case int:
		return NumberValue(float64(v))
	case int32:
		return NumberValue(float64(v))
	case int64:
		return NumberValue(float64(v))
	case json.Number:
		if n, err := v.Float64(); err == nil {
			return NumberValue(n)
		}
		return StringValue(v.String())
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return Absent()
		}
		return StringValue(string(data))
	}
}

// Kind возвращает тег значения.
func (v Value) Kind() Kind { return v.kind }

// IsAbsent проверяет отсутствие значения.
func (v Value) IsAbsent() bool { return v.kind == KindAbsent }

// String возвращает строковое представление. Для отсутствующего значения "".
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return ""
	}
}

// Float приводит значение к числу. Строки разбираются strconv.
func (v Value) Float() (float64, bool) {
	switch v.kind {
	case KindNumber:
		return v.num, true
	case KindString:
		n, err := strconv.ParseFloat(strings.TrimSpace(v.str), 64)
		if err != nil || math.IsNaN(n) {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// Bool приводит значение к bool.
func (v Value) Bool() (bool, bool) {
	switch v.kind {
	case KindBool:
		return v.b, true
	case KindString:
		b, err := strconv.ParseBool(strings.TrimSpace(v.str))
		return b, err == nil
	default:
		return false, false
	}
}

// Interface возвращает значение как any (для JSON и шаблонов).
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	default:
		return nil
	}
}

// Equal сравнивает значения. Если одна из сторон число, сравнение числовое;
// если bool, булево; иначе строковое. Отсутствующее значение не равно ничему.
func (v Value) Equal(other Value) bool {
	if v.IsAbsent() || other.IsAbsent() {
		return false
	}
	if v.kind == KindNumber || other.kind == KindNumber {
		a, okA := v.Float()
		b, okB := other.Float()
		if okA && okB {
			return a == b
		}
		return false
	}
	if v.kind == KindBool || other.kind == KindBool {
		a, okA := v.Bool()
		b, okB := other.Bool()
		return okA && okB && a == b
	}
	return v.str == other.str
}

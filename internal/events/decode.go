package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shaiso/celerywatch/internal/domain"
)

// ErrMalformedEvent: тело не является событием Celery.
var ErrMalformedEvent = errors.New("malformed celery event")

// Decode разбирает тело сообщения celeryev.
//
// Принимает один объект события или массив (буферизованные события
// Celery). Тип события переводится в точечную нотацию
// ("task-failed" → "task.failed"), поля Celery (uuid, name, retries)
// в канонические имена.
func Decode(body []byte) ([]domain.Event, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedEvent)
	}

	var raws []map[string]any
	if body[0] == '[' {
		if err := json.Unmarshal(body, &raws); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
	} else {
		var raw map[string]any
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		raws = []map[string]any{raw}
	}

	events := make([]domain.Event, 0, len(raws))
	for i, raw := range raws {
		ev := domain.EventFromFields(raw)
		if ev.Type == "" {
			return nil, fmt.Errorf("%w: event %d has no type", ErrMalformedEvent, i)
		}
		events = append(events, ev)
	}
	return events, nil
}

package events

import (
	"context"
	"log/slog"

	"github.com/shaiso/celerywatch/internal/domain"
	"github.com/shaiso/celerywatch/internal/telemetry"
)

// Submitter принимает событие в обработку без блокировки.
// false: событие отброшено (нет подписчиков или очередь полна).
type Submitter interface {
	Submit(ev *domain.Event) bool
}

// Ingestor: декодирование → обогащение → передача в движок.
// Реализует mq.EventSink.
type Ingestor struct {
	enricher *Enricher
	target   Submitter
	logger   *slog.Logger
}

// NewIngestor создаёт Ingestor. enricher может быть nil.
func NewIngestor(target Submitter, enricher *Enricher, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		enricher: enricher,
		target:   target,
		logger:   logger,
	}
}

// Ingest разбирает тело и передаёт события в движок.
// Ошибка только для неразбираемого тела.
func (i *Ingestor) Ingest(_ context.Context, source string, body []byte) error {
	evs, err := Decode(body)
	if err != nil {
		telemetry.EventsDropped.WithLabelValues("decode_error").Inc()
		return err
	}

	for k := range evs {
		ev := &evs[k]
		telemetry.EventsReceived.WithLabelValues(source).Inc()

		if i.enricher != nil {
			i.enricher.Enrich(ev)
		}

		if !i.target.Submit(ev) {
			i.logger.Debug("event not accepted",
				"source", source,
				"event_type", ev.Type,
				"task_id", ev.TaskID,
			)
		}
	}
	return nil
}

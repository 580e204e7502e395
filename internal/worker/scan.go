package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scanbase/scanbase/internal/queue"
	"github.com/scanbase/scanbase/internal/repo"
	"github.com/scanbase/scanbase/internal/webhook"
)

const defaultBackoff = 5 * time.Second

type ScanDequeuer interface {
	DequeueScan(ctx context.Context) (*queue.ScanMessage, error)
}

type ScanStore interface {
	Insert(ctx context.Context, event *repo.ScanEvent) error
}

type DeviceClassifier func(signature string) string

type GeoLookup interface {
	Lookup(ip string) (city, country string)
}

type ScanNotifier interface {
	NotifyScan(ctx context.Context, target string, notification webhook.ScanNotification) error
}

// ScanWorker drains the scan-event queue: block on the next message, enrich
// it, persist it, then try the webhook once. The queue is at-least-once, so
// a crash between dequeue and insert redelivers the message and a duplicate
// row is tolerated; no dedup key is kept.
type ScanWorker struct {
	queue    ScanDequeuer
	scans    ScanStore
	classify DeviceClassifier
	geo      GeoLookup
	notifier ScanNotifier
	backoff  time.Duration
}

func NewScanWorker(q ScanDequeuer, scans ScanStore, classify DeviceClassifier, geo GeoLookup, notifier ScanNotifier) *ScanWorker {
	return &ScanWorker{
		queue:    q,
		scans:    scans,
		classify: classify,
		geo:      geo,
		notifier: notifier,
		backoff:  defaultBackoff,
	}
}

// Run loops until the context is cancelled. Any iteration error is caught
// here: log, sleep a fixed interval, resume. The backoff is deliberately
// flat regardless of the error.
func (w *ScanWorker) Run(ctx context.Context) {
	log.Info().Msg("scan event worker started")

	for {
		msg, err := w.queue.DequeueScan(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info().Msg("scan event worker stopping")
				return
			}
			log.Error().Err(err).Msg("scan worker iteration failed")
			w.sleep(ctx)
			continue
		}

		if err := w.process(ctx, msg); err != nil {
			log.Error().Err(err).Int64("link_id", msg.LinkID).Msg("scan worker iteration failed")
			w.sleep(ctx)
		}
	}
}

func (w *ScanWorker) process(ctx context.Context, msg *queue.ScanMessage) error {
	event := &repo.ScanEvent{
		LinkID:          msg.LinkID,
		SourceIP:        msg.SourceIP,
		ClientSignature: msg.ClientSignature,
		DeviceClass:     w.classify(msg.ClientSignature),
		OccurredAt:      repo.Date(msg.OccurredAt),
	}

	// Best effort; empty fields are fine.
	event.GeoCity, event.GeoCountry = w.geo.Lookup(msg.SourceIP)

	if err := w.scans.Insert(ctx, event); err != nil {
		return err
	}

	log.Info().
		Int64("link_id", event.LinkID).
		Str("device", event.DeviceClass).
		Str("country", event.GeoCountry).
		Msg("scan event persisted")

	if msg.WebhookTarget != "" {
		notification := webhook.ScanNotification{
			LinkID:      event.LinkID,
			OccurredAt:  msg.OccurredAt,
			DeviceClass: event.DeviceClass,
			GeoCity:     event.GeoCity,
			GeoCountry:  event.GeoCountry,
		}
		if err := w.notifier.NotifyScan(ctx, msg.WebhookTarget, notification); err != nil {
			// Single attempt only; the event stays persisted.
			log.Warn().Err(err).Int64("link_id", event.LinkID).Str("target", msg.WebhookTarget).Msg("webhook delivery failed")
		}
	}

	return nil
}

func (w *ScanWorker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.backoff):
	}
}

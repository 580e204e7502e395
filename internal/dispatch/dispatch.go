package dispatch

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scanbase/scanbase/internal/device"
	"github.com/scanbase/scanbase/internal/queue"
	"github.com/scanbase/scanbase/internal/repo"
)

// Kind enumerates the possible outcomes of a dispatch.
type Kind int

const (
	KindNotFound Kind = iota
	KindRedirect
	KindInterstitial
)

// Decision is the outcome of evaluating a link's rules against one request.
type Decision struct {
	Kind     Kind
	Location string
	Link     *repo.ShortLink
}

// RequestContext carries the request facts the rule evaluation needs.
type RequestContext struct {
	SourceIP        string
	ClientSignature string
}

// ScanEnqueuer submits scan events to the durable queue.
type ScanEnqueuer interface {
	EnqueueScan(ctx context.Context, msg queue.ScanMessage) error
}

// AssetResolver turns a stored asset reference into a fetchable URL.
type AssetResolver interface {
	URL(key string) string
}

const enqueueTimeout = 5 * time.Second

// Dispatcher decides the final destination for a resolved link. Rule order
// is strict, first match wins:
//
//  1. inactive link: not found
//  2. lead capture: interstitial, device rules are never consulted
//  3. file link with an asset: redirect to the stored asset
//  4. iOS/Android override matching the client OS, else the destination
//
// Every outcome except not-found also records a scan event, fire-and-forget:
// the decision is returned without waiting on the queue, and an enqueue
// failure only surfaces in the logs.
type Dispatcher struct {
	queue  ScanEnqueuer
	assets AssetResolver
	now    func() time.Time
}

func New(scanQueue ScanEnqueuer, assets AssetResolver) *Dispatcher {
	return &Dispatcher{queue: scanQueue, assets: assets, now: time.Now}
}

func (d *Dispatcher) Dispatch(ctx context.Context, link *repo.ShortLink, reqCtx RequestContext) Decision {
	if !link.Active {
		return Decision{Kind: KindNotFound}
	}

	d.recordScan(link, reqCtx)

	if link.Rules.LeadCapture {
		log.Debug().Str("slug", link.Slug).Msg("serving lead capture interstitial")
		return Decision{Kind: KindInterstitial, Link: link}
	}

	if link.Type == repo.LinkTypeFile && link.AssetRef != "" {
		return Decision{Kind: KindRedirect, Location: d.assets.URL(link.AssetRef), Link: link}
	}

	destination := link.Destination
	switch device.OS(reqCtx.ClientSignature) {
	case device.OSiOS:
		if link.Rules.IOS != "" {
			destination = link.Rules.IOS
		}
	case device.OSAndroid:
		if link.Rules.Android != "" {
			destination = link.Rules.Android
		}
	}

	log.Debug().Str("slug", link.Slug).Str("destination", destination).Msg("redirecting")
	return Decision{Kind: KindRedirect, Location: destination, Link: link}
}

// recordScan spawns the enqueue on a detached context so the redirect is
// never delayed by the queue, and a queue outage costs an event, not a scan.
func (d *Dispatcher) recordScan(link *repo.ShortLink, reqCtx RequestContext) {
	msg := queue.ScanMessage{
		LinkID:          link.ID,
		SourceIP:        reqCtx.SourceIP,
		ClientSignature: reqCtx.ClientSignature,
		OccurredAt:      d.now().UTC(),
		WebhookTarget:   link.WebhookTarget,
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
		defer cancel()

		if err := d.queue.EnqueueScan(ctx, msg); err != nil {
			log.Error().Err(err).Int64("link_id", msg.LinkID).Msg("failed to enqueue scan event")
		}
	}()
}

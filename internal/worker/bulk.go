package worker

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scanbase/scanbase/internal/blob"
	"github.com/scanbase/scanbase/internal/qr"
	"github.com/scanbase/scanbase/internal/queue"
	"github.com/scanbase/scanbase/internal/repo"
)

const (
	maxSlugAttempts  = 5
	maxClaimAttempts = 3
)

type BulkDequeuer interface {
	DequeueBulkJob(ctx context.Context) (*queue.BulkJobMessage, error)
}

type JobStore interface {
	MarkProcessing(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id, outputRef string, processedCount int) error
	MarkFailed(ctx context.Context, id, errorDetail string) error
}

type LinkCreator interface {
	Create(ctx context.Context, params repo.CreateLinkParams) (*repo.ShortLink, error)
}

// BulkWorker turns bulk job descriptors into packaged archives: one fresh
// short link and one rendered artifact per usable input row, zipped together
// with a manifest. A failure anywhere aborts the remaining rows and marks
// the job failed; links already inserted are not rolled back.
type BulkWorker struct {
	queue    BulkDequeuer
	jobs     JobStore
	links    LinkCreator
	blobs    blob.Store
	renderer qr.Renderer
	baseURL  string
	backoff  time.Duration
}

func NewBulkWorker(q BulkDequeuer, jobs JobStore, links LinkCreator, blobs blob.Store, renderer qr.Renderer, baseURL string) *BulkWorker {
	return &BulkWorker{
		queue:    q,
		jobs:     jobs,
		links:    links,
		blobs:    blobs,
		renderer: renderer,
		baseURL:  baseURL,
		backoff:  defaultBackoff,
	}
}

func (w *BulkWorker) Run(ctx context.Context) {
	log.Info().Msg("bulk job worker started")

	for {
		msg, err := w.queue.DequeueBulkJob(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info().Msg("bulk job worker stopping")
				return
			}
			log.Error().Err(err).Msg("bulk worker iteration failed")
			w.sleep(ctx)
			continue
		}

		w.Process(ctx, msg)
	}
}

// Process runs one job to a terminal state. Queue-level single delivery is
// the only guard against two processors sharing a job; the queued->processing
// status transition additionally drops stale redeliveries.
func (w *BulkWorker) Process(ctx context.Context, msg *queue.BulkJobMessage) {
	if err := w.claim(ctx, msg.JobID); err != nil {
		if errors.Is(err, repo.ErrJobNotFound) {
			log.Warn().Err(err).Str("job_id", msg.JobID).Msg("skipping bulk job, not in queued state")
		} else {
			log.Error().Err(err).Str("job_id", msg.JobID).Msg("failed to claim bulk job, leaving it queued")
		}
		return
	}

	log.Info().Str("job_id", msg.JobID).Str("input_ref", msg.InputRef).Msg("processing bulk job")

	outputRef, processed, err := w.generate(ctx, msg)
	if err != nil {
		w.fail(ctx, msg.JobID, err)
		return
	}

	if err := w.jobs.MarkCompleted(ctx, msg.JobID, outputRef, processed); err != nil {
		log.Error().Err(err).Str("job_id", msg.JobID).Msg("failed to complete bulk job")
		return
	}

	log.Info().Str("job_id", msg.JobID).Int("processed", processed).Str("output_ref", outputRef).Msg("bulk job completed")
}

// claim transitions the job to processing. ErrJobNotFound means the job is no
// longer queued and the descriptor is a stale redelivery; anything else is an
// infra error and is retried so a transient store hiccup does not strand the
// job in queued.
func (w *BulkWorker) claim(ctx context.Context, jobID string) error {
	var err error
	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		err = w.jobs.MarkProcessing(ctx, jobID)
		if err == nil || errors.Is(err, repo.ErrJobNotFound) {
			return err
		}
		log.Warn().Err(err).Str("job_id", jobID).Msg("bulk job claim failed, retrying")
		w.sleep(ctx)
	}
	return err
}

func (w *BulkWorker) generate(ctx context.Context, msg *queue.BulkJobMessage) (outputRef string, processed int, err error) {
	input, err := w.blobs.Open(ctx, msg.InputRef)
	if err != nil {
		return "", 0, fmt.Errorf("read input rows: %w", err)
	}
	defer input.Close()

	rows, err := parseRows(input)
	if err != nil {
		return "", 0, fmt.Errorf("parse input rows: %w", err)
	}

	if msg.BaseTemplate != "" {
		if _, err := url.Parse(msg.BaseTemplate); err != nil {
			return "", 0, fmt.Errorf("invalid base template: %w", err)
		}
	}

	style := qr.ParseStyle(msg.StyleConfig)

	var archive bytes.Buffer
	zw := zip.NewWriter(&archive)
	manifest := [][]string{{"row_index", "display_name", "destination", "short_url", "artifact_name"}}

	for i, row := range rows {
		destination, err := destinationFor(row, msg.BaseTemplate)
		if err != nil {
			return "", 0, err
		}
		if destination == "" {
			// Not an error, just excluded.
			log.Debug().Str("job_id", msg.JobID).Int("row", i).Msg("row has no destination, skipping")
			continue
		}

		link, err := w.createLink(ctx, msg, destination)
		if err != nil {
			return "", 0, fmt.Errorf("row %d: %w", i, err)
		}

		shortURL := w.baseURL + "/" + link.Slug

		artifact, err := w.renderer.Render(shortURL, style)
		if err != nil {
			return "", 0, fmt.Errorf("row %d: render artifact: %w", i, err)
		}

		artifactName := fmt.Sprintf("%04d_%s.png", i+1, link.Slug)
		entry, err := zw.Create(artifactName)
		if err != nil {
			return "", 0, fmt.Errorf("row %d: package artifact: %w", i, err)
		}
		if _, err := entry.Write(artifact); err != nil {
			return "", 0, fmt.Errorf("row %d: package artifact: %w", i, err)
		}

		displayName := row["name"]
		if displayName == "" {
			displayName = link.Slug
		}

		manifest = append(manifest, []string{
			strconv.Itoa(i), displayName, destination, shortURL, artifactName,
		})
		processed++
	}

	if err := writeManifest(zw, manifest); err != nil {
		return "", 0, err
	}
	if err := zw.Close(); err != nil {
		return "", 0, fmt.Errorf("finalize archive: %w", err)
	}

	outputRef = "bulk/" + msg.JobID + ".zip"
	if err := w.blobs.Put(ctx, outputRef, &archive); err != nil {
		return "", 0, fmt.Errorf("store archive: %w", err)
	}

	return outputRef, processed, nil
}

// createLink allocates a fresh link with a random slug. A collision on the
// unique constraint is retried with a new slug instead of failing the row.
func (w *BulkWorker) createLink(ctx context.Context, msg *queue.BulkJobMessage, destination string) (*repo.ShortLink, error) {
	for attempt := 0; attempt < maxSlugAttempts; attempt++ {
		link, err := w.links.Create(ctx, repo.CreateLinkParams{
			OwnerID:     msg.OwnerID,
			Slug:        repo.GenerateSlug(),
			Destination: destination,
			Type:        repo.LinkTypeURL,
			StyleMeta:   msg.StyleConfig,
		})
		if err == nil {
			return link, nil
		}
		if !errors.Is(err, repo.ErrSlugExists) {
			return nil, fmt.Errorf("create link: %w", err)
		}
	}
	return nil, fmt.Errorf("create link: %d slug collisions in a row", maxSlugAttempts)
}

func (w *BulkWorker) fail(ctx context.Context, jobID string, cause error) {
	log.Error().Err(cause).Str("job_id", jobID).Msg("bulk job failed")
	if err := w.jobs.MarkFailed(ctx, jobID, cause.Error()); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("failed to record bulk job failure")
	}
}

func (w *BulkWorker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.backoff):
	}
}

// parseRows reads a CSV with a header row into one map per data row.
func parseRows(r io.Reader) ([]map[string]string, error) {
	reader := csv.NewReader(r)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	var rows []map[string]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			}
		}
		rows = append(rows, row)
	}

	return rows, nil
}

// destinationFor computes a row's destination. With a base template the
// row's fields are appended as query parameters; otherwise the first present
// of url, destination, link wins. An empty result means the row is skipped.
func destinationFor(row map[string]string, baseTemplate string) (string, error) {
	if baseTemplate == "" {
		for _, field := range []string{"url", "destination", "link"} {
			if v := row[field]; v != "" {
				return v, nil
			}
		}
		return "", nil
	}

	u, err := url.Parse(baseTemplate)
	if err != nil {
		return "", fmt.Errorf("invalid base template: %w", err)
	}

	q := u.Query()
	for col, val := range row {
		if val != "" {
			q.Set(col, val)
		}
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

func writeManifest(zw *zip.Writer, records [][]string) error {
	entry, err := zw.Create("manifest.csv")
	if err != nil {
		return fmt.Errorf("package manifest: %w", err)
	}

	cw := csv.NewWriter(entry)
	if err := cw.WriteAll(records); err != nil {
		return fmt.Errorf("package manifest: %w", err)
	}
	cw.Flush()
	return cw.Error()
}

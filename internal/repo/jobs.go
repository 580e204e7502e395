package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/rs/zerolog/log"
)

type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// BulkJob is one batch generation request. Status moves
// queued -> processing -> completed|failed and never backwards.
type BulkJob struct {
	ID             string          `json:"id"`
	OwnerID        string          `json:"owner_id"`
	Status         JobStatus       `json:"status"`
	InputRef       string          `json:"input_ref"`
	BaseTemplate   string          `json:"base_template,omitempty"`
	StyleConfig    json.RawMessage `json:"style_config,omitempty"`
	ProcessedCount int             `json:"processed_count"`
	OutputRef      string          `json:"output_ref,omitempty"`
	ErrorDetail    string          `json:"error_detail,omitempty"`
	CreatedAt      Date            `json:"created_at"`
}

type bulkJobRow struct {
	ID             string `db:"id"`
	OwnerID        string `db:"owner_id"`
	Status         string `db:"status"`
	InputRef       string `db:"input_ref"`
	BaseTemplate   string `db:"base_template"`
	StyleConfig    string `db:"style_config"`
	ProcessedCount int    `db:"processed_count"`
	OutputRef      string `db:"output_ref"`
	ErrorDetail    string `db:"error_detail"`
	CreatedAt      Date   `db:"created_at"`
}

func jobCols() []any {
	return []any{
		"id", "owner_id", "status", "input_ref", "base_template",
		"style_config", "processed_count", "output_ref", "error_detail", "created_at",
	}
}

type BulkJobsRepo struct {
	db *sql.DB
}

func NewBulkJobsRepo(db *sql.DB) *BulkJobsRepo {
	return &BulkJobsRepo{db: db}
}

type CreateJobParams struct {
	ID           string
	OwnerID      string
	InputRef     string
	BaseTemplate string
	StyleConfig  json.RawMessage
}

func (r *BulkJobsRepo) Create(ctx context.Context, params CreateJobParams) (*BulkJob, error) {
	executor := goqu.New("sqlite", r.db)

	style := string(params.StyleConfig)
	if style == "" {
		style = "{}"
	}

	query := executor.Insert("bulk_jobs").
		Cols("id", "owner_id", "status", "input_ref", "base_template", "style_config", "created_at").
		Vals([]any{params.ID, params.OwnerID, string(JobStatusQueued), params.InputRef, params.BaseTemplate, style, Now()}).
		Returning(jobCols()...)

	var row bulkJobRow
	found, err := query.Executor().ScanStructContext(ctx, &row)
	if err != nil {
		log.Error().Err(err).Str("job_id", params.ID).Msg("failed to create bulk job")
		return nil, err
	}
	if !found {
		return nil, ErrJobNotFound
	}

	log.Info().Str("job_id", row.ID).Msg("bulk job queued")
	return row.toDomain(), nil
}

func (r *BulkJobsRepo) Get(ctx context.Context, id string) (*BulkJob, error) {
	executor := goqu.New("sqlite", r.db)

	query := executor.From("bulk_jobs").Where(goqu.Ex{"id": id}).Select(jobCols()...)

	var row bulkJobRow
	found, err := query.Executor().ScanStructContext(ctx, &row)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrJobNotFound
	}

	return row.toDomain(), nil
}

// MarkProcessing transitions a queued job to processing. The status guard in
// the WHERE clause keeps the state machine monotonic even if a job descriptor
// is redelivered.
func (r *BulkJobsRepo) MarkProcessing(ctx context.Context, id string) error {
	return r.transition(ctx, id, JobStatusQueued, goqu.Record{
		"status": string(JobStatusProcessing),
	})
}

func (r *BulkJobsRepo) MarkCompleted(ctx context.Context, id, outputRef string, processedCount int) error {
	return r.transition(ctx, id, JobStatusProcessing, goqu.Record{
		"status":          string(JobStatusCompleted),
		"output_ref":      outputRef,
		"processed_count": processedCount,
	})
}

func (r *BulkJobsRepo) MarkFailed(ctx context.Context, id, errorDetail string) error {
	return r.transition(ctx, id, JobStatusProcessing, goqu.Record{
		"status":       string(JobStatusFailed),
		"error_detail": errorDetail,
	})
}

func (r *BulkJobsRepo) transition(ctx context.Context, id string, from JobStatus, record goqu.Record) error {
	executor := goqu.New("sqlite", r.db)

	query := executor.Update("bulk_jobs").
		Set(record).
		Where(goqu.Ex{"id": id, "status": string(from)})

	result, err := query.Executor().ExecContext(ctx)
	if err != nil {
		log.Error().Err(err).Str("job_id", id).Msg("failed to transition bulk job")
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("job %s: no transition from %s: %w", id, from, ErrJobNotFound)
	}

	log.Info().Str("job_id", id).Interface("to", record["status"]).Msg("bulk job transitioned")
	return nil
}

func (r *bulkJobRow) toDomain() *BulkJob {
	var style json.RawMessage
	if r.StyleConfig != "" && r.StyleConfig != "{}" {
		style = json.RawMessage(r.StyleConfig)
	}

	return &BulkJob{
		ID:             r.ID,
		OwnerID:        r.OwnerID,
		Status:         JobStatus(r.Status),
		InputRef:       r.InputRef,
		BaseTemplate:   r.BaseTemplate,
		StyleConfig:    style,
		ProcessedCount: r.ProcessedCount,
		OutputRef:      r.OutputRef,
		ErrorDetail:    r.ErrorDetail,
		CreatedAt:      r.CreatedAt,
	}
}

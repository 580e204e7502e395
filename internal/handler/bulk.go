package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/scanbase/scanbase/internal/auth"
	"github.com/scanbase/scanbase/internal/blob"
	"github.com/scanbase/scanbase/internal/queue"
	"github.com/scanbase/scanbase/internal/repo"
)

type BulkJobEnqueuer interface {
	EnqueueBulkJob(ctx context.Context, msg queue.BulkJobMessage) error
}

type BulkHandler struct {
	jobsRepo *repo.BulkJobsRepo
	queue    BulkJobEnqueuer
	blobs    blob.Store
}

func NewBulkHandler(jobsRepo *repo.BulkJobsRepo, q BulkJobEnqueuer, blobs blob.Store) *BulkHandler {
	return &BulkHandler{jobsRepo: jobsRepo, queue: q, blobs: blobs}
}

// SubmitJob accepts a CSV upload, stores it, records the job as queued and
// enqueues the descriptor. The response never waits for processing; progress
// is visible only through JobStatus.
func (h *BulkHandler) SubmitJob(c echo.Context) error {
	ctx := c.Request().Context()

	file, err := c.FormFile("csv")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "csv file is required")
	}

	styleConfig := json.RawMessage(nil)
	if raw := c.FormValue("style_config"); raw != "" {
		if !json.Valid([]byte(raw)) {
			return echo.NewHTTPError(http.StatusBadRequest, "style_config must be valid JSON")
		}
		styleConfig = json.RawMessage(raw)
	}

	src, err := file.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable csv file")
	}
	defer src.Close()

	jobID := uuid.NewString()
	inputRef := "uploads/" + jobID + ".csv"

	if err := h.blobs.Put(ctx, inputRef, src); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("failed to store bulk input")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to store input")
	}

	job, err := h.jobsRepo.Create(ctx, repo.CreateJobParams{
		ID:           jobID,
		OwnerID:      auth.Principal(c),
		InputRef:     inputRef,
		BaseTemplate: c.FormValue("base_url"),
		StyleConfig:  styleConfig,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create job")
	}

	msg := queue.BulkJobMessage{
		JobID:        job.ID,
		OwnerID:      job.OwnerID,
		InputRef:     job.InputRef,
		BaseTemplate: job.BaseTemplate,
		StyleConfig:  job.StyleConfig,
	}
	if err := h.queue.EnqueueBulkJob(ctx, msg); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("failed to enqueue bulk job")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to enqueue job")
	}

	return c.JSON(http.StatusAccepted, map[string]string{
		"job_id": job.ID,
		"status": string(job.Status),
	})
}

type JobStatusResponse struct {
	Status         string `json:"status"`
	ProcessedCount int    `json:"processed_count"`
	DownloadURL    string `json:"download_url,omitempty"`
	ErrorDetail    string `json:"error_detail,omitempty"`
}

func (h *BulkHandler) JobStatus(c echo.Context) error {
	ctx := c.Request().Context()

	job, err := h.jobsRepo.Get(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, repo.ErrJobNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "job not found")
		}
		log.Error().Err(err).Str("job_id", c.Param("id")).Msg("failed to fetch job")
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	if job.OwnerID != auth.Principal(c) {
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}

	resp := JobStatusResponse{
		Status:         string(job.Status),
		ProcessedCount: job.ProcessedCount,
		ErrorDetail:    job.ErrorDetail,
	}
	if job.Status == repo.JobStatusCompleted && job.OutputRef != "" {
		resp.DownloadURL = h.blobs.URL(job.OutputRef)
	}

	return c.JSON(http.StatusOK, resp)
}

package repo_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanbase/scanbase/internal/repo"
)

func createTestJob(t *testing.T, jobs *repo.BulkJobsRepo, id string) *repo.BulkJob {
	t.Helper()

	job, err := jobs.Create(context.Background(), repo.CreateJobParams{
		ID:          id,
		OwnerID:     "admin",
		InputRef:    "uploads/" + id + ".csv",
		StyleConfig: json.RawMessage(`{"fg":"#000000"}`),
	})
	require.NoError(t, err)
	return job
}

func TestBulkJobLifecycle(t *testing.T) {
	ctx := context.Background()
	jobs := repo.NewBulkJobsRepo(newTestDB(t))

	created := createTestJob(t, jobs, "job-1")
	assert.Equal(t, repo.JobStatusQueued, created.Status)
	assert.JSONEq(t, `{"fg":"#000000"}`, string(created.StyleConfig))

	require.NoError(t, jobs.MarkProcessing(ctx, "job-1"))
	require.NoError(t, jobs.MarkCompleted(ctx, "job-1", "bulk/job-1.zip", 12))

	job, err := jobs.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, repo.JobStatusCompleted, job.Status)
	assert.Equal(t, "bulk/job-1.zip", job.OutputRef)
	assert.Equal(t, 12, job.ProcessedCount)
	assert.Empty(t, job.ErrorDetail)
}

func TestBulkJobFailureRecordsDetail(t *testing.T) {
	ctx := context.Background()
	jobs := repo.NewBulkJobsRepo(newTestDB(t))
	createTestJob(t, jobs, "job-2")

	require.NoError(t, jobs.MarkProcessing(ctx, "job-2"))
	require.NoError(t, jobs.MarkFailed(ctx, "job-2", "input unreadable"))

	job, err := jobs.Get(ctx, "job-2")
	require.NoError(t, err)
	assert.Equal(t, repo.JobStatusFailed, job.Status)
	assert.Equal(t, "input unreadable", job.ErrorDetail)
	assert.Zero(t, job.ProcessedCount)
}

func TestBulkJobRedeliveredClaimIsRejected(t *testing.T) {
	ctx := context.Background()
	jobs := repo.NewBulkJobsRepo(newTestDB(t))
	createTestJob(t, jobs, "job-3")

	require.NoError(t, jobs.MarkProcessing(ctx, "job-3"))

	err := jobs.MarkProcessing(ctx, "job-3")
	assert.ErrorIs(t, err, repo.ErrJobNotFound, "second claim of the same job must fail")
}

func TestBulkJobTerminalStatesAreFinal(t *testing.T) {
	ctx := context.Background()
	jobs := repo.NewBulkJobsRepo(newTestDB(t))
	createTestJob(t, jobs, "job-4")

	require.NoError(t, jobs.MarkProcessing(ctx, "job-4"))
	require.NoError(t, jobs.MarkFailed(ctx, "job-4", "boom"))

	assert.ErrorIs(t, jobs.MarkCompleted(ctx, "job-4", "bulk/job-4.zip", 1), repo.ErrJobNotFound)
	assert.ErrorIs(t, jobs.MarkProcessing(ctx, "job-4"), repo.ErrJobNotFound)

	job, err := jobs.Get(ctx, "job-4")
	require.NoError(t, err)
	assert.Equal(t, repo.JobStatusFailed, job.Status)
}

func TestBulkJobUnknownID(t *testing.T) {
	jobs := repo.NewBulkJobsRepo(newTestDB(t))

	_, err := jobs.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, repo.ErrJobNotFound)
}

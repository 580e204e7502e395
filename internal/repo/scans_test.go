package repo_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanbase/scanbase/internal/repo"
)

func insertScanAt(t *testing.T, scans *repo.ScanEventsRepo, linkID int64, at time.Time) {
	t.Helper()
	require.NoError(t, scans.Insert(context.Background(), &repo.ScanEvent{
		LinkID:      linkID,
		SourceIP:    "203.0.113.9",
		DeviceClass: "mobile",
		OccurredAt:  repo.Date(at),
	}))
}

func TestGetStatsForLink(t *testing.T) {
	ctx := context.Background()
	instance := newTestDB(t)
	links := repo.NewLinksRepo(instance)
	scans := repo.NewScanEventsRepo(instance)

	link := createTestLink(t, links, "abc123")

	stats, err := scans.GetStatsForLink(ctx, link.ID)
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
	assert.Nil(t, stats.LastScanAt)

	first := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	last := time.Date(2024, 6, 2, 10, 0, 0, 0, time.UTC)
	insertScanAt(t, scans, link.ID, first)
	insertScanAt(t, scans, link.ID, last)

	stats, err = scans.GetStatsForLink(ctx, link.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Total)
	require.NotNil(t, stats.LastScanAt)
	assert.True(t, stats.LastScanAt.Time().Equal(last))
}

func TestGetOwnerStats(t *testing.T) {
	ctx := context.Background()
	instance := newTestDB(t)
	links := repo.NewLinksRepo(instance)
	scans := repo.NewScanEventsRepo(instance)

	mine := createTestLink(t, links, "abc123")
	other, err := links.Create(ctx, repo.CreateLinkParams{
		OwnerID:     "someone-else",
		Slug:        "zzz999",
		Destination: "https://other.example",
	})
	require.NoError(t, err)

	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	since := now.AddDate(0, 0, -30)

	// Two scans on one day, one on the next, one before the window, and one
	// that belongs to a different owner.
	insertScanAt(t, scans, mine.ID, now.Add(-48*time.Hour))
	insertScanAt(t, scans, mine.ID, now.Add(-47*time.Hour))
	insertScanAt(t, scans, mine.ID, now.Add(-24*time.Hour))
	insertScanAt(t, scans, mine.ID, now.AddDate(0, 0, -40))
	insertScanAt(t, scans, other.ID, now)

	stats, err := scans.GetOwnerStats(ctx, "admin", since)
	require.NoError(t, err)

	assert.Equal(t, int64(4), stats.TotalScans, "total is all-time and owner-scoped")
	require.Len(t, stats.Timeline, 2, "timeline covers only the window")
	assert.Equal(t, "2024-06-08", stats.Timeline[0].Day)
	assert.Equal(t, int64(2), stats.Timeline[0].Count)
	assert.Equal(t, "2024-06-09", stats.Timeline[1].Day)
	assert.Equal(t, int64(1), stats.Timeline[1].Count)
}

func TestGetOwnerStatsEmpty(t *testing.T) {
	instance := newTestDB(t)
	scans := repo.NewScanEventsRepo(instance)

	stats, err := scans.GetOwnerStats(context.Background(), "admin", time.Now().AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Zero(t, stats.TotalScans)
	assert.Empty(t, stats.Timeline)
}

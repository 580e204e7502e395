package repo

import (
	"context"
	"database/sql"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/rs/zerolog/log"
)

// ScanEvent is one resolution observation. Rows are append-only; duplicates
// from queue redelivery are tolerated.
type ScanEvent struct {
	ID              int64
	LinkID          int64
	SourceIP        string
	ClientSignature string
	DeviceClass     string
	GeoCity         string
	GeoCountry      string
	OccurredAt      Date
}

type scanEventRow struct {
	ID              int64  `db:"id" goqu:"skipinsert"`
	LinkID          int64  `db:"link_id"`
	SourceIP        string `db:"source_ip"`
	ClientSignature string `db:"client_signature"`
	DeviceClass     string `db:"device_class"`
	GeoCity         string `db:"geo_city"`
	GeoCountry      string `db:"geo_country"`
	OccurredAt      Date   `db:"occurred_at"`
}

type ScanEventStats struct {
	Total      int64
	LastScanAt *Date
}

type scanStatsRow struct {
	Total      int64 `db:"total"`
	LastScanAt Date  `db:"last_scan_at"`
}

type ScanEventsRepo struct {
	db *sql.DB
}

func NewScanEventsRepo(db *sql.DB) *ScanEventsRepo {
	return &ScanEventsRepo{db: db}
}

func (r *ScanEventsRepo) Insert(ctx context.Context, event *ScanEvent) error {
	executor := goqu.New("sqlite", r.db)

	log.Debug().Int64("link_id", event.LinkID).Str("ip", event.SourceIP).Msg("recording scan event")

	query := executor.Insert("scan_events").
		Cols("link_id", "source_ip", "client_signature", "device_class", "geo_city", "geo_country", "occurred_at").
		Vals([]any{event.LinkID, event.SourceIP, event.ClientSignature, event.DeviceClass, event.GeoCity, event.GeoCountry, event.OccurredAt})

	if _, err := query.Executor().ExecContext(ctx); err != nil {
		log.Error().Err(err).Int64("link_id", event.LinkID).Msg("failed to record scan event")
		return err
	}

	return nil
}

func (r *ScanEventsRepo) GetStatsForLink(ctx context.Context, linkID int64) (*ScanEventStats, error) {
	executor := goqu.New("sqlite", r.db)

	query := executor.From("scan_events").Where(goqu.Ex{"link_id": linkID}).Select(
		goqu.COUNT("*").As("total"),
		goqu.MAX("occurred_at").As("last_scan_at"),
	)

	var row scanStatsRow
	found, err := query.Executor().ScanStructContext(ctx, &row)
	if err != nil {
		return nil, err
	}
	if !found {
		return &ScanEventStats{}, nil
	}

	stats := &ScanEventStats{Total: row.Total}
	if !row.LastScanAt.Time().IsZero() {
		stats.LastScanAt = &row.LastScanAt
	}
	return stats, nil
}

// DailyScanCount is one day of an owner's scan timeline.
type DailyScanCount struct {
	Day   string `json:"day"`
	Count int64  `json:"count"`
}

type OwnerScanStats struct {
	TotalScans int64            `json:"total_scans"`
	Timeline   []DailyScanCount `json:"timeline"`
}

type dailyScanRow struct {
	Day   string `db:"day"`
	Count int64  `db:"count"`
}

// GetOwnerStats returns the all-time scan count across an owner's links plus
// a per-day timeline starting at since.
func (r *ScanEventsRepo) GetOwnerStats(ctx context.Context, ownerID string, since time.Time) (*OwnerScanStats, error) {
	executor := goqu.New("sqlite", r.db)

	ownerEvents := func() *goqu.SelectDataset {
		return executor.From("scan_events").
			Join(goqu.T("links"), goqu.On(goqu.I("scan_events.link_id").Eq(goqu.I("links.id")))).
			Where(goqu.Ex{"links.owner_id": ownerID})
	}

	var totalRow struct {
		Total int64 `db:"total"`
	}
	totalQuery := ownerEvents().Select(goqu.COUNT("*").As("total"))
	if _, err := totalQuery.Executor().ScanStructContext(ctx, &totalRow); err != nil {
		log.Error().Err(err).Str("owner_id", ownerID).Msg("failed to count scan events")
		return nil, err
	}

	timelineQuery := ownerEvents().
		Where(goqu.I("scan_events.occurred_at").Gte(Date(since))).
		Select(goqu.L("date(occurred_at)").As("day"), goqu.COUNT("*").As("count")).
		GroupBy(goqu.L("date(occurred_at)")).
		Order(goqu.L("day").Asc())

	var rows []dailyScanRow
	if err := timelineQuery.Executor().ScanStructsContext(ctx, &rows); err != nil {
		log.Error().Err(err).Str("owner_id", ownerID).Msg("failed to build scan timeline")
		return nil, err
	}

	timeline := make([]DailyScanCount, len(rows))
	for i, row := range rows {
		timeline[i] = DailyScanCount{Day: row.Day, Count: row.Count}
	}

	return &OwnerScanStats{TotalScans: totalRow.Total, Timeline: timeline}, nil
}

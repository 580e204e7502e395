package repo

import (
	"context"
	"database/sql"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/rs/zerolog/log"
)

type Lead struct {
	ID          int64  `json:"id"`
	LinkID      int64  `json:"link_id"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	SubmittedAt Date   `json:"submitted_at"`
}

type leadRow struct {
	ID          int64  `db:"id" goqu:"skipinsert"`
	LinkID      int64  `db:"link_id"`
	Name        string `db:"name"`
	Email       string `db:"email"`
	SubmittedAt Date   `db:"submitted_at"`
}

type LeadsRepo struct {
	db *sql.DB
}

func NewLeadsRepo(db *sql.DB) *LeadsRepo {
	return &LeadsRepo{db: db}
}

func (r *LeadsRepo) Create(ctx context.Context, linkID int64, name, email string) (*Lead, error) {
	executor := goqu.New("sqlite", r.db)

	log.Debug().Int64("link_id", linkID).Msg("saving lead")

	query := executor.Insert("leads").
		Cols("link_id", "name", "email", "submitted_at").
		Vals([]any{linkID, name, email, Now()}).
		Returning("id", "link_id", "name", "email", "submitted_at")

	var row leadRow
	found, err := query.Executor().ScanStructContext(ctx, &row)
	if err != nil {
		log.Error().Err(err).Int64("link_id", linkID).Msg("failed to save lead")
		return nil, err
	}
	if !found {
		return nil, sql.ErrNoRows
	}

	return row.toDomain(), nil
}

func (r *LeadsRepo) ListForLink(ctx context.Context, linkID int64) ([]*Lead, error) {
	executor := goqu.New("sqlite", r.db)

	query := executor.From("leads").
		Where(goqu.Ex{"link_id": linkID}).
		Select("id", "link_id", "name", "email", "submitted_at").
		Order(goqu.C("submitted_at").Desc())

	var rows []leadRow
	if err := query.Executor().ScanStructsContext(ctx, &rows); err != nil {
		return nil, err
	}

	leads := make([]*Lead, len(rows))
	for i, row := range rows {
		leads[i] = row.toDomain()
	}
	return leads, nil
}

func (r *leadRow) toDomain() *Lead {
	return &Lead{
		ID:          r.ID,
		LinkID:      r.LinkID,
		Name:        r.Name,
		Email:       r.Email,
		SubmittedAt: r.SubmittedAt,
	}
}

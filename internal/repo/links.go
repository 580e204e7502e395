package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"
)

type LinkType string

const (
	LinkTypeURL   LinkType = "url"
	LinkTypeFile  LinkType = "file"
	LinkTypeOther LinkType = "other"
)

// Rules holds the per-link override conditions, evaluated in a fixed
// precedence order at dispatch time. Lead capture always wins over the
// device overrides.
type Rules struct {
	LeadCapture bool   `json:"lead_capture,omitempty"`
	IOS         string `json:"ios,omitempty"`
	Android     string `json:"android,omitempty"`
}

func (r Rules) IsZero() bool {
	return !r.LeadCapture && r.IOS == "" && r.Android == ""
}

type ShortLink struct {
	ID            int64           `json:"id"`
	OwnerID       string          `json:"owner_id"`
	Slug          string          `json:"slug"`
	Destination   string          `json:"destination"`
	Type          LinkType        `json:"type"`
	AssetRef      string          `json:"asset_ref,omitempty"`
	Rules         Rules           `json:"rules"`
	WebhookTarget string          `json:"webhook_target,omitempty"`
	Active        bool            `json:"active"`
	StyleMeta     json.RawMessage `json:"style_meta,omitempty"`
	CreatedAt     Date            `json:"created_at"`
}

type linkRow struct {
	ID            int64  `db:"id" goqu:"skipinsert,skipupdate"`
	OwnerID       string `db:"owner_id"`
	Slug          string `db:"slug"`
	Destination   string `db:"destination"`
	LinkType      string `db:"link_type"`
	AssetRef      string `db:"asset_ref"`
	Rules         string `db:"rules"`
	WebhookTarget string `db:"webhook_target"`
	Active        bool   `db:"active"`
	StyleMeta     string `db:"style_meta"`
	CreatedAt     Date   `db:"created_at" goqu:"skipupdate"`
}

func linkCols() []any {
	return []any{
		"id", "owner_id", "slug", "destination", "link_type", "asset_ref",
		"rules", "webhook_target", "active", "style_meta", "created_at",
	}
}

type CreateLinkParams struct {
	OwnerID       string
	Slug          string
	Destination   string
	Type          LinkType
	AssetRef      string
	Rules         Rules
	WebhookTarget string
	StyleMeta     json.RawMessage
}

// UpdateLinkParams carries the mutable fields of a link. Nil pointers leave
// the stored value untouched.
type UpdateLinkParams struct {
	Destination   *string
	Rules         *Rules
	WebhookTarget *string
	Active        *bool
}

type LinksRepo struct {
	db *sql.DB
}

func NewLinksRepo(db *sql.DB) *LinksRepo {
	return &LinksRepo{db: db}
}

func (r *LinksRepo) Create(ctx context.Context, params CreateLinkParams) (*ShortLink, error) {
	executor := goqu.New("sqlite", r.db)

	log.Debug().Str("slug", params.Slug).Str("destination", params.Destination).Msg("creating link")

	if params.Type == "" {
		params.Type = LinkTypeURL
	}

	rules, err := json.Marshal(params.Rules)
	if err != nil {
		return nil, err
	}
	style := string(params.StyleMeta)
	if style == "" {
		style = "{}"
	}

	query := executor.Insert("links").
		Cols("owner_id", "slug", "destination", "link_type", "asset_ref", "rules", "webhook_target", "active", "style_meta", "created_at").
		Vals([]any{params.OwnerID, params.Slug, params.Destination, string(params.Type), params.AssetRef, string(rules), params.WebhookTarget, true, style, Now()}).
		Returning(linkCols()...)

	var row linkRow
	found, err := query.Executor().ScanStructContext(ctx, &row)
	if err != nil {
		if isUniqueViolation(err) {
			log.Debug().Str("slug", params.Slug).Msg("slug collision on insert")
			return nil, ErrSlugExists
		}
		log.Error().Err(err).Str("slug", params.Slug).Msg("failed to create link")
		return nil, err
	}
	if !found {
		return nil, ErrLinkNotFound
	}

	link := row.toDomain()
	log.Info().Int64("id", link.ID).Str("slug", link.Slug).Msg("link created")

	return link, nil
}

// GetActiveBySlug returns the active link for a slug. Inactive and unknown
// slugs both come back as ErrLinkNotFound.
func (r *LinksRepo) GetActiveBySlug(ctx context.Context, slug string) (*ShortLink, error) {
	executor := goqu.New("sqlite", r.db)

	query := executor.From("links").
		Where(goqu.Ex{"slug": slug, "active": true}).
		Select(linkCols()...)

	var row linkRow
	found, err := query.Executor().ScanStructContext(ctx, &row)
	if err != nil {
		log.Error().Err(err).Str("slug", slug).Msg("failed to fetch link")
		return nil, err
	}
	if !found {
		return nil, ErrLinkNotFound
	}

	return row.toDomain(), nil
}

func (r *LinksRepo) GetByID(ctx context.Context, id int64) (*ShortLink, error) {
	executor := goqu.New("sqlite", r.db)

	query := executor.From("links").Where(goqu.Ex{"id": id}).Select(linkCols()...)

	var row linkRow
	found, err := query.Executor().ScanStructContext(ctx, &row)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrLinkNotFound
	}

	return row.toDomain(), nil
}

// Update writes the mutable fields of a link. The caller is responsible for
// invalidating any cached copy before acknowledging the update.
func (r *LinksRepo) Update(ctx context.Context, id int64, ownerID string, params UpdateLinkParams) (*ShortLink, error) {
	executor := goqu.New("sqlite", r.db)

	record := goqu.Record{}
	if params.Destination != nil {
		record["destination"] = *params.Destination
	}
	if params.Rules != nil {
		rules, err := json.Marshal(*params.Rules)
		if err != nil {
			return nil, err
		}
		record["rules"] = string(rules)
	}
	if params.WebhookTarget != nil {
		record["webhook_target"] = *params.WebhookTarget
	}
	if params.Active != nil {
		record["active"] = *params.Active
	}

	if len(record) == 0 {
		return r.GetByID(ctx, id)
	}

	query := executor.Update("links").
		Set(record).
		Where(goqu.Ex{"id": id, "owner_id": ownerID}).
		Returning(linkCols()...)

	var row linkRow
	found, err := query.Executor().ScanStructContext(ctx, &row)
	if err != nil {
		log.Error().Err(err).Int64("id", id).Msg("failed to update link")
		return nil, err
	}
	if !found {
		return nil, ErrLinkNotFound
	}

	link := row.toDomain()
	log.Info().Int64("id", link.ID).Str("slug", link.Slug).Msg("link updated")

	return link, nil
}

func (r *LinksRepo) ListByOwner(ctx context.Context, ownerID string) ([]*ShortLink, error) {
	executor := goqu.New("sqlite", r.db)

	query := executor.From("links").
		Where(goqu.Ex{"owner_id": ownerID}).
		Select(linkCols()...).
		Order(goqu.C("created_at").Desc())

	var rows []linkRow
	if err := query.Executor().ScanStructsContext(ctx, &rows); err != nil {
		return nil, err
	}

	links := make([]*ShortLink, len(rows))
	for i, row := range rows {
		links[i] = row.toDomain()
	}
	return links, nil
}

func (r *linkRow) toDomain() *ShortLink {
	var rules Rules
	if r.Rules != "" {
		if err := json.Unmarshal([]byte(r.Rules), &rules); err != nil {
			log.Warn().Err(err).Int64("id", r.ID).Msg("malformed rules column, ignoring")
		}
	}

	var style json.RawMessage
	if r.StyleMeta != "" && r.StyleMeta != "{}" {
		style = json.RawMessage(r.StyleMeta)
	}

	return &ShortLink{
		ID:            r.ID,
		OwnerID:       r.OwnerID,
		Slug:          r.Slug,
		Destination:   r.Destination,
		Type:          LinkType(r.LinkType),
		AssetRef:      r.AssetRef,
		Rules:         rules,
		WebhookTarget: r.WebhookTarget,
		Active:        r.Active,
		StyleMeta:     style,
		CreatedAt:     r.CreatedAt,
	}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const slugCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func GenerateSlug() string {
	slug, err := gonanoid.Generate(slugCharset, 6)
	if err != nil {
		// gonanoid only fails when the system RNG does
		panic(err)
	}
	return slug
}

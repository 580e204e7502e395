package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/scanbase/scanbase/internal/auth"
	"github.com/scanbase/scanbase/internal/dispatch"
	"github.com/scanbase/scanbase/internal/repo"
	"github.com/scanbase/scanbase/internal/resolver"
	"github.com/scanbase/scanbase/internal/web"
)

const maxSlugAttempts = 5

type LinkHandler struct {
	resolver   *resolver.Resolver
	dispatcher *dispatch.Dispatcher
	linksRepo  *repo.LinksRepo
	scansRepo  *repo.ScanEventsRepo
	baseURL    string
}

func NewLinkHandler(res *resolver.Resolver, dispatcher *dispatch.Dispatcher, linksRepo *repo.LinksRepo, scansRepo *repo.ScanEventsRepo, baseURL string) *LinkHandler {
	return &LinkHandler{
		resolver:   res,
		dispatcher: dispatcher,
		linksRepo:  linksRepo,
		scansRepo:  scansRepo,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

type CreateLinkRequest struct {
	Destination   string          `json:"destination"`
	Slug          string          `json:"slug"`
	Type          string          `json:"type"`
	AssetRef      string          `json:"asset_ref"`
	Rules         repo.Rules      `json:"rules"`
	WebhookTarget string          `json:"webhook_target"`
	StyleMeta     json.RawMessage `json:"style_meta"`
}

func (r *CreateLinkRequest) Validate() error {
	if r.Destination == "" && r.AssetRef == "" {
		return errors.New("destination is required")
	}
	if r.Destination != "" {
		if err := checkDestination(normalizeDestination(r.Destination)); err != nil {
			return err
		}
	}
	return nil
}

// checkDestination rejects destinations the engine refuses to redirect to.
// Only absolute http(s) URLs are routable.
func checkDestination(destination string) error {
	u, err := url.Parse(destination)
	if err != nil {
		return errors.New("destination is not a valid URL")
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("destination must be an absolute http(s) URL")
	}
	return nil
}

type LinkResponse struct {
	ID            int64      `json:"id"`
	Slug          string     `json:"slug"`
	ShortURL      string     `json:"short_url"`
	Destination   string     `json:"destination"`
	Type          string     `json:"type"`
	Rules         repo.Rules `json:"rules"`
	WebhookTarget string     `json:"webhook_target,omitempty"`
	Active        bool       `json:"active"`
	CreatedAt     any        `json:"created_at"`
	Scans         int64      `json:"scans"`
	LastScanAt    any        `json:"last_scan_at"`
}

type CreateLinkResponse struct {
	Link LinkResponse `json:"link"`
}

type ListLinksResponse struct {
	Links []LinkResponse `json:"links"`
}

func (h *LinkHandler) CreateLink(c echo.Context) error {
	var req CreateLinkRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}

	if err := req.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	params := repo.CreateLinkParams{
		OwnerID:       auth.Principal(c),
		Slug:          req.Slug,
		Destination:   normalizeDestination(req.Destination),
		Type:          repo.LinkType(req.Type),
		AssetRef:      req.AssetRef,
		Rules:         req.Rules,
		WebhookTarget: req.WebhookTarget,
		StyleMeta:     req.StyleMeta,
	}

	link, err := h.createWithSlugRetry(c, params, req.Slug != "")
	if err != nil {
		if errors.Is(err, repo.ErrSlugExists) {
			return echo.NewHTTPError(http.StatusConflict, "slug already exists")
		}
		log.Error().Err(err).Str("slug", params.Slug).Msg("failed to create link")
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusCreated, CreateLinkResponse{Link: h.toResponse(link, nil)})
}

// createWithSlugRetry regenerates colliding random slugs; a caller-chosen
// slug collision is surfaced instead.
func (h *LinkHandler) createWithSlugRetry(c echo.Context, params repo.CreateLinkParams, slugChosen bool) (*repo.ShortLink, error) {
	ctx := c.Request().Context()

	for attempt := 0; attempt < maxSlugAttempts; attempt++ {
		if params.Slug == "" {
			params.Slug = repo.GenerateSlug()
		}

		link, err := h.linksRepo.Create(ctx, params)
		if err == nil {
			return link, nil
		}
		if !errors.Is(err, repo.ErrSlugExists) || slugChosen {
			return nil, err
		}
		params.Slug = ""
	}

	return nil, repo.ErrSlugExists
}

type UpdateLinkRequest struct {
	Destination   *string     `json:"destination"`
	Rules         *repo.Rules `json:"rules"`
	WebhookTarget *string     `json:"webhook_target"`
	Active        *bool       `json:"active"`
}

func (h *LinkHandler) UpdateLink(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid link id")
	}

	var req UpdateLinkRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}

	if req.Destination != nil {
		normalized := normalizeDestination(*req.Destination)
		if err := checkDestination(normalized); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		req.Destination = &normalized
	}

	// The resolver owns the update so the cached copy is gone before we
	// acknowledge.
	link, err := h.resolver.Update(ctx, id, auth.Principal(c), repo.UpdateLinkParams{
		Destination:   req.Destination,
		Rules:         req.Rules,
		WebhookTarget: req.WebhookTarget,
		Active:        req.Active,
	})
	if err != nil {
		if errors.Is(err, repo.ErrLinkNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "link not found")
		}
		log.Error().Err(err).Int64("id", id).Msg("failed to update link")
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, CreateLinkResponse{Link: h.toResponse(link, nil)})
}

func (h *LinkHandler) ListLinks(c echo.Context) error {
	ctx := c.Request().Context()

	links, err := h.linksRepo.ListByOwner(ctx, auth.Principal(c))
	if err != nil {
		log.Error().Err(err).Msg("failed to list links")
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	responses := lo.Map(links, func(link *repo.ShortLink, _ int) LinkResponse {
		stats, _ := h.scansRepo.GetStatsForLink(ctx, link.ID)
		return h.toResponse(link, stats)
	})

	return c.JSON(http.StatusOK, ListLinksResponse{Links: responses})
}

const statsWindowDays = 30

// Stats reports the owner's all-time scan total and a 30-day daily timeline.
func (h *LinkHandler) Stats(c echo.Context) error {
	ctx := c.Request().Context()

	since := time.Now().UTC().AddDate(0, 0, -statsWindowDays)
	stats, err := h.scansRepo.GetOwnerStats(ctx, auth.Principal(c), since)
	if err != nil {
		log.Error().Err(err).Msg("failed to build scan stats")
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, stats)
}

// Redirect is the resolution entry point: GET /:slug.
func (h *LinkHandler) Redirect(c echo.Context) error {
	ctx := c.Request().Context()
	slug := c.Param("slug")

	log.Debug().Str("slug", slug).Msg("redirect request")

	link, err := h.resolver.Resolve(ctx, slug)
	if err != nil {
		if errors.Is(err, repo.ErrLinkNotFound) {
			log.Warn().Str("slug", slug).Msg("link not found")
			return echo.NewHTTPError(http.StatusNotFound, "link not found")
		}
		log.Error().Err(err).Str("slug", slug).Msg("resolver failure")
		return echo.NewHTTPError(http.StatusInternalServerError, "temporarily unavailable")
	}

	decision := h.dispatcher.Dispatch(ctx, link, dispatch.RequestContext{
		SourceIP:        getClientIP(c.Request()),
		ClientSignature: c.Request().UserAgent(),
	})

	switch decision.Kind {
	case dispatch.KindInterstitial:
		var buf bytes.Buffer
		if err := web.Interstitial.Execute(&buf, map[string]any{"LinkID": decision.Link.ID}); err != nil {
			log.Error().Err(err).Str("slug", slug).Msg("failed to render interstitial")
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to render page")
		}
		return c.HTMLBlob(http.StatusOK, buf.Bytes())
	case dispatch.KindRedirect:
		return c.Redirect(http.StatusFound, decision.Location)
	default:
		return echo.NewHTTPError(http.StatusNotFound, "link not found")
	}
}

func (h *LinkHandler) toResponse(link *repo.ShortLink, stats *repo.ScanEventStats) LinkResponse {
	resp := LinkResponse{
		ID:            link.ID,
		Slug:          link.Slug,
		ShortURL:      h.baseURL + "/" + link.Slug,
		Destination:   link.Destination,
		Type:          string(link.Type),
		Rules:         link.Rules,
		WebhookTarget: link.WebhookTarget,
		Active:        link.Active,
		CreatedAt:     link.CreatedAt,
	}
	if stats != nil {
		resp.Scans = stats.Total
		resp.LastScanAt = stats.LastScanAt
	}
	return resp
}

// normalizeDestination mirrors link creation in the dashboard: bare domains
// get an https scheme.
func normalizeDestination(destination string) string {
	if destination == "" || strings.HasPrefix(destination, "http") {
		return destination
	}
	return "https://" + destination
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	// Try X-Forwarded-For header first (for proxies). Multi-hop values are
	// comma-separated, client first.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, part := range strings.Split(xff, ",") {
			candidate := strings.TrimSpace(part)
			if net.ParseIP(candidate) != nil {
				return candidate
			}
		}
	}

	// Try X-Real-IP header
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if ip := net.ParseIP(xri); ip != nil {
			return xri
		}
	}

	// Fall back to RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}

	return r.RemoteAddr
}

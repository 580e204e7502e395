package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/scanbase/scanbase/internal/repo"
)

type LeadHandler struct {
	leadsRepo *repo.LeadsRepo
	linksRepo *repo.LinksRepo
}

func NewLeadHandler(leadsRepo *repo.LeadsRepo, linksRepo *repo.LinksRepo) *LeadHandler {
	return &LeadHandler{leadsRepo: leadsRepo, linksRepo: linksRepo}
}

type SubmitLeadRequest struct {
	LinkID int64  `json:"link_id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
}

func (r *SubmitLeadRequest) Validate() error {
	if r.LinkID == 0 {
		return errors.New("link_id is required")
	}
	if r.Name == "" || r.Email == "" {
		return errors.New("name and email are required")
	}
	return nil
}

// SubmitLead persists a captured lead and tells the interstitial where to
// send the visitor next.
func (h *LeadHandler) SubmitLead(c echo.Context) error {
	ctx := c.Request().Context()

	var req SubmitLeadRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	link, err := h.linksRepo.GetByID(ctx, req.LinkID)
	if err != nil {
		if errors.Is(err, repo.ErrLinkNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "link not found")
		}
		log.Error().Err(err).Int64("link_id", req.LinkID).Msg("failed to fetch link for lead")
		return echo.NewHTTPError(http.StatusInternalServerError, "save failed")
	}

	if _, err := h.leadsRepo.Create(ctx, link.ID, req.Name, req.Email); err != nil {
		log.Error().Err(err).Int64("link_id", link.ID).Msg("failed to save lead")
		return echo.NewHTTPError(http.StatusInternalServerError, "save failed")
	}

	return c.JSON(http.StatusOK, map[string]string{"redirect": link.Destination})
}

func (h *LeadHandler) ListLeads(c echo.Context) error {
	ctx := c.Request().Context()

	linkID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid link id")
	}

	leads, err := h.leadsRepo.ListForLink(ctx, linkID)
	if err != nil {
		log.Error().Err(err).Int64("link_id", linkID).Msg("failed to list leads")
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, map[string]any{"leads": leads})
}

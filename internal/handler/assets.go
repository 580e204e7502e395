package handler

import (
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/scanbase/scanbase/internal/blob"
)

// AssetHandler serves stored blobs (bulk archives, file-link assets).
type AssetHandler struct {
	blobs blob.Store
}

func NewAssetHandler(blobs blob.Store) *AssetHandler {
	return &AssetHandler{blobs: blobs}
}

func (h *AssetHandler) Serve(c echo.Context) error {
	ctx := c.Request().Context()
	key := c.Param("*")

	rc, err := h.blobs.Open(ctx, key)
	if err != nil {
		log.Debug().Err(err).Str("key", key).Msg("asset not found")
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}
	defer rc.Close()

	contentType := mime.TypeByExtension(path.Ext(key))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return c.Stream(http.StatusOK, contentType, rc)
}

type UploadResponse struct {
	AssetRef string `json:"asset_ref"`
	URL      string `json:"url"`
}

// Upload stores a binary asset and returns the key a file-type link can
// reference as asset_ref. The stored key is server-generated; the original
// filename only contributes its extension.
func (h *AssetHandler) Upload(c echo.Context) error {
	ctx := c.Request().Context()

	file, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}

	src, err := file.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable file")
	}
	defer src.Close()

	key := "uploads/" + uuid.NewString() + assetExtension(file.Filename)
	if err := h.blobs.Put(ctx, key, src); err != nil {
		log.Error().Err(err).Str("key", key).Msg("failed to store asset")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to store asset")
	}

	log.Info().Str("key", key).Int64("size", file.Size).Msg("asset uploaded")

	return c.JSON(http.StatusCreated, UploadResponse{
		AssetRef: key,
		URL:      h.blobs.URL(key),
	})
}

// assetExtension keeps a simple, safe extension from the uploaded name.
func assetExtension(filename string) string {
	ext := strings.ToLower(path.Ext(path.Base(filename)))
	if ext == "" || strings.ContainsAny(ext, "/\\") || len(ext) > 10 {
		return ""
	}
	return ext
}

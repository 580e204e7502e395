package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanbase/scanbase/internal/blob"
)

func newAssetHandler(t *testing.T) *AssetHandler {
	t.Helper()
	store, err := blob.NewFileStore(t.TempDir(), "http://short.local")
	require.NoError(t, err)
	return NewAssetHandler(store)
}

func multipartUpload(t *testing.T, filename, content string) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = io.WriteString(fw, content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/upload", &body)
	req.Header.Set(echo.HeaderContentType, mw.FormDataContentType())
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestUploadStoresAssetAndServesItBack(t *testing.T) {
	h := newAssetHandler(t)

	c, rec := multipartUpload(t, "menu.pdf", "pdf bytes")
	require.NoError(t, h.Upload(c))
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp UploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp.AssetRef, "uploads/"))
	assert.True(t, strings.HasSuffix(resp.AssetRef, ".pdf"))
	assert.Equal(t, "http://short.local/assets/"+resp.AssetRef, resp.URL)

	// The stored key must be fetchable through the serving endpoint.
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/assets/"+resp.AssetRef, nil)
	serveRec := httptest.NewRecorder()
	serveCtx := e.NewContext(req, serveRec)
	serveCtx.SetPath("/assets/*")
	serveCtx.SetParamNames("*")
	serveCtx.SetParamValues(resp.AssetRef)

	require.NoError(t, h.Serve(serveCtx))
	assert.Equal(t, http.StatusOK, serveRec.Code)
	assert.Equal(t, "pdf bytes", serveRec.Body.String())
	assert.Equal(t, "application/pdf", serveRec.Header().Get(echo.HeaderContentType))
}

func TestUploadWithoutFileIsRejected(t *testing.T) {
	h := newAssetHandler(t)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/upload", strings.NewReader("not multipart"))
	rec := httptest.NewRecorder()

	err := h.Upload(e.NewContext(req, rec))

	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadRequest, httpErr.Code)
}

func TestServeUnknownKey(t *testing.T) {
	h := newAssetHandler(t)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/assets/uploads/missing.pdf", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/assets/*")
	c.SetParamNames("*")
	c.SetParamValues("uploads/missing.pdf")

	err := h.Serve(c)

	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.Code)
}

func TestAssetExtension(t *testing.T) {
	assert.Equal(t, ".pdf", assetExtension("menu.PDF"))
	assert.Equal(t, ".png", assetExtension("dir/photo.png"))
	assert.Empty(t, assetExtension("noextension"))
	assert.Empty(t, assetExtension("weird."+strings.Repeat("x", 20)))
}

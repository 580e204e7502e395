package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanbase/scanbase/internal/cache"
	"github.com/scanbase/scanbase/internal/db"
	"github.com/scanbase/scanbase/internal/dispatch"
	"github.com/scanbase/scanbase/internal/queue"
	"github.com/scanbase/scanbase/internal/repo"
	"github.com/scanbase/scanbase/internal/resolver"
)

type dropEnqueuer struct{}

func (dropEnqueuer) EnqueueScan(context.Context, queue.ScanMessage) error { return nil }

type localAssets struct{}

func (localAssets) URL(key string) string { return "http://short.local/assets/" + key }

type handlerFixture struct {
	links *LinkHandler
	leads *LeadHandler

	linksRepo *repo.LinksRepo
	leadsRepo *repo.LeadsRepo
	scansRepo *repo.ScanEventsRepo
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()

	instance, err := db.Init(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { instance.Close() })

	linksRepo := repo.NewLinksRepo(instance)
	scansRepo := repo.NewScanEventsRepo(instance)
	leadsRepo := repo.NewLeadsRepo(instance)

	res := resolver.New(linksRepo, cache.NewRedisLinkCache(nil))
	dispatcher := dispatch.New(dropEnqueuer{}, localAssets{})

	return &handlerFixture{
		links:     NewLinkHandler(res, dispatcher, linksRepo, scansRepo, "http://short.local"),
		leads:     NewLeadHandler(leadsRepo, linksRepo),
		linksRepo: linksRepo,
		leadsRepo: leadsRepo,
		scansRepo: scansRepo,
	}
}

func (f *handlerFixture) createLink(t *testing.T, params repo.CreateLinkParams) *repo.ShortLink {
	t.Helper()
	link, err := f.linksRepo.Create(context.Background(), params)
	require.NoError(t, err)
	return link
}

func redirectRequest(slug string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/"+slug, nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/:slug")
	c.SetParamNames("slug")
	c.SetParamValues(slug)
	return c, rec
}

func TestRedirectToDestination(t *testing.T) {
	f := newHandlerFixture(t)
	f.createLink(t, repo.CreateLinkParams{
		OwnerID:     "admin",
		Slug:        "abc123",
		Destination: "https://example.com",
	})

	c, rec := redirectRequest("abc123")
	require.NoError(t, f.links.Redirect(c))

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://example.com", rec.Header().Get("Location"))
}

func TestRedirectUnknownSlug(t *testing.T) {
	f := newHandlerFixture(t)

	c, _ := redirectRequest("nope")
	err := f.links.Redirect(c)

	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.Code)
}

func TestRedirectLeadCaptureServesInterstitial(t *testing.T) {
	f := newHandlerFixture(t)
	f.createLink(t, repo.CreateLinkParams{
		OwnerID:     "admin",
		Slug:        "abc123",
		Destination: "https://example.com",
		Rules:       repo.Rules{LeadCapture: true},
	})

	c, rec := redirectRequest("abc123")
	require.NoError(t, f.links.Redirect(c))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "leadForm")
	assert.Empty(t, rec.Header().Get("Location"))
}

func TestRedirectFileLinkTargetsAsset(t *testing.T) {
	f := newHandlerFixture(t)
	f.createLink(t, repo.CreateLinkParams{
		OwnerID:  "admin",
		Slug:     "abc123",
		Type:     repo.LinkTypeFile,
		AssetRef: "uploads/doc.pdf",
	})

	c, rec := redirectRequest("abc123")
	require.NoError(t, f.links.Redirect(c))

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "http://short.local/assets/uploads/doc.pdf", rec.Header().Get("Location"))
}

func TestSubmitLeadRepliesWithRedirect(t *testing.T) {
	f := newHandlerFixture(t)
	link := f.createLink(t, repo.CreateLinkParams{
		OwnerID:     "admin",
		Slug:        "abc123",
		Destination: "https://example.com",
		Rules:       repo.Rules{LeadCapture: true},
	})

	e := echo.New()
	body := `{"link_id": ` + strconv.FormatInt(link.ID, 10) + `, "name": "Jo", "email": "jo@example.com"}`
	req := httptest.NewRequest(http.MethodPost, "/lead", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()

	require.NoError(t, f.leads.SubmitLead(e.NewContext(req, rec)))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"redirect": "https://example.com"}`, rec.Body.String())

	leads, err := f.leadsRepo.ListForLink(context.Background(), link.ID)
	require.NoError(t, err)
	require.Len(t, leads, 1)
	assert.Equal(t, "jo@example.com", leads[0].Email)
}

func TestStatsAggregatesOwnerScans(t *testing.T) {
	f := newHandlerFixture(t)
	// No principal is set on the test context, so the owner must match the
	// empty principal for the events to be visible.
	link := f.createLink(t, repo.CreateLinkParams{
		Slug:        "abc123",
		Destination: "https://example.com",
	})

	require.NoError(t, f.scansRepo.Insert(context.Background(), &repo.ScanEvent{
		LinkID:      link.ID,
		DeviceClass: "mobile",
		OccurredAt:  repo.Now(),
	}))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	rec := httptest.NewRecorder()

	require.NoError(t, f.links.Stats(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusOK, rec.Code)

	var stats repo.OwnerScanStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.TotalScans)
	require.Len(t, stats.Timeline, 1)
	assert.Equal(t, int64(1), stats.Timeline[0].Count)
}

func TestGetClientIP(t *testing.T) {
	build := func(mutate func(*http.Request)) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/abc123", nil)
		req.RemoteAddr = "192.0.2.1:4711"
		mutate(req)
		return req
	}

	tests := []struct {
		name   string
		mutate func(*http.Request)
		want   string
	}{
		{
			name:   "remote addr fallback",
			mutate: func(*http.Request) {},
			want:   "192.0.2.1",
		},
		{
			name: "single forwarded ip",
			mutate: func(r *http.Request) {
				r.Header.Set("X-Forwarded-For", "203.0.113.9")
			},
			want: "203.0.113.9",
		},
		{
			name: "multi-hop forwarded chain keeps the client",
			mutate: func(r *http.Request) {
				r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1, 172.16.0.1")
			},
			want: "203.0.113.9",
		},
		{
			name: "garbage hop is skipped",
			mutate: func(r *http.Request) {
				r.Header.Set("X-Forwarded-For", "unknown, 203.0.113.9")
			},
			want: "203.0.113.9",
		},
		{
			name: "real ip header",
			mutate: func(r *http.Request) {
				r.Header.Set("X-Real-IP", "203.0.113.9")
			},
			want: "203.0.113.9",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, getClientIP(build(tt.mutate)))
		})
	}
}

func TestCheckDestination(t *testing.T) {
	assert.NoError(t, checkDestination("https://example.com/path"))
	assert.NoError(t, checkDestination("http://example.com"))
	assert.Error(t, checkDestination("javascript:alert(1)"))
	assert.Error(t, checkDestination("ftp://example.com"))
	assert.Error(t, checkDestination("https://"))
}

func TestNormalizeDestination(t *testing.T) {
	assert.Equal(t, "https://example.com", normalizeDestination("example.com"))
	assert.Equal(t, "http://example.com", normalizeDestination("http://example.com"))
	assert.Equal(t, "", normalizeDestination(""))
}

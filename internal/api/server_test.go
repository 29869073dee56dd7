package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"smartspacer/internal/merge"
	"smartspacer/internal/settings"
	"smartspacer/internal/smartspace"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePages struct {
	pages map[smartspace.Surface][]merge.Page
}

func (f *fakePages) Pages(surface smartspace.Surface) []merge.Page {
	return f.pages[surface]
}

type fakeBus struct{ connected bool }

func (f *fakeBus) IsConnected() bool { return f.connected }

func newTestServer() (*Server, *fakeBus) {
	pages := &fakePages{pages: map[smartspace.Surface][]merge.Page{
		smartspace.SurfaceHomescreen: {
			{
				Target:  smartspace.TargetPayload{ID: "t1", Title: "Hello"},
				Actions: []smartspace.ActionPayload{{ID: "c1", Subtitle: "72F"}},
			},
		},
	}}
	bus := &fakeBus{connected: true}
	store := settings.NewStore("", zap.NewNop())
	return NewServer(pages, bus, store, zap.NewNop(), 0), bus
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer()
	rec := get(t, s, "/health")

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestPagesEndpoint(t *testing.T) {
	s, _ := newTestServer()
	rec := get(t, s, "/api/pages?surface=homescreen")

	require.Equal(t, http.StatusOK, rec.Code)
	var body PagesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, smartspace.SurfaceHomescreen, body.Surface)
	require.Len(t, body.Pages, 1)
	assert.Equal(t, "t1", body.Pages[0].Target.ID)
	require.Len(t, body.Pages[0].Actions, 1)
	assert.Equal(t, "c1", body.Pages[0].Actions[0].ID)
}

func TestPagesEndpointDefaultsToHomescreen(t *testing.T) {
	s, _ := newTestServer()
	rec := get(t, s, "/api/pages")

	require.Equal(t, http.StatusOK, rec.Code)
	var body PagesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, smartspace.SurfaceHomescreen, body.Surface)
}

func TestPagesEndpointRejectsUnknownSurface(t *testing.T) {
	s, _ := newTestServer()
	rec := get(t, s, "/api/pages?surface=watchface")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPagesEndpointRejectsPost(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/api/pages", nil)
	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStateEndpoint(t *testing.T) {
	s, bus := newTestServer()
	bus.connected = false
	rec := get(t, s, "/api/state")

	require.Equal(t, http.StatusOK, rec.Code)
	var body StateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.BusConnected)
	assert.Equal(t, 5, body.Settings.HomeTargetLimit)
	assert.Equal(t, 1, body.PageCounts["homescreen"])
	assert.Equal(t, 0, body.PageCounts["lockscreen"])
}

func TestSitemapKeeps404(t *testing.T) {
	s, _ := newTestServer()
	rec := get(t, s, "/")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "/api/pages")
}

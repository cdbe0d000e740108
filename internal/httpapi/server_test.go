package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"lyricfollow/server/internal/broadcast"
	"lyricfollow/server/internal/config"
	"lyricfollow/server/internal/follow"
	"lyricfollow/server/internal/ratelimit"
	"lyricfollow/server/internal/registry"
	"lyricfollow/server/internal/setlist"
	"lyricfollow/server/internal/setlistsource"
	"lyricfollow/server/internal/slidecompile"
	"lyricfollow/server/internal/sttadapter"
	"lyricfollow/server/internal/ws"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	reg := registry.New(nil)
	fabric := broadcast.New(reg, nil)
	setlists := setlistsource.NewMockSource()
	song := slidecompile.CompileSong("ag", "Amazing Grace", "",
		"Amazing grace how sweet the sound\nThat saved a wretch like me",
		slidecompile.Config{LinesPerSlide: 1})
	setlists.Put("event-1", setlist.Setlist{Songs: []setlist.Song{song}})
	mgr := follow.NewManager(reg, fabric, setlists, &sttadapter.MockProvider{}, func() config.Config { return config.Default() }, nil, nil)
	wsHandler := ws.NewHandler(reg, mgr, ratelimit.DefaultControlConfig, ratelimit.DefaultAudioConfig, nil)
	return New(mgr, wsHandler, nil)
}

func TestHealthEndpointReportsZeroSessionsWhenIdle(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"sessions":0`) {
		t.Fatalf("expected zero sessions, got: %s", rec.Body.String())
	}
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatalf("expected default collector output, got: %s", rec.Body.String())
	}
}

func TestWebsocketRouteIsRegisteredOnSharedEcho(t *testing.T) {
	s := newTestServer(t)

	found := false
	for _, r := range s.Echo().Routes() {
		if r.Path == "/ws" && r.Method == http.MethodGet {
			found = true
		}
	}
	if !found {
		t.Fatal("expected /ws route to be registered on the shared echo instance")
	}
}

package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/codebattle-sync/internal/battle"
	"github.com/codebattle-sync/internal/broadcast"
	"github.com/codebattle-sync/internal/domain"
	"github.com/codebattle-sync/internal/phase"
	"github.com/codebattle-sync/internal/service"
	"github.com/codebattle-sync/internal/store"
	"github.com/codebattle-sync/internal/websocket"
	"github.com/jonboulle/clockwork"
)

type response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func newTestHandler(t *testing.T, checks map[string]service.Pinger) (http.Handler, *store.MemoryStore, *battle.Registry) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	st := store.NewMemoryStore(clock)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := battle.NewRegistry(broadcast.NewMemoryBus(clock), battle.Deps{
		Store:  st,
		Loader: phase.StarterLoader{},
		Clock:  clock,
		Rand:   rand.New(rand.NewPCG(3, 4)),
		Logger: logger,
	}, battle.DefaultConfig())
	t.Cleanup(func() { registry.Shutdown(context.Background()) })

	svc := service.NewSessionService(st, nil, checks, clock, 15*time.Second, logger)
	h := NewHandler(svc, websocket.NewHub(logger), registry, logger)
	return h.Router(), st, registry
}

func get(t *testing.T, router http.Handler, path string) (int, response) {
	t.Helper()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var resp response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding %s: %v (%s)", path, err, rec.Body.String())
	}
	return rec.Code, resp
}

func TestGetSession(t *testing.T) {
	router, _, registry := newTestHandler(t, nil)
	if _, err := registry.Open(context.Background(), "s1", "a"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	code, resp := get(t, router, "/api/v1/sessions/s1")
	if code != http.StatusOK || !resp.Success {
		t.Fatalf("code = %d, resp = %+v", code, resp)
	}
	var detail service.SessionDetail
	if err := json.Unmarshal(resp.Data, &detail); err != nil {
		t.Fatal(err)
	}
	if detail.Session.Phase != domain.PhaseTopicSelection || detail.CanEnterBattle {
		t.Fatalf("detail = %+v", detail)
	}

	code, _ = get(t, router, "/api/v1/sessions/missing")
	if code != http.StatusNotFound {
		t.Fatalf("missing session code = %d", code)
	}
}

func TestGetHistoryWithoutArchive(t *testing.T) {
	router, _, _ := newTestHandler(t, nil)
	code, resp := get(t, router, "/api/v1/sessions/s1/history")
	if code != http.StatusNotImplemented || resp.Success {
		t.Fatalf("code = %d, resp = %+v", code, resp)
	}
}

func TestStatsAndProbes(t *testing.T) {
	router, _, registry := newTestHandler(t, map[string]service.Pinger{
		"redis": service.PingFunc(func(context.Context) error { return errors.New("down") }),
	})
	for _, id := range []string{"a", "b"} {
		if _, err := registry.Open(context.Background(), "s1", id); err != nil {
			t.Fatalf("Open: %v", err)
		}
	}

	code, resp := get(t, router, "/api/v1/ws/stats")
	if code != http.StatusOK {
		t.Fatalf("stats code = %d", code)
	}
	var stats struct {
		Coordinators battle.Stats `json:"coordinators"`
	}
	if err := json.Unmarshal(resp.Data, &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Coordinators.Coordinators != 2 || stats.Coordinators.PerSession["s1"] != 2 {
		t.Fatalf("stats = %+v", stats)
	}

	if code, _ := get(t, router, "/health"); code != http.StatusOK {
		t.Fatalf("health code = %d", code)
	}
	if code, _ := get(t, router, "/ready"); code != http.StatusServiceUnavailable {
		t.Fatalf("ready code = %d", code)
	}
}

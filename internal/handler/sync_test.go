package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"gridsync/internal/cache"
	"gridsync/internal/engine"
	"gridsync/internal/fallback"
	"gridsync/internal/models"
)

func testRouter(t *testing.T) (*gin.Engine, *engine.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	e := engine.New(engine.Options{})
	e.Cache = cache.New(nil)
	e.Fallback = &fallback.Channel{}

	r := gin.New()
	h := &SyncHandler{Engine: e}
	h.Register(r)
	return r, e
}

func TestPositionsEndpoint(t *testing.T) {
	r, e := testRouter(t)
	e.Cache.Upsert(models.Position{
		ID:     "evt_1",
		Stake:  decimal.NewFromInt(10),
		Status: models.PositionInProgress,
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/positions?page=0", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Code int               `json:"code"`
		Data []models.Position `json:"data"`
		Meta map[string]any    `json:"meta"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Code != 0 || len(resp.Data) != 1 || resp.Data[0].ID != "evt_1" {
		t.Fatalf("unexpected response %s", w.Body.String())
	}
	if resp.Meta["total"].(float64) != 1 {
		t.Fatalf("unexpected meta %v", resp.Meta)
	}
}

func TestPositionsEndpointBadPage(t *testing.T) {
	r, _ := testRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/positions?page=notanumber", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("bad page value should fall back to page 0, got %d", w.Code)
	}
}

func TestStateEndpoint(t *testing.T) {
	r, _ := testRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/state", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Data struct {
			Live           bool   `json:"live"`
			FallbackActive bool   `json:"fallbackActive"`
			LastError      string `json:"lastError"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Data.Live || resp.Data.FallbackActive || resp.Data.LastError != "" {
		t.Fatalf("unexpected state %+v", resp.Data)
	}
}

func TestHealthEndpoints(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	(&HealthHandler{}).Register(r)

	for _, path := range []string{"/healthz", "/readyz"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, w.Code)
		}
	}
}

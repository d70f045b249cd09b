package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTimer struct {
	running bool
	last    time.Time
}

func (f fakeTimer) Running() bool           { return f.running }
func (f fakeTimer) LastRun() time.Time      { return f.last }
func (f fakeTimer) Interval() time.Duration { return time.Minute }

type fakeCircuits []string

func (f fakeCircuits) OpenCircuits() []string { return f }

func TestSweeperCheck(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	tests := []struct {
		name    string
		timer   fakeTimer
		healthy bool
	}{
		{"stopped", fakeTimer{running: false}, false},
		{"not yet run", fakeTimer{running: true}, true},
		{"recent run", fakeTimer{running: true, last: now.Add(-90 * time.Second)}, true},
		{"stale run", fakeTimer{running: true, last: now.Add(-4 * time.Minute)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := Sweeper(tt.timer, clock)(context.Background())
			assert.Equal(t, "sweeper", st.Name)
			assert.Equal(t, tt.healthy, st.Healthy, st.Detail)
		})
	}
}

func TestGatewayCheck(t *testing.T) {
	assert.True(t, Gateway(fakeCircuits(nil))(context.Background()).Healthy)

	st := Gateway(fakeCircuits{"capture=open"})(context.Background())
	assert.False(t, st.Healthy)
	assert.Equal(t, "capture=open", st.Detail)
}

func TestHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := NewRegistry()
	reg.Register("sweeper", Sweeper(fakeTimer{running: false}, time.Now))
	h := NewHandler(reg, "1.2.3")
	r := gin.New()
	h.RegisterRoutes(r)

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	assert.Equal(t, http.StatusOK, get("/health/live").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get("/health/ready").Code)
	h.SetReady(true)
	assert.Equal(t, http.StatusOK, get("/health/ready").Code)

	w := get("/health")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	var body Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "1.2.3", body.Version)
	require.Len(t, body.Checks, 1)
	assert.Equal(t, "timer not running", body.Checks[0].Detail)
}

func TestHandler_CriticalCheckGatesReadiness(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := NewRegistry()
	reg.RegisterCritical("database", func(context.Context) Status {
		return Status{Name: "database", Healthy: false, Detail: "connection refused"}
	})
	h := NewHandler(reg, "dev")
	h.SetReady(true)
	r := gin.New()
	h.RegisterRoutes(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

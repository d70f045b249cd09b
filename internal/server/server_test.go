package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/trustline/internal/config"
	"github.com/mbd888/trustline/internal/logging"
	"github.com/mbd888/trustline/internal/payments"
	"github.com/mbd888/trustline/internal/transaction"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// testConfig returns a minimal in-memory config
func testConfig() *config.Config {
	return &config.Config{
		Port:               "0",
		Env:                "development",
		LogLevel:           "error",
		LogFormat:          "text",
		GatewayTimeout:     time.Second,
		GatewayMaxAttempts: 1,
		SweepInterval:      time.Minute,
		DisputeWindow:      72 * time.Hour,
		DateExtension:      24 * time.Hour,
		DefaultFeeSide:     50,
		AdminSecret:        "s3cret",
	}
}

type harness struct {
	srv   *Server
	clock *clock
	keys  map[string]string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	c := &clock{t: time.Now().UTC().Truncate(time.Second)}
	s, err := New(testConfig(),
		WithLogger(logging.Discard()),
		WithGateway(payments.NewMemoryGateway()),
		WithClock(c.Now),
		WithoutTimer(),
	)
	require.NoError(t, err)

	h := &harness{srv: s, clock: c, keys: map[string]string{}}
	for _, user := range []string{"usr_seller", "usr_buyer", "usr_other"} {
		raw, _, err := s.AuthManager().GenerateKey(context.Background(), user, "test")
		require.NoError(t, err)
		h.keys[user] = raw
	}
	return h
}

func (h *harness) do(method, path, user string, body any, headers ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+h.keys[user])
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	h.srv.Router().ServeHTTP(w, req)
	return w
}

func decodeTx(t *testing.T, w *httptest.ResponseRecorder) transaction.Transaction {
	t.Helper()
	var resp struct {
		Transaction transaction.Transaction `json:"transaction"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp.Transaction
}

func TestHealthEndpoints(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/health/live", "", nil).Code)
	// Not ready until Run.
	assert.Equal(t, http.StatusServiceUnavailable, h.do(http.MethodGet, "/health/ready", "", nil).Code)

	w := h.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"gateway"`)

	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/metrics", "", nil).Code)
}

func TestSecurityHeadersAndRequestID(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodGet, "/api", "", nil, "X-Request-ID", "req-123")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	w = h.do(http.MethodGet, "/api", "", nil)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRoutesRequireAPIKey(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodPost, "/v1/transactions", "", map[string]any{"title": "x"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.do(http.MethodGet, "/v1/me", "usr_buyer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "usr_buyer")
}

func TestAdminRoutesRequireSecret(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodPost, "/v1/admin/sweep", "usr_seller", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = h.do(http.MethodPost, "/v1/admin/sweep", "", nil, "X-Admin-Secret", "s3cret")
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestEndToEnd_AutoValidation(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodPost, "/v1/transactions", "usr_seller", map[string]any{
		"title":    "Wedding shoot",
		"currency": "eur",
		"lineItems": []map[string]any{
			{"description": "Full day", "quantity": 1, "unitPrice": "1000"},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	tx := decodeTx(t, w)
	base := "/v1/transactions/" + tx.ID

	w = h.do(http.MethodPost, base+"/join", "usr_buyer", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Third parties cannot see the transaction.
	w = h.do(http.MethodGet, base, "usr_other", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = h.do(http.MethodPost, base+"/pay", "usr_buyer", map[string]any{"method": "card", "paymentMethodRef": "pm_card_visa"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, transaction.StatusPaid, decodeTx(t, w).Status)

	w = h.do(http.MethodPost, base+"/deliver", "usr_seller", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	delivered := decodeTx(t, w)
	require.NotNil(t, delivered.ValidationDeadline)

	// Buyer stays silent past the validation window.
	h.clock.Advance(delivered.ValidationDeadline.Sub(h.clock.Now()) + time.Minute)

	w = h.do(http.MethodPost, "/v1/admin/sweep", "", nil, "X-Admin-Secret", "s3cret")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res struct {
		Processed int `json:"processed"`
		Errors    int `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 0, res.Errors)

	w = h.do(http.MethodGet, base, "usr_seller", nil)
	require.Equal(t, http.StatusOK, w.Code)
	final := decodeTx(t, w)
	assert.Equal(t, transaction.StatusValidated, final.Status)
	assert.True(t, final.FundsReleased)
}

func TestEndToEnd_DisputeFlow(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodPost, "/v1/transactions", "usr_seller", map[string]any{
		"title":     "Catering",
		"currency":  "eur",
		"lineItems": []map[string]any{{"description": "Dinner", "quantity": 1, "unitPrice": "1000"}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	base := "/v1/transactions/" + decodeTx(t, w).ID

	require.Equal(t, http.StatusOK, h.do(http.MethodPost, base+"/join", "usr_buyer", nil).Code)
	require.Equal(t, http.StatusOK, h.do(http.MethodPost, base+"/pay", "usr_buyer", map[string]any{"method": "card"}).Code)

	w = h.do(http.MethodPost, base+"/disputes", "usr_buyer", map[string]any{
		"type":   "not_as_described",
		"reason": "Half the dishes never arrived",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = h.do(http.MethodGet, base, "usr_buyer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, transaction.StatusDisputed, decodeTx(t, w).Status)

	w = h.do(http.MethodGet, "/v1/admin/disputes", "", nil, "X-Admin-Secret", "s3cret")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "not_as_described")
}

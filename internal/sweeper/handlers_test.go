package sweeper

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/trustline/internal/auth"
	"github.com/mbd888/trustline/internal/logging"
	"github.com/mbd888/trustline/internal/transaction"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(s *Sweeper) *gin.Engine {
	r := gin.New()
	v1 := r.Group("/v1", auth.RequireAdmin("s3cret"))
	NewHandler(s).RegisterAdminRoutes(v1)
	return r
}

func post(r *gin.Engine, path, secret string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, nil)
	if secret != "" {
		req.Header.Set("X-Admin-Secret", secret)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHTTPSweep(t *testing.T) {
	f := newFixture(t)
	tx := f.delivered(t, nil)
	f.clock.Advance(49 * time.Hour)
	r := setupRouter(f.sweeper)

	w := post(r, "/v1/admin/sweep", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = post(r, "/v1/admin/sweep", "s3cret")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res struct {
		Processed int `json:"processed"`
		Errors    int `json:"errors"`
		Total     int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 0, res.Errors)
	assert.Equal(t, transaction.StatusValidated, f.status(t, tx.ID))

	w = post(r, "/v1/admin/sweep", "s3cret")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 0, res.Processed)
}

func TestHTTPSweep_SelectionFailure(t *testing.T) {
	s := New(&stubTxs{listErr: errors.New("db down")}, stubDisputes{}).WithLogger(logging.Discard())
	r := setupRouter(s)

	w := post(r, "/v1/admin/sweep", "s3cret")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "sweep_incomplete")
}

func TestHTTPRepairDeadlines(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(f.sweeper)

	w := post(r, "/v1/admin/repair-deadlines?limit=10", "s3cret")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		Repair transaction.RepairResult `json:"repair"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 0, body.Repair.Examined)
}

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmplay/backend/internal/auth"
	"github.com/swarmplay/backend/internal/ban"
	"github.com/swarmplay/backend/internal/monitoring"
	"github.com/swarmplay/backend/internal/ratelimit"
	"github.com/swarmplay/backend/internal/store"
	"github.com/swarmplay/backend/internal/votes"
)

func (e *testEnv) doAdmin(method, path, secret string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "203.0.113.9:41000"
	if secret != "" {
		req.Header.Set("X-Admin-Secret", secret)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestAdmin_SecretRequired(t *testing.T) {
	env := newTestEnv(t)

	rec := env.doAdmin(http.MethodGet, "/api/v1/admin/bans", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.doAdmin(http.MethodGet, "/api/v1/admin/bans", "wrong-secret", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.doAdmin(http.MethodGet, "/api/v1/admin/bans", testAdminSecret, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdmin_DisabledWithoutSecret(t *testing.T) {
	mem := store.NewMemory()
	srv := NewServer(Config{}, auth.NewStore(mem), ban.NewManager(mem),
		ratelimit.New(mem), votes.NewAggregator(mem),
		fixedTicks{gameID: "g"}, mem, monitoring.New())
	env := &testEnv{mem: mem, server: srv, router: srv.Router()}

	// Even a correct guess of the empty string is rejected.
	rec := env.doAdmin(http.MethodGet, "/api/v1/admin/bans", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = env.doAdmin(http.MethodGet, "/api/v1/admin/bans", "anything", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdmin_BanUnbanFlow(t *testing.T) {
	env := newTestEnv(t)
	key := env.registerAgent(t, "ash", auth.PlanStandard)

	rec := env.doAdmin(http.MethodPost, "/api/v1/admin/ban/agent", testAdminSecret, map[string]interface{}{
		"subject": "ash", "type": "hard", "reason": "scripted play",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodPost, "/api/v1/vote", key, map[string]string{"action": "up"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.doAdmin(http.MethodGet, "/api/v1/admin/bans", testAdminSecret, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["count"])

	rec = env.doAdmin(http.MethodPost, "/api/v1/admin/unban", testAdminSecret, map[string]string{
		"kind": "agent", "subject": "ash",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodPost, "/api/v1/vote", key, map[string]string{"action": "up"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdmin_BanCIDRBlocksClient(t *testing.T) {
	env := newTestEnv(t)
	key := env.registerAgent(t, "ash", auth.PlanStandard)

	rec := env.doAdmin(http.MethodPost, "/api/v1/admin/ban/cidr", testAdminSecret, map[string]interface{}{
		"subject": "203.0.113.0/24", "reason": "bot farm",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// The test client's RemoteAddr falls inside the banned block.
	rec = env.do(http.MethodPost, "/api/v1/vote", key, map[string]string{"action": "up"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdmin_BanValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.doAdmin(http.MethodPost, "/api/v1/admin/ban/agent", testAdminSecret, map[string]interface{}{
		"subject": "",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.doAdmin(http.MethodPost, "/api/v1/admin/ban/agent", testAdminSecret, map[string]interface{}{
		"subject": "ash", "type": "medium",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.doAdmin(http.MethodPost, "/api/v1/admin/ban/cidr", testAdminSecret, map[string]interface{}{
		"subject": "not-a-cidr",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "malformed CIDRs are rejected at write time")
}

func TestAdmin_UnbanUnknownKind(t *testing.T) {
	env := newTestEnv(t)

	rec := env.doAdmin(http.MethodPost, "/api/v1/admin/unban", testAdminSecret, map[string]string{
		"kind": "planet", "subject": "earth",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// failingStore wraps the memory store and fails hash writes, standing in
// for a Redis outage mid-request.
type failingStore struct {
	store.Client
	hsetErr error
}

func (f *failingStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	if f.hsetErr != nil {
		return f.hsetErr
	}
	return f.Client.HSet(ctx, key, fields)
}

func TestAdmin_StoreFailureIsInternalError(t *testing.T) {
	failing := &failingStore{
		Client:  store.NewMemory(),
		hsetErr: errors.New("LOADING Redis is loading the dataset in memory"),
	}
	srv := NewServer(Config{AdminSecret: testAdminSecret}, auth.NewStore(failing),
		ban.NewManager(failing), ratelimit.New(failing), votes.NewAggregator(failing),
		fixedTicks{gameID: "g"}, failing, monitoring.New())
	env := &testEnv{server: srv, router: srv.Router()}

	rec := env.doAdmin(http.MethodPost, "/api/v1/admin/ban/agent", testAdminSecret, map[string]interface{}{
		"subject": "ash",
	})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, CodeInternal, body["code"])
	// The store's error text must never reach the caller.
	assert.NotContains(t, rec.Body.String(), "LOADING")
}

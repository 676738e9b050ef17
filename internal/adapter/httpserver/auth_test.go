package httpserver_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpserver "github.com/fairyhunter13/steam-market-monitor/internal/adapter/httpserver"
	"github.com/fairyhunter13/steam-market-monitor/internal/config"
)

// guardedEcho wraps a trivial 200 handler in the token guard. The guard
// reads nothing but the config.
func guardedEcho(t *testing.T, token string) http.Handler {
	t.Helper()
	srv := &httpserver.Server{Cfg: config.Config{AdminAPIToken: token}}
	return srv.TokenGuard()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func TestTokenGuard_RejectsMissingToken(t *testing.T) {
	h := guardedEcho(t, "sekret")
	r := httptest.NewRequest(http.MethodPost, "/v1/tasks", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	resp := w.Result()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Bearer")
	_ = resp.Body.Close()
}

func TestTokenGuard_AcceptsBearerCleartext(t *testing.T) {
	h := guardedEcho(t, "sekret")
	r := httptest.NewRequest(http.MethodPost, "/v1/tasks", nil)
	r.Header.Set("Authorization", "Bearer sekret")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Result().StatusCode)
}

func TestTokenGuard_AcceptsBcryptHashedToken(t *testing.T) {
	hash, err := httpserver.HashToken("sekret")
	require.NoError(t, err)
	h := guardedEcho(t, hash)

	r := httptest.NewRequest(http.MethodPost, "/v1/tasks", nil)
	r.Header.Set("Authorization", "Bearer sekret")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Result().StatusCode)

	r = httptest.NewRequest(http.MethodPost, "/v1/tasks", nil)
	r.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusUnauthorized, w.Result().StatusCode)
}

func TestTokenGuard_AcceptsHeaderToken(t *testing.T) {
	h := guardedEcho(t, "sekret")
	r := httptest.NewRequest(http.MethodPost, "/v1/tasks", nil)
	r.Header.Set("X-Admin-Token", "sekret")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Result().StatusCode)
}

func TestTokenGuard_EmptyConfigRejectsEverything(t *testing.T) {
	h := guardedEcho(t, "")
	r := httptest.NewRequest(http.MethodPost, "/v1/tasks", nil)
	r.Header.Set("Authorization", "Bearer anything")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusUnauthorized, w.Result().StatusCode)
}

// README: Tests for auth middleware and session lifecycle.
package middleware_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/http/middleware"
	"relay/internal/infra"
	"relay/internal/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubVerifier is a test double for infra.TokenVerifier.
type stubVerifier struct {
	token *infra.FirebaseToken
	err   error
}

func (s *stubVerifier) VerifyIDToken(_ context.Context, _ string) (*infra.FirebaseToken, error) {
	return s.token, s.err
}

func newTestRouter(auth gin.HandlerFunc, sessions *session.Registry) *gin.Engine {
	r := gin.New()
	r.Use(auth)
	r.GET("/test", func(c *gin.Context) {
		a, _ := middleware.Actor(c)
		c.JSON(http.StatusOK, gin.H{
			"id":       a.ID,
			"role":     a.Role,
			"sessions": sessions.CountFor(a.ID),
		})
	})
	return r
}

func get(r http.Handler, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthRejectsMissingOrBadToken(t *testing.T) {
	reg := session.NewRegistry()
	ok := &stubVerifier{token: &infra.FirebaseToken{UID: "u1"}}

	w := get(newTestRouter(middleware.Auth(ok, reg), reg), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = get(newTestRouter(middleware.Auth(ok, reg), reg), map[string]string{"Authorization": "Token abc"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	bad := &stubVerifier{err: errors.New("expired")}
	w = get(newTestRouter(middleware.Auth(bad, reg), reg), map[string]string{"Authorization": "Bearer abc"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"error":"unauthorized"`)
}

func TestAuthRoleClaim(t *testing.T) {
	cases := []struct {
		name   string
		claims map[string]interface{}
		status int
		role   string
	}{
		{"rider claim", map[string]interface{}{"role": "rider"}, http.StatusOK, "rider"},
		{"no claim is customer", map[string]interface{}{}, http.StatusOK, "customer"},
		{"unknown role", map[string]interface{}{"role": "driver"}, http.StatusForbidden, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg := session.NewRegistry()
			v := &stubVerifier{token: &infra.FirebaseToken{UID: "u1", Claims: tc.claims}}
			w := get(newTestRouter(middleware.Auth(v, reg), reg), map[string]string{"Authorization": "Bearer t"})
			require.Equal(t, tc.status, w.Code)
			if tc.status != http.StatusOK {
				return
			}
			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, "u1", body["id"])
			assert.Equal(t, tc.role, body["role"])
		})
	}
}

func TestHeaderAuthHoldsSessionForRequest(t *testing.T) {
	reg := session.NewRegistry()
	r := newTestRouter(middleware.HeaderAuth(reg), reg)

	w := get(r, map[string]string{middleware.HeaderActorID: "r1", middleware.HeaderActorRole: "rider"})
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.EqualValues(t, 1, body["sessions"])
	assert.Equal(t, 0, reg.Count())

	w = get(r, map[string]string{middleware.HeaderActorRole: "rider"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = get(r, map[string]string{middleware.HeaderActorID: "r1", middleware.HeaderActorRole: "admin"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRecoveryAndLogging(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	r := gin.New()
	r.Use(middleware.Recovery(log), middleware.Logging(log))
	r.GET("/boom", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, buf.String(), "panic serving request")
}

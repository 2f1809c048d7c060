// README: Auth middleware; resolves the caller to a session.Actor and holds a session for the request.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"relay/internal/infra"
	"relay/internal/session"
	"relay/internal/types"
)

const (
	actorKey   = "actor"
	sessionKey = "session"

	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"
)

// Auth verifies a Firebase ID token from the Authorization header. The role
// comes from the "role" custom claim; a token without one is a customer.
func Auth(verifier infra.TokenVerifier, sessions *session.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			abort(c, http.StatusUnauthorized, "unauthorized", "missing or invalid Authorization header")
			return
		}
		token, err := verifier.VerifyIDToken(c.Request.Context(), strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			abort(c, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		role := session.RoleCustomer
		if r, ok := token.Claims["role"].(string); ok && r != "" {
			role = session.Role(r)
		}
		if !role.Valid() {
			abort(c, http.StatusForbidden, "forbidden", "unknown role")
			return
		}
		hold(c, sessions, session.Actor{ID: types.ID(token.UID), Role: role})
	}
}

// HeaderAuth trusts X-Actor-ID and X-Actor-Role set by an upstream gateway.
func HeaderAuth(sessions *session.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderActorID))
		role := session.Role(strings.TrimSpace(c.GetHeader(HeaderActorRole)))
		if id == "" {
			abort(c, http.StatusUnauthorized, "unauthorized", "missing "+HeaderActorID)
			return
		}
		if !role.Valid() {
			abort(c, http.StatusForbidden, "forbidden", "unknown role")
			return
		}
		hold(c, sessions, session.Actor{ID: types.ID(id), Role: role})
	}
}

// hold opens a session for the rest of the chain and closes it when the
// request (or stream) ends.
func hold(c *gin.Context, sessions *session.Registry, actor session.Actor) {
	c.Set(actorKey, actor)
	if sessions != nil {
		s := sessions.Open(actor)
		c.Set(sessionKey, s)
		defer sessions.Close(s.ID)
	}
	c.Next()
}

// Actor returns the authenticated caller; ok is false on unauthenticated routes.
func Actor(c *gin.Context) (session.Actor, bool) {
	v, ok := c.Get(actorKey)
	if !ok {
		return session.Actor{}, false
	}
	a, ok := v.(session.Actor)
	return a, ok
}

func Session(c *gin.Context) *session.Session {
	v, ok := c.Get(sessionKey)
	if !ok {
		return nil
	}
	s, _ := v.(*session.Session)
	return s
}

func abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": msg})
}

package rpc

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/julienschmidt/httprouter"
)

type ctxKey string

const ctxKeySubject ctxKey = "subject"

// requireAuth validates a Bearer JWT signed with cfg.JWTSecret (spec.md
// §6's JWT_SECRET) and stashes the token's subject claim in the request
// context for downstream handlers.
func (s *Server) requireAuth(next handlerFunc) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "AUTH_FAILED", "missing bearer token")
			return
		}
		raw := strings.TrimPrefix(header, "Bearer ")
		claims := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
			return []byte(s.cfg.JWTSecret), nil
		})
		if err != nil {
			writeError(w, http.StatusUnauthorized, "AUTH_FAILED", "invalid or expired token")
			return
		}
		sub, _ := claims["sub"].(string)
		ctx := context.WithValue(r.Context(), ctxKeySubject, sub)
		next(w, r.WithContext(ctx), ps)
	}
}

func subjectOf(r *http.Request) string {
	sub, _ := r.Context().Value(ctxKeySubject).(string)
	return sub
}

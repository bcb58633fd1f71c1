// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"

	"tollgate/platform/shared/logger"
)

// Caller is the identity extracted from a validated bearer token.
type Caller struct {
	PrincipalID string
	ProjectID   string
	Role        string
}

type callerKey struct{}

// CallerFromContext returns the authenticated caller stashed by BearerAuth.
func CallerFromContext(ctx context.Context) (*Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(*Caller)
	return c, ok
}

// BearerAuth validates HS256 bearer tokens on every request under the API
// subrouter. An empty secret disables authentication entirely, which is only
// acceptable in development; production deployments must set JWT_SECRET.
func BearerAuth(secret []byte) mux.MiddlewareFunc {
	log := logger.New("gateway-auth")
	return func(next http.Handler) http.Handler {
		if len(secret) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := bearerToken(r)
			if tokenString == "" {
				unauthorized(w, "missing bearer token")
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				return secret, nil
			}, jwt.WithValidMethods([]string{"HS256"}))
			if err != nil || !token.Valid {
				log.Warn("", "", "rejected bearer token", map[string]interface{}{
					"remote_addr": r.RemoteAddr,
					"error":       errString(err),
				})
				unauthorized(w, "invalid or expired token")
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				unauthorized(w, "invalid token claims")
				return
			}

			caller := &Caller{
				PrincipalID: getClaimString(claims, "principal_id"),
				ProjectID:   getClaimString(claims, "project_id"),
				Role:        getClaimString(claims, "role"),
			}
			if caller.PrincipalID == "" {
				caller.PrincipalID = getClaimString(claims, "sub")
			}

			ctx := context.WithValue(r.Context(), callerKey{}, caller)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func getClaimString(claims jwt.MapClaims, key string) string {
	if val, ok := claims[key].(string); ok {
		return val
	}
	return ""
}

func errString(err error) string {
	if err == nil {
		return "token not valid"
	}
	return err.Error()
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

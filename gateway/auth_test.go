// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var authSecret = []byte("test-signing-secret")

// authProbe mounts a recording handler behind BearerAuth.
type authProbe struct {
	router *mux.Router
	caller *Caller
	hits   int
}

func newAuthProbe(secret []byte) *authProbe {
	p := &authProbe{router: mux.NewRouter()}
	p.router.Use(BearerAuth(secret))
	p.router.HandleFunc("/probe", func(w http.ResponseWriter, r *http.Request) {
		p.hits++
		if c, ok := CallerFromContext(r.Context()); ok {
			p.caller = c
		}
		w.WriteHeader(http.StatusNoContent)
	})
	return p
}

func (p *authProbe) get(authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	w := httptest.NewRecorder()
	p.router.ServeHTTP(w, req)
	return w
}

func mintToken(t *testing.T, method jwt.SigningMethod, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(method, claims).SignedString(authSecret)
	require.NoError(t, err)
	return signed
}

func TestBearerAuthAcceptsValidToken(t *testing.T) {
	p := newAuthProbe(authSecret)
	token := mintToken(t, jwt.SigningMethodHS256, jwt.MapClaims{
		"principal_id": "alice",
		"project_id":   "proj-1",
		"role":         "admin",
		"exp":          time.Now().Add(time.Hour).Unix(),
	})

	w := p.get("Bearer " + token)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 1, p.hits)
	require.NotNil(t, p.caller)
	assert.Equal(t, "alice", p.caller.PrincipalID)
	assert.Equal(t, "proj-1", p.caller.ProjectID)
	assert.Equal(t, "admin", p.caller.Role)
}

func TestBearerAuthFallsBackToSubClaim(t *testing.T) {
	p := newAuthProbe(authSecret)
	token := mintToken(t, jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "bob",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	w := p.get("Bearer " + token)

	assert.Equal(t, http.StatusNoContent, w.Code)
	require.NotNil(t, p.caller)
	assert.Equal(t, "bob", p.caller.PrincipalID)
	assert.Empty(t, p.caller.ProjectID)
}

func TestBearerAuthRejectsBadTokens(t *testing.T) {
	expired := mintToken(t, jwt.SigningMethodHS256, jwt.MapClaims{
		"principal_id": "alice",
		"exp":          time.Now().Add(-time.Hour).Unix(),
	})
	wrongAlg := mintToken(t, jwt.SigningMethodHS384, jwt.MapClaims{
		"principal_id": "alice",
		"exp":          time.Now().Add(time.Hour).Unix(),
	})
	otherKey, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"principal_id": "alice",
	}).SignedString([]byte("some-other-secret"))
	require.NoError(t, err)

	cases := []struct {
		name          string
		authorization string
	}{
		{"missing header", ""},
		{"not a bearer scheme", "Basic dXNlcjpwYXNz"},
		{"garbage token", "Bearer not.a.token"},
		{"expired token", "Bearer " + expired},
		{"wrong signing algorithm", "Bearer " + wrongAlg},
		{"wrong key", "Bearer " + otherKey},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := newAuthProbe(authSecret)
			w := p.get(tc.authorization)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, 0, p.hits)

			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, false, body["success"])
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestBearerAuthDisabledWithoutSecret(t *testing.T) {
	p := newAuthProbe(nil)

	w := p.get("")

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 1, p.hits)
	assert.Nil(t, p.caller)
}

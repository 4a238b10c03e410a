package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndVerify(t *testing.T) {
	manager := NewJWTManager("test-secret", time.Hour)

	token, err := manager.Generate("u1", "alice", "Alice", "https://example.com/alice.png")
	require.NoError(t, err)

	claims, err := manager.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, "Alice", claims.DisplayName)
	assert.NotEmpty(t, claims.ID, "session id claim must be set")
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, err := NewJWTManager("secret-a", time.Hour).Generate("u1", "alice", "", "")
	require.NoError(t, err)

	_, err = NewJWTManager("secret-b", time.Hour).Verify(token)
	require.Error(t, err)
}

func TestVerifyRejectsExpired(t *testing.T) {
	manager := NewJWTManager("test-secret", -time.Minute)
	token, err := manager.Generate("u1", "alice", "", "")
	require.NoError(t, err)

	_, err = manager.Verify(token)
	require.Error(t, err)
}

func TestResolverAuthenticated(t *testing.T) {
	manager := NewJWTManager("test-secret", time.Hour)
	token, err := manager.Generate("u1", "alice", "Alice", "https://example.com/alice.png")
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/event-stream?token="+token, nil)
	ident := NewResolver(manager).Resolve(r)

	assert.True(t, ident.Authenticated)
	assert.Equal(t, "u1", ident.UserID)
	assert.Equal(t, "alice", ident.UserName)
	assert.Equal(t, "Alice", ident.DisplayName)
	assert.NotEmpty(t, ident.SessionID)
}

func TestResolverFallsBackToUsername(t *testing.T) {
	manager := NewJWTManager("test-secret", time.Hour)
	token, err := manager.Generate("u1", "alice", "", "")
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/event-stream?token="+token, nil)
	ident := NewResolver(manager).Resolve(r)

	assert.Equal(t, "alice", ident.DisplayName)
}

func TestResolverAnonymous(t *testing.T) {
	manager := NewJWTManager("test-secret", time.Hour)

	r := httptest.NewRequest("GET", "/event-stream", nil)
	ident := NewResolver(manager).Resolve(r)

	assert.False(t, ident.Authenticated)
	assert.Empty(t, ident.UserID)
}

func TestResolverBearerHeader(t *testing.T) {
	manager := NewJWTManager("test-secret", time.Hour)
	token, err := manager.Generate("u1", "alice", "", "")
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/event-stream", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	ident := NewResolver(manager).Resolve(r)

	assert.True(t, ident.Authenticated)
}

func TestMiddleware(t *testing.T) {
	manager := NewJWTManager("test-secret", time.Hour)
	token, err := manager.Generate("u1", "alice", "", "")
	require.NoError(t, err)

	var gotClaims *Claims
	handler := manager.Middleware(func(w http.ResponseWriter, r *http.Request) {
		gotClaims, _ = GetUserFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/event-publish", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	handler(rec, r)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, gotClaims)
	assert.Equal(t, "u1", gotClaims.UserID)

	rec = httptest.NewRecorder()
	handler(rec, httptest.NewRequest("GET", "/event-publish", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

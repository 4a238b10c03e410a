package auth

import (
	"context"
)

type contextKey string

const userContextKey contextKey = "user"

// SetUserContext stashes the verified claims a request's subscription
// identity (userId, displayName, profileUrl) is derived from.
func SetUserContext(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, userContextKey, claims)
}

// GetUserFromContext retrieves the claims placed by Middleware; the second
// return is false on anonymous requests.
func GetUserFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(userContextKey).(*Claims)
	return claims, ok
}

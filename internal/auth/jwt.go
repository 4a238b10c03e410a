package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"odin-sse-server/pkg/sse"
)

// Claims carries the identity a token vouches for.
type Claims struct {
	UserID      string `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	ProfileURL  string `json:"profileUrl"`
	jwt.RegisteredClaims
}

type JWTManager struct {
	secretKey     []byte
	tokenDuration time.Duration
}

func NewJWTManager(secretKey string, tokenDuration time.Duration) *JWTManager {
	return &JWTManager{
		secretKey:     []byte(secretKey),
		tokenDuration: tokenDuration,
	}
}

// Generate creates a new JWT token.
func (manager *JWTManager) Generate(userID, username, displayName, profileURL string) (string, error) {
	claims := &Claims{
		UserID:      userID,
		Username:    username,
		DisplayName: displayName,
		ProfileURL:  profileURL,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(manager.tokenDuration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "odin-sse-server",
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(manager.secretKey)
}

// Verify validates the JWT token and returns the claims.
func (manager *JWTManager) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return manager.secretKey, nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// ExtractTokenFromHeader extracts a JWT token from the Authorization header.
func ExtractTokenFromHeader(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errors.New("authorization header missing")
	}

	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return "", errors.New("invalid authorization header format")
	}
	return strings.TrimPrefix(authHeader, bearerPrefix), nil
}

// ExtractTokenFromQuery extracts a JWT token from the token query parameter.
// EventSource cannot set headers, so the stream endpoint accepts this form.
func ExtractTokenFromQuery(r *http.Request) (string, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		return "", errors.New("token query parameter missing")
	}
	return token, nil
}

// RequestClaims resolves the claims for a request from the query parameter or
// the Authorization header, in that order.
func (manager *JWTManager) RequestClaims(r *http.Request) (*Claims, error) {
	token, err := ExtractTokenFromQuery(r)
	if err != nil {
		token, err = ExtractTokenFromHeader(r)
		if err != nil {
			return nil, fmt.Errorf("no valid token found: %w", err)
		}
	}
	return manager.Verify(token)
}

// Middleware rejects requests without a valid token and stores the claims in
// the request context.
func (manager *JWTManager) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := manager.RequestClaims(r)
		if err != nil {
			http.Error(w, "Unauthorized: "+err.Error(), http.StatusUnauthorized)
			return
		}
		next(w, r.WithContext(SetUserContext(r.Context(), claims)))
	}
}

// Resolver adapts the JWT manager to the broker's identity interface. An
// unauthenticated request resolves to a zero identity and the broker fills
// in anonymous values.
type Resolver struct {
	manager *JWTManager
}

func NewResolver(manager *JWTManager) *Resolver {
	return &Resolver{manager: manager}
}

func (res *Resolver) Resolve(r *http.Request) sse.Identity {
	claims, err := res.manager.RequestClaims(r)
	if err != nil {
		return sse.Identity{}
	}
	displayName := claims.DisplayName
	if displayName == "" {
		displayName = claims.Username
	}
	return sse.Identity{
		UserID:        claims.UserID,
		UserName:      claims.Username,
		SessionID:     claims.ID,
		DisplayName:   displayName,
		ProfileURL:    claims.ProfileURL,
		Authenticated: true,
	}
}

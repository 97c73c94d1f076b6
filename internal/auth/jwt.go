package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken rejects a connection or request. It is never retried.
var ErrInvalidToken = errors.New("invalid token")

// Identity is the authenticated principal behind a connection.
type Identity struct {
	UserID      int64  `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// Verifier turns a bearer credential into an Identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// Claims is the JWT payload minted by the identity service.
type Claims struct {
	UserID   int64  `json:"uid"`
	Username string `json:"uname"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 tokens.
type JWTVerifier struct {
	secret []byte
	issuer string
}

// NewJWTVerifier constructs a verifier. An empty issuer disables the issuer check.
func NewJWTVerifier(secret, issuer string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), issuer: issuer}
}

// Verify validates the signature, expiry and issuer.
func (v *JWTVerifier) Verify(_ context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrInvalidToken
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.UserID <= 0 {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UserID: claims.UserID, DisplayName: claims.Username}, nil
}

// Sign mints a token. Used by tests and local tooling; production tokens come
// from the identity service.
func Sign(secret, issuer string, userID int64, name string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   userID,
		Username: name,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// BearerToken extracts the credential from an Authorization header value.
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

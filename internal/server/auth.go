package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"github.com/kilupskalvis/coedit/internal/models"
	"github.com/kilupskalvis/coedit/internal/room"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Authenticator resolves the user making a request
type Authenticator interface {
	Authenticate(r *http.Request) (room.User, error)
}

// Claims are the JWT claims issued to coedit users. The subject is the user
// id.
type Claims struct {
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator verifies HS256 tokens from the Authorization header or,
// for browser sockets, the token query parameter.
type JWTAuthenticator struct {
	secret         []byte
	issuer         string
	ttl            time.Duration
	allowAnonymous bool
	now            func() time.Time
}

// NewJWTAuthenticator creates an authenticator. With allowAnonymous set,
// requests without a token get a fresh guest identity instead of failing.
func NewJWTAuthenticator(secret, issuer string, ttl time.Duration, allowAnonymous bool) (*JWTAuthenticator, error) {
	if secret == "" && !allowAnonymous {
		return nil, errors.New("jwt secret is required unless anonymous access is allowed")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &JWTAuthenticator{
		secret:         []byte(secret),
		issuer:         issuer,
		ttl:            ttl,
		allowAnonymous: allowAnonymous,
		now:            time.Now,
	}, nil
}

// Issue signs a token for a user
func (a *JWTAuthenticator) Issue(userID, username string, role models.Role) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("cannot issue tokens without a secret")
	}
	if userID == "" {
		return "", errors.New("user id is required")
	}
	now := a.now()
	claims := Claims{
		Username: username,
		Role:     string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Authenticate implements Authenticator
func (a *JWTAuthenticator) Authenticate(r *http.Request) (room.User, error) {
	raw := bearerToken(r)
	if raw == "" {
		if a.allowAnonymous {
			return anonymousUser(), nil
		}
		return room.User{}, ErrMissingToken
	}
	if len(a.secret) == 0 {
		return room.User{}, ErrInvalidToken
	}
	return a.Verify(raw)
}

// Verify parses and validates a signed token
func (a *JWTAuthenticator) Verify(raw string) (room.User, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return room.User{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return room.User{}, ErrInvalidToken
	}
	if a.issuer != "" && !claims.VerifyIssuer(a.issuer, true) {
		return room.User{}, fmt.Errorf("%w: unexpected issuer %q", ErrInvalidToken, claims.Issuer)
	}
	if claims.Subject == "" {
		return room.User{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	username := claims.Username
	if username == "" {
		username = claims.Subject
	}
	return room.User{
		ID:       claims.Subject,
		Username: username,
		Role:     models.Role(claims.Role),
	}, nil
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

func anonymousUser() room.User {
	id := "guest-" + uuid.New().String()[:8]
	return room.User{ID: id, Username: id, Role: models.RoleEditor}
}

const contextKeyUser contextKey = "user"

func withUser(ctx context.Context, u room.User) context.Context {
	return context.WithValue(ctx, contextKeyUser, u)
}

func userFrom(ctx context.Context) (room.User, bool) {
	u, ok := ctx.Value(contextKeyUser).(room.User)
	return u, ok
}

// authMiddleware resolves the caller and stores them in the request context
func authMiddleware(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, err := auth.Authenticate(r)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{
					"error":   "auth_failed",
					"message": err.Error(),
				})
				return
			}
			next.ServeHTTP(w, r.WithContext(withUser(r.Context(), u)))
		})
	}
}

// Package auth resolves presented credentials to (subject, role). The
// coordinator trusts this resolution; nothing downstream re-verifies.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/example/dispatch-coordinator/internal/models"
)

var ErrInvalidToken = errors.New("invalid token")

// Identity is the resolved actor behind a request.
type Identity struct {
	SubjectID string
	Role      models.Role
}

type JWTService struct {
	secret []byte
}

func NewJWT(secret []byte) *JWTService {
	return &JWTService{secret: secret}
}

func (j *JWTService) GenerateToken(subjectID string, role models.Role, expires time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":  "dispatch-coordinator",
		"sub":  subjectID,
		"role": string(role),
		"iat":  now.Unix(),
		"exp":  now.Add(expires).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// Resolve parses a bearer token into an Identity.
func (j *JWTService) Resolve(tokenStr string) (Identity, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return j.secret, nil
	})
	if err != nil {
		return Identity{}, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Identity{}, ErrInvalidToken
	}
	sub, _ := claims["sub"].(string)
	roleStr, _ := claims["role"].(string)
	role := models.Role(roleStr)
	if sub == "" || (role != models.RoleRequester && role != models.RoleOperator) {
		return Identity{}, ErrInvalidToken
	}
	return Identity{SubjectID: sub, Role: role}, nil
}

type contextKey string

const identityKey contextKey = "identity"

// Middleware authenticates the request and stores the Identity in the
// request context. Websocket upgrades may also present the token as a
// query parameter since browsers cannot set headers on WS dials.
func Middleware(j *JWTService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				raw = r.URL.Query().Get("token")
			}
			if raw == "" {
				http.Error(w, "missing authorization", http.StatusUnauthorized)
				return
			}
			id, err := j.Resolve(raw)
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), identityKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.Fields(h)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}

// FromContext returns the Identity stored by Middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

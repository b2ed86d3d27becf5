package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/warp/card-escrow/trade"
)

type contextKey string

const contextKeyUserID contextKey = "user_id"

// UserHeader carries the caller identity when no JWT secret is configured.
const UserHeader = "X-User-Id"

// Authenticator resolves the calling user. With a secret it verifies HS256
// bearer tokens and takes the subject as the user id; without one it trusts
// the X-User-Id header.
type Authenticator struct {
	secret []byte
	admins map[trade.UserID]struct{}
	now    func() time.Time
}

func NewAuthenticator(secret string, admins []string) *Authenticator {
	a := &Authenticator{
		admins: make(map[trade.UserID]struct{}, len(admins)),
		now:    time.Now,
	}
	if secret != "" {
		a.secret = []byte(secret)
	}
	for _, id := range admins {
		if id = strings.TrimSpace(id); id != "" {
			a.admins[trade.UserID(id)] = struct{}{}
		}
	}
	return a
}

// IssueToken signs a token for user. Used by tooling and tests.
func (a *Authenticator) IssueToken(user string, ttl time.Duration) (string, error) {
	if a.secret == nil {
		return "", errors.New("jwt secret not configured")
	}
	now := a.now()
	claims := jwt.RegisteredClaims{
		Subject:   user,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) verify(token string) (trade.UserID, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now))
	if err != nil {
		return "", err
	}
	if !parsed.Valid {
		return "", errors.New("token validation failed")
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", errors.New("token subject missing")
	}
	return trade.UserID(subject), nil
}

// Middleware attaches the caller to the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var user trade.UserID
		if a.secret != nil {
			authz := strings.TrimSpace(r.Header.Get("Authorization"))
			parts := strings.SplitN(authz, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				writeError(w, http.StatusUnauthorized, "missing bearer token", nil)
				return
			}
			var err error
			user, err = a.verify(strings.TrimSpace(parts[1]))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid authorization token", nil)
				return
			}
		} else {
			user = trade.UserID(strings.TrimSpace(r.Header.Get(UserHeader)))
			if user == "" {
				writeError(w, http.StatusUnauthorized, "missing "+UserHeader+" header", nil)
				return
			}
		}
		ctx := context.WithValue(r.Context(), contextKeyUserID, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin rejects callers that are not configured admins.
func (a *Authenticator) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := a.admins[callerFrom(r.Context())]; !ok {
			writeError(w, http.StatusForbidden, "admin role required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func callerFrom(ctx context.Context) trade.UserID {
	user, _ := ctx.Value(contextKeyUserID).(trade.UserID)
	return user
}

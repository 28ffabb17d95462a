// Package auth authenticates gateway connection requests with HMAC-signed
// bearer tokens and checks request origins against an allow-list.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
)

const (
	ReasonMissingToken  = "missing_token"
	ReasonInvalidToken  = "invalid_token"
	ReasonExpiredToken  = "token_expired"
	ReasonForbidden     = "forbidden"
	ReasonOriginDenied  = "origin_not_allowed"
	ReasonNotConfigured = "auth_not_configured"
)

// Rejection is returned when a request cannot be admitted. Status is the HTTP
// status the caller should answer with.
type Rejection struct {
	Status int
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("auth: rejected (%d %s)", r.Status, r.Reason)
}

func reject(status int, reason string) *Rejection {
	return &Rejection{Status: status, Reason: reason}
}

// StatusOf extracts the HTTP status and reason of err, defaulting to 401.
func StatusOf(err error) (int, string) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej.Status, rej.Reason
	}
	return http.StatusUnauthorized, ReasonInvalidToken
}

// Authenticator resolves the user behind a connection request.
type Authenticator interface {
	Authenticate(r *http.Request) (userID string, err error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(r *http.Request) (string, error)

func (f AuthenticatorFunc) Authenticate(r *http.Request) (string, error) { return f(r) }

// Claims carried by a gateway token. Subject is the user id.
type Claims struct {
	jwt.StandardClaims
	Scope string `json:"scope,omitempty"`
}

// JWT verifies HS256 tokens taken from the token / access_token query
// parameters or the Authorization header.
type JWT struct {
	secret []byte
	issuer string
	scope  string
	now    func() time.Time
}

// NewJWT builds a verifier. An empty issuer disables the issuer check; a
// non-empty scope requires the token's scope claim to contain it.
func NewJWT(secret, issuer, scope string) *JWT {
	return &JWT{secret: []byte(secret), issuer: issuer, scope: scope, now: time.Now}
}

// TokenFromRequest returns the bearer credential of r, if any.
func TokenFromRequest(r *http.Request) string {
	q := r.URL.Query()
	if t := q.Get("token"); t != "" {
		return t
	}
	if t := q.Get("access_token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func (j *JWT) Authenticate(r *http.Request) (string, error) {
	if len(j.secret) == 0 {
		return "", reject(http.StatusServiceUnavailable, ReasonNotConfigured)
	}
	raw := TokenFromRequest(r)
	if raw == "" {
		return "", reject(http.StatusUnauthorized, ReasonMissingToken)
	}
	return j.Verify(raw)
}

// Verify checks raw and returns its subject.
func (j *JWT) Verify(raw string) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		var ve *jwt.ValidationError
		if errors.As(err, &ve) && ve.Errors&jwt.ValidationErrorExpired != 0 {
			return "", reject(http.StatusUnauthorized, ReasonExpiredToken)
		}
		return "", reject(http.StatusUnauthorized, ReasonInvalidToken)
	}
	if !token.Valid || strings.TrimSpace(claims.Subject) == "" {
		return "", reject(http.StatusUnauthorized, ReasonInvalidToken)
	}
	if j.issuer != "" && !claims.VerifyIssuer(j.issuer, true) {
		return "", reject(http.StatusForbidden, ReasonForbidden)
	}
	if j.scope != "" && !hasScope(claims.Scope, j.scope) {
		return "", reject(http.StatusForbidden, ReasonForbidden)
	}
	return claims.Subject, nil
}

// Issue signs a token for userID valid for ttl. Used by the CLI and tests.
func (j *JWT) Issue(userID string, ttl time.Duration) (string, error) {
	now := j.now()
	claims := Claims{
		StandardClaims: jwt.StandardClaims{
			Subject:   userID,
			Issuer:    j.issuer,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(ttl).Unix(),
		},
		Scope: j.scope,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
}

func hasScope(have, want string) bool {
	for _, s := range strings.Fields(have) {
		if s == want {
			return true
		}
	}
	return false
}

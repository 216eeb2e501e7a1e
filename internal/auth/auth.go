// Package auth verifies the Bearer tokens presented to the mock APIs and
// extracts the client identity that owns registered resources.
package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken is returned when no usable Bearer token was sent.
	ErrMissingToken = errors.New("missing bearer token")

	// ErrInvalidToken is returned for bad signatures, expired tokens and
	// unexpected issuers.
	ErrInvalidToken = errors.New("invalid token")

	// ErrForbidden is returned when the token's claims do not cover the path.
	ErrForbidden = errors.New("token does not grant access to this path")
)

// Scope names an NMOS API whose access is granted by an x-nmos-<scope> claim.
type Scope string

const (
	ScopeRegistration Scope = "registration"
	ScopeQuery        Scope = "query"
	ScopeNode         Scope = "node"
	ScopeConnection   Scope = "connection"
	ScopeSystem       Scope = "system"
)

// PathClaims lists the path wildcards granted for reading and writing.
type PathClaims struct {
	Read  []string `json:"read,omitempty"`
	Write []string `json:"write,omitempty"`
}

// Claims are the token claims the mocks care about.
type Claims struct {
	jwt.RegisteredClaims
	ClientID        string `json:"client_id,omitempty"`
	AuthorizedParty string `json:"azp,omitempty"`
	Scope           string `json:"scope,omitempty"`

	Registration *PathClaims `json:"x-nmos-registration,omitempty"`
	Query        *PathClaims `json:"x-nmos-query,omitempty"`
	Node         *PathClaims `json:"x-nmos-node,omitempty"`
	Connection   *PathClaims `json:"x-nmos-connection,omitempty"`
	System       *PathClaims `json:"x-nmos-system,omitempty"`
}

// Identity is the client that presented the token: client_id, else azp.
func (c *Claims) Identity() string {
	if c.ClientID != "" {
		return c.ClientID
	}
	return c.AuthorizedParty
}

func (c *Claims) paths(s Scope) *PathClaims {
	switch s {
	case ScopeRegistration:
		return c.Registration
	case ScopeQuery:
		return c.Query
	case ScopeNode:
		return c.Node
	case ScopeConnection:
		return c.Connection
	case ScopeSystem:
		return c.System
	}
	return nil
}

// Config configures a Verifier.
type Config struct {
	Enabled   bool
	PublicKey *rsa.PublicKey
	Issuer    string // empty accepts any issuer
}

// Verifier checks Bearer tokens. A disabled Verifier accepts every request
// with an empty identity.
type Verifier struct {
	enabled bool
	key     *rsa.PublicKey
	parser  *jwt.Parser
}

// NewVerifier creates a Verifier. An enabled Verifier needs a public key.
func NewVerifier(cfg Config) (*Verifier, error) {
	if cfg.Enabled && cfg.PublicKey == nil {
		return nil, errors.New("auth enabled without a public key")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	return &Verifier{
		enabled: cfg.Enabled,
		key:     cfg.PublicKey,
		parser:  jwt.NewParser(opts...),
	}, nil
}

// Disabled returns a Verifier that accepts everything.
func Disabled() *Verifier {
	v, _ := NewVerifier(Config{})
	return v
}

// LoadPublicKey reads a PEM encoded RSA public key.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return key, nil
}

// Enabled reports whether tokens are required.
func (v *Verifier) Enabled() bool {
	return v.enabled
}

// Authorize checks the Authorization header value against path for scope.
// Write access additionally needs a write claim covering path. It returns
// the caller's identity.
func (v *Verifier) Authorize(header, path string, scope Scope, write bool) (string, error) {
	if !v.enabled {
		return "", nil
	}

	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return "", ErrMissingToken
	}

	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return "", fmt.Errorf("%w: %v", ErrMissingToken, err)
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	paths := claims.paths(scope)
	if paths == nil {
		return "", fmt.Errorf("%w: no x-nmos-%s claim", ErrMissingToken, scope)
	}
	if !matchAny(path, paths.Read) {
		return "", fmt.Errorf("%w: read %s", ErrForbidden, path)
	}
	if write && !matchAny(path, paths.Write) {
		return "", fmt.Errorf("%w: write %s", ErrForbidden, path)
	}
	return claims.Identity(), nil
}

// matchAny reports whether any wildcard matches somewhere in path. "*"
// matches any run of characters.
func matchAny(path string, wildcards []string) bool {
	for _, w := range wildcards {
		pattern := strings.ReplaceAll(regexp.QuoteMeta(w), `\*`, ".*")
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

type identityKey struct{}

// WithIdentity stores the caller's identity in ctx.
func WithIdentity(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// Identity returns the identity stored by WithIdentity.
func Identity(ctx context.Context) string {
	id, _ := ctx.Value(identityKey{}).(string)
	return id
}

// IsWrite reports whether method modifies state.
func IsWrite(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// Middleware authorizes each request for scope and stores the identity in
// the request context. fail writes the error response.
func (v *Verifier) Middleware(scope Scope, fail func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := v.Authorize(r.Header.Get("Authorization"), r.URL.Path, scope, IsWrite(r.Method))
			if err != nil {
				fail(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// StatusCode maps an authorization error to its HTTP status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, ErrMissingToken):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

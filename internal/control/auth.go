package control

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/markus-barta/nmosmocks/internal/config"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"
)

// OTPHeader carries the TOTP code when one is configured.
const OTPHeader = "X-Control-OTP"

// RateLimiter tracks failed authentication attempts.
type RateLimiter struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
	limit    int
	window   time.Duration
	now      func() time.Time
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		attempts: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		now:      time.Now,
	}
}

// Allow checks if a request from the given IP is allowed.
// Returns true if under limit, false if rate limited.
func (r *RateLimiter) Allow(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.attempts[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	// Check if already at limit BEFORE recording this attempt
	if len(recent) >= r.limit {
		r.attempts[ip] = recent
		return false
	}

	r.attempts[ip] = append(recent, now)
	return true
}

// Reset clears attempts for an IP after a successful request.
func (r *RateLimiter) Reset(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempts, ip)
}

// Authenticator checks control API credentials: HTTP basic auth with a
// bcrypt-hashed password and, optionally, a TOTP code.
type Authenticator struct {
	cfg         config.ControlConfig
	rateLimiter *RateLimiter
}

// NewAuthenticator creates an authenticator. With no password hash
// configured every request is let through.
func NewAuthenticator(cfg config.ControlConfig) *Authenticator {
	limit := cfg.RateLimit
	if limit < 1 {
		limit = 5
	}
	window := cfg.RateWindow
	if window <= 0 {
		window = time.Minute
	}
	return &Authenticator{
		cfg:         cfg,
		rateLimiter: NewRateLimiter(limit, window),
	}
}

// CheckPassword verifies the password against the hash.
func (a *Authenticator) CheckPassword(password string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(a.cfg.PasswordHash), []byte(password))
	return err == nil
}

// CheckTOTP verifies the TOTP code.
func (a *Authenticator) CheckTOTP(code string) bool {
	if !a.cfg.HasTOTP() {
		return true
	}
	return totp.Validate(code, a.cfg.TOTPSecret)
}

// Middleware rejects unauthenticated requests with 401 and clients with too
// many failures with 429.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	if !a.cfg.HasPassword() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !a.rateLimiter.Allow(ip) {
			writeError(w, http.StatusTooManyRequests, "too many failed attempts")
			return
		}

		_, password, ok := r.BasicAuth()
		if ok && a.CheckPassword(password) && a.CheckTOTP(r.Header.Get(OTPHeader)) {
			a.rateLimiter.Reset(ip)
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("WWW-Authenticate", `Basic realm="nmos-mocks"`)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	})
}

// clientIP is the remote host without its port, so every connection from
// one client shares a rate limit.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

package auth

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

// Realm is sent in the Basic challenge.
const Realm = "Simple File Sharing"

type ctxKey string

const userKey ctxKey = "ganymede.user"

func UserFromContext(ctx context.Context) string {
	v, _ := ctx.Value(userKey).(string)
	return v
}

func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// ErrNoCredentials is returned by ParseCredentials when no usable pair is
// found.
var ErrNoCredentials = errors.New("no valid user:password pairs")

// Credentials maps usernames to passwords (plain text or bcrypt hashes).
// It is never modified after ParseCredentials returns.
type Credentials struct {
	users map[string]string
}

// ParseCredentials parses "user1:pass1,user2:pass2". Pairs are split at the
// first colon; pairs with an empty user or password are ignored.
func ParseCredentials(s string) (Credentials, error) {
	users := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		u, p, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || u == "" || p == "" {
			continue
		}
		users[u] = p
	}
	if len(users) == 0 {
		return Credentials{}, ErrNoCredentials
	}
	return Credentials{users: users}, nil
}

// Users returns the configured usernames.
func (c Credentials) Users() []string {
	out := make([]string, 0, len(c.users))
	for u := range c.users {
		out = append(out, u)
	}
	return out
}

// Verify checks a username/password pair.
func (c Credentials) Verify(user, pass string) bool {
	want, ok := c.users[user]
	if !ok {
		// constant-ish work for unknown users
		_ = subtle.ConstantTimeCompare([]byte(pass), []byte(pass))
		return false
	}
	if isBcrypt(want) {
		return bcrypt.CompareHashAndPassword([]byte(want), []byte(pass)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(pass)) == 1
}

func isBcrypt(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

// Gate is the Basic Auth middleware.
type Gate struct {
	creds    Credentials
	limiter  *failureLimiter
	onDenied func(r *http.Request, user string)
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithFailureLimit allows perMinute failed attempts per client IP before
// answering 429. Zero disables the limit.
func WithFailureLimit(perMinute int) GateOption {
	return func(g *Gate) {
		if perMinute > 0 {
			g.limiter = newFailureLimiter(perMinute)
		}
	}
}

// WithDeniedHook is called for every rejected request that carried
// credentials.
func WithDeniedHook(fn func(r *http.Request, user string)) GateOption {
	return func(g *Gate) { g.onDenied = fn }
}

func NewGate(creds Credentials, opts ...GateOption) *Gate {
	g := &Gate{creds: creds}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Require wraps next with BasicAuth. On success the username is stored in
// the request context.
func (g *Gate) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if g.limiter != nil && g.limiter.blocked(ip) {
			w.Header().Set("Retry-After", "60")
			http.Error(w, "too many failed login attempts", http.StatusTooManyRequests)
			return
		}
		header := r.Header.Get("Authorization")
		u, p, ok := parseBasicAuth(header)
		if !ok || !g.creds.Verify(u, p) {
			if header != "" {
				if g.limiter != nil {
					g.limiter.fail(ip)
				}
				if g.onDenied != nil {
					g.onDenied(r, u)
				}
			}
			Challenge(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), u)))
	})
}

// Challenge writes a 401 asking the browser for Basic credentials.
func Challenge(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="`+Realm+`"`)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func parseBasicAuth(v string) (user, pass string, ok bool) {
	const prefix = "Basic "
	if len(v) < len(prefix) || !strings.EqualFold(v[:len(prefix)], prefix) {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(v[len(prefix):]))
	if err != nil {
		return "", "", false
	}
	u, p, ok := strings.Cut(string(raw), ":")
	if !ok || u == "" {
		return "", "", false
	}
	if strings.Contains(u, "\x00") || strings.Contains(p, "\x00") {
		return "", "", false
	}
	return u, p, true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// failureLimiter keeps one token bucket per client IP. Only failed attempts
// consume tokens, so a user who types the right password is never slowed.
type failureLimiter struct {
	mu       sync.Mutex
	perMin   int
	limiters map[string]*ipLimiter
	lastGC   time.Time
}

type ipLimiter struct {
	lim  *rate.Limiter
	seen time.Time
}

func newFailureLimiter(perMinute int) *failureLimiter {
	return &failureLimiter{
		perMin:   perMinute,
		limiters: make(map[string]*ipLimiter),
		lastGC:   time.Now(),
	}
}

func (f *failureLimiter) get(ip string) *ipLimiter {
	now := time.Now()
	if now.Sub(f.lastGC) > 10*time.Minute {
		for k, v := range f.limiters {
			if now.Sub(v.seen) > 10*time.Minute {
				delete(f.limiters, k)
			}
		}
		f.lastGC = now
	}
	l, ok := f.limiters[ip]
	if !ok {
		l = &ipLimiter{lim: rate.NewLimiter(rate.Every(time.Minute/time.Duration(f.perMin)), f.perMin)}
		f.limiters[ip] = l
	}
	l.seen = now
	return l
}

func (f *failureLimiter) blocked(ip string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[ip]
	if !ok {
		return false
	}
	return l.lim.Tokens() < 1
}

func (f *failureLimiter) fail(ip string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.get(ip).lim.Allow()
}

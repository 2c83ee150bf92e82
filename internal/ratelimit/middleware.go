package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"penlet-backend/internal/auth"
	"penlet-backend/internal/observability"
)

type Rule struct {
	Limit  int
	Window time.Duration
}

type strictRule struct {
	prefix string
	rule   Rule
}

// Gate is the per-request guard in front of every handler. It resolves the
// client identity (authenticated subject when a valid access token is
// presented, client IP otherwise), picks the rule for the route, and rejects
// with 429 before any business handler runs.
type Gate struct {
	limiter *Limiter
	codec   *auth.Codec
	logger  *observability.Logger

	defaultRule Rule
	strict      []strictRule
	exempt      map[string]struct{}

	now func() time.Time
}

func NewGate(limiter *Limiter, codec *auth.Codec, logger *observability.Logger, defaultRule Rule) *Gate {
	if defaultRule.Limit <= 0 {
		defaultRule.Limit = 100
	}
	if defaultRule.Window <= 0 {
		defaultRule.Window = time.Minute
	}

	return &Gate{
		limiter:     limiter,
		codec:       codec,
		logger:      logger,
		defaultRule: defaultRule,
		exempt:      make(map[string]struct{}),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithStrictRule applies a tighter rule to every path under prefix.
func (g *Gate) WithStrictRule(prefix string, rule Rule) *Gate {
	g.strict = append(g.strict, strictRule{prefix: prefix, rule: rule})
	return g
}

// WithExemptPaths excludes paths (exact match) from rate limiting entirely.
func (g *Gate) WithExemptPaths(paths ...string) *Gate {
	for _, path := range paths {
		g.exempt[path] = struct{}{}
	}
	return g
}

func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := g.exempt[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}
		// CORS preflight is never limited.
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		rule := g.ruleFor(r.URL.Path)
		key := g.clientIdentity(r) + ":" + r.URL.Path
		result := g.limiter.Check(key, rule.Limit, rule.Window, g.now())

		resetSeconds := int(result.ResetIn.Seconds())
		headers := w.Header()
		headers.Set("X-RateLimit-Limit", strconv.Itoa(rule.Limit))
		headers.Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(g.now().Unix()+int64(resetSeconds), 10))

		if result.Limited {
			g.logger.Warn("rate_limit_exceeded", map[string]any{
				"key":  key,
				"path": r.URL.Path,
			})
			headers.Set("Retry-After", strconv.Itoa(resetSeconds))
			headers.Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"detail":      "Too many requests. Please try again later.",
				"retry_after": resetSeconds,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (g *Gate) ruleFor(path string) Rule {
	for _, strict := range g.strict {
		if strings.HasPrefix(path, strict.prefix) {
			return strict.rule
		}
	}
	return g.defaultRule
}

// clientIdentity prefers the authenticated subject so logged-in users are
// limited per account, not per NAT address. An undecodable token falls back
// to the IP class; RequestGate runs before authentication, so rejecting bad
// tokens is not its job.
func (g *Gate) clientIdentity(r *http.Request) string {
	if token, ok := auth.BearerToken(r); ok {
		if claims, err := g.codec.Decode(token); err == nil && claims.Type == auth.TokenTypeAccess {
			return "user:" + claims.Subject
		}
	}

	return "ip:" + observability.ClientIP(r)
}

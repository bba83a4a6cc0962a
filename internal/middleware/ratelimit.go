package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/titan/backend/internal/errs"
	"github.com/titan/backend/internal/ratelimit"
)

// PartitionFor buckets a request: authenticated callers by user id,
// anonymous ones by remote IP.
func PartitionFor(r *http.Request) string {
	if p, ok := PrincipalFrom(r.Context()); ok {
		return "user:" + p.UserID
	}
	return "ip:" + clientIP(r)
}

// bucketPrefix names the partition class for the deny headers.
func bucketPrefix(partition string) string {
	if strings.HasPrefix(partition, "user:") {
		return "Account"
	}
	return "Ip"
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimit enforces the limiter ahead of every API handler. It fails
// closed: an unresolvable policy or a limiter fault rejects the request
// rather than admitting unmetered traffic. Runs after Authenticate so
// authenticated requests bucket by user.
func RateLimit(engine *ratelimit.Engine, source ratelimit.ConfigSource) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cfg, err := source.Current(r.Context())
			if err != nil {
				WriteError(w, errs.TransientWrap(err, "rate limit config unavailable"))
				return
			}
			if !cfg.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			policy, ok := cfg.PolicyForEndpoint(r.URL.Path)
			if !ok {
				// Unmapped endpoint with no default is a deployment bug,
				// not an open door.
				WriteError(w, errs.System("no rate limit policy for %s", r.URL.Path))
				return
			}

			partition := PartitionFor(r)
			decision, err := engine.Check(r.Context(), partition, policy)
			if err != nil {
				WriteError(w, err)
				return
			}
			if !decision.Allowed {
				retryAfter := int64(decision.RetryAfter.Round(time.Second) / time.Second)
				if retryAfter < 1 {
					retryAfter = 1
				}
				states := make([]string, len(decision.Rules))
				for i, rule := range decision.Rules {
					states[i] = fmt.Sprintf("%d/%d:%ds", rule.Hits, rule.MaxHits, rule.PeriodSeconds)
				}
				w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
				w.Header().Set("X-Rate-Limit-Policy", decision.Policy)
				w.Header().Set("X-Rate-Limit-State", strings.Join(states, ","))
				w.Header().Set("X-Rate-Limit-Prefix", bucketPrefix(partition))
				WriteError(w, errs.RateLimited(decision.Policy, decision.RetryAfter))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

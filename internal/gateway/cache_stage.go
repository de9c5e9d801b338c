package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/relaygate/relaygate/internal/cache"
	"github.com/relaygate/relaygate/internal/gateway/pipeline"
	"github.com/relaygate/relaygate/internal/metrics"
)

// cacheNamespace versions the key layout so a format change never reads stale
// entries written by an older build.
const cacheNamespace = "cache:v1"

// authPathExclusions lists path fragments that must never be cached even on
// cacheable routes: responses there are credential-coupled.
var authPathExclusions = []string{"/auth", "/login", "/logout", "/token", "/password"}

// cacheStage serves cacheable GET/HEAD requests from the response store. It
// runs after security, auth, and rate limiting have all passed; a hit is
// recorded but does not re-verify credentials per cached byte.
type cacheStage struct {
	cache   cache.Store
	metrics *metrics.Recorder
	logger  *slog.Logger
}

func (s *cacheStage) Name() string { return "cache" }

func (s *cacheStage) Execute(ctx context.Context, r *http.Request, state *pipeline.State) pipeline.Result {
	if s.cache == nil || !cacheableRequest(state, r) {
		return pipeline.Pass(s.Name())
	}

	key := cacheKeyFor(state.Service.Name, r)
	state.CacheKey = key

	entry, hit, err := s.cache.Lookup(ctx, key)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("cache lookup failed",
				slog.String("request_id", state.RequestID),
				slog.Any("error", err),
			)
		}
		s.metrics.ObserveCache(metrics.CacheOperationLookup, metrics.CacheResultError)
		return pipeline.Pass(s.Name())
	}
	if !hit {
		s.metrics.ObserveCache(metrics.CacheOperationLookup, metrics.CacheResultMiss)
		return pipeline.Pass(s.Name())
	}

	s.metrics.ObserveCache(metrics.CacheOperationLookup, metrics.CacheResultHit)
	state.CacheHit = true
	state.Outcome = pipeline.OutcomeCacheHit

	headers := make(map[string]string, len(entry.Headers)+1)
	for k, v := range entry.Headers {
		headers[k] = v
	}
	headers["X-Cache"] = "HIT"
	state.Respond(entry.Status, headers, entry.Body)
	return pipeline.ShortCircuit(s.Name(), "served from cache")
}

// cacheableRequest applies the route policy plus the auth-endpoint exclusion
// list.
func cacheableRequest(state *pipeline.State, r *http.Request) bool {
	if !state.Service.CacheableRequest(r.Method, r.URL.Path) {
		return false
	}
	lower := strings.ToLower(r.URL.Path)
	for _, excluded := range authPathExclusions {
		if strings.Contains(lower, excluded) {
			return false
		}
	}
	return true
}

// cacheKeyFor normalizes the request URL into a stable key: query parameters
// are sorted so equivalent URLs collapse onto one entry.
func cacheKeyFor(service string, r *http.Request) string {
	var b strings.Builder
	b.WriteString(cacheNamespace)
	b.WriteByte(':')
	b.WriteString(service)
	b.WriteByte(':')
	b.WriteString(r.Method)
	b.WriteByte(':')
	b.WriteString(r.URL.Path)

	query := r.URL.Query()
	if len(query) > 0 {
		names := make([]string, 0, len(query))
		for name := range query {
			names = append(names, name)
		}
		sort.Strings(names)
		b.WriteByte('?')
		for i, name := range names {
			values := query[name]
			sort.Strings(values)
			for j, value := range values {
				if i > 0 || j > 0 {
					b.WriteByte('&')
				}
				b.WriteString(name)
				b.WriteByte('=')
				b.WriteString(value)
			}
		}
	}
	return b.String()
}

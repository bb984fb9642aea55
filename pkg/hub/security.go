package hub

import (
	"crypto/subtle"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/holon-run/turnhub/pkg/apierror"
	"github.com/holon-run/turnhub/pkg/httplog"
)

const internalBridgesPrefix = "/api/v1/internal/bridges/"

const (
	AuthModeToken        = "token"
	AuthModeLoopbackOnly = "loopback-only"
)

// SecurityPosture is the body of GET /api/v1/runtime/security.
type SecurityPosture struct {
	AuthMode                   string          `json:"authMode"`
	TokenConfigured            bool            `json:"tokenConfigured"`
	AllowedOrigins             []string        `json:"allowedOrigins"`
	WildcardOrigins            bool            `json:"wildcardOrigins"`
	RateLimit                  RateLimitReport `json:"rateLimit"`
	RegistryTTLMs              int64           `json:"registryTtlMs"`
	LoopbackRegistrationBypass bool            `json:"loopbackRegistrationBypass"`
}

type RateLimitReport struct {
	WindowMs int64 `json:"windowMs"`
	Max      int   `json:"max"`
}

func (s *Server) posture() SecurityPosture {
	mode := AuthModeLoopbackOnly
	if s.cfg.Token != "" {
		mode = AuthModeToken
	}
	origins := append([]string{}, s.cfg.AllowedOrigins...)
	return SecurityPosture{
		AuthMode:        mode,
		TokenConfigured: s.cfg.Token != "",
		AllowedOrigins:  origins,
		WildcardOrigins: s.wildcard,
		RateLimit: RateLimitReport{
			WindowMs: s.cfg.RateLimitWindow.Milliseconds(),
			Max:      s.cfg.RateLimitMax,
		},
		RegistryTTLMs:              s.registry.TTL().Milliseconds(),
		LoopbackRegistrationBypass: true,
	}
}

// originAllowed accepts same-host origins, listed origins, and anything
// when the list holds "*".
func (s *Server) originAllowed(origin, host string) bool {
	if s.wildcard {
		return true
	}
	if _, ok := s.origins[strings.ToLower(strings.TrimRight(origin, "/"))]; ok {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return strings.EqualFold(u.Host, host)
}

// withCORS rejects disallowed origins before anything else runs and answers
// preflight requests.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !s.originAllowed(origin, r.Host) {
			s.log.Warnw("rejected origin", "origin", origin, "path", r.URL.Path)
			apierror.Write(w, apierror.New(apierror.OriginNotAllowed, "origin %s is not allowed", origin))
			return
		}
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
		h.Set("Access-Control-Allow-Credentials", "true")
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withAuth enforces the hub token. Loopback callers of the internal
// registration routes skip it; without a token only loopback callers get in.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		loopback := httplog.IsLoopback(r.RemoteAddr)
		switch {
		case r.URL.Path == "/health":
		case loopback && strings.HasPrefix(r.URL.Path, internalBridgesPrefix):
		case s.cfg.Token == "":
			if !loopback {
				apierror.Write(w, apierror.New(apierror.Unauthorized, "hub accepts loopback clients only"))
				return
			}
		default:
			if !tokenMatches(requestToken(r), s.cfg.Token) {
				apierror.Write(w, apierror.New(apierror.Unauthorized, "missing or invalid token"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// requestToken reads a bearer token, falling back to the token and
// access_token query parameters that browsers use on WebSocket handshakes.
func requestToken(r *http.Request) string {
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); auth != "" {
		scheme, token, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	q := r.URL.Query()
	if token := q.Get("token"); token != "" {
		return token
	}
	return q.Get("access_token")
}

func tokenMatches(got, want string) bool {
	if got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// mutating reports whether a proxied bridge route is rate limited.
func mutating(method, rest string) bool {
	if method != http.MethodPost {
		return false
	}
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 3 {
		return false
	}
	switch parts[0] + "/" + parts[2] {
	case "threads/message", "turns/interrupt", "turns/steer", "approvals/decision":
		return true
	}
	return false
}

// limit applies the rate limiter for the caller's address.
func (s *Server) limit(w http.ResponseWriter, r *http.Request) bool {
	source := httplog.ClientIP(r.RemoteAddr)
	ok, retry := s.limiter.Allow(source)
	if ok {
		return true
	}
	retryMs := (retry + time.Millisecond - 1).Milliseconds()
	s.log.Warnw("rate limited", "source", source, "path", r.URL.Path, "retry_after_ms", retryMs)
	err := apierror.New(apierror.RateLimited, "too many requests")
	err.RetryAfterMs = retryMs
	apierror.Write(w, err)
	return false
}

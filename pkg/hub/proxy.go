package hub

import (
	"context"
	"net/http"
	"net/http/httputil"

	"github.com/holon-run/turnhub/pkg/apierror"
)

const internalPrefix = "/internal/v1/"

// handleProxy forwards /api/v1/bridges/{bridgeId}/{rest...} to the bridge's
// /internal/v1/{rest}. Method, query, body and content type pass through
// unchanged, and so does the bridge's response.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	bridgeID := r.PathValue("bridgeId")
	rest := r.PathValue("rest")
	rec, ok := s.lookup(w, bridgeID)
	if !ok {
		return
	}
	if mutating(r.Method, rest) && !s.limit(w, r) {
		return
	}

	addr := rec.Addr()
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Scheme = "http"
			pr.Out.URL.Host = addr
			pr.Out.URL.Path = internalPrefix + rest
			pr.Out.URL.RawPath = ""
			pr.Out.URL.RawQuery = pr.In.URL.RawQuery
			pr.Out.Host = addr
			// the hub token is not the bridge's business
			pr.Out.Header.Del("Authorization")
			pr.SetXForwarded()
		},
		Transport: s.cfg.Transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			s.log.Warnw("bridge unreachable", "bridge_id", bridgeID, "addr", addr, "path", r.URL.Path, "error", err)
			apierror.Write(w, apierror.New(apierror.UpstreamError, "bridge %s is unreachable", bridgeID))
		},
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ProxyTimeout)
	defer cancel()
	s.log.Debugw("proxying to bridge", "bridge_id", bridgeID, "addr", addr, "method", r.Method, "path", internalPrefix+rest)
	proxy.ServeHTTP(w, r.WithContext(ctx))
}

package daemon

import (
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/g960059/nomadflow/internal/apperr"
	"github.com/g960059/nomadflow/internal/ttyd"
)

// terminalProxy serves ttyd's page and assets under /terminal. The
// client's token is stripped and ttyd's basic-auth credential injected.
func (s *Server) terminalProxy() http.Handler {
	backend := &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort("127.0.0.1", strconv.Itoa(s.cfg.TTYDPort)),
	}
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(backend)
			path := strings.TrimPrefix(pr.In.URL.Path, "/terminal")
			if path == "" {
				path = "/"
			}
			pr.Out.URL.Path = path
			pr.Out.URL.RawPath = ""
			q := pr.Out.URL.Query()
			q.Del("token")
			pr.Out.URL.RawQuery = q.Encode()
			pr.Out.Header.Del("Authorization")
			if s.cfg.Secret != "" {
				pr.Out.SetBasicAuth(ttyd.AuthUser, s.cfg.Secret)
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			s.logger.Warn("terminal proxy failed", "path", r.URL.Path, "error", err)
			s.writeError(w, http.StatusBadGateway, apperr.CodeBackendUnavailable, "terminal backend unavailable")
		},
	}
}

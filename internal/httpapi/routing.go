package httpapi

import (
	"net/http"
	"path"
	"strings"

	"github.com/aidispatch/dispatcher/internal/logging"
)

// NormalizedServeMux collapses repeated path separators before delegating to
// an http.ServeMux, so that "/v1//status" and "/v1/status" route the same.
// It also renders unmatched requests as the same JSON error envelope every
// handler in this package uses, rather than ServeMux's default plain-text
// 404 page, and logs them so an operator can spot a client hitting a
// retired or misspelled route.
type NormalizedServeMux struct {
	*http.ServeMux
	log logging.Logger
}

// NewNormalizedServeMux creates an empty NormalizedServeMux that logs
// unmatched requests through log.
func NewNormalizedServeMux(log logging.Logger) *NormalizedServeMux {
	return &NormalizedServeMux{ServeMux: http.NewServeMux(), log: log}
}

func (nm *NormalizedServeMux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.URL.Path, "//") {
		r.URL.Path = path.Clean(r.URL.Path)
	}

	if _, pattern := nm.ServeMux.Handler(r); pattern == "" {
		nm.log.Warnf("httpapi: no route for %s %s", r.Method, r.URL.Path)
		writeError(w, http.StatusNotFound, "ROUTE_NOT_FOUND", "no such route")
		return
	}
	nm.ServeMux.ServeHTTP(w, r)
}

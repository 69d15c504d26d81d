// Package httpapi exposes the dispatcher over HTTP: inference, streaming,
// cancellation, status, model listing, and a Prometheus metrics endpoint.
// This surface is a SPEC_FULL.md supplemented feature, grounded on the
// route-table style of pkg/inference/models.Manager and
// pkg/routing/routing.go's path normalization.
package httpapi

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/aidispatch/dispatcher/internal/cancellation"
	"github.com/aidispatch/dispatcher/internal/catalog"
	"github.com/aidispatch/dispatcher/internal/dispatcher"
	"github.com/aidispatch/dispatcher/internal/inference"
	"github.com/aidispatch/dispatcher/internal/logging"
	"github.com/aidispatch/dispatcher/internal/metrics"
	"github.com/aidispatch/dispatcher/internal/models"
	"github.com/aidispatch/dispatcher/internal/status"
)

// Server wires the dispatcher and its collaborators onto an HTTP router.
type Server struct {
	log        logging.Logger
	dispatcher *dispatcher.Dispatcher
	catalog    *catalog.Catalog
	models     *models.Manager
	statusPub  *status.Publisher
	cancelReg  *cancellation.Registry
	metrics    *metrics.Collector
	mux        *NormalizedServeMux
}

// New builds a Server and registers every route described in
// SPEC_FULL.md's SUPPLEMENTED FEATURES section.
func New(log logging.Logger, d *dispatcher.Dispatcher, cat *catalog.Catalog, modelManager *models.Manager, statusPub *status.Publisher, cancelReg *cancellation.Registry, collector *metrics.Collector) *Server {
	if collector == nil {
		collector = metrics.NewCollector()
	}
	s := &Server{
		log:        log,
		dispatcher: d,
		catalog:    cat,
		models:     modelManager,
		statusPub:  statusPub,
		cancelReg:  cancelReg,
		metrics:    collector,
		mux:        NewNormalizedServeMux(log),
	}
	s.routes()
	return s
}

// Handler returns the wrapped handler, with CORS applied, for embedding in
// an http.Server.
func (s *Server) Handler() http.Handler {
	return CorsMiddleware(nil, s.mux)
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /v1/infer", s.handleInfer)
	s.mux.HandleFunc("POST /v1/infer/stream", s.handleInferStream)
	s.mux.HandleFunc("POST /v1/cancel/{id}", s.handleCancel)
	s.mux.HandleFunc("GET /v1/status", s.handleStatus)
	s.mux.HandleFunc("GET /v1/models", s.handleModels)
	s.mux.HandleFunc("GET /v1/df", s.handleDiskUsage)
	s.mux.HandleFunc("GET /metrics", s.handleMetrics)
}

type inferRequestBody struct {
	SessionID           string         `json:"sessionId"`
	Capability          string         `json:"capability"`
	PreferredRunnerName string         `json:"preferredRunnerName"`
	Inputs              map[string]any `json:"inputs"`
	Params              map[string]any `json:"params"`
}

func decodeInferRequest(r *http.Request) (inferRequestBody, error) {
	var body inferRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return inferRequestBody{}, err
	}
	if body.Capability == "" {
		return inferRequestBody{}, fmt.Errorf("missing capability")
	}
	return body, nil
}

func (s *Server) handleInfer(w http.ResponseWriter, r *http.Request) {
	body, err := decodeInferRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, inference.CodeInvalidInput, err.Error())
		return
	}

	req := inference.Request{SessionID: body.SessionID, Inputs: body.Inputs, Params: body.Params}
	result := s.dispatcher.Process(r.Context(), req, inference.Capability(body.Capability), body.PreferredRunnerName)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleInferStream(w http.ResponseWriter, r *http.Request) {
	body, err := decodeInferRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, inference.CodeInvalidInput, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, inference.CodeRuntimeError, "streaming unsupported by response writer")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	req := inference.Request{SessionID: body.SessionID, Inputs: body.Inputs, Params: body.Params}
	stream := s.dispatcher.ProcessStream(r.Context(), req, inference.Capability(body.Capability), body.PreferredRunnerName)
	defer stream.Close()

	bw := bufio.NewWriter(w)
	for {
		result, ok, err := stream.Next(r.Context())
		if err != nil || !ok {
			return
		}
		data, _ := json.Marshal(result)
		fmt.Fprintf(bw, "data: %s\n\n", data)
		bw.Flush()
		flusher.Flush()
		if !result.Partial {
			return
		}
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cancelled := s.cancelReg.Cancel(id)
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": cancelled})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.statusPub.Current())
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeJSON(w, http.StatusOK, []catalog.Definition{})
		return
	}
	defs := s.catalog.All()
	out := make([]map[string]any, 0, len(defs))
	for _, def := range defs {
		entry := map[string]any{"id": def.ID, "runner": def.Runner, "ramGB": def.RamGB}
		if s.models != nil {
			if st, ok := s.models.GetState(def.ID); ok {
				entry["status"] = st.Status
				entry["progress"] = st.Progress
			}
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleDiskUsage reports bytes used under the models directory, mirroring
// scheduling.Scheduler.GetDiskUsage's /df handler.
func (s *Server) handleDiskUsage(w http.ResponseWriter, r *http.Request) {
	if s.models == nil {
		writeJSON(w, http.StatusOK, map[string]any{"modelsDiskUsage": int64(0)})
		return
	}
	usage, err := s.models.DiskUsage()
	if err != nil {
		writeError(w, http.StatusInternalServerError, inference.CodeRuntimeError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"modelsDiskUsage": usage})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	if err := s.metrics.WriteTo(w); err != nil {
		s.log.Errorf("httpapi: writing metrics: %s", err)
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, httpCode int, code, message string) {
	writeJSON(w, httpCode, inference.ErrorResult(code, message, nil, true))
}

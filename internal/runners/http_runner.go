// Package runners provides inference.Runner adapters that speak HTTP to an
// inference backend, whether that backend is a local process listening on a
// Unix socket (grounded on pkg/inference/backend.go's Backend.Run contract,
// "listen on a Unix domain socket for OpenAI API requests") or a cloud
// vendor's HTTPS endpoint. Both cases only differ in the *http.Client's
// transport and the RunnerInfo.Vendor flags that drive the selector and the
// Dispatcher's RAM-gate skip.
package runners

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/aidispatch/dispatcher/internal/inference"
	"github.com/aidispatch/dispatcher/internal/logging"
)

// HTTPRunner drives an OpenAI-style completion endpoint. It implements
// inference.Runner; Load/Unload only track the locally loaded model id since
// the remote process (or cloud vendor) owns its own model lifecycle.
type HTTPRunner struct {
	log        logging.Logger
	info       inference.RunnerInfo
	client     *http.Client
	endpoint   string
	headerFunc func() map[string]string

	mu       sync.Mutex
	loaded   bool
	modelID  string
}

// NewHTTPRunner builds a runner that posts inference requests to endpoint
// using client. headerFunc, if non-nil, supplies per-request headers (used
// by cloud vendors for API-key auth).
func NewHTTPRunner(log logging.Logger, info inference.RunnerInfo, client *http.Client, endpoint string, headerFunc func() map[string]string) *HTTPRunner {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPRunner{log: log, info: info, client: client, endpoint: endpoint, headerFunc: headerFunc}
}

func (h *HTTPRunner) Info() inference.RunnerInfo           { return h.info }
func (h *HTTPRunner) Capabilities() []inference.Capability { return h.info.Capabilities }

// IsSupported reports whether this runner's backend can be used on this
// host. Cloud vendors are always "supported" in the process sense (the
// selector's hardware gate only matters for local accelerators); local
// accelerators are assumed supported unless a future probe says otherwise.
func (h *HTTPRunner) IsSupported() bool {
	return true
}

func (h *HTTPRunner) Load(_ context.Context, modelID string, _ map[string]any, _ map[string]any) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loaded = true
	h.modelID = modelID
	return true, nil
}

func (h *HTTPRunner) Unload(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loaded = false
	h.modelID = ""
	return nil
}

func (h *HTTPRunner) IsLoaded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loaded
}

func (h *HTTPRunner) LoadedModelID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.modelID
}

// Run posts req's inputs/params as a JSON body to h.endpoint and decodes the
// response body as the result's outputs.
func (h *HTTPRunner) Run(ctx context.Context, req inference.Request) (inference.Result, error) {
	h.mu.Lock()
	modelID := h.modelID
	h.mu.Unlock()

	payload := map[string]any{
		"model":  modelID,
		"inputs": req.Inputs,
		"params": req.Params,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return inference.Result{}, fmt.Errorf("runners: encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return inference.Result{}, fmt.Errorf("runners: building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if h.headerFunc != nil {
		for k, v := range h.headerFunc() {
			httpReq.Header.Set(k, v)
		}
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return inference.Result{}, fmt.Errorf("runners: calling %s: %w", h.info.Name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return inference.Result{}, fmt.Errorf("runners: reading response from %s: %w", h.info.Name, err)
	}
	if resp.StatusCode >= 300 {
		return inference.Result{}, fmt.Errorf("runners: %s returned %s: %s", h.info.Name, resp.Status, string(data))
	}

	var outputs map[string]any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &outputs); err != nil {
			return inference.Result{}, fmt.Errorf("runners: decoding response from %s: %w", h.info.Name, err)
		}
	}
	return inference.Result{Outputs: outputs}, nil
}

// RunStream posts req the same way Run does, but with stream=true and an
// Accept: text/event-stream header, then reads the backend's
// server-sent-events response one "data: " line at a time, grounded on the
// desktop client's own SSE-consumption loop (bufio.Scanner over resp.Body,
// "data: " prefix, a terminal "data: [DONE]" line).
func (h *HTTPRunner) RunStream(ctx context.Context, req inference.Request) (inference.ResultStream, error) {
	h.mu.Lock()
	modelID := h.modelID
	h.mu.Unlock()

	payload := map[string]any{
		"model":  modelID,
		"inputs": req.Inputs,
		"params": req.Params,
		"stream": true,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("runners: encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("runners: building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if h.headerFunc != nil {
		for k, v := range h.headerFunc() {
			httpReq.Header.Set(k, v)
		}
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("runners: calling %s: %w", h.info.Name, err)
	}
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("runners: %s returned %s: %s", h.info.Name, resp.Status, string(data))
	}

	return &sseResultStream{runnerName: h.info.Name, body: resp.Body, scanner: bufio.NewScanner(resp.Body)}, nil
}

// sseResultStream adapts a server-sent-events response body into an
// inference.ResultStream: every "data: " line decodes as one partial
// result, and the "data: [DONE]" sentinel line (or EOF/cancellation) ends
// the sequence.
type sseResultStream struct {
	runnerName string
	body       io.ReadCloser
	scanner    *bufio.Scanner
	done       bool
}

func (s *sseResultStream) Next(ctx context.Context) (inference.Result, bool, error) {
	if s.done {
		return inference.Result{}, false, nil
	}
	if ctx.Err() != nil {
		s.Close()
		return inference.Result{}, false, ctx.Err()
	}

	for s.scanner.Scan() {
		line := s.scanner.Text()
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			s.Close()
			return inference.Result{}, false, nil
		}

		var outputs map[string]any
		if err := json.Unmarshal([]byte(data), &outputs); err != nil {
			s.Close()
			return inference.Result{}, false, fmt.Errorf("runners: decoding stream chunk from %s: %w", s.runnerName, err)
		}
		return inference.Result{Outputs: outputs, Partial: true}, true, nil
	}

	err := s.scanner.Err()
	s.Close()
	return inference.Result{}, false, err
}

func (s *sseResultStream) Close() {
	if s.done {
		return
	}
	s.done = true
	s.body.Close()
}

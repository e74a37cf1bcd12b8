package sandbox

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/animusworks/animus/internal/tools"
)

// bridge is the per-run RPC endpoint: an HTTP server on a unix socket
// inside the sandbox bind mount. One route: POST /v1/tools/execute.
type bridge struct {
	listener net.Listener
	server   *http.Server
	logger   *slog.Logger

	mu          sync.Mutex
	stepSeq     int64
	stepContent string
	hasStep     bool
}

type rpcRequest struct {
	Tool  string          `json:"tool"`
	Input json.RawMessage `json:"input"`
}

func newBridge(socketPath string, execute ToolExecutor, auth tools.AuthContext, logger *slog.Logger) (*bridge, error) {
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}

	b := &bridge{listener: listener, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/tools/execute", func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		result := execute(r.Context(), req.Tool, req.Input, auth)
		if result == nil {
			result = tools.Errorf(tools.ErrorTypeExecution, "tool produced no result")
		}
		if seq, content, ok := tools.StepAppend(result); ok {
			b.mu.Lock()
			b.stepSeq, b.stepContent, b.hasStep = seq, content, true
			b.mu.Unlock()
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(result); err != nil {
			logger.Warn("rpc response encode failed", "tool", req.Tool, "error", err)
		}
	})

	b.server = &http.Server{Handler: mux}
	go func() {
		if err := b.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Warn("sandbox rpc server stopped", "error", err)
		}
	}()
	return b, nil
}

// LastStep returns the most recent step ledger append made through this
// bridge, if any.
func (b *bridge) LastStep() (seq int64, content string, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stepSeq, b.stepContent, b.hasStep
}

func (b *bridge) Close() error {
	return b.server.Close()
}

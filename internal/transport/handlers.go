// Handlers for the websocket, http-agent, and sse transports (§6). The
// websocket handler is grounded directly on the teacher's
// internal/gateway.Server.handleWS (coder/websocket accept, per-connection
// read loop, JSON request/response). The http-agent and sse handlers are
// new mux routes in the same net/http-mux idiom as gateway.Server.Handler,
// backed by jobs.Manager and events.Notifier instead of the teacher's
// agent registry and tool bus.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/vibe-orchestrator/internal/decomposition"
	"github.com/basket/vibe-orchestrator/internal/domain"
	"github.com/basket/vibe-orchestrator/internal/events"
	"github.com/basket/vibe-orchestrator/internal/feedback"
	"github.com/basket/vibe-orchestrator/internal/jobs"
)

// JobQuery is the minimal job-manager surface the HTTP handlers need.
type JobQuery interface {
	GetJob(jobID string) (jobs.Snapshot, bool)
	GetJobRateLimited(jobID string, pushCapable bool) jobs.RateLimitedResult
}

// Decomposer is the minimal decomposition.Service surface the http-agent
// transport exposes over HTTP.
type Decomposer interface {
	StartDecomposition(ctx context.Context, req decomposition.Request) domain.DecompositionSession
	GetSession(id string) (domain.DecompositionSession, bool)
	CancelSession(id string) bool
}

// SentinelReceiver is the minimal feedback.Processor surface the http-agent
// transport exposes for agents replying over plain HTTP instead of stdio.
type SentinelReceiver interface {
	Process(reply feedback.Reply) error
}

// HandlerDeps wires the shared collaborators into every transport's routes.
type HandlerDeps struct {
	Jobs         JobQuery
	Notifier     *events.Notifier
	Decomposer   Decomposer
	Sentinel     SentinelReceiver
	AllowOrigins []string
	Logger       *slog.Logger
}

// HTTPAgentHandler serves polling job status/result endpoints (§6 http
// transport): GET /jobs/{id} returns the current snapshot with the
// adaptive-polling suggested wait header.
func HTTPAgentHandler(deps HandlerDeps) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/jobs/", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/jobs/"):]
		if id == "" {
			http.Error(w, "missing job id", http.StatusBadRequest)
			return
		}
		res := deps.Jobs.GetJobRateLimited(id, false)
		if !res.Found {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("X-Suggested-Wait-Ms", fmt.Sprintf("%d", res.SuggestedWait.Milliseconds()))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(res.Job)
	})

	if deps.Decomposer != nil {
		mux.HandleFunc("/decompose", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			var req decomposition.Request
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "malformed request body", http.StatusBadRequest)
				return
			}
			session := deps.Decomposer.StartDecomposition(r.Context(), req)
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(session)
		})
		mux.HandleFunc("/sessions/", func(w http.ResponseWriter, r *http.Request) {
			id, action := strings.CutSuffix(r.URL.Path[len("/sessions/"):], "/cancel")
			if id == "" {
				http.Error(w, "missing session id", http.StatusBadRequest)
				return
			}
			if action {
				if r.Method != http.MethodPost {
					http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
					return
				}
				if !deps.Decomposer.CancelSession(id) {
					http.NotFound(w, r)
					return
				}
				w.WriteHeader(http.StatusAccepted)
				return
			}
			session, ok := deps.Decomposer.GetSession(id)
			if !ok {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(session)
		})
	}

	if deps.Sentinel != nil {
		mux.HandleFunc("/sentinel", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, "cannot read request body", http.StatusBadRequest)
				return
			}
			reply, err := feedback.ParseReply(body)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if err := deps.Sentinel.Process(reply); err != nil {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
	}

	return mux
}

// sseEvent is the wire shape for one server-sent event line.
type sseEvent struct {
	ID      uint64 `json:"id"`
	Kind    string `json:"kind"`
	Payload any    `json:"payload"`
}

// SSEHandler serves push-capable job progress as server-sent events (§6
// sse transport): GET /events?session_id=... streams the session's event
// subscription until the client disconnects.
func SSEHandler(deps HandlerDeps) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.URL.Query().Get("session_id")
		if sessionID == "" {
			http.Error(w, "missing session_id", http.StatusBadRequest)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		sub := deps.Notifier.Subscribe(sessionID)
		defer deps.Notifier.Unsubscribe(sub)

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				payload, _ := json.Marshal(sseEvent{ID: ev.Seq, Kind: string(ev.Kind), Payload: ev.Payload})
				fmt.Fprintf(w, "data: %s\n\n", payload)
				flusher.Flush()
			}
		}
	})
	return mux
}

// wsRequest/wsResponse mirror the teacher's rpcRequest/rpcResponse shape,
// narrowed to the one method this transport exposes: subscribing to a
// session's event stream over a persistent socket instead of polling.
type wsRequest struct {
	Method    string `json:"method"`
	SessionID string `json:"session_id"`
}

type wsResponse struct {
	Kind    string `json:"kind"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// WebSocketHandler accepts one connection per client and streams session
// events for whatever session the client subscribes to, grounded on the
// teacher's handleWS accept/read-loop/close shape.
func WebSocketHandler(deps HandlerDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: deps.AllowOrigins,
		})
		if err != nil {
			return
		}
		defer func() {
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
		}()

		ctx := r.Context()
		var req wsRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return
		}
		if req.SessionID == "" {
			_ = wsjson.Write(ctx, conn, wsResponse{Kind: "error", Error: "missing session_id"})
			return
		}

		sub := deps.Notifier.Subscribe(req.SessionID)
		defer deps.Notifier.Unsubscribe(sub)

		streamSession(ctx, conn, sub, logger)
	})
}

func streamSession(ctx context.Context, conn *websocket.Conn, sub *events.Subscription, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			resp := wsResponse{Kind: string(ev.Kind), Payload: ev.Payload}
			if err := wsjson.Write(ctx, conn, resp); err != nil {
				logger.Warn("websocket_write_failed", "error", err)
				return
			}
		}
	}
}

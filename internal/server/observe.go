package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const heartbeatInterval = 15 * time.Second

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Status    string    `json:"status"`
		Version   string    `json:"version"`
		Timestamp time.Time `json:"timestamp"`
	}{"ok", s.version, time.Now().UTC()})
}

// operation is one row of the discovery document. Agents read this to learn
// what the dispatcher can do without hardcoding routes.
type operation struct {
	Method      string `json:"method"`
	Path        string `json:"path"`
	Description string `json:"description"`
	Input       string `json:"input,omitempty"`
	Output      string `json:"output"`
}

var operations = []operation{
	{"POST", "/webhooks/{source}", "submit a webhook delivery for dispatch", "raw provider payload, signature header", "acceptance {job_id, correlation_id, status}"},
	{"GET", "/webhooks/jobs", "list jobs by status", "?status=pending|processing|completed|failed|all, ?limit=", "job and record lists plus queue stats"},
	{"GET", "/webhooks/jobs/{id}", "fetch one persisted job record", "", "record with result, snapshots and diff"},
	{"GET", "/webhooks/queue/stats", "queue depth and counters", "", "metrics snapshot"},
	{"GET", "/webhooks/worktrees", "list git worktrees with removal validation", "", "worktree list"},
	{"DELETE", "/webhooks/worktrees/{name}", "remove a worktree", "?password=, ?confirm=<trailing hash>, ?force=true", "removal receipt"},
	{"GET", "/kanban/boards", "full board with lists and cards", "", "board array"},
	{"GET", "/kanban/lists", "board lists", "", "list array"},
	{"GET", "/kanban/cards", "cards, optionally one list", "?list=", "card array"},
	{"POST", "/kanban/cards", "create a card", "card input {title, list_name, ...}", "created card"},
	{"GET", "/kanban/cards/{id}", "fetch one card", "", "card"},
	{"PATCH", "/kanban/cards/{id}", "update card fields", "partial card patch", "updated card"},
	{"DELETE", "/kanban/cards/{id}", "delete a card", "", "deletion receipt"},
	{"POST", "/kanban/cards/{id}/move", "move a card between lists", "{list_name, position}", "moved card"},
	{"GET", "/kanban/cards/{id}/history", "card audit trail", "?limit=", "history entries"},
	{"GET", "/observability/events/stream", "server-sent domain event stream", "", "SSE frames"},
	{"GET", "/health", "liveness probe", "", "{status, version, timestamp}"},
	{"GET", "/metrics", "Prometheus metrics", "", "text exposition"},
	{"GET", "/mcp", "MCP tool transport", "", "SSE session"},
}

func (s *Server) handleDiscover(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Service    string      `json:"service"`
		Version    string      `json:"version"`
		Workspaces []string    `json:"workspaces"`
		Operations []operation `json:"operations"`
	}{"skybridge", s.version, s.workspaceIDs(), operations})
}

func (s *Server) workspaceIDs() []string {
	list := s.registry.List()
	ids := make([]string, 0, len(list))
	for _, ws := range list {
		ids = append(ids, ws.ID)
	}
	return ids
}

// handleMetrics serves the process registry first, then appends the domain
// snapshot of every workspace under a skybridge_<workspace> prefix.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
		DisableCompression: true,
	}).ServeHTTP(w, r)

	for _, ws := range s.registry.List() {
		var b strings.Builder
		ws.Queue.Stats().WritePrometheus(&b, "skybridge_"+strings.ReplaceAll(ws.ID, "-", "_"))
		_, _ = w.Write([]byte(b.String()))
	}
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspaceFor(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming_unsupported",
			"response writer does not support streaming")
		return
	}

	tapID := uuid.NewString()
	stream := ws.Bus.Tap(tapID)
	defer ws.Bus.Untap(tapID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": connected workspace=%s\n\n", ws.ID)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-stream:
			if !open {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, evt.JSON())
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

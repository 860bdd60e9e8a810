package server

import (
	"net/http"

	"github.com/skybridge-io/skybridge/internal/workspace"
)

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /webhooks/{source}", s.handleWebhook)
	mux.HandleFunc("GET /webhooks/jobs", s.handleListJobs)
	mux.HandleFunc("GET /webhooks/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("GET /webhooks/queue/stats", s.handleQueueStats)
	mux.HandleFunc("GET /webhooks/worktrees", s.handleListWorktrees)
	mux.HandleFunc("DELETE /webhooks/worktrees/{name}", s.handleRemoveWorktree)

	mux.HandleFunc("GET /kanban/boards", s.handleBoards)
	mux.HandleFunc("GET /kanban/lists", s.handleLists)
	mux.HandleFunc("GET /kanban/cards", s.handleListCards)
	mux.HandleFunc("POST /kanban/cards", s.handleCreateCard)
	mux.HandleFunc("GET /kanban/cards/{id}", s.handleGetCard)
	mux.HandleFunc("PATCH /kanban/cards/{id}", s.handlePatchCard)
	mux.HandleFunc("DELETE /kanban/cards/{id}", s.handleDeleteCard)
	mux.HandleFunc("POST /kanban/cards/{id}/move", s.handleMoveCard)
	mux.HandleFunc("GET /kanban/cards/{id}/history", s.handleCardHistory)

	mux.HandleFunc("GET /observability/events/stream", s.handleEventStream)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /discover", s.handleDiscover)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	mux.Handle("GET /mcp", s.mcp.Handler())
	mux.Handle("POST /mcp", s.mcp.Handler())

	return mux
}

// workspaceFor resolves the X-Workspace header, writing the 404 itself so
// handlers can bail with a bare return.
func (s *Server) workspaceFor(w http.ResponseWriter, r *http.Request) (*workspace.Workspace, bool) {
	ws, err := s.registry.FromRequest(r)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "workspace_unknown", err.Error())
		return nil, false
	}
	return ws, true
}

package server

import (
	"crypto/subtle"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/skybridge-io/skybridge/internal/events"
	"github.com/skybridge-io/skybridge/internal/intake"
	"github.com/skybridge-io/skybridge/internal/job"
	"github.com/skybridge-io/skybridge/internal/metrics"
	"github.com/skybridge-io/skybridge/internal/queue"
	"github.com/skybridge-io/skybridge/internal/worktree"
)

const defaultJobListLimit = 50

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspaceFor(w, r)
	if !ok {
		return
	}
	source := strings.TrimSpace(r.PathValue("source"))

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body exceeds limit")
			return
		}
		writeJSONError(w, http.StatusBadRequest, "body_read", "reading request body: "+err.Error())
		return
	}

	acc, err := s.intake.Process(ws, source, r.Header, body)
	if err != nil {
		writeIntakeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acc)
}

// writeIntakeError maps intake failures onto status codes. Disabled sources
// answer 404 like unknown routes so probing cannot distinguish them.
func writeIntakeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, intake.ErrUnknownSource):
		writeJSONError(w, http.StatusBadRequest, "unknown_source", err.Error())
		return
	case errors.Is(err, intake.ErrSourceDisabled):
		writeJSONError(w, http.StatusNotFound, "source_disabled", err.Error())
		return
	}
	var info *job.ErrorInfo
	if errors.As(err, &info) {
		switch info.Type {
		case job.ErrSignatureInvalid:
			writeJSONError(w, http.StatusUnauthorized, "signature_invalid", info.Message)
		case job.ErrPayloadMalformed:
			writeJSONError(w, http.StatusBadRequest, "payload_malformed", info.Message)
		case job.ErrQueueUnavailable:
			writeJSONError(w, http.StatusServiceUnavailable, "queue_unavailable", info.Message)
		default:
			writeJSONError(w, http.StatusInternalServerError, "internal", info.Message)
		}
		return
	}
	writeJSONError(w, http.StatusInternalServerError, "internal", err.Error())
}

type jobsResponse struct {
	Workspace  string            `json:"workspace"`
	Pending    []*job.WebhookJob `json:"pending,omitempty"`
	Processing []*job.WebhookJob `json:"processing,omitempty"`
	Completed  []*queue.Record   `json:"completed,omitempty"`
	Failed     []*queue.Record   `json:"failed,omitempty"`
	Stats      metrics.Snapshot  `json:"stats"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspaceFor(w, r)
	if !ok {
		return
	}
	status := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status")))
	if status == "" {
		status = "all"
	}
	limit := queryInt(r, "limit", defaultJobListLimit)

	resp := jobsResponse{Workspace: ws.ID}
	var err error
	switch status {
	case "all":
		if resp.Pending, err = ws.Queue.Pending(); err == nil {
			if resp.Processing, err = ws.Queue.Processing(); err == nil {
				if resp.Completed, err = ws.Queue.Terminal(job.StatusCompleted, limit); err == nil {
					resp.Failed, err = ws.Queue.Terminal(job.StatusFailed, limit)
				}
			}
		}
	case "pending":
		resp.Pending, err = ws.Queue.Pending()
	case "processing":
		resp.Processing, err = ws.Queue.Processing()
	case "completed":
		resp.Completed, err = ws.Queue.Terminal(job.StatusCompleted, limit)
	case "failed":
		resp.Failed, err = ws.Queue.Terminal(job.StatusFailed, limit)
	default:
		writeJSONError(w, http.StatusBadRequest, "invalid_status",
			"status must be one of pending, processing, completed, failed, all")
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "queue_read", err.Error())
		return
	}
	resp.Stats = ws.Queue.Stats()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspaceFor(w, r)
	if !ok {
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	rec, err := ws.Queue.Get(id)
	if err != nil {
		if queue.IsNotFound(err) {
			writeJSONError(w, http.StatusNotFound, "not_found", "no job with id "+id)
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "queue_read", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspaceFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Workspace string           `json:"workspace"`
		QueueSize int              `json:"queue_size"`
		Stats     metrics.Snapshot `json:"stats"`
	}{ws.ID, ws.Queue.Size(), ws.Queue.Stats()})
}

// worktreeView pairs a worktree with its removal validation so the UI can
// grey out the delete button without a second round trip.
type worktreeView struct {
	worktree.Info
	Validation *worktree.Validation `json:"validation,omitempty"`
}

func (s *Server) handleListWorktrees(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspaceFor(w, r)
	if !ok {
		return
	}
	infos, err := ws.Worktrees.List(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "worktree_list", err.Error())
		return
	}
	views := make([]worktreeView, 0, len(infos))
	for _, info := range infos {
		view := worktreeView{Info: info}
		if v, err := ws.Worktrees.ValidateRemoval(r.Context(), info.Name); err == nil {
			view.Validation = v
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, struct {
		Workspace string         `json:"workspace"`
		Worktrees []worktreeView `json:"worktrees"`
	}{ws.ID, views})
}

func (s *Server) handleRemoveWorktree(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspaceFor(w, r)
	if !ok {
		return
	}
	name := strings.TrimSpace(r.PathValue("name"))
	q := r.URL.Query()

	if s.cfg.WebUIDeletePassword == "" {
		writeJSONError(w, http.StatusForbidden, "delete_disabled",
			"worktree removal requires WEBUI_DELETE_PASSWORD to be configured")
		return
	}
	if !passwordMatches(s.cfg.WebUIDeletePassword, q.Get("password")) {
		writeJSONError(w, http.StatusUnauthorized, "password_invalid", "password did not match")
		return
	}
	if confirm := q.Get("confirm"); confirm != trailingHash(name) {
		writeJSONError(w, http.StatusBadRequest, "confirmation_mismatch",
			"confirm must repeat the trailing hash of the worktree name")
		return
	}

	force := q.Get("force") == "true"
	if !force {
		v, err := ws.Worktrees.ValidateRemoval(r.Context(), name)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				writeJSONError(w, http.StatusNotFound, "not_found", "no worktree named "+name)
				return
			}
			writeJSONError(w, http.StatusInternalServerError, "worktree_validate", err.Error())
			return
		}
		if !v.CanRemove {
			writeJSON(w, http.StatusConflict, struct {
				APIError
				Validation *worktree.Validation `json:"validation"`
			}{APIError{Error: "worktree has unsaved work", Code: "removal_refused"}, v})
			return
		}
	}

	if err := ws.Worktrees.Remove(r.Context(), name, force); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			writeJSONError(w, http.StatusNotFound, "not_found", "no worktree named "+name)
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "worktree_remove", err.Error())
		return
	}
	ws.Bus.Publish(events.New(events.WorktreeRemoved, name, "worktree", map[string]any{
		"name":   name,
		"forced": force,
	}))
	s.logger.Info("worktree removed",
		zap.String("workspace", ws.ID),
		zap.String("name", name),
		zap.Bool("forced", force))
	writeJSON(w, http.StatusOK, struct {
		Removed string `json:"removed"`
		Forced  bool   `json:"forced"`
	}{name, force})
}

// passwordMatches supports both bcrypt hashes and plaintext in config, so
// operators can start simple and harden later without a schema change.
func passwordMatches(configured, supplied string) bool {
	if strings.HasPrefix(configured, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(configured), []byte(supplied)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(supplied)) == 1
}

// trailingHash returns the short-hash suffix of a worktree name, the part the
// operator has to retype to confirm a destructive removal.
func trailingHash(name string) string {
	if i := strings.LastIndex(name, "-"); i >= 0 {
		return name[i+1:]
	}
	return name
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

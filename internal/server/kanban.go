package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/skybridge-io/skybridge/internal/kanban"
)

func (s *Server) handleBoards(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspaceFor(w, r)
	if !ok {
		return
	}
	board, err := ws.Kanban.FullBoard()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "kanban", err.Error())
		return
	}
	// One board per workspace today, but the UI consumes an array.
	writeJSON(w, http.StatusOK, []*kanban.Board{board})
}

func (s *Server) handleLists(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspaceFor(w, r)
	if !ok {
		return
	}
	lists, err := ws.Kanban.Lists()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "kanban", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, lists)
}

func (s *Server) handleListCards(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspaceFor(w, r)
	if !ok {
		return
	}
	if list := strings.TrimSpace(r.URL.Query().Get("list")); list != "" {
		cards, err := ws.Kanban.CardsInList(list)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_list", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, cards)
		return
	}
	board, err := ws.Kanban.FullBoard()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "kanban", err.Error())
		return
	}
	var cards []kanban.Card
	for _, l := range board.Lists {
		cards = append(cards, l.Cards...)
	}
	writeJSON(w, http.StatusOK, cards)
}

func (s *Server) handleCreateCard(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspaceFor(w, r)
	if !ok {
		return
	}
	var in kanban.CardInput
	if !decodeJSON(w, r, &in) {
		return
	}
	card, err := ws.Kanban.CreateCard(in)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_card", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, card)
}

func (s *Server) handleGetCard(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspaceFor(w, r)
	if !ok {
		return
	}
	card, err := ws.Kanban.GetCard(strings.TrimSpace(r.PathValue("id")))
	if err != nil {
		writeKanbanError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

func (s *Server) handlePatchCard(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspaceFor(w, r)
	if !ok {
		return
	}
	var patch kanban.CardPatch
	if !decodeJSON(w, r, &patch) {
		return
	}
	card, err := ws.Kanban.UpdateCard(strings.TrimSpace(r.PathValue("id")), patch)
	if err != nil {
		writeKanbanError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

func (s *Server) handleDeleteCard(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspaceFor(w, r)
	if !ok {
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if err := ws.Kanban.DeleteCard(id); err != nil {
		writeKanbanError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Deleted string `json:"deleted"`
	}{id})
}

func (s *Server) handleMoveCard(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspaceFor(w, r)
	if !ok {
		return
	}
	var in struct {
		ListName string `json:"list_name"`
		Position int    `json:"position"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	if strings.TrimSpace(in.ListName) == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_move", "list_name required")
		return
	}
	card, err := ws.Kanban.MoveCard(strings.TrimSpace(r.PathValue("id")), strings.TrimSpace(in.ListName), in.Position)
	if err != nil {
		writeKanbanError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

func (s *Server) handleCardHistory(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspaceFor(w, r)
	if !ok {
		return
	}
	limit := queryInt(r, "limit", 100)
	entries, err := ws.Kanban.History(strings.TrimSpace(r.PathValue("id")), limit)
	if err != nil {
		writeKanbanError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeKanbanError(w http.ResponseWriter, err error) {
	if kanban.IsNotFound(err) {
		writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSONError(w, http.StatusBadRequest, "invalid_card", err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_json", "decoding request body: "+err.Error())
		return false
	}
	return true
}

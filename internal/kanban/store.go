// Package kanban projects dispatcher activity onto a board the team already
// reads: six fixed lists from intake (Issues) to publication (Publicar).
// The board lives in SQLite per workspace and is rebuilt purely from domain
// events plus direct operator edits.
package kanban

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// The six lists every board starts with, in board order.
const (
	ListIssues     = "Issues"
	ListBrainstorm = "Brainstorm"
	ListTodo       = "A Fazer"
	ListDoing      = "Em Andamento"
	ListReview     = "Em Revisão"
	ListPublish    = "Publicar"
)

// DefaultLists returns the bootstrap lists in position order.
func DefaultLists() []string {
	return []string{ListIssues, ListBrainstorm, ListTodo, ListDoing, ListReview, ListPublish}
}

const defaultBoardName = "Skybridge"

// Board is the full projection surface.
type Board struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Lists     []List    `json:"lists"`
}

// List is one column on the board.
type List struct {
	ID       string `json:"id"`
	BoardID  string `json:"board_id"`
	Name     string `json:"name"`
	Position int    `json:"position"`
	Cards    []Card `json:"cards,omitempty"`
}

// Card tracks one issue through the flow. IssueNumber is zero when the
// source has no numeric issue identity (Trello, Discord). While a card is
// being processed it is pinned to position zero in its list.
type Card struct {
	ID                   string     `json:"id"`
	ListID               string     `json:"list_id"`
	ListName             string     `json:"list_name"`
	Title                string     `json:"title"`
	Description          string     `json:"description,omitempty"`
	IssueNumber          int        `json:"issue_number,omitempty"`
	IssueURL             string     `json:"issue_url,omitempty"`
	Author               string     `json:"author,omitempty"`
	ExternalID           string     `json:"external_id,omitempty"`
	Source               string     `json:"source,omitempty"`
	Labels               []string   `json:"labels"`
	PRURL                string     `json:"pr_url,omitempty"`
	BeingProcessed       bool       `json:"being_processed"`
	ProcessingJobID      string     `json:"processing_job_id,omitempty"`
	ProcessingStartedAt  *time.Time `json:"processing_started_at,omitempty"`
	ProcessingStep       string     `json:"processing_step,omitempty"`
	ProcessingTotalSteps int        `json:"processing_total_steps,omitempty"`
	Position             int        `json:"position"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// CardInput is the card creation payload. ListName is mandatory.
type CardInput struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	ListName    string   `json:"list_name"`
	IssueNumber int      `json:"issue_number"`
	IssueURL    string   `json:"issue_url"`
	Author      string   `json:"author"`
	ExternalID  string   `json:"external_id"`
	Source      string   `json:"source"`
	Labels      []string `json:"labels"`
}

// HistoryEntry is one line of a card's audit trail.
type HistoryEntry struct {
	ID       int64     `json:"id"`
	CardID   string    `json:"card_id"`
	At       time.Time `json:"at"`
	Action   string    `json:"action"`
	Detail   string    `json:"detail,omitempty"`
	FromList string    `json:"from_list,omitempty"`
	ToList   string    `json:"to_list,omitempty"`
}

// Store persists the kanban projection for one workspace in SQLite.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (or creates) the board database and bootstraps the default
// board with its six lists.
func Open(dbPath string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create kanban dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open kanban db: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS boards (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create boards table: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS lists (
		id       TEXT PRIMARY KEY,
		board_id TEXT NOT NULL,
		name     TEXT NOT NULL,
		position INTEGER NOT NULL,
		FOREIGN KEY(board_id) REFERENCES boards(id) ON DELETE CASCADE,
		UNIQUE(board_id, name)
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create lists table: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS cards (
		id                     TEXT PRIMARY KEY,
		list_id                TEXT NOT NULL,
		title                  TEXT NOT NULL,
		description            TEXT NOT NULL DEFAULT '',
		issue_number           INTEGER,
		issue_url              TEXT NOT NULL DEFAULT '',
		author                 TEXT NOT NULL DEFAULT '',
		external_id            TEXT NOT NULL DEFAULT '',
		source                 TEXT NOT NULL DEFAULT '',
		labels                 TEXT NOT NULL DEFAULT '[]',
		pr_url                 TEXT NOT NULL DEFAULT '',
		being_processed        INTEGER NOT NULL DEFAULT 0,
		processing_job_id      TEXT NOT NULL DEFAULT '',
		processing_started_at  TEXT,
		processing_step        TEXT NOT NULL DEFAULT '',
		processing_total_steps INTEGER NOT NULL DEFAULT 0,
		position               INTEGER NOT NULL DEFAULT 0,
		created_at             TEXT NOT NULL,
		updated_at             TEXT NOT NULL,
		FOREIGN KEY(list_id) REFERENCES lists(id)
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create cards table: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS card_history (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		card_id   TEXT NOT NULL,
		at        TEXT NOT NULL,
		action    TEXT NOT NULL,
		detail    TEXT NOT NULL DEFAULT '',
		from_list TEXT NOT NULL DEFAULT '',
		to_list   TEXT NOT NULL DEFAULT '',
		FOREIGN KEY(card_id) REFERENCES cards(id) ON DELETE CASCADE
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create card_history table: %w", err)
	}

	// One numeric issue maps to at most one card per workspace board.
	_, _ = db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_cards_issue_number
		ON cards(issue_number) WHERE issue_number IS NOT NULL`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_cards_external
		ON cards(source, external_id)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_cards_list
		ON cards(list_id, being_processed, position)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_history_card
		ON card_history(card_id, at DESC)`)

	s := &Store{db: db, logger: logger.Named("kanban")}
	if err := s.bootstrap(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// IsNotFound reports whether err means the board, list or card is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func (s *Store) bootstrap() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin bootstrap: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var boardID string
	err = tx.QueryRow(`SELECT id FROM boards ORDER BY created_at LIMIT 1`).Scan(&boardID)
	if errors.Is(err, sql.ErrNoRows) {
		boardID = uuid.NewString()
		now := time.Now().UTC().Format(time.RFC3339Nano)
		if _, err := tx.Exec(`INSERT INTO boards (id, name, created_at) VALUES (?, ?, ?)`,
			boardID, defaultBoardName, now); err != nil {
			return fmt.Errorf("insert default board: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("query boards: %w", err)
	}

	for i, name := range DefaultLists() {
		if _, err := tx.Exec(`INSERT INTO lists (id, board_id, name, position)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(board_id, name) DO NOTHING`,
			uuid.NewString(), boardID, name, i); err != nil {
			return fmt.Errorf("insert list %s: %w", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit bootstrap: %w", err)
	}
	return nil
}

// Board returns the board with its lists (cards not populated).
func (s *Store) Board() (*Board, error) {
	row := s.db.QueryRow(`SELECT id, name, created_at FROM boards ORDER BY created_at LIMIT 1`)
	var b Board
	var createdAt string
	if err := row.Scan(&b.ID, &b.Name, &createdAt); err != nil {
		return nil, err
	}
	b.CreatedAt = parseTime(createdAt)

	lists, err := s.Lists()
	if err != nil {
		return nil, err
	}
	b.Lists = lists
	return &b, nil
}

// Lists returns the board's lists in position order.
func (s *Store) Lists() ([]List, error) {
	rows, err := s.db.Query(`SELECT id, board_id, name, position FROM lists ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]List, 0, 6)
	for rows.Next() {
		var l List
		if err := rows.Scan(&l.ID, &l.BoardID, &l.Name, &l.Position); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ListNames returns the list names in board order.
func (s *Store) ListNames() ([]string, error) {
	lists, err := s.Lists()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(lists))
	for i, l := range lists {
		names[i] = l.Name
	}
	return names, nil
}

// resolveList maps a list name to its row. An empty or unknown name is an
// error that spells out the available lists; cards never land anywhere by
// default.
func (s *Store) resolveList(name string) (*List, error) {
	names, err := s.ListNames()
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("list name required, one of: %s", strings.Join(names, ", "))
	}

	row := s.db.QueryRow(`SELECT id, board_id, name, position FROM lists WHERE name = ?`, name)
	var l List
	if err := row.Scan(&l.ID, &l.BoardID, &l.Name, &l.Position); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("unknown list %q, one of: %s", name, strings.Join(names, ", "))
		}
		return nil, err
	}
	return &l, nil
}

// CreateCard adds a card to the named list. The list must be given
// explicitly.
func (s *Store) CreateCard(in CardInput) (*Card, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, errors.New("card title required")
	}
	list, err := s.resolveList(in.ListName)
	if err != nil {
		return nil, err
	}

	labels := in.Labels
	if labels == nil {
		labels = []string{}
	}
	encoded, err := json.Marshal(labels)
	if err != nil {
		return nil, fmt.Errorf("encode labels: %w", err)
	}

	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.Exec(`INSERT INTO cards
		(id, list_id, title, description, issue_number, issue_url, author,
		 external_id, source, labels, position, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		id,
		list.ID,
		strings.TrimSpace(in.Title),
		in.Description,
		nullableInt(in.IssueNumber),
		in.IssueURL,
		in.Author,
		in.ExternalID,
		in.Source,
		string(encoded),
		now,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert card: %w", err)
	}

	s.appendHistory(id, "created", "in "+list.Name, "", list.Name)
	return s.GetCard(id)
}

const cardColumns = `c.id, c.list_id, l.name, c.title, c.description, c.issue_number,
	c.issue_url, c.author, c.external_id, c.source, c.labels, c.pr_url,
	c.being_processed, c.processing_job_id, c.processing_started_at,
	c.processing_step, c.processing_total_steps,
	c.position, c.created_at, c.updated_at`

// GetCard returns one card by id.
func (s *Store) GetCard(id string) (*Card, error) {
	row := s.db.QueryRow(`SELECT `+cardColumns+`
		FROM cards c JOIN lists l ON l.id = c.list_id WHERE c.id = ?`, id)
	return scanCard(row)
}

// FindCardByExternal locates the card projected from a source event.
func (s *Store) FindCardByExternal(source, externalID string) (*Card, error) {
	row := s.db.QueryRow(`SELECT `+cardColumns+`
		FROM cards c JOIN lists l ON l.id = c.list_id
		WHERE c.source = ? AND c.external_id = ?
		ORDER BY c.created_at DESC LIMIT 1`, source, externalID)
	return scanCard(row)
}

// FindCardByIssue locates the card for a numeric issue.
func (s *Store) FindCardByIssue(issueNumber int) (*Card, error) {
	if issueNumber <= 0 {
		return nil, sql.ErrNoRows
	}
	row := s.db.QueryRow(`SELECT `+cardColumns+`
		FROM cards c JOIN lists l ON l.id = c.list_id
		WHERE c.issue_number = ? LIMIT 1`, issueNumber)
	return scanCard(row)
}

// CardsInList returns a list's cards in board order: cards being processed
// first, then by position, newest first among equals.
func (s *Store) CardsInList(listName string) ([]Card, error) {
	list, err := s.resolveList(listName)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`SELECT `+cardColumns+`
		FROM cards c JOIN lists l ON l.id = c.list_id
		WHERE c.list_id = ?
		ORDER BY c.being_processed DESC, c.position ASC, c.created_at DESC`, list.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCards(rows)
}

// FullBoard returns the board with every list's cards populated.
func (s *Store) FullBoard() (*Board, error) {
	board, err := s.Board()
	if err != nil {
		return nil, err
	}
	for i := range board.Lists {
		cards, err := s.CardsInList(board.Lists[i].Name)
		if err != nil {
			return nil, err
		}
		board.Lists[i].Cards = cards
	}
	return board, nil
}

// CardPatch updates selected card fields. Nil fields stay untouched.
type CardPatch struct {
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	Labels      *[]string `json:"labels,omitempty"`
	PRURL       *string   `json:"pr_url,omitempty"`
	IssueURL    *string   `json:"issue_url,omitempty"`
	Author      *string   `json:"author,omitempty"`
	Position    *int      `json:"position,omitempty"`
}

// UpdateCard applies a patch to one card.
func (s *Store) UpdateCard(id string, patch CardPatch) (*Card, error) {
	card, err := s.GetCard(id)
	if err != nil {
		return nil, err
	}

	if patch.Title != nil {
		card.Title = strings.TrimSpace(*patch.Title)
	}
	if patch.Description != nil {
		card.Description = *patch.Description
	}
	if patch.Labels != nil {
		card.Labels = *patch.Labels
	}
	if patch.PRURL != nil {
		card.PRURL = *patch.PRURL
	}
	if patch.IssueURL != nil {
		card.IssueURL = *patch.IssueURL
	}
	if patch.Author != nil {
		card.Author = *patch.Author
	}
	if patch.Position != nil {
		card.Position = *patch.Position
	}
	labels, err := json.Marshal(card.Labels)
	if err != nil {
		return nil, fmt.Errorf("encode labels: %w", err)
	}

	_, err = s.db.Exec(`UPDATE cards
		SET title = ?, description = ?, labels = ?, pr_url = ?, issue_url = ?, author = ?,
		    position = ?, updated_at = ?
		WHERE id = ?`,
		card.Title, card.Description, string(labels), card.PRURL, card.IssueURL, card.Author,
		card.Position, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return nil, fmt.Errorf("update card: %w", err)
	}
	s.appendHistory(id, "updated", "", "", "")
	return s.GetCard(id)
}

// MoveCard places a card in another list at the given position.
func (s *Store) MoveCard(id, listName string, position int) (*Card, error) {
	card, err := s.GetCard(id)
	if err != nil {
		return nil, err
	}
	target, err := s.resolveList(listName)
	if err != nil {
		return nil, err
	}

	if _, err := s.db.Exec(`UPDATE cards SET list_id = ?, position = ?, updated_at = ? WHERE id = ?`,
		target.ID, position, time.Now().UTC().Format(time.RFC3339Nano), id); err != nil {
		return nil, fmt.Errorf("move card: %w", err)
	}
	if card.ListName != target.Name {
		s.appendHistory(id, "moved", "", card.ListName, target.Name)
	}
	return s.GetCard(id)
}

// StartProcessing marks the card in flight for a job: pinned to position
// zero, stamped with the job id and start time.
func (s *Store) StartProcessing(id, jobID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.Exec(`UPDATE cards
		SET being_processed = 1, processing_job_id = ?, processing_started_at = ?,
		    processing_step = '', processing_total_steps = 0, position = 0, updated_at = ?
		WHERE id = ?`,
		jobID, now, now, id)
	if err != nil {
		return fmt.Errorf("start processing: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SetProgress updates the visible step of a card in flight.
func (s *Store) SetProgress(id, step string, totalSteps int) error {
	res, err := s.db.Exec(`UPDATE cards
		SET processing_step = ?, processing_total_steps = ?, updated_at = ?
		WHERE id = ?`,
		step, totalSteps, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("set progress: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// StopProcessing clears the in-flight state of a card.
func (s *Store) StopProcessing(id string) error {
	res, err := s.db.Exec(`UPDATE cards
		SET being_processed = 0, processing_job_id = '', processing_started_at = NULL,
		    processing_step = '', updated_at = ?
		WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("stop processing: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SetPRURL records the pull request opened for a card.
func (s *Store) SetPRURL(id, url string) error {
	res, err := s.db.Exec(`UPDATE cards SET pr_url = ?, updated_at = ? WHERE id = ?`,
		url, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("set pr url: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// AddLabel appends a label if the card does not already carry it.
func (s *Store) AddLabel(id, label string) error {
	card, err := s.GetCard(id)
	if err != nil {
		return err
	}
	for _, l := range card.Labels {
		if l == label {
			return nil
		}
	}
	labels, err := json.Marshal(append(card.Labels, label))
	if err != nil {
		return fmt.Errorf("encode labels: %w", err)
	}
	_, err = s.db.Exec(`UPDATE cards SET labels = ?, updated_at = ? WHERE id = ?`,
		string(labels), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("add label: %w", err)
	}
	return nil
}

// DeleteCard removes a card and its history.
func (s *Store) DeleteCard(id string) error {
	res, err := s.db.Exec(`DELETE FROM cards WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete card: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// History returns a card's audit trail, newest first.
func (s *Store) History(cardID string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT id, card_id, at, action, detail, from_list, to_list
		FROM card_history WHERE card_id = ? ORDER BY id DESC LIMIT ?`, cardID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]HistoryEntry, 0)
	for rows.Next() {
		var h HistoryEntry
		var at string
		if err := rows.Scan(&h.ID, &h.CardID, &at, &h.Action, &h.Detail, &h.FromList, &h.ToList); err != nil {
			return nil, err
		}
		h.At = parseTime(at)
		out = append(out, h)
	}
	return out, rows.Err()
}

// appendHistory records one audit line. History is advisory; failures are
// logged, never surfaced.
func (s *Store) appendHistory(cardID, action, detail, fromList, toList string) {
	_, err := s.db.Exec(`INSERT INTO card_history (card_id, at, action, detail, from_list, to_list)
		VALUES (?, ?, ?, ?, ?, ?)`,
		cardID, time.Now().UTC().Format(time.RFC3339Nano), action, detail, fromList, toList)
	if err != nil {
		s.logger.Warn("append card history failed",
			zap.String("card_id", cardID),
			zap.String("action", action),
			zap.Error(err))
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCard(row rowScanner) (*Card, error) {
	var c Card
	var issueNumber sql.NullInt64
	var startedAt sql.NullString
	var labels, createdAt, updatedAt string
	var processed int
	if err := row.Scan(&c.ID, &c.ListID, &c.ListName, &c.Title, &c.Description, &issueNumber,
		&c.IssueURL, &c.Author, &c.ExternalID, &c.Source, &labels, &c.PRURL,
		&processed, &c.ProcessingJobID, &startedAt,
		&c.ProcessingStep, &c.ProcessingTotalSteps,
		&c.Position, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if issueNumber.Valid {
		c.IssueNumber = int(issueNumber.Int64)
	}
	c.BeingProcessed = processed != 0
	if startedAt.Valid && startedAt.String != "" {
		t := parseTime(startedAt.String)
		c.ProcessingStartedAt = &t
	}
	if err := json.Unmarshal([]byte(labels), &c.Labels); err != nil {
		c.Labels = []string{}
	}
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

func collectCards(rows *sql.Rows) ([]Card, error) {
	out := make([]Card, 0)
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *card)
	}
	return out, rows.Err()
}

func nullableInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

package kanban

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "data", "kanban.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createTestCard(t *testing.T, store *Store, title, list string, issue int) *Card {
	t.Helper()
	card, err := store.CreateCard(CardInput{
		Title:       title,
		ListName:    list,
		IssueNumber: issue,
		ExternalID:  title,
		Source:      "github",
	})
	if err != nil {
		t.Fatalf("create card %q: %v", title, err)
	}
	return card
}

func TestOpenBootstrapsSixLists(t *testing.T) {
	store := newTestStore(t)

	board, err := store.Board()
	if err != nil {
		t.Fatalf("board: %v", err)
	}
	if board.Name != "Skybridge" {
		t.Fatalf("unexpected board name: %q", board.Name)
	}
	want := DefaultLists()
	if len(board.Lists) != len(want) {
		t.Fatalf("expected %d lists, got %d", len(want), len(board.Lists))
	}
	for i, l := range board.Lists {
		if l.Name != want[i] {
			t.Fatalf("list %d: expected %q, got %q", i, want[i], l.Name)
		}
		if l.Position != i {
			t.Fatalf("list %q: expected position %d, got %d", l.Name, i, l.Position)
		}
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "kanban.db")
	first, err := Open(dbPath, nil)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if _, err := first.CreateCard(CardInput{Title: "persists", ListName: ListIssues}); err != nil {
		t.Fatalf("create card: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second, err := Open(dbPath, nil)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer second.Close()

	lists, err := second.Lists()
	if err != nil {
		t.Fatalf("lists: %v", err)
	}
	if len(lists) != 6 {
		t.Fatalf("expected 6 lists after reopen, got %d", len(lists))
	}
	cards, err := second.CardsInList(ListIssues)
	if err != nil {
		t.Fatalf("cards in list: %v", err)
	}
	if len(cards) != 1 || cards[0].Title != "persists" {
		t.Fatalf("expected persisted card, got %#v", cards)
	}
}

func TestCreateCardRequiresExplicitList(t *testing.T) {
	store := newTestStore(t)

	_, err := store.CreateCard(CardInput{Title: "orphan"})
	if err == nil {
		t.Fatal("expected error for missing list")
	}
	for _, name := range DefaultLists() {
		if !strings.Contains(err.Error(), name) {
			t.Fatalf("error should enumerate list %q, got: %v", name, err)
		}
	}

	_, err = store.CreateCard(CardInput{Title: "lost", ListName: "Backlog"})
	if err == nil || !strings.Contains(err.Error(), "Backlog") {
		t.Fatalf("expected unknown-list error naming Backlog, got: %v", err)
	}
	if !strings.Contains(err.Error(), ListPublish) {
		t.Fatalf("unknown-list error should enumerate lists, got: %v", err)
	}

	cards, err := store.CardsInList(ListIssues)
	if err != nil {
		t.Fatalf("cards in list: %v", err)
	}
	if len(cards) != 0 {
		t.Fatalf("expected no cards created, got %d", len(cards))
	}
}

func TestCardLifecycle(t *testing.T) {
	store := newTestStore(t)

	card := createTestCard(t, store, "fix login", ListIssues, 7)
	if card.ID == "" {
		t.Fatal("expected generated id")
	}
	if card.ListName != ListIssues {
		t.Fatalf("expected list %q, got %q", ListIssues, card.ListName)
	}
	if card.IssueNumber != 7 {
		t.Fatalf("expected issue number 7, got %d", card.IssueNumber)
	}

	title := "fix login redirect"
	url := "https://github.com/acme/app/issues/7"
	updated, err := store.UpdateCard(card.ID, CardPatch{Title: &title, IssueURL: &url})
	if err != nil {
		t.Fatalf("update card: %v", err)
	}
	if updated.Title != title || updated.IssueURL != url {
		t.Fatalf("patch not applied: %#v", updated)
	}

	moved, err := store.MoveCard(card.ID, ListDoing, 0)
	if err != nil {
		t.Fatalf("move card: %v", err)
	}
	if moved.ListName != ListDoing {
		t.Fatalf("expected list %q, got %q", ListDoing, moved.ListName)
	}

	history, err := store.History(card.ID, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	actions := make([]string, len(history))
	for i, h := range history {
		actions[i] = h.Action
	}
	joined := strings.Join(actions, ",")
	for _, want := range []string{"created", "updated", "moved"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("history missing %q: %v", want, actions)
		}
	}

	if err := store.DeleteCard(card.ID); err != nil {
		t.Fatalf("delete card: %v", err)
	}
	if _, err := store.GetCard(card.ID); !IsNotFound(err) {
		t.Fatalf("expected not found after delete, got err=%v", err)
	}
	if err := store.DeleteCard(card.ID); !IsNotFound(err) {
		t.Fatalf("expected not found on second delete, got err=%v", err)
	}
}

func TestCardOrderingLiveFirst(t *testing.T) {
	store := newTestStore(t)

	oldest := createTestCard(t, store, "oldest", ListIssues, 0)
	time.Sleep(2 * time.Millisecond)
	middle := createTestCard(t, store, "middle", ListIssues, 0)
	time.Sleep(2 * time.Millisecond)
	newest := createTestCard(t, store, "newest", ListIssues, 0)

	cards, err := store.CardsInList(ListIssues)
	if err != nil {
		t.Fatalf("cards in list: %v", err)
	}
	if len(cards) != 3 {
		t.Fatalf("expected 3 cards, got %d", len(cards))
	}
	// Same position, so newest created first.
	if cards[0].ID != newest.ID || cards[2].ID != oldest.ID {
		t.Fatalf("unexpected order: %s, %s, %s", cards[0].Title, cards[1].Title, cards[2].Title)
	}

	if err := store.StartProcessing(middle.ID, "job-1"); err != nil {
		t.Fatalf("start processing: %v", err)
	}
	cards, err = store.CardsInList(ListIssues)
	if err != nil {
		t.Fatalf("cards in list: %v", err)
	}
	if cards[0].ID != middle.ID {
		t.Fatalf("expected live card first, got %q", cards[0].Title)
	}
	if !cards[0].BeingProcessed || cards[0].Position != 0 {
		t.Fatalf("live card should be pinned at position 0: %#v", cards[0])
	}
}

func TestStartStopProcessing(t *testing.T) {
	store := newTestStore(t)
	card := createTestCard(t, store, "wip", ListDoing, 0)

	if err := store.StartProcessing(card.ID, "job-abc"); err != nil {
		t.Fatalf("start processing: %v", err)
	}
	live, err := store.GetCard(card.ID)
	if err != nil {
		t.Fatalf("get card: %v", err)
	}
	if !live.BeingProcessed || live.ProcessingJobID != "job-abc" {
		t.Fatalf("expected live card for job-abc, got %#v", live)
	}
	if live.ProcessingStartedAt == nil || live.ProcessingStartedAt.IsZero() {
		t.Fatal("expected processing_started_at set")
	}

	if err := store.SetProgress(card.ID, "40% lendo o código", 4); err != nil {
		t.Fatalf("set progress: %v", err)
	}
	live, _ = store.GetCard(card.ID)
	if live.ProcessingStep != "40% lendo o código" || live.ProcessingTotalSteps != 4 {
		t.Fatalf("progress not recorded: %#v", live)
	}

	if err := store.StopProcessing(card.ID); err != nil {
		t.Fatalf("stop processing: %v", err)
	}
	done, _ := store.GetCard(card.ID)
	if done.BeingProcessed || done.ProcessingJobID != "" || done.ProcessingStartedAt != nil {
		t.Fatalf("expected cleared processing state, got %#v", done)
	}

	if err := store.StartProcessing("missing", "job-x"); !IsNotFound(err) {
		t.Fatalf("expected not found for missing card, got err=%v", err)
	}
}

func TestIssueNumberUniquePerBoard(t *testing.T) {
	store := newTestStore(t)

	createTestCard(t, store, "first", ListIssues, 42)
	_, err := store.CreateCard(CardInput{Title: "dup", ListName: ListIssues, IssueNumber: 42})
	if err == nil {
		t.Fatal("expected unique violation for duplicate issue number")
	}

	// Cards without an issue number do not collide.
	createTestCard(t, store, "card-a", ListIssues, 0)
	createTestCard(t, store, "card-b", ListIssues, 0)

	found, err := store.FindCardByIssue(42)
	if err != nil {
		t.Fatalf("find by issue: %v", err)
	}
	if found.Title != "first" {
		t.Fatalf("expected card %q, got %q", "first", found.Title)
	}
}

func TestFindCardByExternal(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.CreateCard(CardInput{
		Title:      "trello card",
		ListName:   ListTodo,
		ExternalID: "abc123",
		Source:     "trello",
	}); err != nil {
		t.Fatalf("create card: %v", err)
	}

	card, err := store.FindCardByExternal("trello", "abc123")
	if err != nil {
		t.Fatalf("find by external: %v", err)
	}
	if card.Title != "trello card" {
		t.Fatalf("unexpected card: %#v", card)
	}
	if _, err := store.FindCardByExternal("trello", "nope"); !IsNotFound(err) {
		t.Fatalf("expected not found, got err=%v", err)
	}
}

func TestAddLabelIdempotent(t *testing.T) {
	store := newTestStore(t)
	card := createTestCard(t, store, "labelled", ListIssues, 0)

	if err := store.AddLabel(card.ID, "erro"); err != nil {
		t.Fatalf("add label: %v", err)
	}
	if err := store.AddLabel(card.ID, "erro"); err != nil {
		t.Fatalf("add label twice: %v", err)
	}
	got, _ := store.GetCard(card.ID)
	if len(got.Labels) != 1 || got.Labels[0] != "erro" {
		t.Fatalf("expected single erro label, got %v", got.Labels)
	}
}

func TestFullBoardGroupsCards(t *testing.T) {
	store := newTestStore(t)
	createTestCard(t, store, "in issues", ListIssues, 0)
	createTestCard(t, store, "in review", ListReview, 0)

	board, err := store.FullBoard()
	if err != nil {
		t.Fatalf("full board: %v", err)
	}
	byList := make(map[string]int)
	for _, l := range board.Lists {
		byList[l.Name] = len(l.Cards)
	}
	if byList[ListIssues] != 1 || byList[ListReview] != 1 || byList[ListDoing] != 0 {
		t.Fatalf("unexpected card distribution: %v", byList)
	}
}

package kanban

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/skybridge-io/skybridge/internal/events"
	"github.com/skybridge-io/skybridge/internal/skills"
)

func newTestProjector(t *testing.T) (*Store, *Projector, *[]events.Event) {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "kanban.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	p := NewProjector(store, skills.NewCatalog(nil), nil)
	var emitted []events.Event
	p.publish = func(evt events.Event) { emitted = append(emitted, evt) }
	return store, p, &emitted
}

func issueEvent(t events.Type, issue int, extra map[string]any) events.Event {
	payload := map[string]any{
		"job_id":       "github-issues.opened-cafe0123",
		"source":       "github",
		"event_type":   "issues.opened",
		"external_id":  "77",
		"issue_number": issue,
		"title":        "corrigir login",
	}
	for k, v := range extra {
		payload[k] = v
	}
	return events.New(t, payload["job_id"].(string), "job", payload)
}

func TestProjectionLifecycle(t *testing.T) {
	store, p, emitted := newTestProjector(t)

	p.Apply(issueEvent(events.IssueReceived, 77, map[string]any{
		"body":      "usuário não consegue entrar",
		"author":    "octocat",
		"issue_url": "https://github.com/acme/app/issues/77",
		"labels":    []string{"bug"},
	}))

	card, err := store.FindCardByIssue(77)
	if err != nil {
		t.Fatalf("card not projected: %v", err)
	}
	if card.ListName != ListIssues {
		t.Fatalf("new card should land in %q, got %q", ListIssues, card.ListName)
	}
	if card.Author != "octocat" || card.IssueURL == "" || len(card.Labels) != 1 {
		t.Fatalf("issue metadata not captured: %#v", card)
	}

	p.Apply(issueEvent(events.JobStarted, 77, map[string]any{"skill": "resolve-issue"}))
	card, _ = store.FindCardByIssue(77)
	if card.ListName != ListDoing {
		t.Fatalf("resolve-issue should move card to %q, got %q", ListDoing, card.ListName)
	}
	if !card.BeingProcessed || card.Position != 0 {
		t.Fatalf("started card should be live at position 0: %#v", card)
	}
	if card.ProcessingJobID != "github-issues.opened-cafe0123" {
		t.Fatalf("processing job id not stamped: %q", card.ProcessingJobID)
	}

	p.Apply(issueEvent(events.JobProgressed, 77, map[string]any{
		"message": "aplicando correção",
		"percent": 60,
		"step":    3,
	}))
	card, _ = store.FindCardByIssue(77)
	if card.ProcessingStep != "60% aplicando correção" {
		t.Fatalf("unexpected processing step: %q", card.ProcessingStep)
	}
	if card.ProcessingTotalSteps != 3 {
		t.Fatalf("unexpected total steps: %d", card.ProcessingTotalSteps)
	}

	p.Apply(issueEvent(events.PRCreated, 77, map[string]any{
		"pr_url": "https://github.com/acme/app/pull/78",
	}))
	card, _ = store.FindCardByIssue(77)
	if card.PRURL != "https://github.com/acme/app/pull/78" {
		t.Fatalf("pr url not set: %q", card.PRURL)
	}

	p.Apply(issueEvent(events.JobCompleted, 77, nil))
	card, _ = store.FindCardByIssue(77)
	if card.ListName != ListReview {
		t.Fatalf("completed card should rest in %q, got %q", ListReview, card.ListName)
	}
	if card.BeingProcessed {
		t.Fatal("completed card should not be live")
	}

	history, err := store.History(card.ID, 50)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var actions []string
	for _, h := range history {
		actions = append(actions, h.Action)
	}
	joined := strings.Join(actions, ",")
	for _, want := range []string{"processing_started", "pr_created", "processing_completed"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("history missing %q: %v", want, actions)
		}
	}

	var types []string
	for _, e := range *emitted {
		types = append(types, string(e.Type))
	}
	joined = strings.Join(types, ",")
	for _, want := range []string{"TrelloCardCreated", "TrelloCardMovedToList", "TrelloCardUpdated"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected %s on the bus, got %v", want, types)
		}
	}
}

func TestProjectionFailureReturnsCardToIssues(t *testing.T) {
	store, p, _ := newTestProjector(t)

	p.Apply(issueEvent(events.IssueReceived, 13, nil))
	p.Apply(issueEvent(events.JobStarted, 13, map[string]any{"skill": "resolve-issue"}))
	p.Apply(issueEvent(events.JobFailed, 13, map[string]any{
		"error_type": "AGENT_TIMEOUT",
		"error":      "agent exceeded 600s",
	}))

	card, err := store.FindCardByIssue(13)
	if err != nil {
		t.Fatalf("card not found: %v", err)
	}
	if card.ListName != ListIssues {
		t.Fatalf("failed card should return to %q, got %q", ListIssues, card.ListName)
	}
	if card.BeingProcessed {
		t.Fatal("failed card should not be live")
	}
	hasErro := false
	for _, l := range card.Labels {
		if l == "erro" {
			hasErro = true
		}
	}
	if !hasErro {
		t.Fatalf("failed card should carry the erro label, got %v", card.Labels)
	}

	history, _ := store.History(card.ID, 50)
	found := false
	for _, h := range history {
		if h.Action == "processing_failed" && strings.Contains(h.Detail, "AGENT_TIMEOUT") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected processing_failed history with error type, got %#v", history)
	}
}

func TestProjectionSkillDrivesTargetList(t *testing.T) {
	cases := []struct {
		skill string
		list  string
	}{
		{"analyze-issue", ListBrainstorm},
		{"resolve-issue", ListDoing},
		{"review-issue", ListReview},
		{"publish-issue", ListPublish},
	}
	for _, tc := range cases {
		t.Run(tc.skill, func(t *testing.T) {
			store, p, _ := newTestProjector(t)
			p.Apply(issueEvent(events.IssueReceived, 5, nil))
			p.Apply(issueEvent(events.JobStarted, 5, map[string]any{"skill": tc.skill}))

			card, err := store.FindCardByIssue(5)
			if err != nil {
				t.Fatalf("card not found: %v", err)
			}
			if card.ListName != tc.list {
				t.Fatalf("skill %s: expected list %q, got %q", tc.skill, tc.list, card.ListName)
			}
		})
	}
}

func TestProjectionIssueReceivedIsIdempotent(t *testing.T) {
	store, p, _ := newTestProjector(t)

	p.Apply(issueEvent(events.IssueReceived, 9, nil))
	p.Apply(issueEvent(events.IssueReceived, 9, map[string]any{
		"title": "corrigir login (atualizado)",
	}))

	cards, err := store.CardsInList(ListIssues)
	if err != nil {
		t.Fatalf("cards in list: %v", err)
	}
	if len(cards) != 1 {
		t.Fatalf("expected a single card after duplicate delivery, got %d", len(cards))
	}
	if cards[0].Title != "corrigir login (atualizado)" {
		t.Fatalf("metadata refresh did not apply: %q", cards[0].Title)
	}
}

func TestProjectionRecreatesMissingCardOnStart(t *testing.T) {
	store, p, _ := newTestProjector(t)

	// JobStarted with no prior IssueReceived (e.g. card deleted by an
	// operator mid-flight).
	p.Apply(issueEvent(events.JobStarted, 21, map[string]any{"skill": "analyze-issue"}))

	card, err := store.FindCardByIssue(21)
	if err != nil {
		t.Fatalf("card should be recreated: %v", err)
	}
	if card.ListName != ListBrainstorm {
		t.Fatalf("expected recreated card in %q, got %q", ListBrainstorm, card.ListName)
	}
	if !card.BeingProcessed {
		t.Fatal("recreated card should be live")
	}
}

func TestProjectionIgnoresEventsWithoutCard(t *testing.T) {
	_, p, emitted := newTestProjector(t)

	// No card exists and the payload has no identity beyond the job.
	evt := events.New(events.JobProgressed, "job-x", "job", map[string]any{
		"job_id": "job-x", "message": "sem cartão",
	})
	p.Apply(evt)

	if len(*emitted) != 0 {
		t.Fatalf("expected no board events, got %d", len(*emitted))
	}
}

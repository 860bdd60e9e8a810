package kanban

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/skybridge-io/skybridge/internal/events"
	"github.com/skybridge-io/skybridge/internal/skills"
)

// Projector keeps the board in step with the domain event stream. It is a
// pure consumer: every card mutation here is derivable from events, so the
// board can be rebuilt by replay. Board changes are echoed back onto the bus
// as TrelloCard* events for external mirrors and the live stream.
type Projector struct {
	store   *Store
	catalog *skills.Catalog
	publish func(events.Event)
	logger  *zap.Logger
}

// NewProjector builds a projector over the given store.
func NewProjector(store *Store, catalog *skills.Catalog, logger *zap.Logger) *Projector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if catalog == nil {
		catalog = skills.NewCatalog(logger)
	}
	return &Projector{
		store:   store,
		catalog: catalog,
		logger:  logger.Named("kanban.projector"),
	}
}

// Register subscribes the projector to the bus. Events are applied in
// publication order on the subscription's own goroutine.
func (p *Projector) Register(bus *events.Bus) {
	p.publish = bus.Publish
	bus.Subscribe("kanban-projection", p.Apply,
		events.IssueReceived,
		events.JobStarted,
		events.JobProgressed,
		events.JobCommitted,
		events.JobPushed,
		events.PRCreated,
		events.JobCompleted,
		events.JobFailed,
		events.JobRetried,
	)
}

// Apply folds one event into the board. Unknown or unmatched events are
// logged and skipped; the projection never fails the caller.
func (p *Projector) Apply(evt events.Event) {
	switch evt.Type {
	case events.IssueReceived:
		p.onIssueReceived(evt)
	case events.JobStarted:
		p.onJobStarted(evt)
	case events.JobProgressed:
		p.onJobProgressed(evt)
	case events.JobCommitted:
		p.appendJobHistory(evt, "committed", payloadString(evt, "commit"))
	case events.JobPushed:
		p.appendJobHistory(evt, "pushed", payloadString(evt, "branch"))
	case events.PRCreated:
		p.onPRCreated(evt)
	case events.JobCompleted:
		p.onJobCompleted(evt)
	case events.JobFailed:
		p.onJobFailed(evt)
	case events.JobRetried:
		p.appendJobHistory(evt, "retry_scheduled",
			fmt.Sprintf("attempt %d", payloadInt(evt, "attempt")))
	}
}

// onIssueReceived ensures a card exists in Issues for the incoming issue and
// refreshes its metadata from the event.
func (p *Projector) onIssueReceived(evt events.Event) {
	card := p.locate(evt)
	if card != nil {
		patch := CardPatch{}
		if title := payloadString(evt, "title"); title != "" {
			patch.Title = &title
		}
		if body := payloadString(evt, "body"); body != "" {
			patch.Description = &body
		}
		if url := payloadString(evt, "issue_url", "url"); url != "" {
			patch.IssueURL = &url
		}
		if author := payloadString(evt, "author"); author != "" {
			patch.Author = &author
		}
		if labels := payloadStrings(evt, "labels"); labels != nil {
			patch.Labels = &labels
		}
		if _, err := p.store.UpdateCard(card.ID, patch); err != nil {
			p.logger.Warn("refresh card from issue failed",
				zap.String("card_id", card.ID), zap.Error(err))
			return
		}
		p.emit(events.TrelloCardUpdated, card.ID, map[string]any{
			"list": card.ListName,
		}, evt)
		return
	}

	title := payloadString(evt, "title")
	if title == "" {
		title = fmt.Sprintf("Issue %s", payloadString(evt, "external_id"))
	}
	created, err := p.store.CreateCard(CardInput{
		Title:       title,
		Description: payloadString(evt, "body"),
		ListName:    ListIssues,
		IssueNumber: payloadInt(evt, "issue_number"),
		IssueURL:    payloadString(evt, "issue_url", "url"),
		Author:      payloadString(evt, "author"),
		ExternalID:  payloadString(evt, "external_id"),
		Source:      payloadString(evt, "source"),
		Labels:      payloadStrings(evt, "labels"),
	})
	if err != nil {
		p.logger.Warn("create card for issue failed",
			zap.String("external_id", payloadString(evt, "external_id")),
			zap.Int("issue_number", payloadInt(evt, "issue_number")),
			zap.Error(err))
		return
	}
	p.emit(events.TrelloCardCreated, created.ID, map[string]any{
		"list":         ListIssues,
		"title":        created.Title,
		"issue_number": created.IssueNumber,
	}, evt)
}

// onJobStarted pins the card as live and moves it to the list the skill
// works in. A missing card (operator deleted it, or replay from mid-stream)
// is recreated in Issues first.
func (p *Projector) onJobStarted(evt events.Event) {
	card := p.locate(evt)
	if card == nil {
		p.logger.Info("no card for started job, recreating",
			zap.String("job_id", payloadString(evt, "job_id")))
		p.onIssueReceived(evt)
		if card = p.locate(evt); card == nil {
			return
		}
	}

	jobID := payloadString(evt, "job_id")
	if err := p.store.StartProcessing(card.ID, jobID); err != nil {
		p.logger.Warn("start processing failed", zap.String("card_id", card.ID), zap.Error(err))
		return
	}
	p.store.appendHistory(card.ID, "processing_started", "job "+jobID, "", "")

	target := p.catalog.Resolve(payloadString(evt, "skill")).KanbanList
	if target == "" || target == card.ListName {
		return
	}
	if _, err := p.store.MoveCard(card.ID, target, 0); err != nil {
		p.logger.Warn("move card for job failed",
			zap.String("card_id", card.ID),
			zap.String("list", target),
			zap.Error(err))
		return
	}
	p.emit(events.TrelloCardMovedToList, card.ID, map[string]any{
		"from": card.ListName,
		"to":   target,
	}, evt)
}

// onJobProgressed surfaces the agent's latest progress message on the card.
func (p *Projector) onJobProgressed(evt events.Event) {
	card := p.locate(evt)
	if card == nil {
		return
	}
	step := payloadString(evt, "message")
	if pct := payloadInt(evt, "percent"); pct > 0 {
		if step == "" {
			step = fmt.Sprintf("%d%%", pct)
		} else {
			step = fmt.Sprintf("%d%% %s", pct, step)
		}
	}
	if err := p.store.SetProgress(card.ID, step, payloadInt(evt, "step")); err != nil {
		p.logger.Debug("set progress failed", zap.String("card_id", card.ID), zap.Error(err))
	}
}

func (p *Projector) onPRCreated(evt events.Event) {
	card := p.locate(evt)
	if card == nil {
		return
	}
	url := payloadString(evt, "pr_url")
	if err := p.store.SetPRURL(card.ID, url); err != nil {
		p.logger.Warn("set pr url failed", zap.String("card_id", card.ID), zap.Error(err))
		return
	}
	p.store.appendHistory(card.ID, "pr_created", url, "", "")
	p.emit(events.TrelloCardUpdated, card.ID, map[string]any{
		"pr_url": url,
	}, evt)
}

// onJobCompleted parks the finished card in review.
func (p *Projector) onJobCompleted(evt events.Event) {
	card := p.locate(evt)
	if card == nil {
		return
	}
	if err := p.store.StopProcessing(card.ID); err != nil {
		p.logger.Warn("stop processing failed", zap.String("card_id", card.ID), zap.Error(err))
	}
	p.store.appendHistory(card.ID, "processing_completed",
		"job "+payloadString(evt, "job_id"), "", "")
	if card.ListName != ListReview {
		if _, err := p.store.MoveCard(card.ID, ListReview, 0); err != nil {
			p.logger.Warn("move completed card failed", zap.String("card_id", card.ID), zap.Error(err))
			return
		}
		p.emit(events.TrelloCardMovedToList, card.ID, map[string]any{
			"from": card.ListName,
			"to":   ListReview,
		}, evt)
	}
}

// onJobFailed sends the card back to intake and flags it.
func (p *Projector) onJobFailed(evt events.Event) {
	card := p.locate(evt)
	if card == nil {
		return
	}
	if err := p.store.StopProcessing(card.ID); err != nil {
		p.logger.Warn("stop processing failed", zap.String("card_id", card.ID), zap.Error(err))
	}
	if err := p.store.AddLabel(card.ID, "erro"); err != nil {
		p.logger.Warn("label failed card", zap.String("card_id", card.ID), zap.Error(err))
	}
	detail := payloadString(evt, "error", "error_message")
	if t := payloadString(evt, "error_type"); t != "" {
		detail = t + ": " + detail
	}
	p.store.appendHistory(card.ID, "processing_failed", detail, "", "")
	if card.ListName != ListIssues {
		if _, err := p.store.MoveCard(card.ID, ListIssues, 0); err != nil {
			p.logger.Warn("move failed card", zap.String("card_id", card.ID), zap.Error(err))
			return
		}
		p.emit(events.TrelloCardMovedToList, card.ID, map[string]any{
			"from":   card.ListName,
			"to":     ListIssues,
			"reason": payloadString(evt, "error_type"),
		}, evt)
	}
}

func (p *Projector) appendJobHistory(evt events.Event, action, detail string) {
	card := p.locate(evt)
	if card == nil {
		return
	}
	p.store.appendHistory(card.ID, action, detail, "", "")
}

// locate resolves the card an event refers to, preferring the stable issue
// number over the source-specific external id. Nil means no card.
func (p *Projector) locate(evt events.Event) *Card {
	if n := payloadInt(evt, "issue_number"); n > 0 {
		if card, err := p.store.FindCardByIssue(n); err == nil {
			return card
		}
	}
	source := payloadString(evt, "source")
	external := payloadString(evt, "external_id")
	if source == "" || external == "" {
		return nil
	}
	card, err := p.store.FindCardByExternal(source, external)
	if err != nil {
		return nil
	}
	return card
}

// emit publishes a board-sync event correlated with the triggering one.
func (p *Projector) emit(t events.Type, cardID string, payload map[string]any, cause events.Event) {
	if p.publish == nil {
		return
	}
	out := events.New(t, cardID, "card", payload)
	out.CorrelationID = cause.CorrelationID
	p.publish(out)
}

func payloadString(evt events.Event, keys ...string) string {
	for _, k := range keys {
		if s, ok := evt.Payload[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func payloadInt(evt events.Event, key string) int {
	switch v := evt.Payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

func payloadStrings(evt events.Event, key string) []string {
	switch v := evt.Payload[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

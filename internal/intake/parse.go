package intake

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/skybridge-io/skybridge/internal/job"
)

// parsedEvent is a source payload normalized into the dispatcher's shape.
// Supported=false means the delivery was well formed but carries an event
// this dispatcher deliberately does nothing with.
type parsedEvent struct {
	EventType string
	Summary   job.EventSummary
	Skill     string
	Supported bool
}

// skillLabelPrefix lets issue authors pick a skill via a label such as
// "skill:analyze-issue".
const skillLabelPrefix = "skill:"

func parse(src job.Source, header http.Header, body []byte) (parsedEvent, error) {
	switch src {
	case job.SourceGitHub:
		return parseGitHub(header, body)
	case job.SourceTrello:
		return parseTrello(body)
	case job.SourceDiscord:
		return parseDiscord(body)
	}
	return parsedEvent{}, fmt.Errorf("no parser for source %q", src)
}

type githubIssue struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	HTMLURL string `json:"html_url"`
	User    *struct {
		Login string `json:"login"`
	} `json:"user"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

type githubPayload struct {
	Action     string       `json:"action"`
	Issue      *githubIssue `json:"issue"`
	Repository *struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// parseGitHub handles the issues event family. Only opened and reopened
// issues become jobs; every other action (and every other event, including
// ping) is acknowledged and dropped.
func parseGitHub(header http.Header, body []byte) (parsedEvent, error) {
	ghEvent := strings.TrimSpace(header.Get("X-GitHub-Event"))
	if ghEvent != "" && ghEvent != "issues" {
		return parsedEvent{EventType: ghEvent, Supported: false}, nil
	}

	var p githubPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return parsedEvent{}, fmt.Errorf("invalid json: %w", err)
	}
	if p.Action == "" {
		return parsedEvent{}, errors.New("missing action")
	}
	eventType := "issues." + p.Action
	if p.Action != "opened" && p.Action != "reopened" {
		return parsedEvent{EventType: eventType, Supported: false}, nil
	}
	if p.Issue == nil || p.Issue.Number <= 0 {
		return parsedEvent{}, errors.New("issues event without issue")
	}

	summary := job.EventSummary{
		ExternalID:  strconv.Itoa(p.Issue.Number),
		IssueNumber: p.Issue.Number,
		Title:       strings.TrimSpace(p.Issue.Title),
		Body:        p.Issue.Body,
		URL:         p.Issue.HTMLURL,
	}
	if p.Issue.User != nil {
		summary.Author = p.Issue.User.Login
	}
	if p.Repository != nil {
		summary.Repo = p.Repository.FullName
	}
	var skill string
	for _, l := range p.Issue.Labels {
		name := strings.TrimSpace(l.Name)
		summary.Labels = append(summary.Labels, name)
		if strings.HasPrefix(name, skillLabelPrefix) {
			skill = strings.TrimPrefix(name, skillLabelPrefix)
		}
	}
	return parsedEvent{
		EventType: eventType,
		Summary:   summary,
		Skill:     skill,
		Supported: true,
	}, nil
}

type trelloPayload struct {
	Action struct {
		Type string `json:"type"`
		Data struct {
			Card *struct {
				ID        string `json:"id"`
				Name      string `json:"name"`
				Desc      string `json:"desc"`
				ShortLink string `json:"shortLink"`
			} `json:"card"`
			Board *struct {
				Name string `json:"name"`
			} `json:"board"`
		} `json:"data"`
		MemberCreator *struct {
			Username string `json:"username"`
		} `json:"memberCreator"`
	} `json:"action"`
}

// parseTrello handles board webhooks. Only createCard becomes a job; Trello
// also posts near-empty bodies when a webhook is registered, which land in
// the ignored path rather than erroring.
func parseTrello(body []byte) (parsedEvent, error) {
	var p trelloPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return parsedEvent{}, fmt.Errorf("invalid json: %w", err)
	}
	if p.Action.Type == "" {
		return parsedEvent{EventType: "unknown", Supported: false}, nil
	}
	if p.Action.Type != "createCard" {
		return parsedEvent{EventType: p.Action.Type, Supported: false}, nil
	}
	card := p.Action.Data.Card
	if card == nil {
		return parsedEvent{}, errors.New("createCard action without card")
	}
	externalID := card.ID
	if externalID == "" {
		externalID = card.ShortLink
	}
	if externalID == "" {
		return parsedEvent{}, errors.New("card without id")
	}

	summary := job.EventSummary{
		ExternalID: externalID,
		Title:      strings.TrimSpace(card.Name),
		Body:       card.Desc,
	}
	if p.Action.MemberCreator != nil {
		summary.Author = p.Action.MemberCreator.Username
	}
	if p.Action.Data.Board != nil {
		summary.Repo = p.Action.Data.Board.Name
	}
	return parsedEvent{
		EventType: "card.created",
		Summary:   summary,
		Supported: true,
	}, nil
}

type discordPayload struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
	Author    *struct {
		Username string `json:"username"`
	} `json:"author"`
}

// issueCommand is the message prefix that turns a Discord message into work.
const issueCommand = "!issue"

// parseDiscord handles relayed channel messages. A message becomes a job
// only when it starts with the issue command; the first line after the
// command is the title, the rest is the body.
func parseDiscord(body []byte) (parsedEvent, error) {
	var p discordPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return parsedEvent{}, fmt.Errorf("invalid json: %w", err)
	}
	content := strings.TrimSpace(p.Content)
	if !strings.HasPrefix(content, issueCommand) {
		return parsedEvent{EventType: "message.created", Supported: false}, nil
	}
	if p.ID == "" {
		return parsedEvent{}, errors.New("message without id")
	}

	text := strings.TrimSpace(strings.TrimPrefix(content, issueCommand))
	title := text
	var msgBody string
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		title = strings.TrimSpace(text[:idx])
		msgBody = strings.TrimSpace(text[idx+1:])
	}
	if title == "" {
		return parsedEvent{}, errors.New("issue command without title")
	}

	summary := job.EventSummary{
		ExternalID: p.ID,
		Title:      title,
		Body:       msgBody,
	}
	if p.Author != nil {
		summary.Author = p.Author.Username
	}
	return parsedEvent{
		EventType: "message.created",
		Summary:   summary,
		Supported: true,
	}, nil
}

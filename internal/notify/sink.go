package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/skybridge-io/skybridge/internal/events"
)

// Settings selects which channels are active and the severity route each
// one listens on. Empty endpoints disable a channel. Severity defaults to
// info, which also receives the warning and critical cascades.
type Settings struct {
	SlackWebhookURL  string            `json:"slack_webhook_url"`
	SlackChannel     string            `json:"slack_channel"`
	SlackSeverity    string            `json:"slack_severity"`
	TelegramBotToken string            `json:"telegram_bot_token"`
	TelegramChatID   string            `json:"telegram_chat_id"`
	TelegramSeverity string            `json:"telegram_severity"`
	WebhookURL       string            `json:"webhook_url"`
	WebhookHeaders   map[string]string `json:"webhook_headers"`
	WebhookSeverity  string            `json:"webhook_severity"`
	EmailHost        string            `json:"email_host"`
	EmailPort        int               `json:"email_port"`
	EmailFrom        string            `json:"email_from"`
	EmailTo          []string          `json:"email_to"`
	EmailUsername    string            `json:"email_username"`
	EmailPassword    string            `json:"email_password"`
	EmailSeverity    string            `json:"email_severity"`
	MaxPerHour       int               `json:"max_per_hour"`
}

// Enabled reports whether any channel is configured.
func (s Settings) Enabled() bool {
	return s.SlackWebhookURL != "" || s.TelegramBotToken != "" ||
		s.WebhookURL != "" || s.EmailHost != ""
}

// BuildRouter assembles a Router from settings. Returns nil when no channel
// is configured.
func BuildRouter(s Settings, logger *zap.Logger) *Router {
	if !s.Enabled() {
		return nil
	}

	var routes SeverityRoute
	attach := func(ch Channel, severity string) {
		switch severity {
		case "critical":
			routes.Critical = append(routes.Critical, ch)
		case "warning":
			routes.Warning = append(routes.Warning, ch)
		default:
			routes.Info = append(routes.Info, ch)
		}
	}

	if s.SlackWebhookURL != "" {
		attach(NewSlackChannel(s.SlackWebhookURL, s.SlackChannel), s.SlackSeverity)
	}
	if s.TelegramBotToken != "" && s.TelegramChatID != "" {
		attach(NewTelegramChannel(s.TelegramBotToken, s.TelegramChatID), s.TelegramSeverity)
	}
	if s.WebhookURL != "" {
		attach(NewWebhookChannel(s.WebhookURL, s.WebhookHeaders), s.WebhookSeverity)
	}
	if s.EmailHost != "" && s.EmailFrom != "" && len(s.EmailTo) > 0 {
		attach(NewEmailChannel(s.EmailHost, s.EmailPort, s.EmailFrom, s.EmailTo,
			s.EmailUsername, s.EmailPassword), s.EmailSeverity)
	}

	maxPerHour := s.MaxPerHour
	if maxPerHour <= 0 {
		maxPerHour = 30
	}
	return NewRouter(routes, NewRateLimiter(maxPerHour), logger)
}

const deliveryTimeout = 30 * time.Second

// Sink turns terminal job events into outbound notifications. A nil router
// makes the sink inert, so wiring it unconditionally is safe.
type Sink struct {
	router *Router
	logger *zap.Logger
}

// NewSink creates a notification sink over the given router.
func NewSink(router *Router, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{router: router, logger: logger.Named("notify.sink")}
}

// Register subscribes the sink to terminal job events.
func (s *Sink) Register(bus *events.Bus) {
	if s.router == nil {
		return
	}
	bus.Subscribe("notifications", s.handle, events.JobCompleted, events.JobFailed)
}

func (s *Sink) handle(evt events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()
	s.router.Notify(ctx, s.message(evt))
}

func (s *Sink) message(evt events.Event) Message {
	msg := Message{
		JobID:     stringField(evt, "job_id"),
		Workspace: evt.Workspace,
		Skill:     stringField(evt, "skill"),
		Timestamp: evt.OccurredAt,
	}
	title := stringField(evt, "title")

	switch evt.Type {
	case events.JobFailed:
		msg.Severity = "critical"
		msg.ErrorType = stringField(evt, "error_type")
		msg.Title = fmt.Sprintf("job failed: %s", title)
		msg.Body = stringField(evt, "error")
		if msg.Body == "" {
			msg.Body = "no error detail recorded"
		}
	default:
		msg.Severity = "info"
		msg.Title = fmt.Sprintf("job completed: %s", title)
		msg.Body = stringField(evt, "message")
		if msg.Body == "" {
			msg.Body = "changes are ready for review"
		}
	}
	return msg
}

func stringField(evt events.Event, key string) string {
	if s, ok := evt.Payload[key].(string); ok {
		return s
	}
	return ""
}

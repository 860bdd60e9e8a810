// Package intake receives webhook deliveries and turns them into queued
// jobs. The path is strictly non-blocking: verify the signature over the raw
// bytes, derive a normalized event, enqueue, publish, answer. No git, no
// agent, no outbound network on the request path.
package intake

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skybridge-io/skybridge/internal/events"
	"github.com/skybridge-io/skybridge/internal/job"
	"github.com/skybridge-io/skybridge/internal/signature"
	"github.com/skybridge-io/skybridge/internal/skills"
	"github.com/skybridge-io/skybridge/internal/workspace"
)

// ErrSourceDisabled marks a delivery for a source the operator has not
// enabled. The HTTP layer answers 404 so probes cannot map the config.
var ErrSourceDisabled = errors.New("webhook source not enabled")

// ErrUnknownSource marks a delivery for a source this dispatcher does not
// understand at all.
var ErrUnknownSource = errors.New("unknown webhook source")

// Acceptance is the 202 response body. JobID is empty for deliveries that
// verified fine but carry an event type this dispatcher ignores.
type Acceptance struct {
	JobID         string `json:"job_id,omitempty"`
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
}

const (
	statusQueued  = "queued"
	statusIgnored = "ignored"
)

// Service implements webhook intake for all enabled sources.
type Service struct {
	verifier *signature.Verifier
	catalog  *skills.Catalog
	enabled  map[job.Source]bool
	logger   *zap.Logger
}

// NewService builds the intake service. An empty enabledSources list enables
// every known source.
func NewService(verifier *signature.Verifier, catalog *skills.Catalog, enabledSources []string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if catalog == nil {
		catalog = skills.NewCatalog(logger)
	}
	enabled := make(map[job.Source]bool)
	if len(enabledSources) == 0 {
		enabled[job.SourceGitHub] = true
		enabled[job.SourceTrello] = true
		enabled[job.SourceDiscord] = true
	} else {
		for _, s := range enabledSources {
			enabled[job.Source(strings.ToLower(strings.TrimSpace(s)))] = true
		}
	}
	return &Service{
		verifier: verifier,
		catalog:  catalog,
		enabled:  enabled,
		logger:   logger.Named("intake"),
	}
}

// SourceEnabled reports whether deliveries from source are accepted.
func (s *Service) SourceEnabled(source job.Source) bool {
	return s.enabled[source]
}

// Process runs one delivery through verification, normalization, enqueue and
// event publication against the given workspace. The returned error is a
// *job.ErrorInfo for conditions the HTTP layer maps onto status codes, or
// one of the sentinel errors above.
func (s *Service) Process(ws *workspace.Workspace, source string, header http.Header, body []byte) (*Acceptance, error) {
	src := job.Source(strings.ToLower(strings.TrimSpace(source)))
	switch src {
	case job.SourceGitHub, job.SourceTrello, job.SourceDiscord:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}
	if !s.enabled[src] {
		return nil, fmt.Errorf("%w: %s", ErrSourceDisabled, src)
	}

	delivery := deliveryID(src, header)
	correlation := delivery
	if correlation == "" {
		correlation = uuid.NewString()
	}
	log := s.logger.With(
		zap.String("source", string(src)),
		zap.String("correlation_id", correlation),
		zap.String("workspace", ws.ID),
	)

	if s.verifier != nil && s.verifier.Configured(string(src)) {
		if res := s.verifier.Verify(string(src), body, header.Get(signatureHeader(src))); res != signature.OK {
			log.Warn("signature verification failed", zap.String("result", res.String()))
			ws.Metrics.Inc("intake_rejected_total")
			return nil, job.Fault(job.ErrSignatureInvalid, "webhook signature did not match")
		}
	}

	parsed, err := parse(src, header, body)
	if err != nil {
		log.Warn("payload rejected", zap.Error(err))
		ws.Metrics.Inc("intake_rejected_total")
		return nil, job.Faultf(job.ErrPayloadMalformed, "parse %s payload: %v", src, err)
	}
	if !parsed.Supported {
		log.Debug("event ignored", zap.String("event_type", parsed.EventType))
		ws.Metrics.Inc("intake_ignored_total")
		return &Acceptance{CorrelationID: correlation, Status: statusIgnored}, nil
	}

	if parsed.Skill != "" && !s.catalog.Known(parsed.Skill) {
		log.Warn("delivery names unknown skill", zap.String("skill", parsed.Skill))
	}

	event := job.WebhookEvent{
		EventID:       delivery,
		Source:        src,
		EventType:     parsed.EventType,
		ReceivedAt:    time.Now().UTC(),
		Summary:       parsed.Summary,
		CorrelationID: correlation,
		RawBytes:      body,
	}
	j := job.New(event, parsed.Skill)

	jobID, err := ws.Queue.Enqueue(j)
	if err != nil {
		log.Error("enqueue failed", zap.Error(err))
		ws.Metrics.Inc("intake_rejected_total")
		return nil, job.Classify(job.ErrQueueUnavailable, err)
	}
	j.JobID = jobID

	ws.Bus.Publish(events.ForJob(events.IssueReceived, j, map[string]any{
		"body":      j.Event.Body,
		"labels":    j.Event.Labels,
		"issue_url": j.Event.URL,
		"author":    j.Event.Author,
		"repo":      j.Event.Repo,
	}))
	ws.Bus.Publish(events.ForJob(events.JobCreated, j, nil))
	ws.Metrics.Inc("intake_accepted_total")

	log.Info("webhook accepted",
		zap.String("job_id", jobID),
		zap.String("event_type", parsed.EventType),
		zap.String("skill", j.Skill),
	)
	return &Acceptance{JobID: jobID, CorrelationID: correlation, Status: statusQueued}, nil
}

// deliveryID extracts the upstream delivery identifier used for correlation
// and job id determinism.
func deliveryID(src job.Source, header http.Header) string {
	switch src {
	case job.SourceGitHub:
		return header.Get("X-GitHub-Delivery")
	case job.SourceTrello:
		return header.Get("X-Trello-Webhook-ID")
	case job.SourceDiscord:
		return header.Get("X-Discord-Delivery")
	}
	return header.Get("X-Delivery-ID")
}

// signatureHeader names the header carrying the HMAC for each source.
func signatureHeader(src job.Source) string {
	switch src {
	case job.SourceGitHub:
		return "X-Hub-Signature-256"
	case job.SourceTrello:
		return "X-Trello-Signature"
	case job.SourceDiscord:
		return "X-Signature-256"
	}
	return "X-Signature-256"
}

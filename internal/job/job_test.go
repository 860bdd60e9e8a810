package job

import (
	"errors"
	"testing"
	"time"
)

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusCompleted, false},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusPending, false},
		{StatusCompleted, StatusProcessing, false},
		{StatusFailed, StatusPending, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransitionTo(c.to); got != c.ok {
			t.Errorf("%s -> %s = %v, want %v", c.from, c.to, got, c.ok)
		}
	}
	if StatusPending.Terminal() || StatusProcessing.Terminal() {
		t.Fatal("non-terminal status reported terminal")
	}
	if !StatusCompleted.Terminal() || !StatusFailed.Terminal() {
		t.Fatal("terminal status not reported terminal")
	}
}

func TestNewJobDeterministicForDelivery(t *testing.T) {
	event := WebhookEvent{
		EventID:   "delivery-1",
		Source:    SourceGitHub,
		EventType: "issues.opened",
	}
	a := New(event, "")
	b := New(event, "")
	if a.JobID != b.JobID {
		t.Fatalf("same delivery produced different ids: %s vs %s", a.JobID, b.JobID)
	}
	if a.JobID != "github-issues.opened-"+a.ShortHash() {
		t.Fatalf("job id %q does not embed its short hash %q", a.JobID, a.ShortHash())
	}
	if len(a.ShortHash()) != 8 {
		t.Fatalf("short hash = %q", a.ShortHash())
	}
	if a.Skill != "resolve-issue" {
		t.Fatalf("default skill = %q", a.Skill)
	}

	event.EventID = "delivery-2"
	if c := New(event, ""); c.JobID == a.JobID {
		t.Fatal("different deliveries share a job id")
	}

	event.EventID = ""
	x := New(event, "bug-simple")
	y := New(event, "bug-simple")
	if x.JobID == y.JobID {
		t.Fatal("random ids collided across two jobs")
	}
	if x.Skill != "bug-simple" {
		t.Fatalf("skill = %q", x.Skill)
	}
}

func TestRetryRegeneratesID(t *testing.T) {
	j := New(WebhookEvent{EventID: "d", Source: SourceTrello, EventType: "card.created"}, "refactor")
	j.Status = StatusFailed

	r := j.Retry()
	if r.JobID == j.JobID {
		t.Fatal("retry reused the failed job's id")
	}
	if r.Attempt != j.Attempt+1 {
		t.Fatalf("attempt = %d, want %d", r.Attempt, j.Attempt+1)
	}
	if r.Status != StatusPending {
		t.Fatalf("status = %s", r.Status)
	}
	if r.Skill != j.Skill || r.EventType != j.EventType || r.CorrelationID != j.CorrelationID {
		t.Fatalf("retry lost event identity: %+v", r)
	}
}

func TestShortHashFromID(t *testing.T) {
	if got := ShortHashFromID("github-issues.opened-abcd1234"); got != "abcd1234" {
		t.Fatalf("ShortHashFromID = %q", got)
	}
	if got := ShortHashFromID("bare"); got != "bare" {
		t.Fatalf("ShortHashFromID without dash = %q", got)
	}
}

func TestTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{errors.New("fatal: unable to access 'https://x': Could not resolve host"), true},
		{errors.New("fatal: Unable to create '.git/index.lock': File exists"), true},
		{errors.New("remote returned 503 Service Unavailable"), true},
		{errors.New("push timed out"), true},
		{errors.New("remote: Permission denied"), false},
		{errors.New("authentication failed for origin"), false},
		// 403 wins over the transient-looking "unable to access".
		{errors.New("unable to access: The requested URL returned error: 403"), false},
		{errors.New("branch diverged, non-fast-forward"), false},
		{nil, false},
	}
	for _, c := range cases {
		if got := Transient(c.err); got != c.want {
			t.Errorf("Transient(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestClassifyRetryability(t *testing.T) {
	if info := Classify(ErrAgentTimeout, errors.New("agent exceeded 600s")); !info.Retryable {
		t.Fatal("timeout not retryable")
	}
	if info := Classify(ErrAgentResultInvalid, errors.New("missing field success")); info.Retryable {
		t.Fatal("invalid result marked retryable")
	}
	if info := Classify(ErrPushRejected, errors.New("could not resolve host")); !info.Retryable {
		t.Fatal("transient push failure not retryable")
	}
	if info := Classify(ErrPushRejected, errors.New("non-fast-forward")); info.Retryable {
		t.Fatal("terminal push failure marked retryable")
	}
}

func TestRetryBackoffLadder(t *testing.T) {
	want := []time.Duration{60 * time.Second, 300 * time.Second, 900 * time.Second, 900 * time.Second}
	for attempt, d := range want {
		if got := RetryBackoff(attempt); got != d {
			t.Errorf("RetryBackoff(%d) = %s, want %s", attempt, got, d)
		}
	}
	if got := RetryBackoff(-1); got != 60*time.Second {
		t.Fatalf("RetryBackoff(-1) = %s", got)
	}
}

func TestParseAutonomyLevel(t *testing.T) {
	for _, s := range []string{"publish", "PUBLISH", " Publish ", ""} {
		level, err := ParseAutonomyLevel(s)
		if err != nil || level != AutonomyPublish {
			t.Fatalf("ParseAutonomyLevel(%q) = %s, %v", s, level, err)
		}
	}
	if _, err := ParseAutonomyLevel("yolo"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

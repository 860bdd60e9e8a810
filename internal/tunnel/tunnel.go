// Package tunnel supervises an optional ngrok subprocess that exposes the
// local HTTP listener on a public URL. Supervision only: the process is
// started, its log stream watched for the tunnel URL, and restarts happen
// with growing backoff until the daemon shuts down.
package tunnel

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	initialBackoff = 2 * time.Second
	maxBackoff     = time.Minute
	// A run that survives this long resets the backoff ladder.
	stableAfter = time.Minute
)

// Options configures the supervised tunnel.
type Options struct {
	// Binary defaults to "ngrok" on PATH.
	Binary string
	// Port is the local listener port to expose.
	Port int
	// AuthToken is passed via NGROK_AUTHTOKEN. Optional.
	AuthToken string
	// Domain pins the tunnel to a reserved domain. Optional.
	Domain string
}

// Supervisor keeps one tunnel subprocess alive.
type Supervisor struct {
	opts    Options
	backoff time.Duration
	logger  *zap.Logger

	mu        sync.Mutex
	publicURL string
}

// NewSupervisor builds a supervisor; Run does the work.
func NewSupervisor(opts Options, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Binary == "" {
		opts.Binary = "ngrok"
	}
	return &Supervisor{
		opts:    opts,
		backoff: initialBackoff,
		logger:  logger.Named("tunnel"),
	}
}

// PublicURL returns the last URL the tunnel reported, empty before the
// first successful start.
func (s *Supervisor) PublicURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publicURL
}

// Run supervises the subprocess until ctx is canceled. The error return is
// always nil today; it keeps the signature errgroup-friendly.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		started := time.Now()
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			s.logger.Info("tunnel stopped")
			return nil
		}

		if time.Since(started) >= stableAfter {
			s.backoff = initialBackoff
		}
		s.logger.Warn("tunnel exited, restarting",
			zap.Error(err),
			zap.Duration("backoff", s.backoff))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.backoff):
		}
		s.backoff *= 2
		if s.backoff > maxBackoff {
			s.backoff = maxBackoff
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context) error {
	args := []string{"http", strconv.Itoa(s.opts.Port), "--log", "stdout", "--log-format", "json"}
	if s.opts.Domain != "" {
		args = append(args, "--domain", s.opts.Domain)
	}

	cmd := exec.CommandContext(ctx, s.opts.Binary, args...)
	cmd.Env = os.Environ()
	if s.opts.AuthToken != "" {
		cmd.Env = append(cmd.Env, "NGROK_AUTHTOKEN="+s.opts.AuthToken)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return err
	}
	s.logger.Info("tunnel starting",
		zap.String("binary", s.opts.Binary),
		zap.Int("port", s.opts.Port),
		zap.String("domain", s.opts.Domain))

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		if url := tunnelURL(scanner.Text()); url != "" {
			s.mu.Lock()
			s.publicURL = url
			s.mu.Unlock()
			s.logger.Info("tunnel up", zap.String("public_url", url))
		}
	}

	return cmd.Wait()
}

// tunnelURL extracts the public URL from one ngrok JSON log line. Lines that
// are not JSON or carry no url field yield "".
func tunnelURL(line string) string {
	var fields map[string]any
	if err := json.Unmarshal([]byte(line), &fields); err != nil {
		return ""
	}
	url, _ := fields["url"].(string)
	if strings.HasPrefix(url, "https://") || strings.HasPrefix(url, "http://") {
		return url
	}
	return ""
}

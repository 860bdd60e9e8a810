// Package protocol decodes the control stream emitted by agent subprocesses
// on stdout. Free-form text is interleaved with framed commands of the form
//
//	<skybridge_command>
//	  <command>progress</command>
//	  <parametro name="porcentagem">45</parametro>
//	  <parametro name="mensagem">Analyzing handlers</parametro>
//	</skybridge_command>
//
// plus a single JSON result object emitted before the process exits. The
// scanner tolerates arbitrary read fragmentation: frames may straddle any
// number of reads and are only surfaced once complete.
package protocol

import (
	"bytes"
	"encoding/json"
	"io"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

// EventType identifies the kind of event decoded from the agent stream.
type EventType string

const (
	// EventText is a chunk of free-form agent output between frames.
	EventText EventType = "text"
	// EventLog is a structured log frame (params: mensagem, nivel).
	EventLog EventType = "log"
	// EventProgress reports completion percentage (params: porcentagem, mensagem).
	EventProgress EventType = "progress"
	// EventCheckpoint marks a durable milestone (params: mensagem).
	EventCheckpoint EventType = "checkpoint"
	// EventError reports an agent-side failure (params: mensagem, tipo).
	EventError EventType = "error"
	// EventFinalResult carries the JSON result object found at stream end.
	EventFinalResult EventType = "final_result"
)

const (
	openTag  = "<skybridge_command>"
	closeTag = "</skybridge_command>"

	// DefaultMaxFrameBytes caps a single control frame, tags included.
	// Anything larger is dropped and scanning resumes at the next opener.
	DefaultMaxFrameBytes = 50000

	readChunk = 32 * 1024
	tailLimit = 256 * 1024
)

// Event is one decoded item from the agent stream.
type Event struct {
	Type    EventType
	Text    string          // set for EventText
	Command *Command        // set for log, progress, checkpoint and error
	Result  json.RawMessage // set for EventFinalResult
}

// Command is a parsed control frame. Message and the typed fields are
// convenience views over Params with entities unescaped.
type Command struct {
	Name    string
	Message string
	Level   string // log frames
	Percent int    // progress frames, clamped to [0, 100]
	Kind    string // error frames
	Params  map[string]string
}

var (
	commandRe = regexp.MustCompile(`(?s)<command>\s*(.*?)\s*</command>`)
	paramRe   = regexp.MustCompile(`(?s)<parametro\s+name="([^"]*)"\s*>(.*?)</parametro>`)

	// Argument order matters: specific entities first so "&amp;lt;" decodes
	// to the literal "&lt;" rather than "<".
	entities = strings.NewReplacer(
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&apos;", "'",
		"&amp;", "&",
	)
)

// Scanner decodes agent output into an ordered stream of events. It is not
// safe for concurrent use; one goroutine owns the subprocess stdout.
type Scanner struct {
	r      io.Reader
	logger *zap.Logger

	// MaxFrameBytes may be raised or lowered before the first call to Next.
	MaxFrameBytes int

	buf     []byte
	readBuf []byte
	tail    []byte
	eof     bool
	resync  bool
	done    bool
	skipped int
}

// NewScanner wraps the subprocess stdout stream.
func NewScanner(r io.Reader, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{
		r:             r,
		logger:        logger,
		MaxFrameBytes: DefaultMaxFrameBytes,
	}
}

// Skipped reports how many frames were dropped as oversized, unterminated
// or unparseable.
func (s *Scanner) Skipped() int { return s.skipped }

// Next returns the next event in stream order. After the underlying reader
// is drained it surfaces the final JSON result, if one was emitted, and then
// returns io.EOF.
func (s *Scanner) Next() (Event, error) {
	open := []byte(openTag)
	for {
		if s.resync {
			if i := bytes.Index(s.buf, open); i >= 0 {
				s.buf = s.buf[i:]
				s.resync = false
			} else {
				if len(s.buf) > len(open)-1 {
					s.buf = s.buf[len(s.buf)-(len(open)-1):]
				}
				if s.eof {
					s.buf = nil
					return s.finish()
				}
				if err := s.fill(); err != nil {
					return Event{}, err
				}
				continue
			}
		}

		i := bytes.Index(s.buf, open)
		switch {
		case i > 0:
			// Text up to the opener is terminal, stray partial runes and
			// all. The opener itself is ASCII so no rune can span into it.
			return Event{Type: EventText, Text: s.takeText(i)}, nil

		case i == 0:
			ev, ok, err := s.scanFrame()
			if err != nil {
				return Event{}, err
			}
			if ok {
				return ev, nil
			}
			if s.done {
				return s.finish()
			}

		default:
			// No opener in the buffer. Hold back enough bytes to catch an
			// opener that straddles the next read, and stop at a rune
			// boundary so multibyte sequences stay whole.
			hold := len(open) - 1
			if n := len(s.buf) - hold; n > 0 {
				if n = completePrefix(s.buf[:n]); n > 0 {
					return Event{Type: EventText, Text: s.takeText(n)}, nil
				}
			}
			if s.eof {
				if len(s.buf) > 0 {
					return Event{Type: EventText, Text: s.takeText(len(s.buf))}, nil
				}
				return s.finish()
			}
			if err := s.fill(); err != nil {
				return Event{}, err
			}
		}
	}
}

// scanFrame handles a buffer that starts with an opener. It returns the
// decoded event, or ok=false when the caller should keep scanning. s.done is
// set when the stream ended inside an unterminated frame.
func (s *Scanner) scanFrame() (Event, bool, error) {
	// The closer must land within the frame budget; searching further would
	// let one runaway frame swallow everything behind it.
	span := s.buf
	if len(span) > s.MaxFrameBytes {
		span = span[:s.MaxFrameBytes]
	}
	if j := bytes.Index(span, []byte(closeTag)); j >= 0 {
		end := j + len(closeTag)
		frame := make([]byte, end)
		copy(frame, s.buf[:end])
		s.buf = s.buf[end:]

		cmd, ok := parseFrame(frame)
		if !ok {
			s.skipped++
			s.logger.Warn("dropping unparseable control frame", zap.Int("bytes", end))
			return Event{}, false, nil
		}
		et, ok := eventTypeFor(cmd.Name)
		if !ok {
			s.skipped++
			s.logger.Debug("dropping unknown control command", zap.String("command", cmd.Name))
			return Event{}, false, nil
		}
		return Event{Type: et, Command: cmd}, true, nil
	}

	if len(s.buf) >= s.MaxFrameBytes {
		// Over budget with no closer in sight. Drop the opener and resume
		// at the next one.
		s.skipped++
		s.logger.Warn("dropping oversized control frame",
			zap.Int("buffered", len(s.buf)),
			zap.Int("limit", s.MaxFrameBytes))
		s.buf = s.buf[len(openTag):]
		s.resync = true
		return Event{}, false, nil
	}
	if s.eof {
		s.skipped++
		s.logger.Warn("stream ended inside a control frame", zap.Int("buffered", len(s.buf)))
		s.buf = nil
		s.done = true
		return Event{}, false, nil
	}
	if err := s.fill(); err != nil {
		return Event{}, false, err
	}
	return Event{}, false, nil
}

// takeText consumes exactly n buffered bytes as free-form text. Invalid
// sequences are replaced with U+FFFD.
func (s *Scanner) takeText(n int) string {
	text := strings.ToValidUTF8(string(s.buf[:n]), "�")
	s.buf = s.buf[n:]
	s.remember(text)
	return text
}

func (s *Scanner) remember(text string) {
	s.tail = append(s.tail, text...)
	if len(s.tail) > tailLimit {
		s.tail = s.tail[len(s.tail)-tailLimit:]
	}
}

func (s *Scanner) fill() error {
	if s.readBuf == nil {
		s.readBuf = make([]byte, readChunk)
	}
	n, err := s.r.Read(s.readBuf)
	if n > 0 {
		s.buf = append(s.buf, s.readBuf[:n]...)
	}
	if err == io.EOF {
		s.eof = true
		return nil
	}
	return err
}

func (s *Scanner) finish() (Event, error) {
	if s.done && len(s.tail) == 0 {
		return Event{}, io.EOF
	}
	s.done = true
	if len(s.tail) == 0 {
		return Event{}, io.EOF
	}
	raw, ok := lastJSONObject(s.tail)
	s.tail = nil
	if !ok {
		return Event{}, io.EOF
	}
	return Event{Type: EventFinalResult, Result: raw}, nil
}

func eventTypeFor(name string) (EventType, bool) {
	switch name {
	case "log":
		return EventLog, true
	case "progress":
		return EventProgress, true
	case "checkpoint":
		return EventCheckpoint, true
	case "error":
		return EventError, true
	}
	return "", false
}

func parseFrame(frame []byte) (*Command, bool) {
	body := frame[len(openTag) : len(frame)-len(closeTag)]

	m := commandRe.FindSubmatch(body)
	if m == nil {
		return nil, false
	}
	cmd := &Command{
		Name:   strings.ToLower(string(m[1])),
		Params: make(map[string]string),
	}
	for _, pm := range paramRe.FindAllSubmatch(body, -1) {
		key := string(pm[1])
		val := strings.ToValidUTF8(entities.Replace(string(pm[2])), "�")
		cmd.Params[key] = val
	}

	cmd.Message = cmd.Params["mensagem"]
	cmd.Level = strings.ToLower(cmd.Params["nivel"])
	cmd.Kind = cmd.Params["tipo"]
	if raw, ok := cmd.Params["porcentagem"]; ok {
		pct, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(raw), "%"))
		if err == nil {
			cmd.Percent = min(max(pct, 0), 100)
		}
	}
	return cmd, true
}

// completePrefix returns the longest prefix of b that does not end in a
// truncated multibyte sequence.
func completePrefix(b []byte) int {
	n := len(b)
	for back := 1; back <= utf8.UTFMax && back <= n; back++ {
		i := n - back
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return n
		}
		return i
	}
	return n
}

// lastJSONObject scans text for standalone JSON objects and returns the last
// one. Objects nested inside an earlier object are skipped, so a result that
// itself contains braces is returned whole.
func lastJSONObject(b []byte) (json.RawMessage, bool) {
	var last json.RawMessage
	for i := 0; i < len(b); {
		j := bytes.IndexByte(b[i:], '{')
		if j < 0 {
			break
		}
		start := i + j
		dec := json.NewDecoder(bytes.NewReader(b[start:]))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err == nil && len(raw) > 0 && raw[0] == '{' {
			last = append(json.RawMessage(nil), raw...)
			i = start + int(dec.InputOffset())
		} else {
			i = start + 1
		}
	}
	return last, last != nil
}

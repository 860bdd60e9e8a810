package agent

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

// defaultTemplate keeps the daemon usable when no prompt file is installed.
var defaultTemplate = promptTemplate{
	Role: "You are an autonomous software agent working in the repository checkout at {worktree_path} on branch {branch_name}.",
	Instructions: []string{
		"Resolve the {skill} task for issue #{issue_number} from {source}: {issue_title}",
		"Issue description: {issue_body}",
		"Report progress with <skybridge_command> frames as you work.",
		"Finish by printing a single JSON object with the fields success, changes_made, files_created, files_modified, files_deleted, commit_hash, pr_url and message.",
	},
	Rules: []string{
		"Work only inside {worktree_path}.",
		"Reason about the code in front of you; do not answer from pattern heuristics.",
		"Never push or open pull requests yourself; the dispatcher owns publication.",
	},
}

// promptTemplate is the template section of system_prompt.json.
type promptTemplate struct {
	Role         string   `json:"role"`
	Instructions []string `json:"instructions"`
	Rules        []string `json:"rules"`
}

func (t promptTemplate) empty() bool {
	return t.Role == "" && len(t.Instructions) == 0 && len(t.Rules) == 0
}

// compose flattens the structured template into the prompt text streamed to
// the agent, still carrying its {placeholders}.
func (t promptTemplate) compose() string {
	var b strings.Builder
	b.WriteString(t.Role)
	if len(t.Instructions) > 0 {
		b.WriteString("\n\nInstructions:\n")
		for i, line := range t.Instructions {
			fmt.Fprintf(&b, "%d. %s\n", i+1, line)
		}
	}
	if len(t.Rules) > 0 {
		b.WriteString("\nRules:\n")
		for _, line := range t.Rules {
			b.WriteString("- ")
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

type promptFile struct {
	Version  string         `json:"version"`
	Template promptTemplate `json:"template"`
}

// Renderer turns the system prompt template into a concrete prompt for one
// job. Rendered prompts are cached by content address so identical contexts
// reuse the same bytes across invocations.
type Renderer struct {
	mu       sync.Mutex
	version  string
	template string
	cache    map[string]string
	logger   *zap.Logger
}

// NewRenderer loads the prompt template from path. A missing file falls back
// to the built-in template; a present but malformed one is an error.
func NewRenderer(path string, logger *zap.Logger) (*Renderer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Renderer{
		version:  "builtin",
		template: defaultTemplate.compose(),
		cache:    make(map[string]string),
		logger:   logger.Named("prompt"),
	}
	if path == "" {
		return r, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		r.logger.Info("no prompt template file, using built-in", zap.String("path", path))
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading prompt template: %w", err)
	}

	var file promptFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing prompt template %s: %w", path, err)
	}
	if file.Template.empty() {
		return nil, fmt.Errorf("prompt template %s has no role, instructions or rules", path)
	}
	r.template = file.Template.compose()
	if file.Version != "" {
		r.version = file.Version
	}
	r.logger.Info("prompt template loaded",
		zap.String("path", path),
		zap.String("version", r.version))
	return r, nil
}

// Render substitutes {key} placeholders with vars and returns the prompt and
// its content digest. Placeholders with no matching var stay literal.
func (r *Renderer) Render(vars map[string]string) (string, string) {
	digest := r.digest(vars)

	r.mu.Lock()
	defer r.mu.Unlock()
	if prompt, ok := r.cache[digest]; ok {
		return prompt, digest
	}

	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	prompt := strings.NewReplacer(pairs...).Replace(r.template)

	if len(r.cache) >= 256 {
		r.cache = make(map[string]string)
	}
	r.cache[digest] = prompt
	return prompt, digest
}

// digest content-addresses a rendering: template version plus every var in
// a stable order.
func (r *Renderer) digest(vars map[string]string) string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := blake3.New()
	h.Write([]byte(r.version))
	h.Write([]byte{0})
	h.Write([]byte(r.template))
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(vars[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Package skills holds the catalog of agent skills: what each skill is for,
// how long its agent may run, where its work lands on the kanban board and
// which autonomy level it defaults to. A built-in set ships with the binary
// and an optional skills.yaml file can add or override entries.
package skills

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultSkill is assumed when an event names no skill or an unknown one.
	DefaultSkill = "resolve-issue"
	// DefaultTimeoutSeconds bounds skills with no timeout of their own.
	DefaultTimeoutSeconds = 600
)

// Skill describes one agent capability.
type Skill struct {
	Name           string `yaml:"name" json:"name"`
	Description    string `yaml:"description" json:"description"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
	KanbanList     string `yaml:"kanban_list" json:"kanban_list,omitempty"`
	Autonomy       string `yaml:"autonomy" json:"autonomy,omitempty"`
}

// Timeout returns the skill's execution budget.
func (s Skill) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return DefaultTimeoutSeconds * time.Second
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

func builtins() map[string]Skill {
	list := []Skill{
		{Name: "hello-world", Description: "Smoke test: touch a file and report back", TimeoutSeconds: 60, KanbanList: "Em Andamento"},
		{Name: "bug-simple", Description: "Fix a well-scoped bug with an obvious reproduction", TimeoutSeconds: 300, KanbanList: "Em Andamento"},
		{Name: "bug-complex", Description: "Fix a bug that needs investigation across packages", TimeoutSeconds: 600, KanbanList: "Em Andamento"},
		{Name: "refactor", Description: "Restructure code without changing behavior", TimeoutSeconds: 900, KanbanList: "Em Andamento"},
		{Name: "resolve-issue", Description: "General issue resolution from intake to pull request", TimeoutSeconds: 600, KanbanList: "Em Andamento"},
		{Name: "analyze-issue", Description: "Read-only analysis of an issue, no code changes", TimeoutSeconds: 600, KanbanList: "Brainstorm", Autonomy: "ANALYSIS"},
		{Name: "review-issue", Description: "Review work already produced for an issue", TimeoutSeconds: 600, KanbanList: "Em Revisão", Autonomy: "REVIEW"},
		{Name: "publish-issue", Description: "Publish finished work: push and open the pull request", TimeoutSeconds: 600, KanbanList: "Publicar", Autonomy: "PUBLISH"},
	}
	out := make(map[string]Skill, len(list))
	for _, s := range list {
		out[s.Name] = s
	}
	return out
}

// Catalog resolves skill names to their definitions. Lookups of unknown
// names fall back to the default skill so a typo in a webhook label never
// strands a job.
type Catalog struct {
	mu     sync.RWMutex
	skills map[string]Skill
	logger *zap.Logger
}

// NewCatalog returns a catalog holding only the built-in skills.
func NewCatalog(logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{skills: builtins(), logger: logger.Named("skills")}
}

type catalogFile struct {
	Skills []Skill `yaml:"skills"`
}

// Load builds a catalog from the built-ins overlaid with the YAML file at
// path. A missing file is not an error; the built-ins alone apply.
func Load(path string, logger *zap.Logger) (*Catalog, error) {
	c := NewCatalog(logger)
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		c.logger.Info("no skill catalog file, using built-ins", zap.String("path", path))
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading skill catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing skill catalog %s: %w", path, err)
	}
	for _, s := range file.Skills {
		if s.Name == "" {
			return nil, fmt.Errorf("skill catalog %s: entry with empty name", path)
		}
		if prev, ok := c.skills[s.Name]; ok {
			// Overlay entries may leave fields empty to inherit the built-in.
			if s.Description == "" {
				s.Description = prev.Description
			}
			if s.TimeoutSeconds <= 0 {
				s.TimeoutSeconds = prev.TimeoutSeconds
			}
			if s.KanbanList == "" {
				s.KanbanList = prev.KanbanList
			}
			if s.Autonomy == "" {
				s.Autonomy = prev.Autonomy
			}
		}
		c.skills[s.Name] = s
	}
	c.logger.Info("skill catalog loaded",
		zap.String("path", path),
		zap.Int("overlay", len(file.Skills)),
		zap.Int("total", len(c.skills)))
	return c, nil
}

// Known reports whether name is in the catalog.
func (c *Catalog) Known(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.skills[name]
	return ok
}

// Resolve returns the definition for name. Unknown names resolve to the
// default skill.
func (c *Catalog) Resolve(name string) Skill {
	c.mu.RLock()
	s, ok := c.skills[name]
	c.mu.RUnlock()
	if ok {
		return s
	}
	c.logger.Warn("unknown skill, falling back to default",
		zap.String("skill", name),
		zap.String("default", DefaultSkill))
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.skills[DefaultSkill]
}

// Timeout resolves the execution budget for a skill. An explicit override
// wins over the per-skill value, which wins over the global default.
func (c *Catalog) Timeout(name string, override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return c.Resolve(name).Timeout()
}

// List returns all skills sorted by name.
func (c *Catalog) List() []Skill {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Skill, 0, len(c.skills))
	for _, s := range c.skills {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

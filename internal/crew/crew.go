package crew

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/RegardV/JournalCraftCrew-sub002/internal/journal"
)

// Agent names as they appear in progress events.
const (
	AgentResearcher = "researcher"
	AgentOutliner   = "outliner"
	AgentWriter     = "writer"
	AgentEditor     = "editor"
)

// Document is the result payload of a completed journal job.
type Document struct {
	Topic       string            `json:"topic"`
	Style       string            `json:"style"`
	Title       string            `json:"title"`
	Outline     []string          `json:"outline"`
	Content     string            `json:"content"`
	WordCount   int               `json:"word_count"`
	Pages       int               `json:"pages"`
	Tags        map[string]string `json:"tags,omitempty"`
	GeneratedAt time.Time         `json:"generated_at"`
}

// Crew builds pipeline work units around one generator. It implements
// journal.WorkUnitFactory.
type Crew struct {
	gen    Generator
	clock  journal.Clock
	logger *zap.Logger
}

var _ journal.WorkUnitFactory = (*Crew)(nil)

// NewCrew constructs the factory.
func NewCrew(gen Generator, clock journal.Clock, logger *zap.Logger) *Crew {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Crew{gen: gen, clock: clock, logger: logger}
}

// New returns a pipeline work unit bound to the job's parameters.
func (c *Crew) New(params journal.JobParameters) journal.WorkUnit {
	return &pipeline{
		gen:    c.gen,
		clock:  c.clock,
		params: params,
		logger: c.logger,
	}
}

// pipeline runs the four agents in order, reporting a phase boundary
// before each one.
type pipeline struct {
	gen    Generator
	clock  journal.Clock
	params journal.JobParameters
	logger *zap.Logger
}

func (p *pipeline) Run(ctx context.Context, rep journal.Reporter) (json.RawMessage, error) {
	doc := Document{
		Topic: p.params.Topic,
		Style: p.params.Style,
		Tags:  p.params.Tags,
	}

	if err := p.phase(ctx, rep, AgentResearcher, "researching topic", 5); err != nil {
		return nil, err
	}
	research, err := p.generate(ctx, AgentResearcher, researcherSystem,
		fmt.Sprintf("Collect key facts, angles, and context for a journal entry about: %s", p.params.Topic))
	if err != nil {
		return nil, fmt.Errorf("researcher: %w", err)
	}

	if err := p.phase(ctx, rep, AgentOutliner, "outlining sections", 30); err != nil {
		return nil, err
	}
	outline, err := p.generate(ctx, AgentOutliner, outlinerSystem,
		fmt.Sprintf("Using these research notes, produce %d section headings, one per line, for a journal entry about %q:\n\n%s",
			p.sectionCount(), p.params.Topic, research))
	if err != nil {
		return nil, fmt.Errorf("outliner: %w", err)
	}
	doc.Outline = splitLines(outline, p.sectionCount())

	if err := p.phase(ctx, rep, AgentWriter, "drafting content", 55); err != nil {
		return nil, err
	}
	draft, err := p.generate(ctx, AgentWriter, writerSystem,
		fmt.Sprintf("Write a journal entry about %q in a %s style, following this outline:\n\n%s",
			p.params.Topic, p.styleOrDefault(), strings.Join(doc.Outline, "\n")))
	if err != nil {
		return nil, fmt.Errorf("writer: %w", err)
	}

	if err := p.phase(ctx, rep, AgentEditor, "editing draft", 80); err != nil {
		return nil, err
	}
	final, err := p.generate(ctx, AgentEditor, editorSystem,
		fmt.Sprintf("Edit this draft for clarity and flow, keeping the %s style. Return only the finished text.\n\n%s",
			p.styleOrDefault(), draft))
	if err != nil {
		return nil, fmt.Errorf("editor: %w", err)
	}

	doc.Title = titleFrom(final, p.params.Topic)
	doc.Content = final
	doc.WordCount = len(strings.Fields(final))
	doc.Pages = pageCount(doc.WordCount)
	doc.GeneratedAt = p.clock.Now()

	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	return payload, nil
}

// phase reports an agent boundary before its work begins.
func (p *pipeline) phase(ctx context.Context, rep journal.Reporter, agent, label string, percent int) error {
	return rep.Report(ctx, journal.Update{
		Percent: percent,
		Label:   label,
		Agent:   agent,
	})
}

func (p *pipeline) generate(ctx context.Context, agent, system, prompt string) (string, error) {
	start := time.Now()
	out, err := p.gen.Generate(ctx, system, prompt)
	if err != nil {
		return "", err
	}
	p.logger.Debug("agent finished",
		zap.String("agent", agent),
		zap.Int("output_chars", len(out)),
		zap.Duration("took", time.Since(start)))
	return out, nil
}

func (p *pipeline) sectionCount() int {
	if p.params.Sections > 0 {
		return p.params.Sections
	}
	return 3
}

func (p *pipeline) styleOrDefault() string {
	if p.params.Style != "" {
		return p.params.Style
	}
	return "reflective"
}

const (
	researcherSystem = "You are a research assistant. Reply with concise factual notes, one point per line."
	outlinerSystem   = "You are an outline planner. Reply with section headings only, one per line, no numbering."
	writerSystem     = "You are a journal writer. Reply with the entry text only."
	editorSystem     = "You are a copy editor. Reply with the edited text only."
)

// splitLines returns up to max non-empty trimmed lines.
func splitLines(s string, max int) []string {
	lines := make([]string, 0, max)
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lines = append(lines, line)
		if len(lines) == max {
			break
		}
	}
	return lines
}

// pageCount estimates printed pages at 250 words per page, minimum 1.
func pageCount(words int) int {
	pages := (words + 249) / 250
	if pages < 1 {
		pages = 1
	}
	return pages
}

// titleFrom uses the first non-empty line of the text, falling back to
// the topic.
func titleFrom(text, topic string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.Trim(line, "# "))
		if line != "" {
			if len(line) > 100 {
				line = line[:100]
			}
			return line
		}
	}
	return topic
}

package crew

import (
	"context"
	"fmt"
	"strings"
)

// StaticGenerator is the offline stand-in used when no API key is
// configured and in tests. Output is deterministic for a given prompt.
type StaticGenerator struct{}

var _ Generator = StaticGenerator{}

// NewStaticGenerator returns the offline generator.
func NewStaticGenerator() StaticGenerator { return StaticGenerator{} }

// Generate echoes a short deterministic passage derived from the prompt.
func (StaticGenerator) Generate(_ context.Context, _ string, prompt string) (string, error) {
	subject := prompt
	if i := strings.IndexByte(subject, '\n'); i >= 0 {
		subject = subject[:i]
	}
	if len(subject) > 120 {
		subject = subject[:120]
	}
	return fmt.Sprintf("[offline] %s\n\nGenerated without a model provider.", strings.TrimSpace(subject)), nil
}

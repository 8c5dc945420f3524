// Package uuid generates job identifiers backed by UUIDv7, which sorts
// roughly by creation time.
package uuid

import (
	"fmt"

	guuid "github.com/google/uuid"

	"github.com/RegardV/JournalCraftCrew-sub002/internal/journal"
)

// Generator produces UUIDv7 identifiers.
type Generator struct{}

var _ journal.IDGenerator = Generator{}

// New returns a UUIDv7 generator.
func New() Generator { return Generator{} }

// NewID returns a fresh UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := guuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("uuidv7: %w", err)
	}
	return id.String(), nil
}

// Package system provides the wall-clock implementation of journal.Clock.
package system

import (
	"time"

	"github.com/RegardV/JournalCraftCrew-sub002/internal/journal"
)

// Clock reads the system wall clock.
type Clock struct{}

var _ journal.Clock = Clock{}

// New returns a system clock.
func New() Clock { return Clock{} }

// Now returns the current time in UTC.
func (Clock) Now() time.Time { return time.Now().UTC() }

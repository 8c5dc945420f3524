// Package journal defines the domain types and interfaces shared by the
// job lifecycle engine: job records, work units, and the small seams
// (clock, id generation, publishing) that keep components testable.
package journal

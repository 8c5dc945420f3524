// Package progress defines the sequenced event stream a job emits and the
// two fan-out primitives built on it: the per-job Broadcaster that feeds
// live subscribers, and the process-wide Hub that mirrors events to sinks
// (logs, metrics, external publishers).
package progress

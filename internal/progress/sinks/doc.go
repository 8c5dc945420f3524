// Package sinks provides Sink implementations for the progress mirror hub.
package sinks

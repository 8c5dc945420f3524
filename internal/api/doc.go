// Package api exposes the HTTP interface for the journal service: job
// submission and inspection under /v1/journals plus the WebSocket
// progress stream.
package api

// Package api exposes the dialogue orchestrator over HTTP: sending a message
// in a conversation, reading a conversation snapshot, cancelling a pending
// confirmation, plus health and Prometheus endpoints.
package api

// Package domain contains core domain types for the answerstream service.
package domain

import (
	"errors"
	"time"
)

// Sentinel errors shared across packages. Use errors.Is to match.
var (
	// ErrThreadNotFound indicates the thread id is unknown to the store.
	ErrThreadNotFound = errors.New("thread not found")
	// ErrThreadDeleted indicates the thread was explicitly deleted and may not be reused.
	ErrThreadDeleted = errors.New("thread was deleted")
	// ErrTimeout indicates the workflow produced no terminal event within the watchdog window.
	ErrTimeout = errors.New("request timeout")
	// ErrUpstream indicates the workflow engine failed mid-stream.
	ErrUpstream = errors.New("workflow execution failed")
	// ErrEmptyResponse indicates the workflow finished without any assistant text.
	ErrEmptyResponse = errors.New("no response was generated")
	// ErrCancelled indicates the caller went away before a terminal event.
	ErrCancelled = errors.New("stream cancelled")
)

// ThreadMetadata describes one conversation.
// The JSON shape is the thread backup file format.
type ThreadMetadata struct {
	ThreadID     string    `json:"threadId"`
	Name         string    `json:"name"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	MessageCount int       `json:"messageCount"`
	FirstMessage string    `json:"firstMessage,omitempty"`
}

// Provisional returns true if no exchange has completed on the thread yet.
func (t *ThreadMetadata) Provisional() bool {
	return t.MessageCount == 0
}

// ThreadStats aggregates counts over all known threads.
type ThreadStats struct {
	Total           int             `json:"total"`
	Oldest          *ThreadMetadata `json:"oldest,omitempty"`
	Newest          *ThreadMetadata `json:"newest,omitempty"`
	MostActive      *ThreadMetadata `json:"mostActive,omitempty"`
	AverageMessages float64         `json:"averageMessages"`
}

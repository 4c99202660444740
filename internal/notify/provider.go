// Package notify pushes alarm lifecycle events to external channels. Each
// provider is wrapped behind an AlarmNotifier that subscribes to the bus.
package notify

import (
	"context"
	"time"
)

// Notification is the outbound shape of one alarm lifecycle event.
type Notification struct {
	Event     string    `json:"event"`
	CID       string    `json:"cid"`
	Message   string    `json:"message,omitempty"`
	Severity  int       `json:"severity"`
	Occurence int64     `json:"occurence,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Provider sends notifications through a specific channel.
type Provider interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Package dispatch owns the lifecycle of queue items from enqueue to reply:
// per-serialization-key FIFO ordering, classification, lesson injection,
// reasoner invocation, outcome recording, and reply delivery.
package dispatch

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// PayloadKind distinguishes what a queue item carries.
type PayloadKind string

const (
	PayloadCommand PayloadKind = "command"
	PayloadSlash   PayloadKind = "slash"
	PayloadImage   PayloadKind = "image"
	PayloadMedia   PayloadKind = "media"
)

// Status is a queue item's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusBlocked   Status = "blocked"
)

// Item priorities: lower values run first. Slash commands jump the queue.
const (
	PrioritySlash   = 1
	PriorityDefault = 10
)

// Item is one unit of work flowing through the pipeline.
type Item struct {
	ID               string
	SerializationKey string
	PersonaID        string
	ChatID           string
	SenderID         string
	DisplayName      string
	PayloadText      string
	PayloadKind      PayloadKind
	Priority         int

	EnqueuedAt  time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	mu           sync.Mutex
	status       Status
	statusReason string
	attempts     int
	approved     bool
	seq          uint64
}

// NewItem builds a pending item with a fresh id. Slash-prefixed payloads get
// elevated priority.
func NewItem(key, personaID, chatID, senderID, displayName, payload string, kind PayloadKind) *Item {
	priority := PriorityDefault
	if kind == PayloadSlash {
		priority = PrioritySlash
	}
	return &Item{
		ID:               uuid.NewString(),
		SerializationKey: key,
		PersonaID:        personaID,
		ChatID:           chatID,
		SenderID:         senderID,
		DisplayName:      displayName,
		PayloadText:      payload,
		PayloadKind:      kind,
		Priority:         priority,
		EnqueuedAt:       time.Now(),
		status:           StatusPending,
	}
}

// Status returns the item's current state.
func (it *Item) Status() Status {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.status
}

// StatusReason returns the explanation attached to the current state.
func (it *Item) StatusReason() string {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.statusReason
}

func (it *Item) setStatus(s Status, reason string) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.status = s
	it.statusReason = reason
}

// markApproved flags the item to skip classification on its next run.
func (it *Item) markApproved() {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.approved = true
	it.status = StatusPending
	it.statusReason = ""
}

func (it *Item) isApproved() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.approved
}

func (it *Item) nextAttempt() int {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.attempts++
	return it.attempts
}

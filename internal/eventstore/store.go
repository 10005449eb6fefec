// Package eventstore persists webhook events and enforces their state
// machine. Every transition is a compare-and-swap on (id, state, claimed_at)
// so a worker that lost its claim to the reaper cannot overwrite the event.
package eventstore

import (
	"context"
	"errors"
	"time"

	"ledgerwatch.io/ledgerwatch/internal/domain"
)

var (
	// ErrNotFound is returned when no event has the given id.
	ErrNotFound = errors.New("event not found")
	// ErrQueueEmpty is returned by ClaimNext when nothing is claimable.
	ErrQueueEmpty = errors.New("no claimable event")
	// ErrStateConflict is returned when a transition's precondition no longer holds.
	ErrStateConflict = errors.New("event state changed concurrently")
)

// ListFilter selects events for listing. Zero fields are ignored.
type ListFilter struct {
	States       []domain.EventState
	EventTypes   []domain.EventType
	ReceivedFrom time.Time // inclusive
	ReceivedTo   time.Time // exclusive
	Limit        int
	NewestFirst  bool
}

// Store is the durable event queue.
type Store interface {
	// Insert persists a queued event unless one with the same external id
	// exists. It returns the stored row and whether it was created.
	Insert(ctx context.Context, e *domain.WebhookEvent) (*domain.WebhookEvent, bool, error)
	Get(ctx context.Context, id string) (*domain.WebhookEvent, error)

	// ClaimNext moves the oldest available queued event to processing.
	ClaimNext(ctx context.Context, now time.Time) (*domain.WebhookEvent, error)
	// Claim moves a specific queued event to processing.
	Claim(ctx context.Context, id string, now time.Time) (*domain.WebhookEvent, error)

	// Complete records success for a claimed event.
	Complete(ctx context.Context, e *domain.WebhookEvent, processedAt time.Time, durationMs int64) error
	// Requeue returns a claimed event to the queue with the given attempt
	// count, schedule and error.
	Requeue(ctx context.Context, e *domain.WebhookEvent, attempts int, availableAt time.Time, lastError string) error
	// Kill dead-letters a claimed event.
	Kill(ctx context.Context, e *domain.WebhookEvent, attempts int, at time.Time, lastError string) error
	// ReapStuck requeues events claimed before the cutoff without
	// consuming an attempt, and returns their ids.
	ReapStuck(ctx context.Context, claimedBefore, now time.Time) ([]string, error)

	List(ctx context.Context, f ListFilter) ([]*domain.WebhookEvent, error)
	CountByState(ctx context.Context) (map[domain.EventState]int64, error)
	// Health reports counts, mean duration of completed events and the age
	// of the oldest queued event.
	Health(ctx context.Context, now time.Time) (domain.QueueHealth, error)
}

// ListCompleted returns completed events received in [start, end).
func ListCompleted(ctx context.Context, s Store, start, end time.Time) ([]*domain.WebhookEvent, error) {
	return s.List(ctx, ListFilter{
		States:       []domain.EventState{domain.EventStateCompleted},
		ReceivedFrom: start,
		ReceivedTo:   end,
	})
}

// ListDead returns the most recent dead-lettered events.
func ListDead(ctx context.Context, s Store, limit int) ([]*domain.WebhookEvent, error) {
	return s.List(ctx, ListFilter{
		States:      []domain.EventState{domain.EventStateDead},
		Limit:       limit,
		NewestFirst: true,
	})
}

func sameClaim(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

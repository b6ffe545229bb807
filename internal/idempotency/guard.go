// Package idempotency records inbound provider events so each is applied once.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"nitro-bot/internal/repo"
)

// EventStore persists the write-once inbound event log.
type EventStore interface {
	InsertEvent(ctx context.Context, evt repo.InboundEvent) (bool, error)
	DeleteEvent(ctx context.Context, id string) error
}

// Event identifies one inbound update.
type Event struct {
	ID         string
	UserID     *int64
	RawPayload []byte
}

// TelegramEventID namespaces a Telegram update id.
func TelegramEventID(updateID int) string {
	if updateID <= 0 {
		return ""
	}
	return "tg:" + strconv.Itoa(updateID)
}

// Guard deduplicates inbound events against the ledger store.
type Guard struct {
	store  EventStore
	logger *slog.Logger
}

// NewGuard constructs a Guard.
func NewGuard(store EventStore, logger *slog.Logger) (*Guard, error) {
	if store == nil {
		return nil, errors.New("event store is required")
	}
	return &Guard{store: store, logger: logger.With("component", "idempotency")}, nil
}

// CheckAndMark records evt and reports whether it was seen before. Events
// without an id are never recorded and never duplicates.
func (g *Guard) CheckAndMark(ctx context.Context, evt Event) (bool, error) {
	if evt.ID == "" {
		return false, nil
	}
	inserted, err := g.store.InsertEvent(ctx, repo.InboundEvent{
		ID:         evt.ID,
		UserID:     evt.UserID,
		RawPayload: evt.RawPayload,
	})
	if err != nil {
		return false, fmt.Errorf("mark event: %w", err)
	}
	if !inserted {
		g.logger.Info("duplicate event skipped", "event_id", evt.ID)
	}
	return !inserted, nil
}

// Release forgets an event so a provider retry is processed again. Used when
// handling failed before any state was committed.
func (g *Guard) Release(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	if err := g.store.DeleteEvent(ctx, id); err != nil {
		return fmt.Errorf("release event: %w", err)
	}
	return nil
}

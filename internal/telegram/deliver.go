package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"nitro-bot/internal/repo"
)

// BlobReader returns decrypted product contents.
type BlobReader interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Sender is the subset of Client used for delivery.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string, kb Keyboard) error
	SendDocument(ctx context.Context, chatID int64, name string, data []byte, caption string) error
}

// Deliverer hands purchased products to buyers.
type Deliverer struct {
	blobs  BlobReader
	sender Sender
	logger *slog.Logger
}

// NewDeliverer constructs a Deliverer.
func NewDeliverer(blobs BlobReader, sender Sender, logger *slog.Logger) *Deliverer {
	return &Deliverer{blobs: blobs, sender: sender, logger: logger.With("component", "delivery")}
}

// Deliver decrypts the product content in memory and sends it to chatID.
func (d *Deliverer) Deliver(ctx context.Context, chatID int64, p repo.Product) error {
	content, err := d.blobs.Get(ctx, p.BlobKey)
	if err != nil {
		return fmt.Errorf("load product content: %w", err)
	}
	caption := fmt.Sprintf("Here is your purchase: %s", p.Name)

	switch p.ContentKind {
	case repo.ContentText:
		text := caption + "\n\n" + strings.TrimSpace(string(content))
		if err := d.sender.SendText(ctx, chatID, text, nil); err != nil {
			return err
		}
	default:
		name := p.FileName
		if name == "" {
			name = fmt.Sprintf("product-%d", p.ID)
		}
		if err := d.sender.SendDocument(ctx, chatID, name, content, caption); err != nil {
			return err
		}
	}
	d.logger.Info("product delivered", "product_id", p.ID, "chat_id", chatID)
	return nil
}

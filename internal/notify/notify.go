// Package notify hands offer notices to drivers. Delivery is best-effort: the
// offer stands whether or not the driver saw it, and expires on its own.
package notify

import (
	"context"
	"errors"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrNoSession = errors.New("no ws session")

type Notifier interface {
	NotifyOffer(ctx context.Context, n models.OfferNotice) error
}

// Nop drops every notice.
type Nop struct{}

func (Nop) NotifyOffer(context.Context, models.OfferNotice) error { return nil }

// Fallback tries Primary and only uses Secondary when Primary fails.
type Fallback struct {
	Primary   Notifier
	Secondary Notifier
}

func (f *Fallback) NotifyOffer(ctx context.Context, n models.OfferNotice) error {
	err := f.Primary.NotifyOffer(ctx, n)
	if err == nil || f.Secondary == nil {
		return err
	}
	if err2 := f.Secondary.NotifyOffer(ctx, n); err2 != nil {
		return errors.Join(err, err2)
	}
	return nil
}

package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	pubnub "github.com/pubnub/go/v7"
)

type Notification struct {
	Type      string    `json:"type"`
	EventID   string    `json:"event_id"`
	RequestID string    `json:"request_id,omitempty"`
	TokenID   uint64    `json:"token_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

const (
	NotifySubmitted = "request_submitted"
	NotifyApproved  = "request_approved"
	NotifyRejected  = "request_rejected"
	NotifyMintRetry = "mint_failed"
	NotifyVerified  = "ticket_verified"
)

// Notifier pushes lifecycle updates to a requester. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, requester string, n Notification) error
}

type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string, Notification) error { return nil }

func RequesterChannel(address string) string {
	return fmt.Sprintf("user-%s", address)
}

type PubNubNotifier struct {
	pn *pubnub.PubNub
}

func NewPubNubNotifier(publishKey, subscribeKey, userID string) *PubNubNotifier {
	cfg := pubnub.NewConfigWithUserId(pubnub.UserId(userID))
	cfg.PublishKey = publishKey
	cfg.SubscribeKey = subscribeKey
	return &PubNubNotifier{pn: pubnub.NewPubNub(cfg)}
}

func (p *PubNubNotifier) Notify(ctx context.Context, requester string, n Notification) error {
	_, _, err := p.pn.PublishWithContext(ctx).
		Channel(RequesterChannel(requester)).
		Message(n).
		Execute()
	if err != nil {
		return fmt.Errorf("pubnub publish %s: %w", n.Type, err)
	}
	return nil
}

// notifyAsync publishes off the caller's path and detached from its
// cancellation.
func notifyAsync(ctx context.Context, notifier Notifier, log *slog.Logger, requester string, n Notification) {
	if notifier == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := notifier.Notify(ctx, requester, n); err != nil {
			log.Warn("Failed to publish notification", "error", err, "type", n.Type, "requester", requester)
		}
	}()
}

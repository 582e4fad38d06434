package push

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/marketlive/internal/logger"
	"github.com/marketlive/internal/repository"
)

const sendTimeout = 10 * time.Second

// Sender delivers Web Push notifications to every subscription a user has
// registered. With nil keys every call is a no-op, so callers never need to
// check whether push is configured.
type Sender struct {
	repo    *repository.PushRepository
	keys    *VAPIDKeys
	subject string
}

func NewSender(repo *repository.PushRepository, keys *VAPIDKeys, subject string) *Sender {
	return &Sender{repo: repo, keys: keys, subject: subject}
}

type notification struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Notify sends a notification to all of the user's subscriptions. Gone
// subscriptions (endpoint answered 404/410) are dropped from storage.
func (s *Sender) Notify(ctx context.Context, userID, title, body string, data map[string]string) {
	if s == nil || s.keys == nil || s.keys.PrivateKey == "" {
		return
	}
	subs, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		logger.Errorf("push notify list user=%s: %v", userID, err)
		return
	}
	if len(subs) == 0 {
		return
	}
	payload, err := json.Marshal(notification{Title: title, Body: body, Data: data})
	if err != nil {
		logger.Errorf("push notify marshal: %v", err)
		return
	}
	for _, sub := range subs {
		target := &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.P256dh, Auth: sub.Auth},
		}
		resp, err := webpush.SendNotificationWithContext(ctx, payload, target, &webpush.Options{
			Subscriber:      s.subject,
			VAPIDPublicKey:  s.keys.PublicKey,
			VAPIDPrivateKey: s.keys.PrivateKey,
			TTL:             3600,
			HTTPClient:      &http.Client{Timeout: sendTimeout},
		})
		if err != nil {
			logger.Errorf("push notify user=%s: %v", userID, err)
			continue
		}
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			if err := s.repo.Delete(ctx, sub.UserID, sub.Endpoint); err != nil {
				logger.Errorf("push drop gone subscription user=%s: %v", userID, err)
			}
		}
		resp.Body.Close()
	}
}

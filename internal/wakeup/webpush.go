package wakeup

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/petervdpas/syrja/internal/util"
)

// notice is the only body ever pushed. It names no contact on purpose: the
// push service and the OS notification layer can read it.
var notice = []byte(`{"type":"wake-up"}`)

// WebPush is a Notifier that delivers through the Web Push protocol with
// VAPID authentication.
type WebPush struct {
	store      EndpointStore
	keys       VAPIDKeys
	subscriber string
	ttl        int
	client     webpush.HTTPClient
}

// NewWebPush builds a notifier. subscriber is the VAPID contact (mailto: or
// https: URL); ttl is how long the push service may hold the notice.
func NewWebPush(store EndpointStore, keys VAPIDKeys, subscriber string, ttl time.Duration) *WebPush {
	return &WebPush{
		store:      store,
		keys:       keys,
		subscriber: subscriber,
		ttl:        int(ttl / time.Second),
		client:     &http.Client{Timeout: util.DefaultFetchTimeout},
	}
}

// PublicKey returns the VAPID application server key clients subscribe with.
func (w *WebPush) PublicKey() string { return w.keys.Public }

func (w *WebPush) Lookup(ctx context.Context, identity string) (Endpoint, error) {
	return w.store.Get(ctx, identity)
}

func (w *WebPush) Save(ctx context.Context, ep Endpoint) error {
	if err := ep.Validate(); err != nil {
		return err
	}
	if ep.UpdatedAt.IsZero() {
		ep.UpdatedAt = time.Now().UTC()
	}
	return w.store.Put(ctx, ep)
}

func (w *WebPush) Remove(ctx context.Context, identity string) error {
	return w.store.Delete(ctx, identity)
}

// Send pushes the wake-up notice. 404 and 410 from the push service mean the
// subscription has expired or was revoked and map to ErrGone.
func (w *WebPush) Send(ctx context.Context, ep Endpoint) error {
	resp, err := webpush.SendNotificationWithContext(ctx, notice, &ep.Subscription, &webpush.Options{
		HTTPClient:      w.client,
		Subscriber:      w.subscriber,
		TTL:             w.ttl,
		Urgency:         webpush.UrgencyHigh,
		VAPIDPublicKey:  w.keys.Public,
		VAPIDPrivateKey: w.keys.Private,
	})
	if err != nil {
		return fmt.Errorf("wakeup: send: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return ErrGone
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	default:
		return fmt.Errorf("wakeup: push service replied %s", resp.Status)
	}
}

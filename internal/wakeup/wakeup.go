// Package wakeup delivers a content-free wake-up notice to a peer whose app
// is not connected, so it can come online and answer a connection request.
package wakeup

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("wakeup")

var (
	ErrNoEndpoint = errors.New("wakeup: no endpoint registered")
	ErrGone       = errors.New("wakeup: endpoint no longer valid")
	ErrDisabled   = errors.New("wakeup: push disabled")
	ErrInvalid    = errors.New("wakeup: invalid subscription")
)

// Endpoint is the push subscription registered for one identity.
type Endpoint struct {
	Identity     string               `json:"identity"`
	Subscription webpush.Subscription `json:"subscription"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// Validate checks the fields a push service needs.
func (e Endpoint) Validate() error {
	if e.Identity == "" {
		return fmt.Errorf("%w: identity is required", ErrInvalid)
	}
	u, err := url.Parse(e.Subscription.Endpoint)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return fmt.Errorf("%w: endpoint must be an http(s) URL", ErrInvalid)
	}
	if strings.TrimSpace(e.Subscription.Keys.P256dh) == "" || strings.TrimSpace(e.Subscription.Keys.Auth) == "" {
		return fmt.Errorf("%w: keys.p256dh and keys.auth are required", ErrInvalid)
	}
	return nil
}

// Notifier is the contract the relay uses. Send returns ErrGone when the
// push service says the endpoint is dead; the caller then calls Remove.
type Notifier interface {
	Lookup(ctx context.Context, identity string) (Endpoint, error)
	Send(ctx context.Context, ep Endpoint) error
	Remove(ctx context.Context, identity string) error
	Save(ctx context.Context, ep Endpoint) error
}

// EndpointStore persists one endpoint per identity.
type EndpointStore interface {
	Get(ctx context.Context, identity string) (Endpoint, error)
	Put(ctx context.Context, ep Endpoint) error
	Delete(ctx context.Context, identity string) error
}

// Disabled is the Notifier used when push is not configured. Every lookup
// misses, so connection requests to offline peers are simply dropped.
type Disabled struct{}

func (Disabled) Lookup(context.Context, string) (Endpoint, error) { return Endpoint{}, ErrNoEndpoint }
func (Disabled) Send(context.Context, Endpoint) error             { return ErrDisabled }
func (Disabled) Remove(context.Context, string) error             { return nil }
func (Disabled) Save(context.Context, Endpoint) error             { return ErrDisabled }

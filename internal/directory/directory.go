// Package directory maps human-chosen identifiers to invite payloads owned by
// one identity. Uniqueness and expiry live in the Store; the Service applies
// the ownership and privacy rules on top.
package directory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/syrja/internal/proto"
	"github.com/petervdpas/syrja/internal/util"
)

var log = logging.Logger("directory")

var (
	ErrValidation = errors.New("invalid request")
	ErrConflict   = errors.New("conflict")
	ErrForbidden  = errors.New("forbidden")
	ErrNotFound   = errors.New("not found")
	ErrStore      = errors.New("store failure")
)

const (
	TemporaryTTL = 24 * time.Hour

	MaxIDLen         = 128
	MaxInviteCodeLen = 8 << 10
)

type Persistence string

const (
	Temporary Persistence = "temporary"
	Permanent Persistence = "permanent"
)

type Privacy string

const (
	Public  Privacy = "public"
	Private Privacy = "private"
)

// Record is one directory entry. ExpireAt is set only for temporary records.
type Record struct {
	ID            string
	InviteCode    string
	OwnerIdentity string
	Permanent     bool
	Privacy       Privacy
	ExpireAt      *time.Time
	UpdatedAt     time.Time
}

// ClaimRequest is the claim-id body as it comes off the wire.
type ClaimRequest struct {
	ID              string `json:"id"`
	InviteCode      string `json:"inviteCode"`
	PersistenceMode string `json:"persistenceMode"`
	Privacy         string `json:"privacy"`
	OwnerIdentity   string `json:"ownerIdentity"`
}

// OwnerView is what an owner learns about their own record.
type OwnerView struct {
	ID        string  `json:"id"`
	Permanent bool    `json:"permanent"`
	Privacy   Privacy `json:"privacy"`
}

// Store persists records. Implementations must keep ids unique, hide and
// eventually delete records whose ExpireAt has passed, and wrap driver
// failures in ErrStore.
type Store interface {
	// FindByID returns ErrNotFound when the id is absent or expired.
	FindByID(ctx context.Context, id string) (Record, error)
	FindByOwner(ctx context.Context, owner string) (Record, error)
	// Upsert writes rec at rec.ID. A nil ExpireAt leaves any stored expiry
	// unchanged.
	Upsert(ctx context.Context, rec Record) error
	ClearExpiry(ctx context.Context, id string) error
	// DeleteByOwner succeeds when the owner has no record.
	DeleteByOwner(ctx context.Context, owner string) error
	Ping(ctx context.Context) error
	Close() error
}

type Service struct {
	store Store
	clock clock.Clock
}

// NewService returns a directory service. A nil clock means the wall clock.
func NewService(store Store, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.New()
	}
	return &Service{store: store, clock: clk}
}

// Claim creates or updates the record at req.ID for req.OwnerIdentity.
func (s *Service) Claim(ctx context.Context, req ClaimRequest) (string, error) {
	id := strings.TrimSpace(req.ID)
	owner := proto.NormalizeIdentity(req.OwnerIdentity)

	for _, f := range []struct{ name, value string }{
		{"id", id},
		{"inviteCode", req.InviteCode},
		{"persistenceMode", req.PersistenceMode},
		{"privacy", req.Privacy},
		{"ownerIdentity", owner},
	} {
		if f.value == "" {
			return "", fmt.Errorf("%w: missing required field %s", ErrValidation, f.name)
		}
	}
	mode := Persistence(req.PersistenceMode)
	if mode != Temporary && mode != Permanent {
		return "", fmt.Errorf("%w: persistenceMode must be temporary or permanent", ErrValidation)
	}
	privacy := Privacy(req.Privacy)
	if privacy != Public && privacy != Private {
		return "", fmt.Errorf("%w: privacy must be public or private", ErrValidation)
	}
	switch {
	case len(id) > MaxIDLen:
		return "", fmt.Errorf("%w: id too long", ErrValidation)
	case len(req.InviteCode) > MaxInviteCodeLen:
		return "", fmt.Errorf("%w: inviteCode too long", ErrValidation)
	case len(owner) > proto.MaxIdentityLen:
		return "", fmt.Errorf("%w: ownerIdentity too long", ErrValidation)
	}

	mine, err := s.store.FindByOwner(ctx, owner)
	switch {
	case err == nil && mine.ID != id:
		return "", fmt.Errorf("%w: owns a different id", ErrConflict)
	case err != nil && !errors.Is(err, ErrNotFound):
		return "", err
	}

	existing, err := s.store.FindByID(ctx, id)
	switch {
	case err == nil && existing.OwnerIdentity != owner:
		return "", fmt.Errorf("%w: id taken", ErrConflict)
	case err != nil && !errors.Is(err, ErrNotFound):
		return "", err
	}

	now := s.clock.Now().UTC()
	rec := Record{
		ID:            id,
		InviteCode:    req.InviteCode,
		OwnerIdentity: owner,
		Permanent:     mode == Permanent,
		Privacy:       privacy,
		UpdatedAt:     now,
	}
	if mode == Temporary {
		exp := now.Add(TemporaryTTL)
		rec.ExpireAt = &exp
	}
	if err := s.store.Upsert(ctx, rec); err != nil {
		return "", err
	}
	// Not atomic with the upsert: a failure here leaves a permanent record
	// that still carries its old expiry.
	if mode == Permanent {
		if err := s.store.ClearExpiry(ctx, id); err != nil {
			return "", err
		}
	}

	log.Infow("id claimed", "id", id, "owner", util.Fingerprint(owner), "mode", mode, "privacy", privacy)
	return id, nil
}

// ResolveInvite returns the invite code stored at id unless it is private.
func (s *Service) ResolveInvite(ctx context.Context, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: id", ErrNotFound)
	}
	rec, err := s.store.FindByID(ctx, id)
	if err != nil {
		return "", err
	}
	if rec.Privacy == Private {
		return "", fmt.Errorf("%w: id is private", ErrForbidden)
	}
	return rec.InviteCode, nil
}

func (s *Service) LookupByOwner(ctx context.Context, owner string) (OwnerView, error) {
	owner = proto.NormalizeIdentity(owner)
	if owner == "" {
		return OwnerView{}, fmt.Errorf("%w: identity", ErrNotFound)
	}
	rec, err := s.store.FindByOwner(ctx, owner)
	if err != nil {
		return OwnerView{}, err
	}
	return OwnerView{ID: rec.ID, Permanent: rec.Permanent, Privacy: rec.Privacy}, nil
}

// DeleteByOwner removes the owner's record. Deleting nothing is not an error.
func (s *Service) DeleteByOwner(ctx context.Context, owner string) error {
	owner = proto.NormalizeIdentity(owner)
	if owner == "" {
		return fmt.Errorf("%w: missing required field ownerIdentity", ErrValidation)
	}
	if err := s.store.DeleteByOwner(ctx, owner); err != nil {
		return err
	}
	log.Infow("id deleted", "owner", util.Fingerprint(owner))
	return nil
}

// Ping reports whether the backing store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// StatusCode maps a directory error to its HTTP status.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Message is the client-facing text for err. Store errors are not echoed
// because they carry driver details.
func Message(err error) string {
	if StatusCode(err) == http.StatusInternalServerError {
		return ErrStore.Error()
	}
	return err.Error()
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStore, op, err)
}

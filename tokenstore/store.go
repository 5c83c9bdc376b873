// Package tokenstore keeps one tracking token per segment together with a
// time-bounded claim on that segment. Instances coordinate through the
// backend's compare-and-swap only; nothing here relies on in-process locks
// for mutual exclusion.
package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/Aarnav2440/extension-kafka/event"
	"github.com/Aarnav2440/extension-kafka/internal/config"
	"github.com/Aarnav2440/extension-kafka/internal/logging"
	"github.com/Aarnav2440/extension-kafka/internal/telemetry"
)

// ErrUnableToClaim is returned when another live owner holds a segment, or
// when a concurrent writer changed the segment first. Callers back off and
// retry later.
var ErrUnableToClaim = errors.New("tokenstore: unable to claim segment")

// ClaimError describes a failed claim.
type ClaimError struct {
	Segment      string
	Owner        string
	CurrentOwner string // empty when the segment vanished or a writer raced us
}

func (e *ClaimError) Error() string {
	if e.CurrentOwner == "" {
		return fmt.Sprintf("tokenstore: %s cannot claim %s", e.Owner, e.Segment)
	}
	return fmt.Sprintf("tokenstore: %s cannot claim %s: owned by %s", e.Owner, e.Segment, e.CurrentOwner)
}

func (e *ClaimError) Is(target error) bool { return target == ErrUnableToClaim }

// Claim is the persisted record of a segment.
type Claim struct {
	Segment   string
	Owner     string // empty: unclaimed
	ClaimedAt time.Time
	Token     event.TrackingToken
}

// Expired reports whether an owned claim went without renewal for longer
// than timeout.
func (c Claim) Expired(now time.Time, timeout time.Duration) bool {
	return c.Owner != "" && now.Sub(c.ClaimedAt) > timeout
}

// Backend is the durable single-key compare-and-swap the store builds on.
//
// Load returns nil for an absent segment. The returned version identifies
// the state observed; CompareAndSwap applies next (nil deletes) only if the
// segment is still at that version and reports whether it did. Version 0
// means "never written"; a deleted segment keeps a fresh nonzero version.
type Backend interface {
	Load(ctx context.Context, segment string) (*Claim, uint64, error)
	CompareAndSwap(ctx context.Context, segment string, version uint64, next *Claim) (bool, error)
	List(ctx context.Context) ([]Claim, error)
	Close() error
}

type Config struct {
	ClaimTimeout time.Duration
	Now          func() time.Time
}

const DefaultClaimTimeout = 10 * time.Second

// Store implements claim and token bookkeeping over a Backend.
type Store struct {
	backend Backend
	timeout time.Duration
	now     func() time.Time
	log     *slog.Logger
}

func New(backend Backend, cfg Config) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: token store needs a backend", config.ErrInvalid)
	}
	if cfg.ClaimTimeout < 0 {
		return nil, fmt.Errorf("%w: negative claim timeout", config.ErrInvalid)
	}
	if cfg.ClaimTimeout == 0 {
		cfg.ClaimTimeout = DefaultClaimTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		backend: backend,
		timeout: cfg.ClaimTimeout,
		now:     cfg.Now,
		log:     logging.L().With("component", "tokenstore"),
	}, nil
}

func (s *Store) ClaimTimeout() time.Duration { return s.timeout }

// FetchToken claims segment for owner and returns its last stored token.
// The claim succeeds when the segment is new, unclaimed, expired or already
// held by owner.
func (s *Store) FetchToken(ctx context.Context, segment, owner string) (event.TrackingToken, error) {
	cur, version, err := s.backend.Load(ctx, segment)
	if err != nil {
		return event.TrackingToken{}, s.failed("fetch", segment, err)
	}
	now := s.now()

	next := Claim{Segment: segment, Owner: owner, ClaimedAt: now}
	if cur != nil {
		if cur.Owner != "" && cur.Owner != owner && !cur.Expired(now, s.timeout) {
			return event.TrackingToken{}, s.conflict("fetch", segment, owner, cur.Owner)
		}
		if cur.Owner != "" && cur.Owner != owner {
			s.log.Info("tokenstore: taking over expired claim",
				"segment", segment, "owner", owner, "previous", cur.Owner, "claimed_at", cur.ClaimedAt)
		}
		next.Token = cur.Token
	}
	if err := s.swap(ctx, "fetch", segment, owner, version, &next); err != nil {
		return event.TrackingToken{}, err
	}
	return next.Token, nil
}

// StoreToken persists token for segment and renews the claim. The caller
// must be the recorded owner. The stored token never moves backwards.
func (s *Store) StoreToken(ctx context.Context, segment, owner string, token event.TrackingToken) error {
	cur, version, err := s.owned(ctx, "store", segment, owner)
	if err != nil {
		return err
	}
	next := *cur
	next.ClaimedAt = s.now()
	next.Token = cur.Token.UpperBound(token)
	if err := s.swap(ctx, "store", segment, owner, version, &next); err != nil {
		return err
	}
	telemetry.TokensStored.WithLabelValues(processorOf(segment)).Inc()
	return nil
}

// ExtendClaim renews the claim without touching the token.
func (s *Store) ExtendClaim(ctx context.Context, segment, owner string) error {
	cur, version, err := s.owned(ctx, "extend", segment, owner)
	if err != nil {
		return err
	}
	next := *cur
	next.ClaimedAt = s.now()
	return s.swap(ctx, "extend", segment, owner, version, &next)
}

// ReleaseClaim gives up owner's claim so others can take the segment at
// once. Releasing an unclaimed or unknown segment does nothing.
func (s *Store) ReleaseClaim(ctx context.Context, segment, owner string) error {
	cur, version, err := s.backend.Load(ctx, segment)
	if err != nil {
		return s.failed("release", segment, err)
	}
	if cur == nil || cur.Owner == "" {
		return nil
	}
	if cur.Owner != owner {
		return s.conflict("release", segment, owner, cur.Owner)
	}
	next := *cur
	next.Owner = ""
	return s.swap(ctx, "release", segment, owner, version, &next)
}

// DeleteToken removes a segment the caller owns.
func (s *Store) DeleteToken(ctx context.Context, segment, owner string) error {
	_, version, err := s.owned(ctx, "delete", segment, owner)
	if err != nil {
		return err
	}
	return s.swap(ctx, "delete", segment, owner, version, nil)
}

// InitializeSegments creates count unclaimed segments for processor, each
// starting at token. Segments that already exist are left alone.
func (s *Store) InitializeSegments(ctx context.Context, processor string, count int, token event.TrackingToken) error {
	if processor == "" || count <= 0 {
		return fmt.Errorf("%w: initialize %q with %d segments", config.ErrInvalid, processor, count)
	}
	for id := 0; id < count; id++ {
		key := event.SegmentKey(processor, id)
		cur, version, err := s.backend.Load(ctx, key)
		if err != nil {
			return s.failed("init", key, err)
		}
		if cur != nil {
			continue
		}
		ok, err := s.backend.CompareAndSwap(ctx, key, version, &Claim{Segment: key, Token: token})
		if err != nil {
			return s.failed("init", key, err)
		}
		if !ok {
			// another instance initialized it first
			s.log.Debug("tokenstore: segment initialized concurrently", "segment", key)
		}
	}
	return nil
}

// Segments lists the segment ids stored for processor in ascending order.
func (s *Store) Segments(ctx context.Context, processor string) ([]int, error) {
	claims, err := s.backend.List(ctx)
	if err != nil {
		return nil, s.failed("list", processor, err)
	}
	var ids []int
	for _, c := range claims {
		p, id, err := event.ParseSegmentKey(c.Segment)
		if err != nil || p != processor {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

// Claims returns every stored segment ordered by key.
func (s *Store) Claims(ctx context.Context) ([]Claim, error) {
	claims, err := s.backend.List(ctx)
	if err != nil {
		return nil, s.failed("list", "", err)
	}
	sort.Slice(claims, func(i, j int) bool { return claims[i].Segment < claims[j].Segment })
	return claims, nil
}

func (s *Store) Close() error { return s.backend.Close() }

func (s *Store) owned(ctx context.Context, op, segment, owner string) (*Claim, uint64, error) {
	cur, version, err := s.backend.Load(ctx, segment)
	if err != nil {
		return nil, 0, s.failed(op, segment, err)
	}
	if cur == nil {
		return nil, 0, s.conflict(op, segment, owner, "")
	}
	if cur.Owner != owner {
		return nil, 0, s.conflict(op, segment, owner, cur.Owner)
	}
	return cur, version, nil
}

func (s *Store) swap(ctx context.Context, op, segment, owner string, version uint64, next *Claim) error {
	ok, err := s.backend.CompareAndSwap(ctx, segment, version, next)
	if err != nil {
		return s.failed(op, segment, err)
	}
	if !ok {
		return s.conflict(op, segment, owner, "")
	}
	telemetry.ClaimResults.WithLabelValues(op, "ok").Inc()
	return nil
}

func (s *Store) conflict(op, segment, owner, current string) error {
	telemetry.ClaimResults.WithLabelValues(op, "conflict").Inc()
	s.log.Debug("tokenstore: claim conflict", "op", op, "segment", segment, "owner", owner, "current", current)
	return &ClaimError{Segment: segment, Owner: owner, CurrentOwner: current}
}

func (s *Store) failed(op, segment string, err error) error {
	telemetry.ClaimResults.WithLabelValues(op, "error").Inc()
	return fmt.Errorf("tokenstore: %s %s: %w", op, segment, err)
}

func processorOf(segment string) string {
	if p, _, err := event.ParseSegmentKey(segment); err == nil {
		return p
	}
	return segment
}

package credentials

import (
	"context"
	"strings"
	"sync"

	pkgerrors "github.com/angelmondragon/packfinderz-client/pkg/errors"
	"github.com/angelmondragon/packfinderz-client/pkg/events"
	"github.com/angelmondragon/packfinderz-client/pkg/logger"
	"github.com/angelmondragon/packfinderz-client/pkg/metrics"
	"github.com/angelmondragon/packfinderz-client/pkg/storage"
)

const storageKey = "session:credentials"

// Validity is the session signal exposed to the UI.
type Validity string

const (
	ValidityLoggedIn  Validity = "logged_in"
	ValidityGuest     Validity = "guest"
	ValidityLoggedOut Validity = "logged_out"
)

// Record holds the tokens and guest flag. A guest record never carries tokens.
type Record struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IsGuest      bool   `json:"is_guest"`
}

func (r Record) normalize() Record {
	r.AccessToken = strings.TrimSpace(r.AccessToken)
	r.RefreshToken = strings.TrimSpace(r.RefreshToken)
	if r.AccessToken != "" || r.RefreshToken != "" {
		r.IsGuest = false
	}
	return r
}

// Validity derives the session signal from the record.
func (r Record) Validity() Validity {
	switch {
	case r.AccessToken != "" || r.RefreshToken != "":
		return ValidityLoggedIn
	case r.IsGuest:
		return ValidityGuest
	}
	return ValidityLoggedOut
}

// Store is the single owner of the credential record. Writes are serialized
// and persisted before subscribers are notified; subscribers must not write
// back into the store from their handler.
type Store struct {
	kv      storage.Store
	logg    *logger.Logger
	metrics *metrics.ClientMetrics

	writeMu sync.Mutex
	mu      sync.RWMutex
	record  Record
	changes *events.Broker[Record]
}

func NewStore(kv storage.Store, logg *logger.Logger, m *metrics.ClientMetrics) *Store {
	if kv == nil {
		kv = storage.NewMemory()
	}
	if logg == nil {
		logg = logger.Nop()
	}
	return &Store{
		kv:      kv,
		logg:    logg,
		metrics: m,
		changes: events.NewBroker[Record](),
	}
}

// Load restores the persisted record. A missing or unreadable record starts
// the process logged out.
func (s *Store) Load(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var persisted Record
	found, err := storage.GetJSON(ctx, s.kv, storageKey, &persisted)
	if err != nil {
		s.logg.Warn(ctx, "credentials.load.unreadable")
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load credentials")
	}
	if !found {
		return nil
	}
	s.apply(persisted.normalize())
	return nil
}

func (s *Store) Snapshot() Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.record
}

func (s *Store) AccessToken() string {
	return s.Snapshot().AccessToken
}

func (s *Store) RefreshToken() string {
	return s.Snapshot().RefreshToken
}

func (s *Store) Validity() Validity {
	return s.Snapshot().Validity()
}

// SetTokens stores a token pair and leaves guest mode.
func (s *Store) SetTokens(ctx context.Context, accessToken, refreshToken string) error {
	next := Record{AccessToken: accessToken, RefreshToken: refreshToken}.normalize()
	if next.AccessToken == "" && next.RefreshToken == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "at least one token is required")
	}
	return s.write(ctx, next)
}

// SetGuest drops any tokens and marks the session as a guest.
func (s *Store) SetGuest(ctx context.Context) error {
	return s.write(ctx, Record{IsGuest: true})
}

// Clear empties the record: the logged-out state, distinct from guest.
func (s *Store) Clear(ctx context.Context) error {
	return s.write(ctx, Record{})
}

// Subscribe is notified with the new record after every write.
func (s *Store) Subscribe(fn func(Record)) events.Unsubscribe {
	return s.changes.Subscribe(fn)
}

func (s *Store) write(ctx context.Context, next Record) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.apply(next)

	var err error
	if next.Validity() == ValidityLoggedOut {
		err = s.kv.Remove(ctx, storageKey)
	} else {
		err = storage.SetJSON(ctx, s.kv, storageKey, next)
	}
	if err != nil {
		s.metrics.IncPersistFailure("credentials")
		s.logg.Error(ctx, "credentials.persist.failed", err)
		err = pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist credentials")
	}

	s.changes.Publish(next)
	return err
}

func (s *Store) apply(next Record) {
	s.mu.Lock()
	s.record = next
	s.mu.Unlock()
}

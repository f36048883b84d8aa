package cart

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	pkgerrors "github.com/angelmondragon/packfinderz-client/pkg/errors"
	"github.com/angelmondragon/packfinderz-client/pkg/events"
	"github.com/angelmondragon/packfinderz-client/pkg/logger"
	"github.com/angelmondragon/packfinderz-client/pkg/metrics"
	"github.com/angelmondragon/packfinderz-client/pkg/storage"
	"github.com/angelmondragon/packfinderz-client/pkg/validation"
)

const defaultPublishTimeout = 15 * time.Second

type identitySource interface {
	Current() string
	Subscribe(fn func(string)) events.Unsubscribe
}

type persistedCart struct {
	Lines     []Line    `json:"lines"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Options struct {
	PublishTimeout time.Duration
	Logger         *logger.Logger
	Metrics        *metrics.ClientMetrics
}

// Store holds the cart of the active identity namespace. Every namespace is
// persisted under its own key; only identity changes move the active one.
// Subscribers run after the store is unlocked and may read it; they must not
// mutate it.
type Store struct {
	kv             storage.Store
	publisher      Publisher
	logg           *logger.Logger
	metrics        *metrics.ClientMetrics
	publishTimeout time.Duration

	mu        sync.Mutex
	identity  identitySource
	namespace string
	lines     []Line
	seq       uint64

	// notifyMu orders delivery; a snapshot older than the last one delivered
	// is skipped. It is never acquired while mu is held.
	notifyMu  sync.Mutex
	published uint64
	changes   *events.Broker[Snapshot]
}

func NewStore(kv storage.Store, publisher Publisher, opts Options) *Store {
	if kv == nil {
		kv = storage.NewMemory()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = defaultPublishTimeout
	}
	return &Store{
		kv:             kv,
		publisher:      publisher,
		logg:           opts.Logger,
		metrics:        opts.Metrics,
		publishTimeout: opts.PublishTimeout,
		namespace:      guestNamespace,
		changes:        events.NewBroker[Snapshot](),
	}
}

// BindIdentity makes the observer the source of the active namespace and
// rehydrates synchronously on every identity change.
func (s *Store) BindIdentity(ctx context.Context, identity identitySource) (events.Unsubscribe, error) {
	s.mu.Lock()
	s.identity = identity
	s.mu.Unlock()

	unsubscribe := identity.Subscribe(func(string) {
		if err := s.Rehydrate(context.Background()); err != nil {
			s.logg.Error(context.Background(), "cart.rehydrate.failed", err)
		}
	})
	return unsubscribe, s.Rehydrate(ctx)
}

// Rehydrate swaps the visible lines to the persisted lines of the namespace
// derived from the current identity.
func (s *Store) Rehydrate(ctx context.Context) error {
	s.mu.Lock()

	namespace := guestNamespace
	if s.identity != nil {
		namespace = NamespaceKey(s.identity.Current())
	}
	ctx = s.logg.WithNamespace(ctx, namespace)

	var persisted persistedCart
	_, err := storage.GetJSON(ctx, s.kv, storageKey(namespace), &persisted)
	if err != nil {
		s.metrics.IncPersistFailure("cart")
		s.logg.Error(ctx, "cart.load.failed", err)
		persisted.Lines = nil
		err = pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load cart")
	}

	s.namespace = namespace
	s.lines = sanitize(persisted.Lines)
	s.logg.Debug(ctx, "cart.rehydrated")
	s.unlockAndPublish(newSnapshot(s.namespace, s.lines))
	return err
}

// AddLine merges candidate into the line with the same id, or appends it.
func (s *Store) AddLine(ctx context.Context, candidate Line) []Line {
	if candidate.LineID == "" {
		candidate.LineID = LineID(candidate.ProductID, candidate.VariantID)
	}
	if candidate.LineID == "" || candidate.Quantity < 1 {
		return s.Lines()
	}

	s.mu.Lock()
	if i := indexOf(s.lines, candidate.LineID); i >= 0 {
		s.lines[i].Quantity += candidate.Quantity
	} else {
		s.lines = append(s.lines, candidate)
	}
	return s.commitLocked(ctx)
}

// AddItemInput is the caller-facing shape of AddLine.
type AddItemInput struct {
	ProductID    string          `json:"product_id" validate:"required"`
	VariantID    string          `json:"variant_id"`
	Quantity     int             `json:"quantity" validate:"min=1"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	Name         string          `json:"name" validate:"required"`
	VariantLabel string          `json:"variant_label"`
	ImageURL     string          `json:"image_url" validate:"omitempty,url"`
	VendorName   string          `json:"vendor_name"`
}

const maxDisplayLen = 200

// AddItem validates input before adding it as a line.
func (s *Store) AddItem(ctx context.Context, input AddItemInput) ([]Line, error) {
	input.ProductID = validation.SanitizeString(input.ProductID, 0)
	input.VariantID = validation.SanitizeString(input.VariantID, 0)
	input.Name = validation.SanitizeString(input.Name, maxDisplayLen)
	if err := validation.Struct(input); err != nil {
		return nil, err
	}
	if input.UnitPrice.IsNegative() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "validation failed").
			WithDetails(map[string]string{"unit_price": "must not be negative"})
	}
	return s.AddLine(ctx, Line{
		ProductID: input.ProductID,
		VariantID: input.VariantID,
		Quantity:  input.Quantity,
		UnitPrice: input.UnitPrice,
		Display: DisplaySnapshot{
			Name:         input.Name,
			VariantLabel: validation.SanitizeString(input.VariantLabel, maxDisplayLen),
			ImageURL:     input.ImageURL,
			VendorName:   validation.SanitizeString(input.VendorName, maxDisplayLen),
		},
	}), nil
}

// SetQuantity replaces a line's quantity. n <= 0 removes the line; an unknown
// id is a no-op.
func (s *Store) SetQuantity(ctx context.Context, lineID string, n int) []Line {
	s.mu.Lock()
	i := indexOf(s.lines, lineID)
	if i < 0 {
		defer s.mu.Unlock()
		return cloneLines(s.lines)
	}
	if n <= 0 {
		s.lines = append(s.lines[:i], s.lines[i+1:]...)
	} else {
		s.lines[i].Quantity = n
	}
	return s.commitLocked(ctx)
}

func (s *Store) RemoveLine(ctx context.Context, lineID string) []Line {
	s.mu.Lock()
	i := indexOf(s.lines, lineID)
	if i < 0 {
		defer s.mu.Unlock()
		return cloneLines(s.lines)
	}
	s.lines = append(s.lines[:i], s.lines[i+1:]...)
	return s.commitLocked(ctx)
}

// Clear empties the active namespace, e.g. once checkout completed.
func (s *Store) Clear(ctx context.Context) {
	s.mu.Lock()
	s.lines = nil
	ctx = s.logg.WithNamespace(ctx, s.namespace)
	if err := s.kv.Remove(ctx, storageKey(s.namespace)); err != nil {
		s.metrics.IncPersistFailure("cart")
		s.logg.Error(ctx, "cart.persist.failed", err)
	}
	s.unlockAndPublish(newSnapshot(s.namespace, s.lines))
}

func (s *Store) Lines() []Line {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneLines(s.lines)
}

func (s *Store) Namespace() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.namespace
}

func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return newSnapshot(s.namespace, s.lines)
}

func (s *Store) Subscribe(fn func(Snapshot)) events.Unsubscribe {
	return s.changes.Subscribe(fn)
}

// commitLocked persists the active namespace, releases the store and
// notifies subscribers. A failed write is logged; the in-memory lines stay
// authoritative.
func (s *Store) commitLocked(ctx context.Context) []Line {
	ctx = s.logg.WithNamespace(ctx, s.namespace)
	record := persistedCart{Lines: s.lines, UpdatedAt: time.Now().UTC()}
	if err := storage.SetJSON(ctx, s.kv, storageKey(s.namespace), record); err != nil {
		s.metrics.IncPersistFailure("cart")
		s.logg.Error(ctx, "cart.persist.failed", err)
	}
	lines := cloneLines(s.lines)
	s.unlockAndPublish(newSnapshot(s.namespace, s.lines))
	return lines
}

// unlockAndPublish releases the store, then delivers snap unless a newer
// snapshot already went out.
func (s *Store) unlockAndPublish(snap Snapshot) {
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if seq <= s.published {
		return
	}
	s.published = seq
	s.changes.Publish(snap)
}

// sanitize drops persisted lines that would break the store's invariants.
func sanitize(lines []Line) []Line {
	out := make([]Line, 0, len(lines))
	for _, line := range lines {
		if line.LineID == "" {
			line.LineID = LineID(line.ProductID, line.VariantID)
		}
		if line.LineID == "" || line.Quantity <= 0 {
			continue
		}
		if i := indexOf(out, line.LineID); i >= 0 {
			out[i].Quantity += line.Quantity
			continue
		}
		out = append(out, line)
	}
	return out
}

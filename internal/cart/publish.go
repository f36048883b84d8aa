package cart

import (
	"context"
	"errors"

	pkgerrors "github.com/angelmondragon/packfinderz-client/pkg/errors"
)

// PublishLine is the minimal intent shape the server reprices at checkout.
type PublishLine struct {
	ProductID string  `json:"product_id"`
	VariantID *string `json:"variant_id,omitempty"`
	Qty       int     `json:"qty"`
}

// Publisher uploads a cart intent.
type Publisher interface {
	PublishCart(ctx context.Context, lines []PublishLine) error
}

func toPublishLines(lines []Line) []PublishLine {
	out := make([]PublishLine, 0, len(lines))
	for _, line := range lines {
		pl := PublishLine{ProductID: line.ProductID, Qty: line.Quantity}
		if line.VariantID != "" {
			variant := line.VariantID
			pl.VariantID = &variant
		}
		out = append(out, pl)
	}
	return out
}

// Publish uploads the active namespace's current lines. Local state is never
// changed by a publish, and edits are not blocked while one is in flight.
func (s *Store) Publish(ctx context.Context) error {
	if s.publisher == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "cart publisher not configured")
	}

	s.mu.Lock()
	namespace := s.namespace
	payload := toPublishLines(s.lines)
	s.mu.Unlock()

	ctx = s.logg.WithNamespace(ctx, namespace)
	ctx, cancel := context.WithTimeout(ctx, s.publishTimeout)
	defer cancel()

	if err := s.publisher.PublishCart(ctx, payload); err != nil {
		s.metrics.IncPublish("failed")
		s.logg.Error(ctx, "cart.publish.failed", err)
		return publishError(err)
	}
	s.metrics.IncPublish("ok")
	s.logg.Info(ctx, "cart.publish.succeeded")
	return nil
}

func publishError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return pkgerrors.Wrap(pkgerrors.CodeTimeout, err, "publish cart")
	}
	if typed := pkgerrors.As(err); typed != nil {
		return pkgerrors.Wrap(typed.Code(), err, "publish cart")
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "publish cart")
}

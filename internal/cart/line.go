package cart

import (
	"strings"

	"github.com/shopspring/decimal"
)

const (
	guestNamespace   = "guest"
	userNamespaceFmt = "user:"
	storageKeyPrefix = "cart:"
)

// DisplaySnapshot is what the UI showed when the line was added. It is never
// used for pricing decisions.
type DisplaySnapshot struct {
	Name         string `json:"name"`
	VariantLabel string `json:"variant_label,omitempty"`
	ImageURL     string `json:"image_url,omitempty"`
	VendorName   string `json:"vendor_name,omitempty"`
}

type Line struct {
	LineID    string          `json:"line_id"`
	ProductID string          `json:"product_id"`
	VariantID string          `json:"variant_id,omitempty"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Display   DisplaySnapshot `json:"display"`
}

// Total is UnitPrice × Quantity.
func (l Line) Total() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// LineID is the stable key of a product, or of a product variant.
func LineID(productID, variantID string) string {
	productID = strings.TrimSpace(productID)
	variantID = strings.TrimSpace(variantID)
	if variantID == "" {
		return productID
	}
	return productID + ":" + variantID
}

// NamespaceKey partitions carts by identity: "guest" or "user:<id>".
func NamespaceKey(userID string) string {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return guestNamespace
	}
	return userNamespaceFmt + userID
}

func storageKey(namespace string) string {
	return storageKeyPrefix + namespace
}

// Snapshot is the read model handed to subscribers after every change.
type Snapshot struct {
	Namespace string          `json:"namespace"`
	Lines     []Line          `json:"lines"`
	LineCount int             `json:"line_count"`
	ItemCount int             `json:"item_count"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

func newSnapshot(namespace string, lines []Line) Snapshot {
	snap := Snapshot{
		Namespace: namespace,
		Lines:     cloneLines(lines),
		LineCount: len(lines),
		Subtotal:  decimal.Zero,
	}
	for _, line := range lines {
		snap.ItemCount += line.Quantity
		snap.Subtotal = snap.Subtotal.Add(line.Total())
	}
	return snap
}

func cloneLines(lines []Line) []Line {
	out := make([]Line, len(lines))
	copy(out, lines)
	return out
}

func indexOf(lines []Line, lineID string) int {
	for i := range lines {
		if lines[i].LineID == lineID {
			return i
		}
	}
	return -1
}

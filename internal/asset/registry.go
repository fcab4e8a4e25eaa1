package asset

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrUnknownAsset is returned for identifiers that were not registered at construction.
var ErrUnknownAsset = errors.New("unknown asset")

// Binding ties an asset identifier to the token address that custodies it.
type Binding struct {
	ID       string `yaml:"id"`
	Address  string `yaml:"address"`
	Decimals int32  `yaml:"decimals"`
}

// Registry is the immutable set of assets the venue trades.
type Registry struct {
	bindings map[string]Binding
	ids      []string
}

// NewRegistry validates the bindings and freezes them.
func NewRegistry(bindings []Binding) (*Registry, error) {
	if len(bindings) == 0 {
		return nil, fmt.Errorf("at least one asset binding is required")
	}
	r := &Registry{bindings: make(map[string]Binding, len(bindings))}
	for _, b := range bindings {
		b.ID = strings.TrimSpace(b.ID)
		b.Address = strings.TrimSpace(b.Address)
		if b.ID == "" {
			return nil, fmt.Errorf("asset id must not be empty")
		}
		if b.Address == "" {
			return nil, fmt.Errorf("asset %s: custody address must not be empty", b.ID)
		}
		if b.Decimals < 0 {
			return nil, fmt.Errorf("asset %s: decimals must not be negative", b.ID)
		}
		if _, exists := r.bindings[b.ID]; exists {
			return nil, fmt.Errorf("asset %s registered twice", b.ID)
		}
		r.bindings[b.ID] = b
		r.ids = append(r.ids, b.ID)
	}
	sort.Strings(r.ids)
	return r, nil
}

// Address returns the custody address bound to id.
func (r *Registry) Address(id string) (string, error) {
	b, ok := r.bindings[id]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAsset, id)
	}
	return b.Address, nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.bindings[id]
	return ok
}

// IDs lists the registered identifiers in sorted order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.ids))
	copy(out, r.ids)
	return out
}

// Format renders an amount of base units using the asset's decimals.
func (r *Registry) Format(id string, amount int64) string {
	b, ok := r.bindings[id]
	if !ok {
		return decimal.NewFromInt(amount).String()
	}
	return decimal.New(amount, -b.Decimals).StringFixed(b.Decimals)
}

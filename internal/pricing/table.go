package pricing

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/artforge/genbot/internal/models"
)

// ErrUnknownModel is returned for model identifiers that are not present
// in the loaded pricing table. It is a configuration error, not a user one.
var ErrUnknownModel = errors.New("unknown model")

// Model describes one generation model as loaded from the pricing file.
// PriceKopecks is the model's base (paid) price; a free-tier model keeps
// its base price so that a quota-exhausted request can degrade to it.
type Model struct {
	ID           string          `json:"id"`
	Title        string          `json:"title"`
	Category     models.Category `json:"category"`
	Tier         models.Tier     `json:"tier"`
	PriceKopecks int64           `json:"price_kopecks"`
	Enabled      bool            `json:"enabled"`
}

// Table is the immutable price lookup built at startup. All render-time
// and charge-time price decisions go through it.
type Table struct {
	byID  map[string]Model
	order []string
}

type tableFile struct {
	Models []Model `json:"models"`
}

// LoadTable reads the pricing table from a JSON file.
func LoadTable(path string) (*Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing table: %w", err)
	}
	var file tableFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse pricing table %s: %w", path, err)
	}
	return NewTable(file.Models)
}

// NewTable builds a Table from model descriptors, validating them.
func NewTable(list []Model) (*Table, error) {
	if len(list) == 0 {
		return nil, errors.New("pricing table is empty")
	}
	byID := make(map[string]Model, len(list))
	order := make([]string, 0, len(list))
	for _, m := range list {
		if m.ID == "" {
			return nil, errors.New("pricing table entry without id")
		}
		if _, dup := byID[m.ID]; dup {
			return nil, fmt.Errorf("duplicate model id %q", m.ID)
		}
		// Every model needs a positive base price: a free-tier model bills
		// it after degrading, and a degraded charge of zero would look like
		// a free generation that never consumed the allowance.
		if m.PriceKopecks <= 0 {
			return nil, fmt.Errorf("model %q must have a positive price", m.ID)
		}
		switch m.Tier {
		case models.TierFree, models.TierPaid:
		default:
			return nil, fmt.Errorf("model %q has invalid tier %q", m.ID, m.Tier)
		}
		if m.Category == "" {
			m.Category = models.CategoryImage
		}
		byID[m.ID] = m
		order = append(order, m.ID)
	}
	return &Table{byID: byID, order: order}, nil
}

// Get returns the descriptor for a model id.
func (t *Table) Get(id string) (Model, error) {
	m, ok := t.byID[id]
	if !ok {
		return Model{}, fmt.Errorf("%w: %s", ErrUnknownModel, id)
	}
	return m, nil
}

// List returns the enabled models in file order.
func (t *Table) List() []Model {
	out := make([]Model, 0, len(t.order))
	for _, id := range t.order {
		if m := t.byID[id]; m.Enabled {
			out = append(out, m)
		}
	}
	return out
}

// PriceOf resolves the tier and listed price for a model. Free-tier models
// always report a zero price here; the paid fallback price lives behind
// PaidPrice.
func (t *Table) PriceOf(id string) (models.Tier, int64, error) {
	m, err := t.Get(id)
	if err != nil {
		return "", 0, err
	}
	if m.Tier == models.TierFree {
		return models.TierFree, 0, nil
	}
	return models.TierPaid, m.PriceKopecks, nil
}

// PaidPrice returns the price charged when the model is billed as paid,
// including a free-tier model whose quota has run out.
func (t *Table) PaidPrice(id string) (int64, error) {
	m, err := t.Get(id)
	if err != nil {
		return 0, err
	}
	return m.PriceKopecks, nil
}

// AutoFreeTier returns a copy of the table with the free tier recomputed
// as the n cheapest enabled models, everything else paid. Ties break on id
// to keep the selection stable across restarts.
func (t *Table) AutoFreeTier(n int) *Table {
	if n <= 0 {
		return t
	}
	enabled := t.List()
	sort.Slice(enabled, func(i, j int) bool {
		if enabled[i].PriceKopecks != enabled[j].PriceKopecks {
			return enabled[i].PriceKopecks < enabled[j].PriceKopecks
		}
		return enabled[i].ID < enabled[j].ID
	})
	free := make(map[string]bool, n)
	for i := 0; i < n && i < len(enabled); i++ {
		free[enabled[i].ID] = true
	}

	byID := make(map[string]Model, len(t.byID))
	for id, m := range t.byID {
		if free[id] {
			m.Tier = models.TierFree
		} else {
			m.Tier = models.TierPaid
		}
		byID[id] = m
	}
	return &Table{byID: byID, order: append([]string(nil), t.order...)}
}

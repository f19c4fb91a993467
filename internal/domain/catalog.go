package domain

import (
	"encoding/json"
	"fmt"
	"os"
)

// GiftItem describes one purchasable gift. ExternalID is the identifier the
// delivery worker uses on the remote platform.
type GiftItem struct {
	Code       string `json:"code"`
	Name       string `json:"name"`
	UnitCost   int64  `json:"unit_cost"`
	ExternalID string `json:"external_id"`
}

type GiftCatalog struct {
	items map[string]GiftItem
}

func NewGiftCatalog(items []GiftItem) *GiftCatalog {
	m := make(map[string]GiftItem, len(items))
	for _, it := range items {
		m[it.Code] = it
	}
	return &GiftCatalog{items: m}
}

// DefaultGiftCatalog returns the built-in catalog used when no catalog file
// is configured.
func DefaultGiftCatalog() *GiftCatalog {
	return NewGiftCatalog([]GiftItem{
		{Code: "heartbox", Name: "Heartbeat Box", UnitCost: 150, ExternalID: "32251"},
		{Code: "fanlight", Name: "Fan Badge Light", UnitCost: 1, ExternalID: "31164"},
	})
}

func LoadGiftCatalog(path string) (*GiftCatalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadGiftCatalog: %w", err)
	}
	var items []GiftItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("LoadGiftCatalog: parse %s: %w", path, err)
	}
	return NewGiftCatalog(items), nil
}

func (c *GiftCatalog) Lookup(code string) (GiftItem, bool) {
	it, ok := c.items[code]
	return it, ok
}

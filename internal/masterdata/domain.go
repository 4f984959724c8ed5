package masterdata

import (
	"errors"
	"time"
)

// Warehouse is a physical stock location.
type Warehouse struct {
	ID        int64     `json:"id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Product is a sellable or storable item.
type Product struct {
	ID        int64     `json:"id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	Unit      string    `json:"unit"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ListFilters narrows master data listings.
type ListFilters struct {
	Search  string
	Active  *bool
	Page    int
	PerPage int
}

// ErrCodeConflict indicates the natural key is held by a live record.
var ErrCodeConflict = errors.New("masterdata: code already in use")

package provider

import (
	"context"
	"errors"
)

// ErrProviderUnavailable is returned when the supplier cannot produce a
// usable inventory: unreachable endpoint, auth failure, malformed payload,
// or an empty result set. The pool keeps its last good snapshot.
var ErrProviderUnavailable = errors.New("proxy provider unavailable")

// System represents the type of proxy supplier.
type System string

const (
	SystemWebshare System = "webshare"
	SystemStatic   System = "static"
)

// Config represents the configuration for a proxy supplier.
type Config struct {
	System      System
	APIKey      string
	BaseURL     string
	CountryCode string // optional inventory filter
	PageSize    int
	Records     []Record // only used by the static supplier
}

// Record is a single proxy endpoint as reported by the supplier inventory.
// Field tags follow the Webshare proxy list payload.
type Record struct {
	Host     string `json:"proxy_address"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	Region   string `json:"country_code"`
}

// Supplier defines the interface for proxy inventory suppliers.
type Supplier interface {
	Name() string
	// FetchInventory returns the complete current inventory. Paginated
	// suppliers must drain every page; a partial page set is never
	// returned.
	FetchInventory(ctx context.Context) ([]Record, error)
}

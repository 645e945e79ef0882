package provider

import (
	"fmt"
	"log/slog"
)

// NewSupplier creates a new inventory supplier based on the config.
func NewSupplier(config Config, logger *slog.Logger) (Supplier, error) {
	switch config.System {
	case SystemWebshare:
		return newWebshareSupplier(config, logger), nil
	case SystemStatic:
		return newStaticSupplier(config, logger), nil
	default:
		return nil, fmt.Errorf("unsupported supplier system: %s", config.System)
	}
}

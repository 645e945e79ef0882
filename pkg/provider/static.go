package provider

import (
	"context"
	"log/slog"
)

// StaticSupplier serves a fixed inventory from configuration. It is meant
// for development setups without a supplier account.
type StaticSupplier struct {
	config Config
	logger *slog.Logger
}

func newStaticSupplier(config Config, logger *slog.Logger) *StaticSupplier {
	return &StaticSupplier{
		config: config,
		logger: logger,
	}
}

func (s *StaticSupplier) Name() string {
	return "static"
}

func (s *StaticSupplier) FetchInventory(ctx context.Context) ([]Record, error) {
	records := make([]Record, len(s.config.Records))
	copy(records, s.config.Records)
	return records, nil
}

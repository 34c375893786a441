// Package enrich holds catalog entry enrichers. Enrichment runs
// fire-and-forget after an entry is first persisted.
package enrich

import (
	"context"

	"go.uber.org/zap"

	"github.com/appshelf/appshelf/internal/catalog"
)

// Noop satisfies catalog.Enricher without doing any work. It stands in
// until a real metadata pipeline exists and keeps the scan path exercising
// the enrichment hook.
type Noop struct {
	logger *zap.Logger
}

// NewNoop returns a Noop enricher.
func NewNoop(logger *zap.Logger) *Noop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Noop{logger: logger}
}

// Enrich logs the request and returns immediately.
func (n *Noop) Enrich(_ context.Context, id catalog.ShortID) error {
	n.logger.Debug("enrichment requested", zap.String("short_id", id.String()))
	return nil
}

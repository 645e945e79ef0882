package models

import (
	"time"

	"github.com/uptrace/bun"
)

// ProbeResult is one health-check observation of a single endpoint,
// either from a sweep or from a consumer failure report.
type ProbeResult struct {
	bun.BaseModel `bun:"table:probe_results,alias:pr"`

	ID         int64     `bun:",pk,autoincrement"`
	SweepID    string    `bun:",notnull"`
	EndpointID string    `bun:",notnull"`
	Region     string
	Healthy    bool      `bun:",notnull"`
	LatencyMs  int64
	ErrorMsg   string
	Time       time.Time `bun:",notnull"`
	CreatedAt  time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

// SelectionEvent records one endpoint hand-out to a consumer, including
// whether a requested region was silently served from the full pool.
type SelectionEvent struct {
	bun.BaseModel `bun:"table:selection_events,alias:se"`

	ID              int64     `bun:",pk,autoincrement"`
	EndpointID      string    `bun:",notnull"`
	RegionRequested string
	RegionServed    string
	Fallback        bool      `bun:",notnull"`
	Time            time.Time `bun:",notnull"`
	CreatedAt       time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

// Package history records finished executions so past debug runs can be
// reviewed. Persistence is best-effort: a failed save never fails the
// execution it describes.
package history

import (
	"context"
	"time"
)

const (
	KindInteractive = "interactive"
	KindFanout      = "fanout"
)

// Record is one finished execution.
type Record struct {
	ID          string        `json:"id" bson:"_id"`
	Kind        string        `json:"kind" bson:"kind"`
	Portal      string        `json:"portal" bson:"portal"`
	CollectorID int           `json:"collectorId" bson:"collectorId"`
	Status      string        `json:"status" bson:"status"`
	Output      string        `json:"output,omitempty" bson:"output,omitempty"`
	Error       string        `json:"error,omitempty" bson:"error,omitempty"`
	StartedAt   time.Time     `json:"startedAt" bson:"startedAt"`
	Duration    time.Duration `json:"duration" bson:"duration"`
}

// Store persists execution records.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Recent(ctx context.Context, limit int) ([]Record, error)
}

// Discard drops every record. Used when history is disabled.
var Discard Store = discardStore{}

type discardStore struct{}

func (discardStore) Save(context.Context, Record) error            { return nil }
func (discardStore) Recent(context.Context, int) ([]Record, error) { return nil, nil }

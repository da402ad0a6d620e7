package storage

import (
	"time"

	"github.com/cuemby/plb/pkg/types"
)

// TraceRecord is one persisted trace event
type TraceRecord struct {
	ID             string                    `json:"id"`
	Type           string                    `json:"type"`
	Timestamp      time.Time                 `json:"timestamp"`
	DecisionID     string                    `json:"decision_id,omitempty"`
	DomainID       string                    `json:"domain_id,omitempty"`
	FailoverUnitID string                    `json:"failover_unit_id,omitempty"`
	ServiceName    string                    `json:"service,omitempty"`
	Action         types.SchedulerActionType `json:"action,omitempty"`
	Actions        []types.PLBAction         `json:"actions,omitempty"`
	Message        string                    `json:"message,omitempty"`
	Metadata       map[string]string         `json:"metadata,omitempty"`
}

// ListOptions filters trace queries
type ListOptions struct {
	Since          time.Time
	FailoverUnitID string
	Limit          int
}

// TraceStore persists balancer traces for post-mortem analysis. It is never
// used to rebuild the cluster model.
type TraceStore interface {
	// Movements traces (emitted, discarded, dropped, executed)
	RecordMovement(rec *TraceRecord) error
	ListMovements(opts ListOptions) ([]*TraceRecord, error)

	// Refresh summaries
	RecordRefresh(rec *TraceRecord) error
	ListRefreshes(opts ListOptions) ([]*TraceRecord, error)

	// Utility
	Prune(before time.Time) (int, error)
	Close() error
}

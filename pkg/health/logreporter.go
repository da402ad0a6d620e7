package health

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/cuemby/plb/pkg/log"
	"github.com/cuemby/plb/pkg/types"
)

// LogReporter writes reports to the log. It is used when no health
// subsystem endpoint is configured.
type LogReporter struct {
	logger zerolog.Logger
}

// NewLogReporter creates a reporter logging through the health component logger
func NewLogReporter() *LogReporter {
	return &LogReporter{logger: log.WithComponent("health")}
}

// AddHealthReports logs every report, warnings and errors at warn level
func (l *LogReporter) AddHealthReports(_ context.Context, reports []types.HealthReport) error {
	for _, r := range reports {
		ev := l.logger.Info()
		if r.State != types.HealthStateOk {
			ev = l.logger.Warn()
		}
		ev.Str("entity_kind", string(r.Kind)).
			Str("entity_id", r.EntityID).
			Str("property", r.Property).
			Str("state", string(r.State)).
			Dur("ttl", r.TTL).
			Msg(r.Description)
	}
	return nil
}

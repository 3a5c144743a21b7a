package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/shpitdev/company-outreach/internal/redact"
	"github.com/shpitdev/company-outreach/internal/store"
	"go.uber.org/zap"
)

// Tag identifies which stage ended a run.
type Tag string

const (
	TagResearchFailed     Tag = "ResearchFailed"
	TagVerificationFailed Tag = "VerificationFailed"
	TagMessagingFailed    Tag = "MessagingFailed"
)

// StageError is a fatal stage failure. It is never retried within a run.
type StageError struct {
	Tag Tag
	Err error
}

func (e *StageError) Error() string {
	if e == nil {
		return "stage failed"
	}
	return fmt.Sprintf("%s: %v", e.Tag, e.Err)
}

func (e *StageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ErrInvalidRequest wraps request validation failures. No events are emitted for them.
var ErrInvalidRequest = errors.New("invalid request")

// State is a step of the run state machine.
type State string

const (
	StateCacheChecked State = "CACHE_CHECKED"
	StateResearching  State = "RESEARCHING"
	StateResearchDone State = "RESEARCH_DONE"
	StateVerifying    State = "VERIFYING"
	StateVerifyDone   State = "VERIFY_DONE"
	StateComposing    State = "COMPOSING"
	StateDone         State = "DONE"
	StateFailed       State = "FAILED"
)

// Reporter receives persistence failures. Reporting must not block the run for long.
type Reporter interface {
	Report(ctx context.Context, runID string, err error)
}

// LogReporter logs each failure at warn level and counts them.
type LogReporter struct {
	logger *zap.Logger
	count  atomic.Int64
}

func NewLogReporter(logger *zap.Logger) *LogReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogReporter{logger: logger}
}

func (r *LogReporter) Report(_ context.Context, runID string, err error) {
	if err == nil {
		return
	}
	r.count.Add(1)
	fields := []zap.Field{
		zap.String("run_id", runID),
		zap.String("error", redact.Error(err)),
	}
	var pe *store.PersistenceError
	if errors.As(err, &pe) {
		fields = append(fields, zap.String("op", pe.Op), zap.String("stage", string(pe.Stage)))
	}
	r.logger.Warn("persistence failed; continuing", fields...)
}

// Count is the number of failures reported since start.
func (r *LogReporter) Count() int64 { return r.count.Load() }

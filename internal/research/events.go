package research

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// eventRecorder appends run events. Failures are logged and never returned.
type eventRecorder struct {
	store  RunStore
	logger *zap.Logger
	now    func() time.Time
}

func (r eventRecorder) record(ctx context.Context, runID string, stage EventStage, status EventStatus, subQuestion, message string, payload any) {
	if r.store == nil {
		return
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			r.logger.Error("append run event panicked", zap.String("run_id", runID), zap.Any("panic", recovered))
		}
	}()
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			r.logger.Warn("encode event payload failed", zap.String("run_id", runID), zap.String("stage", string(stage)), zap.Error(err))
		} else {
			raw = encoded
		}
	}
	event := RunEvent{
		ID:          uuid.NewString(),
		RunID:       runID,
		Stage:       stage,
		Status:      status,
		SubQuestion: strings.TrimSpace(subQuestion),
		Message:     strings.TrimSpace(message),
		Payload:     raw,
		CreatedAt:   r.now(),
	}
	if err := r.store.AppendEvent(context.WithoutCancel(ctx), event); err != nil {
		r.logger.Warn("append run event failed",
			zap.String("run_id", runID),
			zap.String("stage", string(stage)),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

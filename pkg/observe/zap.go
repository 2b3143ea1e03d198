package observe

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/petrijr/reelflow/pkg/api"
)

// ZapObserver logs lifecycle events with zap.
type ZapObserver struct {
	logger *zap.Logger
}

var _ api.Observer = (*ZapObserver)(nil)

// NewZapObserver returns an Observer that writes to logger. A nil logger
// discards everything.
func NewZapObserver(logger *zap.Logger) *ZapObserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapObserver{logger: logger}
}

func instanceFields(inst *api.Instance) []zap.Field {
	return []zap.Field{
		zap.String("instance_id", inst.ID),
		zap.String("orchestrator", inst.Name),
		zap.Int("generation", inst.Generation),
	}
}

func (o *ZapObserver) OnInstanceStarted(ctx context.Context, inst *api.Instance) {
	o.logger.Info("instance_started", instanceFields(inst)...)
}

func (o *ZapObserver) OnInstanceCompleted(ctx context.Context, inst *api.Instance) {
	o.logger.Info("instance_completed", append(instanceFields(inst), zap.ByteString("output", inst.Output))...)
}

func (o *ZapObserver) OnInstanceFailed(ctx context.Context, inst *api.Instance, failure *api.FailureDetails) {
	fields := append(instanceFields(inst), zap.String("status", string(inst.Status)))
	if failure != nil {
		fields = append(fields, zap.String("error", failure.Message), zap.Bool("non_retryable", failure.NonRetryable))
	}
	o.logger.Error("instance_failed", fields...)
}

func (o *ZapObserver) OnContinuedAsNew(ctx context.Context, inst *api.Instance) {
	o.logger.Info("instance_continued_as_new", instanceFields(inst)...)
}

func (o *ZapObserver) OnReplayPass(ctx context.Context, inst *api.Instance, pass api.PassInfo) {
	o.logger.Debug("replay_pass", append(instanceFields(inst),
		zap.Int("replayed", pass.Replayed),
		zap.Int("new_events", pass.NewEvents),
		zap.Int("actions", pass.Actions),
		zap.String("outcome", string(pass.Outcome)),
		zap.Duration("duration", pass.Duration),
	)...)
}

func (o *ZapObserver) OnActivityStart(ctx context.Context, info api.ActivityInfo) {
	o.logger.Debug("activity_started",
		zap.String("instance_id", info.Ref.InstanceID),
		zap.Int("task_id", info.Ref.TaskID),
		zap.String("activity", info.Name),
		zap.Int("attempt", info.Attempt),
	)
}

func (o *ZapObserver) OnActivityCompleted(ctx context.Context, info api.ActivityInfo, err error, d time.Duration) {
	fields := []zap.Field{
		zap.String("instance_id", info.Ref.InstanceID),
		zap.Int("task_id", info.Ref.TaskID),
		zap.String("activity", info.Name),
		zap.Int("attempt", info.Attempt),
		zap.Duration("duration", d),
	}
	if err != nil {
		o.logger.Warn("activity_failed", append(fields, zap.Error(err))...)
		return
	}
	o.logger.Info("activity_completed", fields...)
}

package videoproc

import (
	"errors"

	"github.com/petrijr/reelflow/pkg/registry"
)

// Register adds the pipeline's orchestrators and activities to reg.
func Register(reg *registry.Registry, cfg Config, acts *Activities) error {
	p := NewPrograms(cfg)
	return errors.Join(
		registry.AddOrchestrator(reg, OrchestratorProcessVideo, p.ProcessVideo),
		registry.AddOrchestrator(reg, OrchestratorTranscodeVideo, p.TranscodeVideo),
		registry.AddOrchestrator(reg, OrchestratorPeriodicTask, p.PeriodicTask),

		registry.AddActivity(reg, ActivityGetTranscodeBitrates, acts.GetTranscodeBitrates),
		registry.AddActivity(reg, ActivityTranscodeVideo, acts.TranscodeVideo),
		registry.AddActivity(reg, ActivityExtractThumbnail, acts.ExtractThumbnail),
		registry.AddActivity(reg, ActivityPrependIntro, acts.PrependIntro),
		registry.AddActivity(reg, ActivityCleanup, acts.Cleanup),
		registry.AddActivity(reg, ActivitySendApprovalRequestEmail, acts.SendApprovalRequestEmail),
		registry.AddActivity(reg, ActivityPublishVideo, acts.PublishVideo),
		registry.AddActivity(reg, ActivityRejectVideo, acts.RejectVideo),
		registry.AddActivity(reg, ActivityPeriodicActivity, acts.PeriodicActivity),
	)
}

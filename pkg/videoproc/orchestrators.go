package videoproc

import (
	"errors"
	"log/slog"

	"github.com/petrijr/reelflow/pkg/replay"
)

// Programs holds the orchestrators. They only read Config, which is fixed for
// the life of the process, so replays see the same values.
type Programs struct {
	cfg Config
}

// NewPrograms returns the orchestrators for cfg.
func NewPrograms(cfg Config) *Programs {
	return &Programs{cfg: cfg}
}

// ProcessVideo transcodes the video, prepares it for publishing and waits
// for an approver. Any failure triggers cleanup of the intermediate files
// before the instance fails with the original error.
func (p *Programs) ProcessVideo(ctx *replay.Context, video string) (Result, error) {
	res := Result{ApprovalResult: ApprovalUnknown}

	err := p.processVideo(ctx, video, &res)
	if err == nil {
		return res, nil
	}

	ctx.Logger().Warn("processing failed, cleaning up", slog.String("video", video), slog.String("error", err.Error()))
	var leftovers []string
	for _, loc := range []string{res.Transcoded, res.Thumbnail, res.WithIntro} {
		if loc != "" {
			leftovers = append(leftovers, loc)
		}
	}
	if cerr := ctx.CallActivity(ActivityCleanup, leftovers).Await(nil); cerr != nil {
		ctx.Logger().Error("cleanup failed", slog.String("error", cerr.Error()))
	}
	return Result{}, err
}

func (p *Programs) processVideo(ctx *replay.Context, video string, res *Result) error {
	renditions, err := replay.Await[[]VideoFileInfo](ctx.CallSubOrchestrator(OrchestratorTranscodeVideo, video))
	if err != nil {
		return err
	}
	best, err := highestBitrate(renditions)
	if err != nil {
		return err
	}
	res.Transcoded = best.Location

	ctx.Logger().Info("extracting thumbnail", slog.String("video", res.Transcoded))
	if res.Thumbnail, err = replay.Await[string](ctx.CallActivity(ActivityExtractThumbnail, res.Transcoded)); err != nil {
		return err
	}

	ctx.Logger().Info("prepending intro", slog.String("video", res.Transcoded))
	if res.WithIntro, err = replay.Await[string](ctx.CallActivity(ActivityPrependIntro, res.Transcoded)); err != nil {
		return err
	}

	approvalReq := ApprovalInfo{OrchestrationID: ctx.InstanceID(), VideoLocation: res.WithIntro}
	if err := ctx.CallActivity(ActivitySendApprovalRequestEmail, approvalReq).Await(nil); err != nil {
		return err
	}

	timeout := ctx.CreateTimerAfter(p.cfg.ApprovalTimeout)
	approval := ctx.WaitForExternalEvent(EventApprovalResult)
	if ctx.WhenAny(approval, timeout).Winner() == approval {
		timeout.Cancel()
		if res.ApprovalResult, err = replay.Await[string](approval); err != nil {
			return err
		}
	} else {
		approval.Cancel()
		res.ApprovalResult = ApprovalTimedOut
	}

	next := ActivityRejectVideo
	if res.ApprovalResult == ApprovalApproved {
		next = ActivityPublishVideo
	}
	return ctx.CallActivity(next, res.WithIntro).Await(nil)
}

func highestBitrate(renditions []VideoFileInfo) (VideoFileInfo, error) {
	if len(renditions) == 0 {
		return VideoFileInfo{}, errors.New("transcode produced no renditions")
	}
	best := renditions[0]
	for _, r := range renditions[1:] {
		if r.BitRate > best.BitRate {
			best = r
		}
	}
	return best, nil
}

// TranscodeVideo transcodes the video to every configured bitrate in
// parallel.
func (p *Programs) TranscodeVideo(ctx *replay.Context, video string) ([]VideoFileInfo, error) {
	bitrates, err := replay.Await[[]int](ctx.CallActivity(ActivityGetTranscodeBitrates, nil))
	if err != nil {
		return nil, err
	}

	futures := make([]replay.Future, len(bitrates))
	for i, b := range bitrates {
		futures[i] = ctx.CallActivity(ActivityTranscodeVideo, VideoFileInfo{Location: video, BitRate: b})
	}
	if err := ctx.WhenAll(futures...).Await(nil); err != nil {
		return nil, err
	}

	out := make([]VideoFileInfo, len(futures))
	for i, f := range futures {
		if err := f.Await(&out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// PeriodicTask runs A_PeriodicActivity every PeriodicInterval, forever.
func (p *Programs) PeriodicTask(ctx *replay.Context, timesRun int) (int, error) {
	timesRun++
	ctx.Logger().Info("starting periodic activity", slog.String("instance", ctx.InstanceID()), slog.Int("times_run", timesRun))

	if err := ctx.CallActivity(ActivityPeriodicActivity, timesRun).Await(nil); err != nil {
		return timesRun, err
	}
	if err := ctx.CreateTimerAfter(p.cfg.PeriodicInterval).Await(nil); err != nil {
		return timesRun, err
	}
	ctx.ContinueAsNew(timesRun)
	return timesRun, nil
}

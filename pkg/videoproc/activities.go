package videoproc

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/petrijr/reelflow/pkg/api"
)

// ErrThumbnail is returned by ExtractThumbnail for videos it cannot read.
var ErrThumbnail = errors.New("could not extract thumbnail")

// Activities implements the pipeline's side effects.
type Activities struct {
	cfg       Config
	mailer    Mailer
	approvals api.ApprovalStore
	logger    *zap.Logger

	newCode func() string
}

// NewActivities wires the activities to their collaborators. A nil logger
// discards activity logs.
func NewActivities(cfg Config, mailer Mailer, approvals api.ApprovalStore, logger *zap.Logger) *Activities {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Activities{
		cfg:       cfg,
		mailer:    mailer,
		approvals: approvals,
		logger:    logger.Named("videoproc"),
		newCode:   newApprovalCode,
	}
}

// newApprovalCode returns a random code in uuid "N" form: 32 hex digits and
// no dashes.
func newApprovalCode() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// GetTranscodeBitrates returns the configured bitrates.
func (a *Activities) GetTranscodeBitrates(ctx context.Context, _ struct{}) ([]int, error) {
	if len(a.cfg.Bitrates) == 0 {
		return nil, api.NonRetryable(errors.New("no transcode bitrates configured"))
	}
	out := make([]int, len(a.cfg.Bitrates))
	copy(out, a.cfg.Bitrates)
	return out, nil
}

// TranscodeVideo renders one bitrate. The output is named
// "<basename>-<bitrate>kbps.mp4".
func (a *Activities) TranscodeVideo(ctx context.Context, in VideoFileInfo) (VideoFileInfo, error) {
	a.logger.Info("transcoding", zap.String("location", in.Location), zap.Int("bitrate", in.BitRate))

	base := path.Base(strings.ReplaceAll(in.Location, `\`, "/"))
	base = strings.TrimSuffix(base, path.Ext(base))
	return VideoFileInfo{
		Location: fmt.Sprintf("%s-%dkbps.mp4", base, in.BitRate),
		BitRate:  in.BitRate,
	}, nil
}

// ExtractThumbnail fails for inputs containing "error".
func (a *Activities) ExtractThumbnail(ctx context.Context, video string) (string, error) {
	a.logger.Info("extracting thumbnail", zap.String("location", video))
	if strings.Contains(video, "error") {
		return "", api.NonRetryable(ErrThumbnail)
	}
	return "thumbnail.png", nil
}

func (a *Activities) PrependIntro(ctx context.Context, video string) (string, error) {
	a.logger.Info("prepending intro", zap.String("location", video), zap.String("intro", a.cfg.IntroLocation))
	return "withIntro.mp4", nil
}

func (a *Activities) Cleanup(ctx context.Context, files []string) (string, error) {
	for _, f := range files {
		if f == "" {
			continue
		}
		a.logger.Info("deleting", zap.String("location", f))
	}
	return "Cleaned up", nil
}

// SendApprovalRequestEmail records a fresh approval code for the instance and
// mails the approver links that resolve it. A retry issues a new code; codes
// from earlier attempts stay valid.
func (a *Activities) SendApprovalRequestEmail(ctx context.Context, info ApprovalInfo) (struct{}, error) {
	code := a.newCode()
	if err := a.approvals.SaveApproval(ctx, api.ApprovalRecord{Code: code, OrchestrationID: info.OrchestrationID}); err != nil {
		return struct{}{}, fmt.Errorf("save approval %s: %w", code, err)
	}

	address := fmt.Sprintf("%s/api/SubmitVideoApproval/%s", strings.TrimSuffix(a.cfg.Host, "/"), code)
	approvedLink := address + "?result=" + ApprovalApproved
	rejectedLink := address + "?result=" + ApprovalRejected
	body := fmt.Sprintf("Please review %s<br>"+
		"<a href=\"%s\">Approve</a><br>"+
		"<a href=\"%s\">Reject</a><br>", info.VideoLocation, approvedLink, rejectedLink)

	msg := Message{
		From:     a.cfg.SenderEmail,
		To:       a.cfg.ApproverEmail,
		Subject:  "A video is awaiting approval",
		HTMLBody: body,
	}
	if err := a.mailer.Send(ctx, msg); err != nil {
		return struct{}{}, fmt.Errorf("send approval request: %w", err)
	}
	a.logger.Info("approval requested", zap.String("instance", info.OrchestrationID), zap.String("code", code))
	return struct{}{}, nil
}

func (a *Activities) PublishVideo(ctx context.Context, video string) (struct{}, error) {
	a.logger.Info("publishing", zap.String("location", video))
	return struct{}{}, nil
}

func (a *Activities) RejectVideo(ctx context.Context, video string) (struct{}, error) {
	a.logger.Info("rejecting", zap.String("location", video))
	return struct{}{}, nil
}

func (a *Activities) PeriodicActivity(ctx context.Context, timesRun int) (struct{}, error) {
	a.logger.Warn("periodic activity", zap.Int("times_run", timesRun))
	return struct{}{}, nil
}

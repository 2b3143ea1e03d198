package videoproc

import "time"

// Names under which the programs and activities are registered.
const (
	OrchestratorProcessVideo   = "O_ProcessVideo"
	OrchestratorTranscodeVideo = "O_TranscodeVideo"
	OrchestratorPeriodicTask   = "O_PeriodicTask"

	ActivityGetTranscodeBitrates     = "A_GetTranscodeBitrates"
	ActivityTranscodeVideo           = "A_TranscodeVideo"
	ActivityExtractThumbnail         = "A_ExtractThumbnail"
	ActivityPrependIntro             = "A_PrependIntro"
	ActivityCleanup                  = "A_Cleanup"
	ActivitySendApprovalRequestEmail = "A_SendApprovalRequestEmail"
	ActivityPublishVideo             = "A_PublishVideo"
	ActivityRejectVideo              = "A_RejectVideo"
	ActivityPeriodicActivity         = "A_PeriodicActivity"

	// EventApprovalResult carries "Approved" or "Rejected" from the
	// approval callback.
	EventApprovalResult = "ApprovalResult"

	ApprovalApproved = "Approved"
	ApprovalRejected = "Rejected"
	ApprovalTimedOut = "Timed Out"
	ApprovalUnknown  = "Unknown"
)

// Config is the pipeline configuration.
type Config struct {
	// Bitrates are the transcode targets in kbps.
	Bitrates []int

	IntroLocation string
	ApproverEmail string
	SenderEmail   string

	// Host is the public base URL of the approval callback endpoint.
	Host string

	// ApprovalTimeout is how long ProcessVideo waits for a decision.
	ApprovalTimeout time.Duration

	// PeriodicInterval is the delay between runs of the periodic task.
	PeriodicInterval time.Duration
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Bitrates:         []int{320, 240, 128},
		IntroLocation:    "intro.mp4",
		ApproverEmail:    "approver@example.com",
		SenderEmail:      "reelflow@example.com",
		Host:             "http://localhost:8080",
		ApprovalTimeout:  30 * time.Second,
		PeriodicInterval: 15 * time.Second,
	}
}

// VideoFileInfo is one rendition of a video.
type VideoFileInfo struct {
	Location string `json:"location"`
	BitRate  int    `json:"bitrate"`
}

// ApprovalInfo is the input of the approval request email.
type ApprovalInfo struct {
	OrchestrationID string `json:"orchestration_id"`
	VideoLocation   string `json:"video_location"`
}

// Result is the output of a successful ProcessVideo run.
type Result struct {
	Transcoded     string `json:"transcoded"`
	Thumbnail      string `json:"thumbnail"`
	WithIntro      string `json:"with_intro"`
	ApprovalResult string `json:"approval_result"`
}

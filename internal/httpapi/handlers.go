package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/petrijr/reelflow/pkg/api"
	"github.com/petrijr/reelflow/pkg/videoproc"
)

// Handler implements the HTTP endpoints.
type Handler struct {
	engine    api.Engine
	approvals api.ApprovalStore
	logger    *zap.Logger
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// StartProcessVideo starts O_ProcessVideo for the video named by the
// "video" query parameter or the JSON body {"video": "..."}.
// GET|POST /api/ProcessVideoStarter
func (h *Handler) StartProcessVideo(c *gin.Context) {
	video := queryValue(c, "video")
	if video == "" && c.Request.Body != nil {
		var body struct {
			Video string `json:"video"`
		}
		if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
			return
		}
		video = body.Video
	}
	if video == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "video is required in the query string or request body"})
		return
	}

	h.logger.Info("starting video processing", zap.String("video", video))
	inst, err := h.engine.Start(c.Request.Context(), videoproc.OrchestratorProcessVideo, video)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.accepted(c, inst.ID)
}

// SubmitApproval routes an approval decision to the waiting instance.
// GET /api/SubmitVideoApproval/:code?result=Approved|Rejected
func (h *Handler) SubmitApproval(c *gin.Context) {
	result := queryValue(c, "result")
	if result == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "result is required"})
		return
	}

	ctx := c.Request.Context()
	rec, err := h.approvals.GetApproval(ctx, c.Param("code"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if err := h.engine.RaiseEvent(ctx, rec.OrchestrationID, videoproc.EventApprovalResult, result); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// StartPeriodicTask starts O_PeriodicTask with a zero run counter.
// GET /api/StartPeriodicTask
func (h *Handler) StartPeriodicTask(c *gin.Context) {
	inst, err := h.engine.Start(c.Request.Context(), videoproc.OrchestratorPeriodicTask, 0)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.accepted(c, inst.ID)
}

// GET /api/instances?name=&status=
func (h *Handler) ListInstances(c *gin.Context) {
	list, err := h.engine.ListInstances(c.Request.Context(), api.InstanceListOptions{
		Name:   c.Query("name"),
		Status: api.Status(strings.ToUpper(c.Query("status"))),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	out := make([]InstanceStatus, 0, len(list))
	for _, inst := range list {
		out = append(out, newInstanceStatus(inst))
	}
	c.JSON(http.StatusOK, out)
}

// GET /api/instances/:id
func (h *Handler) GetInstance(c *gin.Context) {
	inst, err := h.engine.GetInstance(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newInstanceStatus(inst))
}

// GET /api/instances/:id/history
func (h *Handler) History(c *gin.Context) {
	events, err := h.engine.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newHistoryEvents(events))
}

// RaiseEvent delivers the JSON request body as the event payload. An empty
// body raises the event without a payload.
// POST /api/instances/:id/events/:name
func (h *Handler) RaiseEvent(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	var payload any
	if len(raw) > 0 {
		if !json.Valid(raw) {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "event payload must be JSON"})
			return
		}
		payload = json.RawMessage(raw)
	}
	if err := h.engine.RaiseEvent(c.Request.Context(), c.Param("id"), c.Param("name"), payload); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// POST /api/instances/:id/terminate?reason=
func (h *Handler) Terminate(c *gin.Context) {
	reason := c.Query("reason")
	if reason == "" {
		reason = "terminated via API"
	}
	if err := h.engine.Terminate(c.Request.Context(), c.Param("id"), reason); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *Handler) accepted(c *gin.Context, id string) {
	status := checkStatusFor(c.Request, id)
	c.Header("Location", status.StatusQueryGetURI)
	c.JSON(http.StatusAccepted, status)
}

func checkStatusFor(r *http.Request, id string) CheckStatus {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	base := scheme + "://" + r.Host + "/api/instances/" + id
	return CheckStatus{
		ID:                id,
		StatusQueryGetURI: base,
		HistoryGetURI:     base + "/history",
		SendEventPostURI:  base + "/events/{eventName}",
		TerminatePostURI:  base + "/terminate?reason={text}",
	}
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	c.JSON(status, ErrorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, api.ErrInstanceNotFound), errors.Is(err, api.ErrApprovalNotFound):
		return http.StatusNotFound
	case errors.Is(err, api.ErrInstanceExists), errors.Is(err, api.ErrInstanceNotRunning):
		return http.StatusConflict
	case errors.Is(err, api.ErrUnknownOrchestrator):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// queryValue looks a query parameter up case-insensitively.
func queryValue(c *gin.Context, key string) string {
	if v := c.Query(key); v != "" {
		return v
	}
	for k, vs := range c.Request.URL.Query() {
		if strings.EqualFold(k, key) && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}

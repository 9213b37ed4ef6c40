package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	repojobs "github.com/yungbote/pgcoord/internal/data/repos/jobs"
	domainjobs "github.com/yungbote/pgcoord/internal/domain/jobs"
	"github.com/yungbote/pgcoord/internal/http/response"
	"github.com/yungbote/pgcoord/internal/platform/dbctx"
)

type JobHandler struct {
	queue repojobs.JobQueue
}

func NewJobHandler(queue repojobs.JobQueue) *JobHandler {
	return &JobHandler{queue: queue}
}

// GET /queue/stats
func (h *JobHandler) Stats(c *gin.Context) {
	stats, err := h.queue.Stats(dbctx.Background(c.Request.Context()))
	if err != nil {
		response.RespondDomainError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"stats": stats})
}

// GET /jobs/:id
func (h *JobHandler) GetJob(c *gin.Context) {
	job, err := h.queue.GetByID(dbctx.Background(c.Request.Context()), c.Param("id"))
	if err != nil {
		response.RespondDomainError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"job": job})
}

// POST /jobs/:id/cancel
func (h *JobHandler) CancelJob(c *gin.Context) {
	job, err := h.queue.Cancel(dbctx.Background(c.Request.Context()), c.Param("id"))
	if err != nil {
		response.RespondDomainError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"job": job})
}

type enqueueSweepRequest struct {
	OlderThanHours   *int `json:"older_than_hours"`
	OlderThanSeconds *int `json:"older_than_seconds"`
}

// POST /maintenance/:type enqueues a maintenance job (queue_cleanup or stale_lock_sweep).
func (h *JobHandler) EnqueueMaintenance(c *gin.Context) {
	var req enqueueSweepRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
			return
		}
	}
	var payload domainjobs.Payload
	switch domainjobs.JobType(strings.TrimSpace(c.Param("type"))) {
	case domainjobs.JobTypeQueueCleanup:
		p := domainjobs.QueueCleanupPayload{OlderThanHours: 24 * 7}
		if req.OlderThanHours != nil {
			p.OlderThanHours = *req.OlderThanHours
		}
		payload = p
	case domainjobs.JobTypeStaleLockSweep:
		p := domainjobs.StaleLockSweepPayload{OlderThanSeconds: 15 * 60}
		if req.OlderThanSeconds != nil {
			p.OlderThanSeconds = *req.OlderThanSeconds
		}
		payload = p
	default:
		response.RespondError(c, http.StatusNotFound, "unknown_job_type", nil)
		return
	}
	job, err := h.queue.Enqueue(dbctx.Background(c.Request.Context()), payload, repojobs.EnqueueOptions{})
	if err != nil {
		response.RespondDomainError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

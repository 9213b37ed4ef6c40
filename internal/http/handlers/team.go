package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	repojobs "github.com/yungbote/pgcoord/internal/data/repos/jobs"
	domainjobs "github.com/yungbote/pgcoord/internal/domain/jobs"
	"github.com/yungbote/pgcoord/internal/domain/relations"
	"github.com/yungbote/pgcoord/internal/http/response"
	"github.com/yungbote/pgcoord/internal/platform/dbctx"
)

// MemberLister is the read side of the team relationship manager.
type MemberLister interface {
	Members(dbc dbctx.Context, ownerID string) ([]relations.Link, error)
}

type TeamHandler struct {
	members MemberLister
	queue   repojobs.JobQueue
}

func NewTeamHandler(members MemberLister, queue repojobs.JobQueue) *TeamHandler {
	return &TeamHandler{members: members, queue: queue}
}

// GET /teams/:id/members
func (h *TeamHandler) ListMembers(c *gin.Context) {
	links, err := h.members.Members(dbctx.Background(c.Request.Context()), c.Param("id"))
	if err != nil {
		response.RespondDomainError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"members": links})
}

// POST /teams/:id/reconcile queues a rebuild of the team's member mirror.
func (h *TeamHandler) Reconcile(c *gin.Context) {
	job, err := h.queue.Enqueue(
		dbctx.Background(c.Request.Context()),
		domainjobs.MembershipReconcilePayload{TeamID: c.Param("id")},
		repojobs.EnqueueOptions{},
	)
	if err != nil {
		response.RespondDomainError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

package domain

import (
	"github.com/yungbote/pgcoord/internal/domain/jobs"
	"github.com/yungbote/pgcoord/internal/domain/relations"
	"github.com/yungbote/pgcoord/internal/domain/teams"
)

type Job = jobs.Job
type JobType = jobs.JobType
type JobStatus = jobs.Status
type QueueStats = jobs.QueueStats

type Link = relations.Link

type Team = teams.Team

const (
	JobStatusPending    = jobs.StatusPending
	JobStatusProcessing = jobs.StatusProcessing
	JobStatusCompleted  = jobs.StatusCompleted
	JobStatusFailed     = jobs.StatusFailed
	JobStatusCancelled  = jobs.StatusCancelled
)

package jobs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type JobType string

const (
	JobTypeMembershipReconcile JobType = "membership_reconcile"
	JobTypeQueueCleanup        JobType = "queue_cleanup"
	JobTypeStaleLockSweep      JobType = "stale_lock_sweep"
)

// KnownJobTypes lists every job type a payload can be decoded for.
func KnownJobTypes() []JobType {
	return []JobType{JobTypeMembershipReconcile, JobTypeQueueCleanup, JobTypeStaleLockSweep}
}

// Payload is the tagged union of job inputs; the tag is JobType().
type Payload interface {
	JobType() JobType
	Validate() error
}

// MembershipReconcilePayload asks a worker to rebuild a team's member_ids from its link rows.
type MembershipReconcilePayload struct {
	TeamID string `json:"team_id"`
}

func (MembershipReconcilePayload) JobType() JobType { return JobTypeMembershipReconcile }

func (p MembershipReconcilePayload) Validate() error {
	if strings.TrimSpace(p.TeamID) == "" {
		return fmt.Errorf("team_id is required")
	}
	return nil
}

// QueueCleanupPayload deletes terminal jobs older than OlderThanHours.
type QueueCleanupPayload struct {
	OlderThanHours int `json:"older_than_hours"`
}

func (QueueCleanupPayload) JobType() JobType { return JobTypeQueueCleanup }

func (p QueueCleanupPayload) Validate() error {
	if p.OlderThanHours < 0 {
		return fmt.Errorf("older_than_hours must be >= 0")
	}
	return nil
}

// StaleLockSweepPayload releases processing jobs locked longer than OlderThanSeconds.
type StaleLockSweepPayload struct {
	OlderThanSeconds int `json:"older_than_seconds"`
}

func (StaleLockSweepPayload) JobType() JobType { return JobTypeStaleLockSweep }

func (p StaleLockSweepPayload) Validate() error {
	if p.OlderThanSeconds <= 0 {
		return fmt.Errorf("older_than_seconds must be > 0")
	}
	return nil
}

// EncodePayload validates p and marshals it for the payload column.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("payload is required")
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%s payload: %w", p.JobType(), err)
	}
	return json.Marshal(p)
}

// DecodePayload returns the typed payload for t.
func DecodePayload(t JobType, raw []byte) (Payload, error) {
	var p Payload
	switch t {
	case JobTypeMembershipReconcile:
		var v MembershipReconcilePayload
		if err := unmarshal(raw, &v); err != nil {
			return nil, err
		}
		p = v
	case JobTypeQueueCleanup:
		var v QueueCleanupPayload
		if err := unmarshal(raw, &v); err != nil {
			return nil, err
		}
		p = v
	case JobTypeStaleLockSweep:
		var v StaleLockSweepPayload
		if err := unmarshal(raw, &v); err != nil {
			return nil, err
		}
		p = v
	default:
		return nil, fmt.Errorf("unknown job type %q", t)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%s payload: %w", t, err)
	}
	return p, nil
}

// DecodeJobPayload is DecodePayload for a stored job row.
func DecodeJobPayload(j *Job) (Payload, error) {
	if j == nil {
		return nil, fmt.Errorf("nil job")
	}
	return DecodePayload(j.Type, j.Payload)
}

// unmarshal rejects fields the payload type does not declare.
func unmarshal(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data after payload")
	}
	return nil
}

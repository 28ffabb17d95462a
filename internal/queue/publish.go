package queue

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/ChuLiYu/statuscast/pkg/types"
)

// publish sends a status event for job to its owner over the broker channel.
// An unknown owner or a broker error is logged and dropped.
func (q *Queue) publish(ctx context.Context, job types.Job, status types.Status) {
	owner, ok := q.deps.Owners.Resolve(ctx, job.SubjectID)
	if !ok {
		logger().Warn("owner not resolved, status not published", "subjectID", job.SubjectID, "jobID", job.ID, "status", status)
		return
	}

	event := types.StatusEvent{
		UserID:       owner,
		EventID:      uuid.NewString(),
		JobSubjectID: job.SubjectID,
		Status:       status,
		UpdatedAt:    types.FormatTimestamp(q.now()),
	}
	raw, err := json.Marshal(event)
	if err != nil {
		logger().Error("encode status event failed", "jobID", job.ID, "error", err)
		return
	}
	if err := q.deps.Broker.Publish(ctx, q.cfg.Channel, raw); err != nil {
		logger().Error("publish status failed", "jobID", job.ID, "status", status, "error", err)
		return
	}
	logger().Debug("status published", "jobID", job.ID, "userID", owner, "status", status, "eventID", event.EventID)
}

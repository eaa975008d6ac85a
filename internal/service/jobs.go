package service

import (
	"encoding/json"

	"github.com/pesio-ai/be-hr-approvals/internal/repository"
	"github.com/pesio-ai/be-hr-approvals/internal/workflow"
)

// entryJobs returns the outbox jobs caused by inst entering stage sd. actor
// and comments describe the decision that caused the move, if any.
func entryJobs(inst *repository.Instance, sd workflow.StageDef, actor, comments string) []*repository.DispatchJob {
	var jobs []*repository.DispatchJob

	if sd.ArtifactJob {
		jobs = append(jobs, &repository.DispatchJob{
			JobType:  repository.JobGenerateArtifacts,
			DedupKey: "enter:" + string(sd.Stage),
		})
	}

	switch {
	case sd.Terminal:
		jobs = append(jobs, notifyJob("submitter:"+string(sd.Stage), repository.NotifyPayload{
			EventType:   terminalEvent(sd),
			RecipientID: inst.CreatedBy,
			Stage:       sd.Stage,
			ActorID:     actor,
			Comments:    comments,
		}))
	case sd.Decidable() && !sd.Draft:
		jobs = append(jobs, notifyJob("role:"+string(sd.Stage), repository.NotifyPayload{
			EventType:     EventApprovalRequired,
			RecipientRole: sd.Roles[0],
			Stage:         sd.Stage,
			ActorID:       actor,
		}))
	}
	return jobs
}

// withdrawnJobs tells the role that was awaiting a cancelled request.
func withdrawnJobs(from workflow.StageDef, to workflow.Stage, actor, reason string) []*repository.DispatchJob {
	if !from.Decidable() || from.Draft {
		return nil
	}
	return []*repository.DispatchJob{
		notifyJob("role:"+string(to), repository.NotifyPayload{
			EventType:     EventWorkflowCancelled,
			RecipientRole: from.Roles[0],
			Stage:         to,
			ActorID:       actor,
			Comments:      reason,
		}),
	}
}

func notifyJob(key string, p repository.NotifyPayload) *repository.DispatchJob {
	// NotifyPayload has only plain fields; Marshal cannot fail.
	raw, _ := json.Marshal(p)
	return &repository.DispatchJob{
		JobType:  repository.JobNotify,
		DedupKey: key,
		Payload:  raw,
	}
}

func terminalEvent(sd workflow.StageDef) string {
	switch sd.Stage {
	case workflow.StageRejected:
		return EventWorkflowRejected
	case workflow.StageCancelled:
		return EventWorkflowCancelled
	case workflow.StageProcessed:
		return EventWorkflowProcessed
	}
	if sd.Approved {
		return EventWorkflowApproved
	}
	return EventWorkflowRejected
}

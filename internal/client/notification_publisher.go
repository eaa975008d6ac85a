package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pesio-ai/be-hr-approvals/internal/logger"
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
	"github.com/pesio-ai/be-hr-approvals/internal/service"
)

// NotificationPublisher publishes approval events to NATS for the
// notifications service and for the modules that own workflow subjects.
//
// Subject conventions:
//
//	notifications.hr.<event_type>                  user-facing notifications
//	hr.workflow.<kind>.instance_created|terminal   lifecycle hooks
//
// Notify returns publish errors so the dispatcher can retry. Lifecycle hook
// failures are logged by the engine and never interrupt a decision.
type NotificationPublisher struct {
	pub Publisher
	log *logger.Logger
	now func() time.Time
}

// NotificationEvent is the JSON schema published on notifications.hr.*.
type NotificationEvent struct {
	EventType     string         `json:"event_type"`
	ActorID       string         `json:"actor_id,omitempty"`
	Recipients    []string       `json:"recipients,omitempty"`
	RecipientRole string         `json:"recipient_role,omitempty"`
	ResourceType  string         `json:"resource_type"`
	ResourceID    string         `json:"resource_id"`
	IsActionable  bool           `json:"is_actionable,omitempty"`
	ActionURL     string         `json:"action_url,omitempty"`
	Severity      string         `json:"severity"`
	Category      string         `json:"category"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// LifecycleEvent is the JSON schema published on hr.workflow.*.
type LifecycleEvent struct {
	InstanceID string    `json:"instance_id"`
	Kind       string    `json:"kind"`
	SubjectID  string    `json:"subject_id"`
	Stage      string    `json:"stage"`
	Terminal   bool      `json:"terminal"`
	CreatedBy  string    `json:"created_by"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewNotificationPublisher creates a publisher. A nil pub disables publishing.
func NewNotificationPublisher(pub Publisher, log *logger.Logger) *NotificationPublisher {
	return &NotificationPublisher{pub: pub, log: log, now: time.Now}
}

// Notify implements service.Notifier.
func (p *NotificationPublisher) Notify(ctx context.Context, userID string, event service.Event) error {
	if p.pub == nil {
		return nil
	}

	n := &NotificationEvent{
		EventType:     event.Type,
		ActorID:       event.ActorID,
		RecipientRole: string(event.RecipientRole),
		ResourceType:  string(event.Kind),
		ResourceID:    event.InstanceID,
		IsActionable:  event.Type == service.EventApprovalRequired,
		ActionURL:     "/approvals/" + event.InstanceID,
		Severity:      severity(event.Type),
		Category:      "hr_approval",
		Payload: map[string]any{
			"subject_id": event.SubjectID,
			"stage":      event.Stage,
		},
	}
	if userID != "" {
		n.Recipients = []string{userID}
	}
	if event.Comments != "" {
		n.Payload["comments"] = event.Comments
	}

	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	subject := "notifications.hr." + event.Type
	if err := p.pub.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	p.log.Debug().
		Str("subject", subject).
		Str("instance_id", event.InstanceID).
		Str("recipient_id", userID).
		Msg("notification: event published")
	return nil
}

// OnInstanceCreated implements service.SubjectHooks.
func (p *NotificationPublisher) OnInstanceCreated(ctx context.Context, inst *repository.Instance) error {
	return p.lifecycle(ctx, "instance_created", inst)
}

// OnTerminal implements service.SubjectHooks.
func (p *NotificationPublisher) OnTerminal(ctx context.Context, inst *repository.Instance) error {
	return p.lifecycle(ctx, "instance_terminal", inst)
}

func (p *NotificationPublisher) lifecycle(ctx context.Context, event string, inst *repository.Instance) error {
	if p.pub == nil {
		return nil
	}
	data, err := json.Marshal(&LifecycleEvent{
		InstanceID: inst.ID,
		Kind:       string(inst.Kind),
		SubjectID:  inst.SubjectID,
		Stage:      string(inst.CurrentStage),
		Terminal:   inst.Terminal,
		CreatedBy:  inst.CreatedBy,
		OccurredAt: p.now().UTC(),
	})
	if err != nil {
		return err
	}
	subject := fmt.Sprintf("hr.workflow.%s.%s", inst.Kind, event)
	return p.pub.Publish(ctx, subject, data)
}

func severity(eventType string) string {
	switch eventType {
	case service.EventWorkflowRejected:
		return "warning"
	case service.EventApprovalRequired:
		return "action"
	}
	return "info"
}

package service

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/pesio-ai/be-hr-approvals/internal/errors"
	"github.com/pesio-ai/be-hr-approvals/internal/logger"
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
	"github.com/pesio-ai/be-hr-approvals/internal/workflow"
)

// summaryConcurrency bounds parallel SubjectProvider calls per queue read.
const summaryConcurrency = 8

// InstanceLister is the read side the router needs.
type InstanceLister interface {
	ListAwaiting(ctx context.Context, refs []workflow.StageRef) ([]*repository.Instance, error)
}

// PendingItem is one instance awaiting the caller's role.
type PendingItem struct {
	Instance     *repository.Instance `json:"instance"`
	RequiredRole workflow.Role        `json:"required_role"`
	Summary      SubjectSummary       `json:"summary,omitempty"`
}

// StageCount is the number of instances waiting at one stage.
type StageCount struct {
	Kind  workflow.Kind  `json:"kind"`
	Stage workflow.Stage `json:"stage"`
	Count int            `json:"count"`
}

// QueueStats summarizes a role's queue.
type QueueStats struct {
	Role    workflow.Role `json:"role"`
	Total   int           `json:"total"`
	ByStage []StageCount  `json:"by_stage"`
}

// QueueRouter answers "what is waiting for me" from the registry and the
// instance store. Nothing is cached; every call reflects committed state.
type QueueRouter struct {
	registry *workflow.Registry
	store    InstanceLister
	subjects SubjectProviders
	log      *logger.Logger
}

// NewQueueRouter creates a new QueueRouter. subjects may be nil.
func NewQueueRouter(registry *workflow.Registry, store InstanceLister, subjects SubjectProviders, log *logger.Logger) *QueueRouter {
	return &QueueRouter{registry: registry, store: store, subjects: subjects, log: log}
}

// PendingFor returns the instances whose current stage role may decide,
// oldest first, enriched with subject summaries. kinds filters by kind.
func (r *QueueRouter) PendingFor(ctx context.Context, role workflow.Role, kinds ...workflow.Kind) ([]*PendingItem, error) {
	instances, err := r.awaiting(ctx, role, kinds)
	if err != nil {
		return nil, err
	}

	items := make([]*PendingItem, len(instances))
	for i, inst := range instances {
		required, _ := r.registry.RequiredRole(inst.Kind, inst.CurrentStage)
		items[i] = &PendingItem{Instance: inst, RequiredRole: required}
	}
	r.enrich(ctx, items)
	return items, nil
}

// StatsFor counts a role's queue per stage. Stages with nothing waiting are
// listed with a zero count.
func (r *QueueRouter) StatsFor(ctx context.Context, role workflow.Role, kinds ...workflow.Kind) (*QueueStats, error) {
	if err := r.validate(role, kinds); err != nil {
		return nil, err
	}
	refs := r.registry.StagesAwaiting(role, kinds...)

	stats := &QueueStats{Role: role, ByStage: make([]StageCount, len(refs))}
	index := make(map[workflow.StageRef]int, len(refs))
	for i, ref := range refs {
		stats.ByStage[i] = StageCount{Kind: ref.Kind, Stage: ref.Stage}
		index[ref] = i
	}
	if len(refs) == 0 {
		return stats, nil
	}

	instances, err := r.store.ListAwaiting(ctx, refs)
	if err != nil {
		return nil, err
	}
	for _, inst := range instances {
		if i, ok := index[workflow.StageRef{Kind: inst.Kind, Stage: inst.CurrentStage}]; ok {
			stats.ByStage[i].Count++
			stats.Total++
		}
	}
	return stats, nil
}

func (r *QueueRouter) awaiting(ctx context.Context, role workflow.Role, kinds []workflow.Kind) ([]*repository.Instance, error) {
	if err := r.validate(role, kinds); err != nil {
		return nil, err
	}
	refs := r.registry.StagesAwaiting(role, kinds...)
	if len(refs) == 0 {
		return []*repository.Instance{}, nil
	}
	return r.store.ListAwaiting(ctx, refs)
}

func (r *QueueRouter) validate(role workflow.Role, kinds []workflow.Kind) error {
	if !workflow.ValidRole(role) {
		return errors.InvalidInput("role", "unknown role "+string(role))
	}
	for _, k := range kinds {
		if _, err := r.registry.Lookup(k); err != nil {
			return err
		}
	}
	return nil
}

// enrich fills summaries concurrently. A failing provider leaves the summary
// empty; the queue is still returned.
func (r *QueueRouter) enrich(ctx context.Context, items []*PendingItem) {
	if len(r.subjects) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(summaryConcurrency)
	for _, item := range items {
		provider, ok := r.subjects[item.Instance.Kind]
		if !ok {
			continue
		}
		item := item
		g.Go(func() error {
			summary, err := provider.Summary(gctx, item.Instance.SubjectID)
			if err != nil {
				r.log.Warn().Err(err).
					Str("instance_id", item.Instance.ID).
					Str("subject_id", item.Instance.SubjectID).
					Msg("Failed to load subject summary")
				return nil
			}
			item.Summary = summary
			return nil
		})
	}
	_ = g.Wait()
}

package workflow

import (
	"sort"

	"github.com/pesio-ai/be-hr-approvals/internal/errors"
)

// genericRequest builds the single-stage pipeline shared by HR requests.
func genericRequest(kind Kind, approver Role, cancellable bool) Definition {
	pending := StageDef{
		Stage:     StagePending,
		Roles:     []Role{approver},
		OnApprove: StageApproved,
		OnReject:  StageRejected,
	}
	if cancellable {
		pending.OnCancel = StageCancelled
	}
	return Definition{
		Kind: kind,
		Stages: []StageDef{
			pending,
			{Stage: StageApproved, Terminal: true, Approved: true},
			{Stage: StageRejected, Terminal: true},
			{Stage: StageCancelled, Terminal: true},
		},
	}
}

var definitions = []Definition{
	{
		Kind: KindPayrollBatch,
		Stages: []StageDef{
			{
				Stage:     StageDraft,
				Roles:     []Role{RoleHRManager},
				OnApprove: StagePendingFinance,
				OnCancel:  StageCancelled,
				Draft:     true,
			},
			{
				Stage:     StagePendingFinance,
				Roles:     []Role{RoleFinanceManager},
				OnApprove: StagePendingCEO,
				OnReject:  StageRejected,
			},
			{
				Stage:     StagePendingCEO,
				Roles:     []Role{RoleCEO, RoleAdmin},
				OnApprove: StageApproved,
				OnReject:  StageRejected,
			},
			{
				Stage:       StageApproved,
				Terminal:    true,
				Approved:    true,
				ArtifactJob: true,
				OnProcessed: StageProcessed,
			},
			{Stage: StageProcessed, Terminal: true, Approved: true},
			{Stage: StageRejected, Terminal: true},
			{Stage: StageCancelled, Terminal: true},
		},
	},
	genericRequest(KindLeave, RoleSupervisor, true),
	genericRequest(KindTravel, RoleSupervisor, true),
	genericRequest(KindTimesheet, RoleSupervisor, false),
	genericRequest(KindExpense, RoleFinanceManager, true),
	genericRequest(KindPerformance, RoleHRManager, false),
}

// Registry is the read-only lookup over the definitions table.
type Registry struct {
	byKind map[Kind]*Definition
	kinds  []Kind
}

// NewRegistry indexes the given definitions.
func NewRegistry(defs []Definition) *Registry {
	r := &Registry{byKind: make(map[Kind]*Definition, len(defs))}
	for i := range defs {
		def := defs[i]
		r.byKind[def.Kind] = &def
		r.kinds = append(r.kinds, def.Kind)
	}
	return r
}

// Default is the registry of every pipeline this service knows about.
var Default = NewRegistry(definitions)

// Kinds returns the registered kinds in definition order.
func (r *Registry) Kinds() []Kind {
	out := make([]Kind, len(r.kinds))
	copy(out, r.kinds)
	return out
}

// Definitions returns every definition in definition order.
func (r *Registry) Definitions() []Definition {
	out := make([]Definition, 0, len(r.kinds))
	for _, k := range r.kinds {
		out = append(out, *r.byKind[k])
	}
	return out
}

// Lookup returns the definition of kind.
func (r *Registry) Lookup(kind Kind) (*Definition, error) {
	def, ok := r.byKind[kind]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeUnknownWorkflowKind, "unknown workflow kind %q", kind)
	}
	return def, nil
}

// StageDef returns the definition of a stage within kind.
func (r *Registry) StageDef(kind Kind, stage Stage) (StageDef, error) {
	def, err := r.Lookup(kind)
	if err != nil {
		return StageDef{}, err
	}
	sd, ok := def.Stage(stage)
	if !ok {
		return StageDef{}, errors.Newf(errors.ErrCodeInvalidTransition, "stage %s is not defined for %s", stage, kind)
	}
	return sd, nil
}

// RequiredRole returns the role that must decide stage.
func (r *Registry) RequiredRole(kind Kind, stage Stage) (Role, error) {
	sd, err := r.StageDef(kind, stage)
	if err != nil {
		return "", err
	}
	if !sd.Decidable() {
		return "", errors.Newf(errors.ErrCodeInvalidTransition, "stage %s of %s is not decided by an approver", stage, kind)
	}
	return sd.Roles[0], nil
}

// Authorizes reports whether role may decide stage.
func (r *Registry) Authorizes(kind Kind, stage Stage, role Role) bool {
	sd, err := r.StageDef(kind, stage)
	if err != nil || !sd.Decidable() {
		return false
	}
	for _, allowed := range sd.Roles {
		if allowed == role {
			return true
		}
	}
	return false
}

// Next is the transition function: the stage reached from stage by outcome.
func (r *Registry) Next(kind Kind, stage Stage, outcome Outcome) (Stage, error) {
	def, err := r.Lookup(kind)
	if err != nil {
		return "", err
	}
	return def.Next(stage, outcome)
}

// StagesAwaiting lists every non-terminal stage, across all kinds, that role
// may decide. Kinds filters the result when non-empty.
func (r *Registry) StagesAwaiting(role Role, kinds ...Kind) []StageRef {
	want := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}

	var refs []StageRef
	for _, k := range r.kinds {
		if len(want) > 0 && !want[k] {
			continue
		}
		for _, sd := range r.byKind[k].Stages {
			if !sd.Decidable() {
				continue
			}
			for _, allowed := range sd.Roles {
				if allowed == role {
					refs = append(refs, StageRef{Kind: k, Stage: sd.Stage})
					break
				}
			}
		}
	}
	return refs
}

// Replay folds outcomes through the transition function starting at the
// kind's initial stage.
func (r *Registry) Replay(kind Kind, outcomes []Outcome) (Stage, error) {
	def, err := r.Lookup(kind)
	if err != nil {
		return "", err
	}
	stage := def.Initial()
	for _, o := range outcomes {
		if stage, err = def.Next(stage, o); err != nil {
			return "", err
		}
	}
	return stage, nil
}

// Initial returns the stage new instances start in.
func (d *Definition) Initial() Stage {
	return d.Stages[0].Stage
}

// Stage returns the definition of stage.
func (d *Definition) Stage(stage Stage) (StageDef, bool) {
	for _, sd := range d.Stages {
		if sd.Stage == stage {
			return sd, true
		}
	}
	return StageDef{}, false
}

// Contains reports whether stage belongs to the stage list.
func (d *Definition) Contains(stage Stage) bool {
	_, ok := d.Stage(stage)
	return ok
}

// StageList returns the stage names in order.
func (d *Definition) StageList() []Stage {
	out := make([]Stage, len(d.Stages))
	for i, sd := range d.Stages {
		out[i] = sd.Stage
	}
	return out
}

// Next returns the successor of stage for outcome.
func (d *Definition) Next(stage Stage, outcome Outcome) (Stage, error) {
	sd, ok := d.Stage(stage)
	if !ok {
		return "", errors.Newf(errors.ErrCodeInvalidTransition, "stage %s is not defined for %s", stage, d.Kind)
	}

	var next Stage
	switch outcome {
	case OutcomeApproved:
		if sd.Decidable() {
			next = sd.OnApprove
		}
	case OutcomeRejected:
		if sd.Decidable() {
			next = sd.OnReject
		}
	case OutcomeCancelled:
		next = sd.OnCancel
	case OutcomeProcessed:
		next = sd.OnProcessed
	default:
		return "", errors.InvalidInput("outcome", "unknown outcome "+string(outcome))
	}
	if next == "" {
		return "", errors.Newf(errors.ErrCodeInvalidTransition, "%s %s does not accept outcome %s", d.Kind, stage, outcome)
	}
	return next, nil
}

// IsTerminal reports whether stage accepts no further decisions.
func (d *Definition) IsTerminal(stage Stage) bool {
	sd, ok := d.Stage(stage)
	return ok && sd.Terminal
}

// TerminalStages returns the terminal stage names sorted for stable output.
func (d *Definition) TerminalStages() []Stage {
	var out []Stage
	for _, sd := range d.Stages {
		if sd.Terminal {
			out = append(out, sd.Stage)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

package engine

import "iqeas/internal/domain"

// StageState is the derived view of one stage.
type StageState struct {
	Stage  domain.StageName   `json:"stage" enum:"IDC,IFR,IFA,AFC"`
	Status domain.StageStatus `json:"status" enum:"locked,active,approved"`
	// Phase is the last action in the stage log, empty when the log is empty.
	Phase  domain.StageAction `json:"phase,omitempty"`
	Events int                `json:"events"`
}

// EvaluateStages folds the stage logs of a deliverable into one state per stage,
// in StageSequence order. Stages missing from logs have empty logs.
func EvaluateStages(logs map[domain.StageName][]domain.StageEvent) []StageState {
	out := make([]StageState, 0, len(domain.StageSequence))
	priorApproved := true
	for _, stage := range domain.StageSequence {
		log := logs[stage]
		st := StageState{Stage: stage, Events: len(log), Phase: lastStageAction(log)}
		switch {
		case containsApproval(log):
			st.Status = domain.StageStatusApproved
		case priorApproved:
			st.Status = domain.StageStatusActive
			priorApproved = false
		default:
			st.Status = domain.StageStatusLocked
		}
		if st.Status != domain.StageStatusApproved {
			priorApproved = false
		}
		out = append(out, st)
	}
	return out
}

// StageStatusOf returns the state of stage within states.
func StageStatusOf(states []StageState, stage domain.StageName) StageState {
	for _, st := range states {
		if st.Stage == stage {
			return st
		}
	}
	return StageState{Stage: stage, Status: domain.StageStatusLocked}
}

func containsApproval(log []domain.StageEvent) bool {
	for _, e := range log {
		if e.Action == domain.StageApproved {
			return true
		}
	}
	return false
}

func lastStageAction(log []domain.StageEvent) domain.StageAction {
	if len(log) == 0 {
		return ""
	}
	return log[len(log)-1].Action
}

// stagePhaseSuccessors lists, per current phase, the actions allowed next
// inside an active stage.
var stagePhaseSuccessors = map[domain.StageAction][]domain.StageAction{
	"":                     {domain.StageInProgress},
	domain.StageInProgress: {domain.StageSubmitted},
	domain.StageSubmitted:  {domain.StageRejected, domain.StageReopened, domain.StageApproved},
	domain.StageRejected:   {domain.StageInProgress, domain.StageReopened},
	domain.StageReopened:   {domain.StageInProgress},
}

// CheckStageAction validates action against the derived state of the stage.
func CheckStageAction(st StageState, action domain.StageAction) error {
	if st.Status != domain.StageStatusActive {
		return domain.TransitionError{Entity: "stage " + string(st.Stage), From: string(st.Status), Action: string(action)}
	}
	for _, next := range stagePhaseSuccessors[st.Phase] {
		if next == action {
			return nil
		}
	}
	from := string(st.Phase)
	if from == "" {
		from = "not-started"
	}
	return domain.TransitionError{Entity: "stage " + string(st.Stage), From: from, Action: string(action)}
}

func validStageAction(a domain.StageAction) bool {
	switch a {
	case domain.StageInProgress, domain.StageSubmitted, domain.StageRejected, domain.StageReopened, domain.StageApproved:
		return true
	}
	return false
}

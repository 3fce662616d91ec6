package hsm

import "datamake/internal/model"

var sessionTransitions = map[model.SessionStatus]map[model.SessionStatus]bool{
	model.SessionStatusChecking: {
		model.SessionStatusSatisfied: true,
		model.SessionStatusPlanning:  true,
		model.SessionStatusAborted:   true,
	},
	model.SessionStatusPlanning: {
		model.SessionStatusEditing: true,
		model.SessionStatusRunning: true,
		model.SessionStatusAborted: true,
	},
	model.SessionStatusEditing: {
		model.SessionStatusRunning:  true,
		model.SessionStatusCanceled: true,
		model.SessionStatusAborted:  true,
	},
	model.SessionStatusRunning: {
		model.SessionStatusSucceeded: true,
		model.SessionStatusAborted:   true,
	},
}

func CanTransitionSession(from model.SessionStatus, to model.SessionStatus) bool {
	if from == to {
		return true
	}
	return sessionTransitions[from][to]
}

package reducer

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func isTerminal(state string) bool {
	switch state {
	case AssignmentCompleted, AssignmentFailed, AssignmentCanceled:
		return true
	}
	return false
}

func TestTransitionTableShape(t *testing.T) {
	// Terminal states have no outgoing transitions.
	for _, terminal := range []string{AssignmentCompleted, AssignmentFailed, AssignmentCanceled} {
		assert.Empty(t, allowedTransitions[terminal])
	}
	// canceled is reachable from every non-terminal state.
	for _, state := range []string{AssignmentOpen, AssignmentAssigned, AssignmentRunning} {
		assert.True(t, allowedTransitions[state][AssignmentCanceled], "canceled from %s", state)
	}
	assert.False(t, allowedTransitions[AssignmentOpen][AssignmentRunning], "open cannot skip assigned")
}

// TestTransitionWalksReachTerminalOnce drives random walks through the
// transition table: every walk that keeps taking allowed transitions reaches
// a terminal state at most once and can never leave it.
func TestTransitionWalksReachTerminalOnce(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	allStates := []string{
		AssignmentOpen, AssignmentAssigned, AssignmentRunning,
		AssignmentCompleted, AssignmentFailed, AssignmentCanceled,
	}

	properties.Property("allowed walks terminate at most once", prop.ForAll(
		func(choices []int) bool {
			state := AssignmentOpen
			terminalHits := 0
			for _, choice := range choices {
				if isTerminal(state) {
					// Any attempted transition out of a terminal state must
					// be disallowed.
					for _, next := range allStates {
						if allowedTransitions[state][next] {
							return false
						}
					}
					break
				}
				next := allStates[choice%len(allStates)]
				if !allowedTransitions[state][next] {
					continue
				}
				state = next
				if isTerminal(state) {
					terminalHits++
				}
			}
			return terminalHits <= 1
		},
		gen.SliceOf(gen.IntRange(0, 5)),
	))

	properties.TestingRun(t)
}

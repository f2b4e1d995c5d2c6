package controller

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"coverloop/internal/types"
)

// State is a controller state.
type State int

const (
	StateInit State = iota
	StateNormalIteration
	StateEvaluate
	StateEarlyExit
	StateEnterInteractive
	StateInteractiveMenu
	StateDispatchSpecific
	StateDispatchDeeper
	StateContinue
	StateExit
	StateRetryMenu
	StateFinalReport
)

var stateNames = [...]string{
	StateInit:             "INIT",
	StateNormalIteration:  "NORMAL_ITERATION",
	StateEvaluate:         "EVALUATE",
	StateEarlyExit:        "EARLY_EXIT",
	StateEnterInteractive: "ENTER_INTERACTIVE",
	StateInteractiveMenu:  "INTERACTIVE_MENU",
	StateDispatchSpecific: "DISPATCH_SPECIFIC",
	StateDispatchDeeper:   "DISPATCH_DEEPER",
	StateContinue:         "CONTINUE",
	StateExit:             "EXIT",
	StateRetryMenu:        "RETRY_MENU",
	StateFinalReport:      "FINAL_REPORT",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Transition is one entry of the controller's transition log.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// =============================================================================
// MENU INPUT
// =============================================================================

// Action is what a menu input asks the controller to do.
type Action int

const (
	ActionInvalid Action = iota
	ActionExit
	ActionContinue
	ActionSpecific
	ActionDeeper
	ActionComplete
)

func (a Action) String() string {
	switch a {
	case ActionExit:
		return "exit"
	case ActionContinue:
		return "continue"
	case ActionSpecific:
		return "specific"
	case ActionDeeper:
		return "deeper"
	case ActionComplete:
		return "complete"
	}
	return "invalid"
}

// Choice is a classified menu input.
type Choice struct {
	Action         Action
	Recommendation *types.Recommendation
}

// Classify maps raw menu input onto an action. "0" exits, an empty line
// continues, 1..len(recs) selects a recommendation by its type; anything
// else is invalid.
func Classify(input string, recs []types.Recommendation) Choice {
	input = strings.TrimSpace(input)
	switch {
	case input == "":
		return Choice{Action: ActionContinue}
	case input == "0":
		return Choice{Action: ActionExit}
	case !isDigits(input):
		return Choice{Action: ActionInvalid}
	}

	k, err := strconv.Atoi(input)
	if err != nil || k < 1 || k > len(recs) {
		return Choice{Action: ActionInvalid}
	}
	rec := recs[k-1]
	switch rec.Type {
	case types.RecommendDeeper:
		return Choice{Action: ActionDeeper, Recommendation: &rec}
	case types.RecommendComplete:
		return Choice{Action: ActionComplete, Recommendation: &rec}
	}
	return Choice{Action: ActionSpecific, Recommendation: &rec}
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// CompletionResult is returned by the completion handler.
type CompletionResult struct {
	ShouldExit bool
}

// HandleComplete handles the "complete" recommendation.
func HandleComplete() CompletionResult {
	return CompletionResult{ShouldExit: true}
}

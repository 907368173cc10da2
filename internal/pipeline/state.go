package pipeline

import "github.com/ent0n29/faqflow/internal/faq"

// State is a step of the query state machine:
//
//	received -> grading -> rejected -------------------> done
//	                    -> responding -----------------> done
//	                                  -> falling_back -> done
type State string

const (
	StateReceived    State = "received"
	StateGrading     State = "grading"
	StateRejected    State = "rejected"
	StateResponding  State = "responding"
	StateFallingBack State = "falling_back"
	StateDone        State = "done"
)

// Path names which stage produced the final answer.
type Path string

const (
	PathRejected Path = "rejected"
	PathPrimary  Path = "primary"
	PathFallback Path = "fallback"
)

// stageOutcome is the result of one state: the next state to enter plus
// whatever the stage contributed.
type stageOutcome struct {
	next   State
	grade  *Grade
	answer *faq.Answer
	path   Path
}

// validTransitions lists the edges the machine may take.
var validTransitions = map[State][]State{
	StateReceived:    {StateGrading},
	StateGrading:     {StateRejected, StateResponding},
	StateRejected:    {StateDone},
	StateResponding:  {StateDone, StateFallingBack},
	StateFallingBack: {StateDone},
}

func canTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

package quickquiz

import "fmt"

// LoopState is the lifecycle state of one candidate in the evaluation loop.
type LoopState string

const (
	StateGenerated  LoopState = "GENERATED"
	StateEvaluating LoopState = "EVALUATING"
	StateApproved   LoopState = "APPROVED"
	StateAmending   LoopState = "AMENDING"
	StateRejected   LoopState = "REJECTED"
)

// EvaluationLoop tracks a single candidate through evaluation and
// amendment until it reaches a terminal state. With an amendment budget
// of B the candidate is evaluated at most B+1 times. The loop is owned by
// one goroutine and is not safe for concurrent use.
type EvaluationLoop struct {
	question    *Question
	state       LoopState
	budget      int
	amendments  int
	evalCalls   int
	history     []*Evaluation
	finalReason string
}

// NewEvaluationLoop starts a loop for a freshly generated candidate.
func NewEvaluationLoop(q *Question, amendmentBudget int) *EvaluationLoop {
	if amendmentBudget < 0 {
		amendmentBudget = 0
	}
	return &EvaluationLoop{
		question: q,
		state:    StateGenerated,
		budget:   amendmentBudget,
	}
}

// Question returns the current candidate, including any revisions.
func (l *EvaluationLoop) Question() *Question { return l.question }

// State returns the loop's current state.
func (l *EvaluationLoop) State() LoopState { return l.state }

// Done reports whether the loop reached a terminal state.
func (l *EvaluationLoop) Done() bool {
	return l.state == StateApproved || l.state == StateRejected
}

// EvaluationCalls returns how many evaluations the loop has admitted.
func (l *EvaluationLoop) EvaluationCalls() int { return l.evalCalls }

// Amendments returns how many amendments the loop has admitted.
func (l *EvaluationLoop) Amendments() int { return l.amendments }

// History returns every evaluation applied so far, oldest first.
func (l *EvaluationLoop) History() []*Evaluation { return l.history }

// FinalReason explains a rejection. It is empty while the loop runs and
// for approved candidates.
func (l *EvaluationLoop) FinalReason() string { return l.finalReason }

// BeginEvaluation admits one evaluation call for the current candidate.
func (l *EvaluationLoop) BeginEvaluation() error {
	if l.state != StateGenerated {
		return fmt.Errorf("cannot begin evaluation from state %s", l.state)
	}
	if l.evalCalls >= l.budget+1 {
		return fmt.Errorf("evaluation call budget of %d exhausted", l.budget+1)
	}
	l.evalCalls++
	l.state = StateEvaluating
	return nil
}

// ApplyVerdict records an evaluation and advances the loop. An amend
// verdict past the amendment budget rejects the candidate in the same
// transition, so the loop never admits another evaluation for it.
func (l *EvaluationLoop) ApplyVerdict(ev *Evaluation) (LoopState, error) {
	if l.state != StateEvaluating {
		return l.state, fmt.Errorf("cannot apply verdict from state %s", l.state)
	}

	l.history = append(l.history, ev)
	l.question.Evaluations = append(l.question.Evaluations, ev)
	l.question.Quality = ev.Aggregate

	switch ev.Verdict {
	case VerdictAccept:
		l.state = StateApproved
		l.question.Status = QuestionApproved
	case VerdictAmend:
		if l.amendments < l.budget {
			l.amendments++
			l.state = StateAmending
		} else {
			l.state = StateRejected
			l.question.Status = QuestionRejected
			l.finalReason = fmt.Sprintf("amendment budget of %d exhausted", l.budget)
		}
	case VerdictReject:
		l.state = StateRejected
		l.question.Status = QuestionRejected
		l.finalReason = ev.Feedback
	default:
		return l.state, fmt.Errorf("unknown verdict %q", ev.Verdict)
	}
	return l.state, nil
}

// ReplaceCandidate swaps in the revised question after an amendment and
// readies the loop for its next evaluation.
func (l *EvaluationLoop) ReplaceCandidate(revised *Question) error {
	if l.state != StateAmending {
		return fmt.Errorf("cannot replace candidate from state %s", l.state)
	}
	revised.Status = QuestionAmended
	l.question = revised
	l.state = StateGenerated
	return nil
}

// ForceReject terminates the loop when the candidate cannot be processed
// further, typically because evaluation or amendment failed.
func (l *EvaluationLoop) ForceReject(reason string) error {
	if l.Done() {
		return fmt.Errorf("loop already terminal in state %s", l.state)
	}
	l.state = StateRejected
	l.question.Status = QuestionRejected
	l.finalReason = reason
	return nil
}

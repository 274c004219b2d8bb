package pulse

import (
	"fmt"
	"time"

	"github.com/loomworks/loom/errors"
)

// OutcomeKind enumerates the three ways a handler attempt can end.
type OutcomeKind int

const (
	// OutcomeSuccess completes the job; its row is removed permanently.
	OutcomeSuccess OutcomeKind = iota

	// OutcomeRetry returns the job to pending with next_run_at = now + delay.
	OutcomeRetry

	// OutcomeCancel removes the job without re-attempt. Used when the target
	// entity (account, workspace, stream) no longer exists.
	OutcomeCancel
)

// Outcome is the result of one handler attempt. Handlers construct outcomes
// only through Success, Retry and Cancel.
type Outcome struct {
	kind   OutcomeKind
	delay  time.Duration
	reason string
}

// Success reports the job complete.
func Success() Outcome {
	return Outcome{kind: OutcomeSuccess}
}

// Retry re-arms the job after delay. A non-positive delay asks the scheduler
// for its default backoff (which grows with the attempt count).
func Retry(delay time.Duration) Outcome {
	return Outcome{kind: OutcomeRetry, delay: delay}
}

// Cancel drops the job permanently, recording why.
func Cancel(reason string) Outcome {
	return Outcome{kind: OutcomeCancel, reason: reason}
}

// OutcomeFromError maps a handler error to an outcome using the failure
// taxonomy: nothing to report is success, a gone entity cancels the job,
// everything else retries with the scheduler's default backoff.
func OutcomeFromError(err error) Outcome {
	if err == nil {
		return Success()
	}
	if errors.IsEntityGone(err) {
		return Cancel(err.Error())
	}
	return Retry(0)
}

// Kind returns the outcome kind.
func (o Outcome) Kind() OutcomeKind { return o.kind }

// Delay returns the requested retry delay (zero means scheduler default).
func (o Outcome) Delay() time.Duration { return o.delay }

// Reason returns the cancellation reason.
func (o Outcome) Reason() string { return o.reason }

func (o Outcome) String() string {
	switch o.kind {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetry:
		if o.delay > 0 {
			return fmt.Sprintf("retry(%s)", o.delay)
		}
		return "retry"
	case OutcomeCancel:
		return fmt.Sprintf("cancel(%s)", o.reason)
	default:
		return "unknown"
	}
}

package platform

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel members of the error union. Concrete clients (and test fakes)
// must return these, or ThrottledError/AuthError, for the corresponding
// platform conditions; anything else is classified as unknown.
var (
	// ErrTargetInaccessible: the target is private, deleted, or otherwise
	// unreachable for everyone. Target-scoped and fatal for a broadcast.
	ErrTargetInaccessible = errors.New("target is private or inaccessible")

	// ErrAlreadyMember: the account is already joined. Treated as success.
	ErrAlreadyMember = errors.New("account is already a member")

	// ErrBannedOnTarget: the platform permanently banned this account.
	ErrBannedOnTarget = errors.New("account is banned")
)

// ThrottledError carries the authoritative wait supplied by the platform.
type ThrottledError struct {
	Seconds int
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("throttled for %ds", e.Seconds)
}

func (e *ThrottledError) Wait() time.Duration {
	return time.Duration(e.Seconds) * time.Second
}

// AuthError: the saved authorization is invalid or authentication failed.
// The session registry reacts by marking the account inactive.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "authentication failed: " + e.Reason
}

// Outcome is the classification of one platform call result.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeThrottled
	OutcomeBanned
	OutcomeTargetGone
	OutcomeUnknown
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeThrottled:
		return "throttled"
	case OutcomeBanned:
		return "banned"
	case OutcomeTargetGone:
		return "target_gone"
	default:
		return "unknown"
	}
}

// Classify maps a platform call error onto the outcome taxonomy. It is the
// only place outcome decisions are made; callers switch on the result and
// never look at error strings.
//
// ErrAlreadyMember classifies as OutcomeOK: a join that finds the account
// already joined has achieved its goal.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}
	var thr *ThrottledError
	switch {
	case errors.Is(err, ErrAlreadyMember):
		return OutcomeOK
	case errors.As(err, &thr):
		return OutcomeThrottled
	case errors.Is(err, ErrBannedOnTarget):
		return OutcomeBanned
	case errors.Is(err, ErrTargetInaccessible):
		return OutcomeTargetGone
	default:
		return OutcomeUnknown
	}
}

// ThrottleWait extracts the platform-supplied wait from a throttling error.
func ThrottleWait(err error) (time.Duration, bool) {
	var thr *ThrottledError
	if errors.As(err, &thr) {
		return thr.Wait(), true
	}
	return 0, false
}

package syncer

// Outcome is the result of submitting one record to one destination.
type Outcome int

const (
	// Delivered means the server acknowledged with an id.
	Delivered Outcome = iota

	// Rejected means the server understood and refused; resubmitting the
	// same data can never succeed.
	Rejected

	// Unreachable means the server could not be reached or failed at the
	// transport level; the submission may succeed later.
	Unreachable
)

// String returns a human-readable representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Rejected:
		return "rejected"
	case Unreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// Action is what happens to the pending record after its destination
// outcomes are known.
type Action int

const (
	// KeepRecord leaves the record untouched for a later retry.
	KeepRecord Action = iota

	// DiscardRecord deletes the record and its staged files and reports
	// a warning: it can never be delivered.
	DiscardRecord

	// CompleteRecord deletes the record and its staged files: it was
	// delivered to at least one destination.
	CompleteRecord
)

// Decision is the record-level verdict reduced from per-destination
// outcomes.
type Decision struct {
	Action Action

	// Partial is set when the record was delivered to some destinations
	// but not all; the caller reports it as a warning on an otherwise
	// successful sync.
	Partial bool
}

// Reduce folds the per-destination outcomes of one record into the action
// to take. This pure function encodes the whole retry/delete decision tree:
//
//   - any delivery counts as processed: the record must never be
//     resubmitted, or the destinations that accepted it would get
//     duplicates. Failures alongside a delivery are reported, not retried.
//   - all destinations failed, at least one at transport level: the record
//     may still succeed later, keep it untouched.
//   - every destination gave a definitive refusal: the record is
//     permanently undeliverable, discard it and warn.
//
// An empty destination set means the user can no longer post anywhere the
// record was aimed at, which is a refusal in all but origin: discard.
func Reduce(outcomes []Outcome) Decision {
	delivered := 0
	unreachable := 0
	for _, o := range outcomes {
		switch o {
		case Delivered:
			delivered++
		case Unreachable:
			unreachable++
		}
	}

	switch {
	case delivered > 0:
		return Decision{Action: CompleteRecord, Partial: delivered < len(outcomes)}
	case unreachable > 0:
		return Decision{Action: KeepRecord}
	default:
		return Decision{Action: DiscardRecord}
	}
}

package syncer

import "testing"

func TestReduce(t *testing.T) {
	tests := []struct {
		name     string
		outcomes []Outcome
		action   Action
		partial  bool
	}{
		{
			name:     "single delivery completes",
			outcomes: []Outcome{Delivered},
			action:   CompleteRecord,
		},
		{
			name:     "all deliveries complete",
			outcomes: []Outcome{Delivered, Delivered, Delivered},
			action:   CompleteRecord,
		},
		{
			name:     "delivery beats rejection",
			outcomes: []Outcome{Rejected, Delivered},
			action:   CompleteRecord,
			partial:  true,
		},
		{
			name:     "delivery beats transport failure",
			outcomes: []Outcome{Unreachable, Delivered, Unreachable},
			action:   CompleteRecord,
			partial:  true,
		},
		{
			name:     "all rejected discards",
			outcomes: []Outcome{Rejected, Rejected},
			action:   DiscardRecord,
		},
		{
			name:     "single rejection discards",
			outcomes: []Outcome{Rejected},
			action:   DiscardRecord,
		},
		{
			name:     "all unreachable keeps",
			outcomes: []Outcome{Unreachable, Unreachable},
			action:   KeepRecord,
		},
		{
			name:     "mixed failures keep",
			outcomes: []Outcome{Rejected, Unreachable},
			action:   KeepRecord,
		},
		{
			name:     "no destinations discards",
			outcomes: nil,
			action:   DiscardRecord,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Reduce(tt.outcomes)
			if got.Action != tt.action {
				t.Errorf("action = %v, want %v", got.Action, tt.action)
			}
			if got.Partial != tt.partial {
				t.Errorf("partial = %v, want %v", got.Partial, tt.partial)
			}
		})
	}
}

func TestOutcomeString(t *testing.T) {
	if Delivered.String() != "delivered" || Rejected.String() != "rejected" || Unreachable.String() != "unreachable" {
		t.Error("unexpected outcome strings")
	}
	if Outcome(99).String() != "unknown" {
		t.Error("out-of-range outcome should stringify as unknown")
	}
}

package models

import "testing"

func TestReviewStatusTransitions(t *testing.T) {
	cases := []struct {
		from  ReviewStatus
		to    ReviewStatus
		legal bool
	}{
		{StatusPending, StatusApproved, true},
		{StatusPending, StatusRejected, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusSent, false},
		{StatusApproved, StatusSent, true},
		{StatusApproved, StatusFailed, true},
		{StatusApproved, StatusRejected, false},
		{StatusApproved, StatusPending, false},
		{StatusSent, StatusApproved, false},
		{StatusRejected, StatusApproved, false},
		{StatusFailed, StatusPending, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.legal {
			t.Errorf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.legal)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	terminal := map[ReviewStatus]bool{
		StatusPending:  false,
		StatusApproved: false,
		StatusSent:     true,
		StatusRejected: true,
		StatusFailed:   true,
	}
	for status, want := range terminal {
		if got := status.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
}

func TestSendableBubblesPreferReviewerFinals(t *testing.T) {
	it := &Interaction{
		LLM2Bubbles:  []string{"draft one", "draft two"},
		FinalBubbles: []string{"edited"},
	}
	got := it.SendableBubbles()
	if len(got) != 1 || got[0] != "edited" {
		t.Errorf("sendable = %v, want reviewer finals", got)
	}

	it.FinalBubbles = nil
	got = it.SendableBubbles()
	if len(got) != 2 || got[0] != "draft one" {
		t.Errorf("sendable = %v, want refiner bubbles", got)
	}
}

package migration

import "testing"

func TestPhaseForwardChain(t *testing.T) {
	want := []Phase{
		PhaseRequested, PhaseAuthorized, PhaseFreezing, PhaseFrozen,
		PhaseSnapshotting, PhaseTransferring, PhaseVerifying,
		PhaseRehydrating, PhaseFinalizing, PhaseCompleted,
	}
	for i := 0; i < len(want)-1; i++ {
		if got := want[i].NextPhase(); got != want[i+1] {
			t.Errorf("NextPhase(%s) = %s, want %s", want[i], got, want[i+1])
		}
	}
	if got := PhaseCompleted.NextPhase(); got != "" {
		t.Errorf("NextPhase(COMPLETED) = %s, want empty", got)
	}
	if got := PhaseAborted.NextPhase(); got != "" {
		t.Errorf("NextPhase(ABORTED) = %s, want empty", got)
	}
}

func TestValidTransition(t *testing.T) {
	allowed := []struct{ from, to Phase }{
		{PhaseRequested, PhaseAuthorized},
		{PhaseVerifying, PhaseRehydrating},
		{PhaseFinalizing, PhaseCompleted},
		// direct abort from the early phases
		{PhaseRequested, PhaseAborted},
		{PhaseAuthorized, PhaseAborted},
		{PhaseFreezing, PhaseAborted},
		// everything later must pass through ROLLING_BACK
		{PhaseFrozen, PhaseRollingBack},
		{PhaseTransferring, PhaseRollingBack},
		{PhaseFinalizing, PhaseRollingBack},
		{PhaseRollingBack, PhaseAborted},
	}
	for _, tc := range allowed {
		if !ValidTransition(tc.from, tc.to) {
			t.Errorf("ValidTransition(%s, %s) = false, want true", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to Phase }{
		{PhaseRequested, PhaseFreezing},
		{PhaseFrozen, PhaseAborted},
		{PhaseTransferring, PhaseAborted},
		{PhaseRequested, PhaseRollingBack},
		{PhaseRollingBack, PhaseRollingBack},
		{PhaseCompleted, PhaseRollingBack},
		{PhaseAborted, PhaseRequested},
		{PhaseVerifying, PhaseFinalizing},
	}
	for _, tc := range denied {
		if ValidTransition(tc.from, tc.to) {
			t.Errorf("ValidTransition(%s, %s) = true, want false", tc.from, tc.to)
		}
	}
}

func TestPhaseTerminal(t *testing.T) {
	if !PhaseCompleted.Terminal() || !PhaseAborted.Terminal() {
		t.Error("COMPLETED and ABORTED should be terminal")
	}
	for _, p := range []Phase{PhaseRequested, PhaseVerifying, PhaseRollingBack} {
		if p.Terminal() {
			t.Errorf("%s should not be terminal", p)
		}
	}
}

func TestErrorCodeRetryable(t *testing.T) {
	network, local := CodeTransferTimeout.Retryable()
	if !network || local {
		t.Errorf("TRANSFER_TIMEOUT retryable = (%v, %v), want (true, false)", network, local)
	}
	network, local = CodeSnapshotChecksumFailed.Retryable()
	if network || !local {
		t.Errorf("SNAPSHOT_CHECKSUM_FAILED retryable = (%v, %v), want (false, true)", network, local)
	}
	network, local = CodeAuthRejected.Retryable()
	if network || local {
		t.Errorf("AUTH_REJECTED retryable = (%v, %v), want (false, false)", network, local)
	}
}

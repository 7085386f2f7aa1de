package market

import "testing"

// TestRewardSplit checks that the integer fee split never loses WATT.
func TestRewardSplit(t *testing.T) {
	rewards := []int64{100, 101, 199, 2000, 54321, 1_000_000}
	for _, reward := range rewards {
		fee := PlatformFee(reward)
		payout := WorkerPayout(reward)
		if fee+payout != reward {
			t.Errorf("reward %d: fee %d + payout %d != reward", reward, fee, payout)
		}
		if fee < 0 || payout < 0 {
			t.Errorf("reward %d: negative split (fee=%d payout=%d)", reward, fee, payout)
		}
	}
}

func TestPlatformFeePercent(t *testing.T) {
	if got := PlatformFee(2000); got != 100 {
		t.Errorf("expected platform fee 100 for reward 2000, got %d", got)
	}
	if got := WorkerPayout(2000); got != 1900 {
		t.Errorf("expected worker payout 1900 for reward 2000, got %d", got)
	}
}

func TestCoordinatorFee(t *testing.T) {
	// 5% of the parent's worker payout.
	if got := CoordinatorFee(1900); got != 95 {
		t.Errorf("expected coordinator fee 95 for payout 1900, got %d", got)
	}
}

func TestPurposeKeys(t *testing.T) {
	if got := WorkerPayoutKey("task_abc"); got != "task:task_abc:worker-payout" {
		t.Errorf("unexpected purpose key: %s", got)
	}
	if got := SolutionRefundKey("sol_1"); got != "solution:sol_1:refund" {
		t.Errorf("unexpected purpose key: %s", got)
	}
	// Purpose keys must be deterministic: same input, same key.
	if WorkerPayoutKey("task_abc") != WorkerPayoutKey("task_abc") {
		t.Error("purpose key not deterministic")
	}
}

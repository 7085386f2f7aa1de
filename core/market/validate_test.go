package market

import (
	"strings"
	"testing"
)

func validSpec() TaskSpec {
	return TaskSpec{
		Title:       "Analyze dataset",
		Description: "Process the CSV and produce summary stats",
		Type:        "analysis",
		Reward:      5000,
	}
}

func TestValidateSpec(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		spec := validSpec()
		NormalizeSpec(&spec)
		if err := ValidateSpec(spec); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if spec.WorkerType != "any" {
			t.Errorf("expected default worker_type any, got %q", spec.WorkerType)
		}
	})

	t.Run("title too long", func(t *testing.T) {
		spec := validSpec()
		spec.Title = strings.Repeat("x", MaxTitleLen+1)
		NormalizeSpec(&spec)
		err := ValidateSpec(spec)
		if err == nil {
			t.Fatal("expected error")
		}
		if KindOf(err) != KindValidation {
			t.Errorf("expected validation kind, got %s", KindOf(err))
		}
	})

	t.Run("reward below minimum", func(t *testing.T) {
		spec := validSpec()
		spec.Reward = MinReward - 1
		NormalizeSpec(&spec)
		if err := ValidateSpec(spec); CodeOf(err) != "reward_too_low" {
			t.Errorf("expected reward_too_low, got %v", err)
		}
	})

	t.Run("reward above maximum", func(t *testing.T) {
		spec := validSpec()
		spec.Reward = MaxReward + 1
		NormalizeSpec(&spec)
		if err := ValidateSpec(spec); CodeOf(err) != "reward_too_high" {
			t.Errorf("expected reward_too_high, got %v", err)
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		spec := validSpec()
		spec.Type = "mining"
		NormalizeSpec(&spec)
		if err := ValidateSpec(spec); CodeOf(err) != "bad_type" {
			t.Errorf("expected bad_type, got %v", err)
		}
	})
}

func TestValidateSubtaskSpecs(t *testing.T) {
	sub := func(reward int64) TaskSpec {
		return TaskSpec{Title: "part", Type: "scrape", Reward: reward}
	}

	t.Run("needs at least two", func(t *testing.T) {
		err := ValidateSubtaskSpecs([]TaskSpec{sub(500)})
		if CodeOf(err) != "too_few_subtasks" {
			t.Errorf("expected too_few_subtasks, got %v", err)
		}
	})

	t.Run("caps at ten", func(t *testing.T) {
		specs := make([]TaskSpec, MaxSubtasks+1)
		for i := range specs {
			specs[i] = sub(500)
		}
		if err := ValidateSubtaskSpecs(specs); CodeOf(err) != "too_many_subtasks" {
			t.Errorf("expected too_many_subtasks, got %v", err)
		}
	})

	t.Run("per-child minimum reward", func(t *testing.T) {
		err := ValidateSubtaskSpecs([]TaskSpec{sub(500), sub(MinSubtaskReward - 1)})
		if CodeOf(err) != "reward_too_low" {
			t.Errorf("expected reward_too_low, got %v", err)
		}
	})

	t.Run("valid pair", func(t *testing.T) {
		if err := ValidateSubtaskSpecs([]TaskSpec{sub(500), sub(500)}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestErrorKinds(t *testing.T) {
	if !ErrTaskConflict.Retryable() {
		t.Error("conflict should be retryable")
	}
	if ErrTaskTerminal.Retryable() {
		t.Error("terminal should not be retryable")
	}
	if !ErrEscrowNotFound.Retryable() {
		t.Error("tx_not_found should be retryable (transfer may not be visible yet)")
	}
	if ErrEscrowAlreadyUsed.Retryable() {
		t.Error("tx_already_used is a definitive rejection")
	}
}

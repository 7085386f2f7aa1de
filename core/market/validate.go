package market

import (
	"slices"
	"strings"
)

// NormalizeSpec trims and lower-cases the enumerated fields, applying
// defaults for type and worker type.
func NormalizeSpec(spec *TaskSpec) {
	spec.Title = strings.TrimSpace(spec.Title)
	spec.Description = strings.TrimSpace(spec.Description)
	spec.Requirements = strings.TrimSpace(spec.Requirements)
	spec.Type = strings.ToLower(strings.TrimSpace(spec.Type))
	if spec.Type == "" {
		spec.Type = "other"
	}
	spec.WorkerType = strings.ToLower(strings.TrimSpace(spec.WorkerType))
	if spec.WorkerType == "" {
		spec.WorkerType = "any"
	}
}

// ValidateSpec checks a top-level task spec. Rejected input never reaches
// the store.
func ValidateSpec(spec TaskSpec) error {
	if spec.Title == "" || len(spec.Title) > MaxTitleLen {
		return Errf(KindValidation, "bad_title", "title required (max %d chars)", MaxTitleLen)
	}
	if spec.Description == "" || len(spec.Description) > MaxDescriptionLen {
		return Errf(KindValidation, "bad_description", "description required (max %d chars)", MaxDescriptionLen)
	}
	if !slices.Contains(ValidTypes, spec.Type) {
		return Errf(KindValidation, "bad_type", "invalid type %q, valid: %s", spec.Type, strings.Join(ValidTypes, ", "))
	}
	if !slices.Contains(ValidWorkerTypes, spec.WorkerType) {
		return Errf(KindValidation, "bad_worker_type", "invalid worker_type %q, valid: %s", spec.WorkerType, strings.Join(ValidWorkerTypes, ", "))
	}
	if spec.Reward < MinReward {
		return Errf(KindValidation, "reward_too_low", "reward must be >= %d WATT", MinReward)
	}
	if spec.Reward > MaxReward {
		return Errf(KindValidation, "reward_too_high", "reward must be <= %d WATT", MaxReward)
	}
	return nil
}

// ValidateSubtaskSpecs checks a delegation's child specs. Budget fit is the
// engine's job; this covers shape and per-child bounds only.
func ValidateSubtaskSpecs(specs []TaskSpec) error {
	if len(specs) < MinSubtasks {
		return Errf(KindValidation, "too_few_subtasks", "need at least %d subtasks to delegate", MinSubtasks)
	}
	if len(specs) > MaxSubtasks {
		return Errf(KindValidation, "too_many_subtasks", "max %d subtasks per delegation", MaxSubtasks)
	}
	for i := range specs {
		NormalizeSpec(&specs[i])
		s := specs[i]
		if s.Title == "" || len(s.Title) > MaxTitleLen {
			return Errf(KindValidation, "bad_title", "subtask %d: title required (max %d chars)", i+1, MaxTitleLen)
		}
		if len(s.Description) > MaxDescriptionLen {
			return Errf(KindValidation, "bad_description", "subtask %d: description too long", i+1)
		}
		if !slices.Contains(ValidTypes, s.Type) {
			return Errf(KindValidation, "bad_type", "subtask %d: invalid type %q", i+1, s.Type)
		}
		if !slices.Contains(ValidWorkerTypes, s.WorkerType) {
			return Errf(KindValidation, "bad_worker_type", "subtask %d: invalid worker_type %q", i+1, s.WorkerType)
		}
		if s.Reward < MinSubtaskReward {
			return Errf(KindValidation, "reward_too_low", "subtask %d: reward must be >= %d WATT", i+1, MinSubtaskReward)
		}
	}
	return nil
}

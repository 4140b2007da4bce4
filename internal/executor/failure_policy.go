// Failure classification and retry policy for trial attempts: a small
// closed map from classification to retryable/not, consulted by the
// retry envelope before spending another attempt.
package executor

import "github.com/agentlab/runner/internal/model"

// retryableByTrigger maps a configured retry trigger ("error",
// "timeout", "failure") to the failure classes it covers.
var retryableByTrigger = map[string][]model.FailureClass{
	"timeout": {model.ClassAgentTimeout, model.ClassHiddenTimeout},
	"error": {
		model.ClassAgentError, model.ClassGraderError, model.ClassGradeError,
		model.ClassHiddenError, model.ClassMaterializeError, model.ClassWorkerLost,
	},
	"failure": {
		model.ClassNoPatch, model.ClassPatchApplyFail, model.ClassPolicyViolation,
		model.ClassPublicFail, model.ClassHiddenFail,
	},
}

// shouldRetry reports whether a trial attempt that failed with class
// should consume another retry attempt, given the configured trigger
// set. An attempt that already exhausted its budget is never retried
// regardless of class; that check happens in the caller.
func shouldRetry(class model.FailureClass, triggers []string) bool {
	for _, trig := range triggers {
		for _, c := range retryableByTrigger[trig] {
			if c == class {
				return true
			}
		}
	}
	return false
}

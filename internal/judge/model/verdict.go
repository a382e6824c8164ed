package model

// Verdict is the canonical classification of a submission or of one test.
type Verdict string

const (
	VerdictNone                Verdict = ""
	VerdictAccepted            Verdict = "Accepted"
	VerdictWrongAnswer         Verdict = "WrongAnswer"
	VerdictTimeLimitExceeded   Verdict = "TimeLimitExceeded"
	VerdictMemoryLimitExceeded Verdict = "MemoryLimitExceeded"
	VerdictOutputLimitExceeded Verdict = "OutputLimitExceeded"
	VerdictRuntimeError        Verdict = "RuntimeError"
	VerdictPresentationError   Verdict = "PresentationError"
	VerdictCompilationError    Verdict = "CompilationError"
	VerdictCancelled           Verdict = "Cancelled"
	VerdictServerError         Verdict = "ServerError"
)

// Short returns the conventional two or three letter abbreviation.
func (v Verdict) Short() string {
	switch v {
	case VerdictAccepted:
		return "AC"
	case VerdictWrongAnswer:
		return "WA"
	case VerdictTimeLimitExceeded:
		return "TLE"
	case VerdictMemoryLimitExceeded:
		return "MLE"
	case VerdictOutputLimitExceeded:
		return "OLE"
	case VerdictRuntimeError:
		return "RE"
	case VerdictPresentationError:
		return "PE"
	case VerdictCompilationError:
		return "CE"
	case VerdictCancelled:
		return "CA"
	case VerdictServerError:
		return "SE"
	default:
		return ""
	}
}

// IsUserError reports whether the verdict judges the submitted program itself.
func (v Verdict) IsUserError() bool {
	switch v {
	case VerdictWrongAnswer, VerdictTimeLimitExceeded, VerdictMemoryLimitExceeded,
		VerdictOutputLimitExceeded, VerdictRuntimeError, VerdictPresentationError, VerdictCompilationError:
		return true
	default:
		return false
	}
}

// Scored reports whether the verdict counts towards a submitter's record.
// Cancelled and server failures are neither correct nor incorrect.
func (v Verdict) Scored() bool {
	return v == VerdictAccepted || v.IsUserError()
}

// EventNum maps the verdict onto the legacy numeric column kept for older readers.
// 0 means judging is still in progress.
func (v Verdict) EventNum() int {
	switch v {
	case VerdictAccepted:
		return 1
	case VerdictWrongAnswer:
		return 2
	case VerdictTimeLimitExceeded:
		return 3
	case VerdictPresentationError:
		return 4
	case VerdictCompilationError:
		return 5
	case VerdictMemoryLimitExceeded:
		return 6
	case VerdictRuntimeError, VerdictOutputLimitExceeded:
		return 7
	case VerdictServerError, VerdictCancelled:
		return 10
	default:
		return 0
	}
}

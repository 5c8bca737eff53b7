package proctor

import "github.com/andresmejia3/invigilator/internal/types"

// Verdict is the outcome of one frame.
type Verdict int

const (
	VerdictOK Verdict = iota
	VerdictNoFace
	VerdictMultipleFaces
	VerdictImpersonation
)

// Classify maps a detected face count to a verdict. Impersonation is decided later by recognition.
func Classify(faces int) Verdict {
	switch {
	case faces <= 0:
		return VerdictNoFace
	case faces > 1:
		return VerdictMultipleFaces
	default:
		return VerdictOK
	}
}

// IsViolation reports whether the verdict must be recorded.
func (v Verdict) IsViolation() bool { return v != VerdictOK }

// Kind returns the persisted violation type. It is empty for VerdictOK.
func (v Verdict) Kind() types.ViolationKind {
	switch v {
	case VerdictNoFace:
		return types.NoFace
	case VerdictMultipleFaces:
		return types.MultipleFaces
	case VerdictImpersonation:
		return types.Impersonation
	}
	return ""
}

// Status is the overlay line drawn on the frame.
func (v Verdict) Status() string {
	switch v {
	case VerdictOK:
		return "Status: Normal"
	case VerdictImpersonation:
		return "Status: IMPERSONATION DETECTED"
	}
	return "Status: " + string(v.Kind())
}

func (v Verdict) String() string {
	if v == VerdictOK {
		return "OK"
	}
	return string(v.Kind())
}

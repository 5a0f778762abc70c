package schema

import "fmt"

// ValidationSeverity indicates whether an issue blocks registration.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is a single problem found in a workflow definition. Path
// locates the offending element in the definition document, e.g.
// "steps[2].config.approvers.role_ids".
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// ValidationResult collects the issues found by the structural and semantic
// validation passes, in encounter order. Warnings never block registration.
type ValidationResult struct {
	Issues []ValidationIssue `json:"issues,omitempty"`
}

// AddError records a blocking issue.
func (r *ValidationResult) AddError(path, code, message string) {
	r.Issues = append(r.Issues, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityError,
	})
}

// AddWarning records a non-blocking issue.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Issues = append(r.Issues, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// Errors returns the blocking issues only.
func (r *ValidationResult) Errors() []ValidationIssue {
	return r.filter(SeverityError)
}

// Warnings returns the non-blocking issues only.
func (r *ValidationResult) Warnings() []ValidationIssue {
	return r.filter(SeverityWarning)
}

func (r *ValidationResult) filter(sev ValidationSeverity) []ValidationIssue {
	var out []ValidationIssue
	for _, issue := range r.Issues {
		if issue.Severity == sev {
			out = append(out, issue)
		}
	}
	return out
}

// Valid reports whether the definition may be registered.
func (r *ValidationResult) Valid() bool {
	for _, issue := range r.Issues {
		if issue.Severity == SeverityError {
			return false
		}
	}
	return true
}

// Merge appends another result's issues.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other != nil {
		r.Issues = append(r.Issues, other.Issues...)
	}
}

// ToError folds the result into a single VALIDATION_ERROR carrying every
// issue in its details, or nil when only warnings were found.
func (r *ValidationResult) ToError() error {
	errs := r.Errors()
	if len(errs) == 0 {
		return nil
	}

	msg := errs[0].Message
	if len(errs) > 1 {
		msg = fmt.Sprintf("definition has %d validation errors", len(errs))
	}

	return NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{
			"error_count": len(errs),
			"issues":      r.Issues,
		})
}

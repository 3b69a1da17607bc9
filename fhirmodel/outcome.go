package fhirmodel

import (
	"fmt"
	"strings"
)

const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

const (
	IssueTypeInvalid      = "invalid"
	IssueTypeNotFound     = "not-found"
	IssueTypeDeleted      = "deleted"
	IssueTypeConflict     = "conflict"
	IssueTypeDuplicate    = "duplicate"
	IssueTypeNotSupported = "not-supported"
	IssueTypeProcessing   = "processing"
	IssueTypeSecurity     = "security"
	IssueTypeLogin        = "login"
	IssueTypeException    = "exception"
	IssueTypeMultiple     = "multiple-matches"
)

type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) OperationOutcome {
	return OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue:        []OperationOutcomeIssue{{Severity: severity, Code: code, Diagnostics: diagnostics}},
	}
}

// ErrorOutcome is shorthand for an outcome with a single error-severity issue.
func ErrorOutcome(code, format string, args ...interface{}) OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, code, fmt.Sprintf(format, args...))
}

// HasErrors returns true if any issue is of error or fatal severity.
func (o OperationOutcome) HasErrors() bool {
	for _, i := range o.Issue {
		if i.Severity == IssueSeverityError || i.Severity == IssueSeverityFatal {
			return true
		}
	}
	return false
}

// Mentions reports whether any issue's diagnostics or details contain the word, ignoring case.
func (o OperationOutcome) Mentions(word string) bool {
	word = strings.ToLower(word)
	contains := func(s string) bool { return strings.Contains(strings.ToLower(s), word) }
	for _, i := range o.Issue {
		if contains(i.Diagnostics) {
			return true
		}
		if i.Details == nil {
			continue
		}
		if contains(i.Details.Text) {
			return true
		}
		for _, c := range i.Details.Coding {
			if contains(c.Code) || contains(c.Display) {
				return true
			}
		}
	}
	return false
}

func (o OperationOutcome) String() string {
	parts := make([]string, 0, len(o.Issue))
	for _, i := range o.Issue {
		s := i.Severity + "/" + i.Code
		if i.Diagnostics != "" {
			s += ": " + i.Diagnostics
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, "; ")
}

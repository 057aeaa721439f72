package models

// StepKind identifies which branch of the step machine handles a response
type StepKind string

const (
	StepKindUnset          StepKind = ""
	StepKindFetch          StepKind = "fetch"
	StepKindLinkExtraction StepKind = "link_extraction"
	StepKindDataExtraction StepKind = "data_extraction"
)

// String implements fmt.Stringer for logging
func (k StepKind) String() string {
	if k == "" {
		return "unset"
	}
	return string(k)
}

// IsValid returns true for the three executable step kinds
func (k StepKind) IsValid() bool {
	switch k {
	case StepKindFetch, StepKindLinkExtraction, StepKindDataExtraction:
		return true
	}
	return false
}

// ExtractMethod selects how a rule expression is evaluated
type ExtractMethod string

const (
	MethodCSS   ExtractMethod = "css"
	MethodXPath ExtractMethod = "xpath"
	MethodRegex ExtractMethod = "regex"
)

// IsValid returns true if the method is supported by the rule engine
func (m ExtractMethod) IsValid() bool {
	switch m {
	case MethodCSS, MethodXPath, MethodRegex:
		return true
	}
	return false
}

// ValueKind selects what is read from a matched node and how it is coerced
type ValueKind string

const (
	KindText      ValueKind = "text"
	KindHTML      ValueKind = "html"
	KindAttribute ValueKind = "attribute"
	KindNumber    ValueKind = "number"
	KindBoolean   ValueKind = "boolean"
	KindMarkdown  ValueKind = "markdown"
)

// IsValid returns true if the kind is known
func (k ValueKind) IsValid() bool {
	switch k {
	case KindText, KindHTML, KindAttribute, KindNumber, KindBoolean, KindMarkdown:
		return true
	}
	return false
}

// RunStatus is the lifecycle state of a persisted run or background job
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are expected
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

package job

import "fmt"

// Status is the lifecycle state of a job record
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether no further transition is allowed
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusPending},
}

// CanTransition reports whether from -> to is a legal state change
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Direction tells whether a job reads a file into records or records into a file
type Direction string

const (
	DirectionImport Direction = "import"
	DirectionExport Direction = "export"
)

// Kind is the closed set of job kinds the pipeline knows how to run
type Kind string

const (
	KindImportInventory       Kind = "import:inventory"
	KindImportNetworkDevices  Kind = "import:network_devices"
	KindImportVulnerabilities Kind = "import:vulnerabilities"
	KindExportInventory       Kind = "export:inventory"
	KindExportNetworkDevices  Kind = "export:network_devices"
	KindExportVulnerabilities Kind = "export:vulnerabilities"
	KindExportSecurityReport  Kind = "export:security_report"
)

// Kinds lists every known kind
var Kinds = []Kind{
	KindImportInventory,
	KindImportNetworkDevices,
	KindImportVulnerabilities,
	KindExportInventory,
	KindExportNetworkDevices,
	KindExportVulnerabilities,
	KindExportSecurityReport,
}

// ParseKind validates s against the closed set of kinds
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Direction derives the job direction from the kind prefix
func (k Kind) Direction() Direction {
	switch k {
	case KindImportInventory, KindImportNetworkDevices, KindImportVulnerabilities:
		return DirectionImport
	default:
		return DirectionExport
	}
}

// Queue returns the queue class that runs jobs of this kind
func (k Kind) Queue() string {
	return string(k.Direction())
}

// Priority is the delivery tier of a queued job
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityNormal:   "normal",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority maps a tier name to a Priority; the empty string means normal
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityNormal, nil
	}
	for p, name := range priorityNames {
		if name == s {
			return p, nil
		}
	}
	return PriorityNormal, fmt.Errorf("invalid priority %q", s)
}

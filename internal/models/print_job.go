package models

import "time"

type PrintJobStatus string

const (
	PrintJobStatusQueued    PrintJobStatus = "queued"
	PrintJobStatusAssigned  PrintJobStatus = "assigned"
	PrintJobStatusPrinting  PrintJobStatus = "printing"
	PrintJobStatusCompleted PrintJobStatus = "completed"
	PrintJobStatusFailed    PrintJobStatus = "failed"
	PrintJobStatusCancelled PrintJobStatus = "cancelled"
)

var printJobStatuses = []PrintJobStatus{
	PrintJobStatusQueued,
	PrintJobStatusAssigned,
	PrintJobStatusPrinting,
	PrintJobStatusCompleted,
	PrintJobStatusFailed,
	PrintJobStatusCancelled,
}

var activePrintJobStatuses = []PrintJobStatus{
	PrintJobStatusQueued,
	PrintJobStatusAssigned,
	PrintJobStatusPrinting,
	PrintJobStatusFailed,
}

// heldPrintJobStatuses occupy an operator and a printer.
var heldPrintJobStatuses = []PrintJobStatus{
	PrintJobStatusAssigned,
	PrintJobStatusPrinting,
}

func PrintJobStatuses() []PrintJobStatus { return append([]PrintJobStatus(nil), printJobStatuses...) }

// ActivePrintJobStatuses are the non-terminal states. At most one job per
// license may be in one of them. A failed job stays non-terminal until it is
// requeued or cancelled.
func ActivePrintJobStatuses() []PrintJobStatus {
	return append([]PrintJobStatus(nil), activePrintJobStatuses...)
}

func HeldPrintJobStatuses() []PrintJobStatus {
	return append([]PrintJobStatus(nil), heldPrintJobStatuses...)
}

func (s PrintJobStatus) String() string { return string(s) }
func (s PrintJobStatus) Valid() bool   { return enumValid(printJobStatuses, s) }
func (s PrintJobStatus) Active() bool  { return enumValid(activePrintJobStatuses, s) }
func (s PrintJobStatus) Held() bool    { return enumValid(heldPrintJobStatuses, s) }

// InFlight is true while an operator holds or may pick up the job.
func (s PrintJobStatus) InFlight() bool {
	return s == PrintJobStatusQueued || s.Held()
}

func (s PrintJobStatus) Terminal() bool {
	return s == PrintJobStatusCompleted || s == PrintJobStatusCancelled
}

func ParsePrintJobStatus(raw string) (PrintJobStatus, error) {
	return enumParse(printJobStatuses, "print job status", raw)
}

// PrintJob priorities: a higher number is more urgent.
const (
	PriorityLow    = 0
	PriorityNormal = 50
	PriorityHigh   = 100
)

type PrintJob struct {
	ID               uint64
	ApplicationID    uint64
	LicenseID        uint64
	Status           PrintJobStatus
	Priority         int
	Artifacts        Artifacts
	OriginLocationID uint64
	RoutingMode      PrintingType
	LocationID       uint64
	AssignedTo       uint64
	PrinterID        uint64
	PrintedBy        uint64
	CopiesPrinted    int
	Notes            string
	FailureReason    string
	RetryCount       int
	QueuedAt         time.Time
	AssignedAt       *time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	FailedAt         *time.Time
	CancelledAt      *time.Time
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

package models

import "time"

type LicenseStatus string

const (
	LicenseStatusGenerated          LicenseStatus = "generated"
	LicenseStatusPrinted            LicenseStatus = "printed"
	LicenseStatusShipped            LicenseStatus = "shipped"
	LicenseStatusReadyForCollection LicenseStatus = "ready_for_collection"
	LicenseStatusPendingCollection  LicenseStatus = "pending_collection"
	LicenseStatusCollected          LicenseStatus = "collected"
	LicenseStatusCancelled          LicenseStatus = "cancelled"
)

var licenseStatuses = []LicenseStatus{
	LicenseStatusGenerated,
	LicenseStatusPrinted,
	LicenseStatusShipped,
	LicenseStatusReadyForCollection,
	LicenseStatusPendingCollection,
	LicenseStatusCollected,
	LicenseStatusCancelled,
}

func LicenseStatuses() []LicenseStatus { return append([]LicenseStatus(nil), licenseStatuses...) }

func (s LicenseStatus) String() string { return string(s) }
func (s LicenseStatus) Valid() bool   { return enumValid(licenseStatuses, s) }

// AwaitingCollection reports whether the card sits at a counter waiting for the citizen.
func (s LicenseStatus) AwaitingCollection() bool {
	return s == LicenseStatusReadyForCollection || s == LicenseStatusPendingCollection
}

func ParseLicenseStatus(raw string) (LicenseStatus, error) {
	return enumParse(licenseStatuses, "license status", raw)
}

// Artifacts are opaque references produced by the document generator.
type Artifacts struct {
	Front    string `json:"front,omitempty"`
	Back     string `json:"back,omitempty"`
	Combined string `json:"combined,omitempty"`
}

func (a Artifacts) Empty() bool {
	return a.Front == "" && a.Back == "" && a.Combined == ""
}

type License struct {
	ID                uint64
	ApplicationID     uint64
	LicenseNumber     string
	Status            LicenseStatus
	ComplianceVersion string
	Artifacts         Artifacts
	CollectionPoint   string
	CollectedAt       *time.Time
	CollectedBy       string
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type ApplicationType string

const (
	ApplicationTypeNew         ApplicationType = "new"
	ApplicationTypeRenewal     ApplicationType = "renewal"
	ApplicationTypeReplacement ApplicationType = "replacement"
	ApplicationTypeUpgrade     ApplicationType = "upgrade"
	ApplicationTypeConversion  ApplicationType = "conversion"
)

var applicationTypes = []ApplicationType{
	ApplicationTypeNew,
	ApplicationTypeRenewal,
	ApplicationTypeReplacement,
	ApplicationTypeUpgrade,
	ApplicationTypeConversion,
}

func ApplicationTypes() []ApplicationType { return append([]ApplicationType(nil), applicationTypes...) }

func (t ApplicationType) String() string { return string(t) }
func (t ApplicationType) Valid() bool   { return enumValid(applicationTypes, t) }

// RequiresPreviousLicense reports whether the type builds on an existing license.
func (t ApplicationType) RequiresPreviousLicense() bool {
	return t != ApplicationTypeNew
}

func ParseApplicationType(raw string) (ApplicationType, error) {
	return enumParse(applicationTypes, "application type", raw)
}

type ApplicationStatus string

const (
	ApplicationStatusSubmitted          ApplicationStatus = "submitted"
	ApplicationStatusUnderReview        ApplicationStatus = "under_review"
	ApplicationStatusApproved           ApplicationStatus = "approved"
	ApplicationStatusPendingPayment     ApplicationStatus = "pending_payment"
	ApplicationStatusLicenseGenerated   ApplicationStatus = "license_generated"
	ApplicationStatusQueuedForPrinting  ApplicationStatus = "queued_for_printing"
	ApplicationStatusPrinting           ApplicationStatus = "printing"
	ApplicationStatusPrinted            ApplicationStatus = "printed"
	ApplicationStatusShipped            ApplicationStatus = "shipped"
	ApplicationStatusReadyForCollection ApplicationStatus = "ready_for_collection"
	ApplicationStatusCollected          ApplicationStatus = "collected"
	ApplicationStatusRejected           ApplicationStatus = "rejected"
	ApplicationStatusCancelled          ApplicationStatus = "cancelled"
)

// applicationStatuses is ordered along the lifecycle. shipped and
// ready_for_collection are alternative branches and share a rank.
var applicationStatuses = []ApplicationStatus{
	ApplicationStatusSubmitted,
	ApplicationStatusUnderReview,
	ApplicationStatusApproved,
	ApplicationStatusPendingPayment,
	ApplicationStatusLicenseGenerated,
	ApplicationStatusQueuedForPrinting,
	ApplicationStatusPrinting,
	ApplicationStatusPrinted,
	ApplicationStatusShipped,
	ApplicationStatusReadyForCollection,
	ApplicationStatusCollected,
	ApplicationStatusRejected,
	ApplicationStatusCancelled,
}

var applicationRank = map[ApplicationStatus]int{
	ApplicationStatusSubmitted:          0,
	ApplicationStatusUnderReview:        1,
	ApplicationStatusApproved:           2,
	ApplicationStatusPendingPayment:     3,
	ApplicationStatusLicenseGenerated:   4,
	ApplicationStatusQueuedForPrinting:  5,
	ApplicationStatusPrinting:           6,
	ApplicationStatusPrinted:            7,
	ApplicationStatusShipped:            8,
	ApplicationStatusReadyForCollection: 8,
	ApplicationStatusCollected:          9,
}

func ApplicationStatuses() []ApplicationStatus {
	return append([]ApplicationStatus(nil), applicationStatuses...)
}

func (s ApplicationStatus) String() string { return string(s) }
func (s ApplicationStatus) Valid() bool   { return enumValid(applicationStatuses, s) }

func (s ApplicationStatus) Terminal() bool {
	return s == ApplicationStatusCollected || s == ApplicationStatusRejected || s == ApplicationStatusCancelled
}

// Rank is the position along the forward lifecycle; -1 for rejected and cancelled.
func (s ApplicationStatus) Rank() int {
	if r, ok := applicationRank[s]; ok {
		return r
	}
	return -1
}

// Before reports whether s strictly precedes other on the forward lifecycle.
func (s ApplicationStatus) Before(other ApplicationStatus) bool {
	a, b := s.Rank(), other.Rank()
	return a >= 0 && b >= 0 && a < b
}

func (s ApplicationStatus) In(set ...ApplicationStatus) bool {
	return enumValid(set, s)
}

func ParseApplicationStatus(raw string) (ApplicationStatus, error) {
	return enumParse(applicationStatuses, "application status", raw)
}

type Application struct {
	ID                      uint64
	Type                    ApplicationType
	Status                  ApplicationStatus
	CitizenRef              string
	IdentityDocumentRef     string
	BiometricRef            string
	LocationID              uint64
	CollectionLocationID    uint64
	PreferredCollectionDate *time.Time
	PreviousLicenseID       uint64
	LicenseID               uint64
	ActivePrintJobID        uint64
	PaymentAmount           decimal.Decimal
	PaymentReference        string
	PaymentConfirmed        bool
	ReviewedBy              uint64
	ReviewNotes             string
	LastError               string
	StatusChangedAt         time.Time
	Version                 int64
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// CollectionPointID is the location where the citizen picks the license up.
func (a *Application) CollectionPointID() uint64 {
	if a.CollectionLocationID != 0 {
		return a.CollectionLocationID
	}
	return a.LocationID
}

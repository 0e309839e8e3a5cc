package models

import (
	"strings"
	"time"
)

type PrintingType string

const (
	PrintingTypeLocal       PrintingType = "local"
	PrintingTypeCentralized PrintingType = "centralized"
	PrintingTypeHybrid      PrintingType = "hybrid"
	PrintingTypeDisabled    PrintingType = "disabled"
)

var printingTypes = []PrintingType{
	PrintingTypeLocal,
	PrintingTypeCentralized,
	PrintingTypeHybrid,
	PrintingTypeDisabled,
}

func PrintingTypes() []PrintingType { return append([]PrintingType(nil), printingTypes...) }

func (t PrintingType) String() string { return string(t) }
func (t PrintingType) Valid() bool   { return enumValid(printingTypes, t) }

func ParsePrintingType(raw string) (PrintingType, error) {
	return enumParse(printingTypes, "printing type", raw)
}

// DefaultCapacityPerDay applies when a location is registered without an explicit capacity.
const DefaultCapacityPerDay = 50

type Location struct {
	ID                  uint64
	Code                string
	Name                string
	AddressLine1        string
	AddressLine2        string
	City                string
	Province            string
	PostalCode          string
	Country             string
	PrintingType        PrintingType
	CapacityPerDay      int
	AcceptsApplications bool
	AcceptsCollections  bool
	Active              bool
	Version             int64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// CanPrint reports whether the location can host a print pool at all.
func (l *Location) CanPrint() bool {
	return l.Active && l.PrintingType != PrintingTypeDisabled
}

func (l *Location) Address() string {
	parts := make([]string, 0, 6)
	for _, p := range []string{l.AddressLine1, l.AddressLine2, l.City, l.Province, l.PostalCode, l.Country} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

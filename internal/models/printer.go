package models

import (
	"encoding/json"
	"time"
)

type PrinterType string

const (
	PrinterTypeCard     PrinterType = "card"
	PrinterTypeDocument PrinterType = "document"
	PrinterTypePhoto    PrinterType = "photo"
	PrinterTypeThermal  PrinterType = "thermal"
	PrinterTypeInkjet   PrinterType = "inkjet"
	PrinterTypeLaser    PrinterType = "laser"
)

var printerTypes = []PrinterType{
	PrinterTypeCard,
	PrinterTypeDocument,
	PrinterTypePhoto,
	PrinterTypeThermal,
	PrinterTypeInkjet,
	PrinterTypeLaser,
}

func PrinterTypes() []PrinterType { return append([]PrinterType(nil), printerTypes...) }

func (t PrinterType) String() string { return string(t) }
func (t PrinterType) Valid() bool   { return enumValid(printerTypes, t) }

func ParsePrinterType(raw string) (PrinterType, error) {
	return enumParse(printerTypes, "printer type", raw)
}

type PrinterStatus string

const (
	PrinterStatusActive      PrinterStatus = "active"
	PrinterStatusInactive    PrinterStatus = "inactive"
	PrinterStatusMaintenance PrinterStatus = "maintenance"
	PrinterStatusOffline     PrinterStatus = "offline"
	PrinterStatusError       PrinterStatus = "error"
)

var printerStatuses = []PrinterStatus{
	PrinterStatusActive,
	PrinterStatusInactive,
	PrinterStatusMaintenance,
	PrinterStatusOffline,
	PrinterStatusError,
}

func PrinterStatuses() []PrinterStatus { return append([]PrinterStatus(nil), printerStatuses...) }

func (s PrinterStatus) String() string { return string(s) }
func (s PrinterStatus) Valid() bool   { return enumValid(printerStatuses, s) }

func ParsePrinterStatus(raw string) (PrinterStatus, error) {
	return enumParse(printerStatuses, "printer status", raw)
}

type Printer struct {
	ID         uint64
	Code       string
	Name       string
	Type       PrinterType
	Status     PrinterStatus
	LocationID uint64
	Version    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type HardwareType string

const (
	HardwareTypeWebcam             HardwareType = "webcam"
	HardwareTypeSecurityCamera     HardwareType = "security_camera"
	HardwareTypeFingerprintScanner HardwareType = "fingerprint_scanner"
	HardwareTypeIrisScanner        HardwareType = "iris_scanner"
	HardwareTypeFaceRecognition    HardwareType = "face_recognition"
	HardwareTypeCardReader         HardwareType = "card_reader"
	HardwareTypeSignaturePad       HardwareType = "signature_pad"
	HardwareTypeDocumentScanner    HardwareType = "document_scanner"
	HardwareTypeBarcodeScanner     HardwareType = "barcode_scanner"
	HardwareTypeThermalSensor      HardwareType = "thermal_sensor"
	HardwareTypeOther              HardwareType = "other"
)

var hardwareTypes = []HardwareType{
	HardwareTypeWebcam,
	HardwareTypeSecurityCamera,
	HardwareTypeFingerprintScanner,
	HardwareTypeIrisScanner,
	HardwareTypeFaceRecognition,
	HardwareTypeCardReader,
	HardwareTypeSignaturePad,
	HardwareTypeDocumentScanner,
	HardwareTypeBarcodeScanner,
	HardwareTypeThermalSensor,
	HardwareTypeOther,
}

func HardwareTypes() []HardwareType { return append([]HardwareType(nil), hardwareTypes...) }

func (t HardwareType) String() string { return string(t) }
func (t HardwareType) Valid() bool   { return enumValid(hardwareTypes, t) }

// Capture reports whether the device takes part in biometric enrolment.
func (t HardwareType) Capture() bool {
	switch t {
	case HardwareTypeWebcam, HardwareTypeFingerprintScanner, HardwareTypeIrisScanner, HardwareTypeFaceRecognition:
		return true
	}
	return false
}

func ParseHardwareType(raw string) (HardwareType, error) {
	return enumParse(hardwareTypes, "hardware type", raw)
}

type HardwareStatus string

const (
	HardwareStatusActive      HardwareStatus = "active"
	HardwareStatusInactive    HardwareStatus = "inactive"
	HardwareStatusMaintenance HardwareStatus = "maintenance"
	HardwareStatusOffline     HardwareStatus = "offline"
	HardwareStatusError       HardwareStatus = "error"
	HardwareStatusCalibrating HardwareStatus = "calibrating"
)

var hardwareStatuses = []HardwareStatus{
	HardwareStatusActive,
	HardwareStatusInactive,
	HardwareStatusMaintenance,
	HardwareStatusOffline,
	HardwareStatusError,
	HardwareStatusCalibrating,
}

func HardwareStatuses() []HardwareStatus { return append([]HardwareStatus(nil), hardwareStatuses...) }

func (s HardwareStatus) String() string { return string(s) }
func (s HardwareStatus) Valid() bool   { return enumValid(hardwareStatuses, s) }

func ParseHardwareStatus(raw string) (HardwareStatus, error) {
	return enumParse(hardwareStatuses, "hardware status", raw)
}

type Hardware struct {
	ID           uint64
	Code         string
	Name         string
	Type         HardwareType
	Status       HardwareStatus
	LocationID   uint64
	Capabilities json.RawMessage
	Settings     json.RawMessage
	UsageCount   int64
	ErrorCount   int64
	LastUsedAt   *time.Time
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

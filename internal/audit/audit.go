// Package audit appends entries to the audit trail inside a transaction.
package audit

import (
	"context"
	"fmt"

	"github.com/BearBump/LicenseFlow/internal/models"
	"github.com/BearBump/LicenseFlow/internal/storage"
)

const (
	ResourceApplication = "application"
	ResourceLicense     = "license"
	ResourcePrintJob    = "print_job"
	ResourceShipping    = "shipping_record"
	ResourceLocation    = "location"
	ResourcePrinter     = "printer"
	ResourceHardware    = "hardware"
	ResourceUser        = "user"
)

func Record(ctx context.Context, tx storage.Tx, actor models.Actor, action, resourceType string, resourceID uint64, format string, args ...any) error {
	return tx.Audit().Append(ctx, &models.AuditEntry{
		ActorID:      actor.UserID,
		ActorRole:    actor.Role,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Description:  fmt.Sprintf(format, args...),
	})
}

package tracker

import (
	"context"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/fieldtrack/internal/db"
	"github.com/ukydev/fieldtrack/internal/models"
)

// AuditLog appends to the audit trail.
type AuditLog struct {
	store  db.AuditCollection
	logger log.FieldLogger
	now    func() time.Time
}

func NewAuditLog(store db.AuditCollection, logger log.FieldLogger, now func() time.Time) *AuditLog {
	if now == nil {
		now = time.Now
	}
	return &AuditLog{store: store, logger: logger, now: now}
}

// Record writes one entry. Override entries also go to the log at warn.
func (a *AuditLog) Record(ctx context.Context, entityType, entityID, action, actor, reason string, override bool) (models.AuditEntry, error) {
	entry := models.AuditEntry{
		ID:         uuid.NewString(),
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Actor:      actor,
		Reason:     reason,
		Override:   override,
		At:         a.now(),
	}
	if err := a.store.InsertAudit(ctx, entry); err != nil {
		return entry, err
	}
	fields := log.Fields{
		"entity":    entityType,
		"entity_id": entityID,
		"action":    action,
		"actor":     actor,
	}
	if override {
		a.logger.WithFields(fields).WithField("reason", reason).Warn("override recorded")
	} else {
		a.logger.WithFields(fields).Debug("audit entry recorded")
	}
	return entry, nil
}

func (a *AuditLog) Entries(ctx context.Context, entityID string) ([]models.AuditEntry, error) {
	return a.store.FindAudit(ctx, entityID)
}

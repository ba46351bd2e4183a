// Package notify publishes job and organization lifecycle events for
// downstream consumers.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/caseflow/internal/telemetry"
)

// Event types
const (
	EventJobCreated          = "job.created"
	EventJobStarted          = "job.started"
	EventJobFinished         = "job.finished"
	EventOffboardScheduled   = "organization.offboard_scheduled"
	EventOffboardRestored    = "organization.restored"
	EventOrganizationPurged  = "organization.purged"
	EventCleanupStepFinished = "organization.cleanup_step"
)

// Event is a lifecycle notification. Consumers must tolerate duplicates.
type Event struct {
	Type           string     `json:"type"`
	OrganizationID uuid.UUID  `json:"organizationId"`
	JobID          *uuid.UUID `json:"jobId,omitempty"`
	Status         string     `json:"status,omitempty"`
	Message        string     `json:"message,omitempty"`
	Time           time.Time  `json:"time"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// Send publishes evt and logs on failure. Notifications never fail the
// operation that produced them.
func Send(ctx context.Context, p Publisher, evt Event) {
	if p == nil {
		return
	}
	if evt.Time.IsZero() {
		evt.Time = time.Now().UTC()
	}
	if err := p.Publish(ctx, evt); err != nil {
		telemetry.GetMetrics().NotificationsDropped.Add(ctx, 1)
		log.Warn().Err(err).
			Str("type", evt.Type).
			Str("org_id", evt.OrganizationID.String()).
			Msg("Failed to publish notification")
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

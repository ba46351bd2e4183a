package models

import (
	"time"

	"github.com/google/uuid"
)

// DefaultOrganizationID is the reserved organization that can never be
// offboarded or purged.
var DefaultOrganizationID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

const (
	DefaultGracePeriodDays = 7
	MaxGracePeriodDays     = 365
)

// Organization represents a tenant whose cloud directory is investigated.
// A scheduled offboard implies Active == false; purged organizations have no
// row at all.
type Organization struct {
	ID              uuid.UUID // UUIDv7, or DefaultOrganizationID
	Name            string
	Domain          string
	Active          bool
	GracePeriodDays int

	// Credentials is the sealed credential bundle, swapped as a whole.
	Credentials []byte

	// Offboarding
	OffboardScheduledAt *time.Time
	OffboardReason      string
	PurgeJobID          *uuid.UUID // deferred purge job created by the offboard schedule

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsDefault reports whether this is the reserved default organization.
func (o *Organization) IsDefault() bool {
	return o.ID == DefaultOrganizationID
}

// OffboardScheduled reports whether an offboard is pending for the organization.
func (o *Organization) OffboardScheduled() bool {
	return o.OffboardScheduledAt != nil
}

// EffectiveGracePeriodDays returns the configured grace period, falling back
// to DefaultGracePeriodDays.
func (o *Organization) EffectiveGracePeriodDays() int {
	if o.GracePeriodDays <= 0 {
		return DefaultGracePeriodDays
	}
	return o.GracePeriodDays
}

// Clone returns a copy that shares no mutable state with o.
func (o *Organization) Clone() *Organization {
	c := *o
	if o.Credentials != nil {
		c.Credentials = append([]byte(nil), o.Credentials...)
	}
	if o.OffboardScheduledAt != nil {
		t := *o.OffboardScheduledAt
		c.OffboardScheduledAt = &t
	}
	if o.PurgeJobID != nil {
		id := *o.PurgeJobID
		c.PurgeJobID = &id
	}
	return &c
}

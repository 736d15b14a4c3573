package core

import (
	"time"
)

type TenantStatus string

const (
	TenantActive    TenantStatus = "active"
	TenantInactive  TenantStatus = "inactive"
	TenantSuspended TenantStatus = "suspended"
)

func (s TenantStatus) Valid() bool {
	switch s {
	case TenantActive, TenantInactive, TenantSuspended:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentPaid    PaymentStatus = "paid"
	PaymentUnpaid  PaymentStatus = "unpaid"
	PaymentOverdue PaymentStatus = "overdue"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPaid, PaymentUnpaid, PaymentOverdue:
		return true
	}
	return false
}

// Tenant is a shop record in the master directory. EncryptedDSN never
// leaves the process.
type Tenant struct {
	ID            string        `json:"id" db:"id"`
	Name          string        `json:"name" db:"name"`
	OwnerEmail    string        `json:"owner_email" db:"owner_email"`
	EncryptedDSN  string        `json:"-" db:"encrypted_dsn"`
	Status        TenantStatus  `json:"status" db:"status"`
	PaymentStatus PaymentStatus `json:"payment_status" db:"payment_status"`

	// Subscription window
	SubscriptionStart *time.Time `json:"subscription_start,omitempty" db:"subscription_start"`
	SubscriptionEnd   *time.Time `json:"subscription_end,omitempty" db:"subscription_end"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

func (t *Tenant) IsActive() bool {
	return t.Status == TenantActive
}

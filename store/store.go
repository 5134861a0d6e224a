// Package store declares the narrow persistent-storage contract (spec §6
// "Persistent store"). The reconnection controller calls
// ListRegisteredAccounts to recover accounts after a process restart;
// nothing in this module calls the other three methods. Operations
// are asynchronous from the caller's point of view: a failure is logged
// and never blocks an in-flight SIP operation.
package store

import (
	"context"
	"time"
)

// AccountRecord is the durable form of an account, enough to rebuild
// account.Account and re-register it after a process restart.
type AccountRecord struct {
	Username  string
	Domain    string
	Password  string
	HA1       string
	UserAgent string

	PushToken    string
	PushProvider string

	LastState     string
	LastExpiresAt time.Time
}

// CallLogRecord is one completed call's history entry (spec §6
// appendCallLog).
type CallLogRecord struct {
	CallID    string
	Account   string
	Remote    string
	Direction string // "incoming" | "outgoing"
	StartedAt time.Time
	EndedAt   time.Time
	Reason    string // CallEndReason, spec §7
}

// Store is the persistent-storage collaborator.
type Store interface {
	ListRegisteredAccounts(ctx context.Context) ([]AccountRecord, error)
	UpsertAccount(ctx context.Context, record AccountRecord) error
	UpdateRegistrationState(ctx context.Context, key string, state string, expiresAt *time.Time) error
	AppendCallLog(ctx context.Context, record CallLogRecord) error
}

package grant

import (
	"math/big"
	"time"

	"tokenvest/schedule"
)

// Grant is a persisted vesting schedule together with the custody account the
// engine holds the allocation in.
type Grant struct {
	ID        string
	IssuerID  string
	Custody   string
	Schedule  schedule.Schedule
	CreatedAt time.Time
}

// Funding moves an opening allocation from Source into the grant custody.
type Funding struct {
	Asset  string
	Source string
	Amount *big.Int
}

// CreateParams enumerates what is needed to open a grant.
type CreateParams struct {
	IssuerID    string
	Beneficiary string
	Start       time.Time
	Duration    time.Duration
	Revocable   bool
	Policy      schedule.Policy
	Model       schedule.Model
	Funding     []Funding
}

// Filters narrows List. Empty fields match everything.
type Filters struct {
	IssuerID    string
	Beneficiary string
	Page        int
	PageSize    int
}

// ListResult is one page of grants plus the unpaged total.
type ListResult struct {
	Items []Grant
	Total int
}

// Operation names a mutating call recorded against an idempotency key.
type Operation string

const (
	OperationRelease Operation = "release"
	OperationRevoke  Operation = "revoke"
)

// ReleaseRequest asks for everything vested to be released. Anyone may ask.
type ReleaseRequest struct {
	GrantID        string
	Asset          string
	IdempotencyKey string
}

// RevokeRequest asks for the unvested remainder to go back to the issuer.
type RevokeRequest struct {
	GrantID        string
	Asset          string
	CallerID       string
	IdempotencyKey string
}

// Result reports the amount moved by Release or Revoke. Replayed is set when
// the result came from an earlier call with the same idempotency key.
type Result struct {
	GrantID   string
	Asset     string
	Operation Operation
	Amount    *big.Int
	Replayed  bool
}

// Replay is the stored outcome of an idempotency key.
type Replay struct {
	GrantID   string
	Asset     string
	Operation Operation
	Amount    *big.Int
}

const (
	EventGrantCreated  = "GRANT_CREATED"
	EventGrantFunded   = "GRANT_FUNDED"
	EventGrantReleased = "GRANT_RELEASED"
	EventGrantRevoked  = "GRANT_REVOKED"

	OutboxTopicGrantCreated  = "grant.created"
	OutboxTopicGrantReleased = "grant.released"
	OutboxTopicGrantRevoked  = "grant.revoked"
)

// CustodyHolder is the ledger identity holding a grant's allocation.
func CustodyHolder(grantID string) string {
	return "grant:" + grantID
}

package vesting

import (
	"errors"

	"tokenvest/schedule"
)

var (
	// ErrInvalidSchedule is returned by New when the schedule or wiring is invalid.
	ErrInvalidSchedule = schedule.ErrInvalidSchedule
	// ErrNothingToRelease signals a strict-policy release with zero accrual. Retry later.
	ErrNothingToRelease = errors.New("vesting: nothing to release")
	// ErrNotRevocable signals the schedule was created without revocation rights.
	ErrNotRevocable = errors.New("vesting: schedule is not revocable")
	// ErrAlreadyRevoked signals the asset has been revoked before.
	ErrAlreadyRevoked = errors.New("vesting: already revoked")
	// ErrUnauthorized signals the caller lacks the issuer capability.
	ErrUnauthorized = errors.New("vesting: unauthorized")
	// ErrLedgerTransferFailed wraps a failed ledger transfer; staged state was rolled back.
	ErrLedgerTransferFailed = errors.New("vesting: ledger transfer failed")
	// ErrReentrantCall signals a call arriving through the ledger transfer boundary.
	ErrReentrantCall = errors.New("vesting: re-entrant call")
)

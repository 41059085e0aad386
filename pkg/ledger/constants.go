package ledger

import "time"

// Operation names carried in OperationLog.Operation and span names.
const (
	OperationReserve    = "reserve"
	OperationSettle     = "settle"
	OperationRefund     = "refund"
	OperationApplyTopUp = "apply_topup"
	OperationReclaim    = "reclaim"
)

// Operation statuses carried in OperationLog.Status.
const (
	OperationStatusOK        = "ok"
	OperationStatusError     = "error"
	OperationStatusNoop      = "noop"
	OperationStatusDuplicate = "duplicate"
)

const (
	chargeIDPrefix = "chg"
	topUpIDPrefix  = "top"

	maxExternalKeyLength = 255
	maxActionKindLength  = 64
	maxResultRefLength   = 1024

	// DefaultLeaseTTL bounds how long a pending charge may stay unresolved.
	DefaultLeaseTTL = 15 * time.Minute
	// DefaultResolveAttempts is the number of settle/refund tries RunMetered makes.
	DefaultResolveAttempts = 3
	defaultResolveBackoff  = 200 * time.Millisecond

	defaultListLimit = 50
	maxListLimit     = 500

	tracerName = "github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
)

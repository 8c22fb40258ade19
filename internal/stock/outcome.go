package stock

// Outcome is the typed result of a reservation attempt. Conflict exhaustion
// is deliberately distinct from insufficient stock: the former is transient
// and retryable, the latter is a business answer.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeInsufficient
	OutcomeConflict
	OutcomeUserCapped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "OK"
	case OutcomeInsufficient:
		return "INSUFFICIENT_STOCK"
	case OutcomeConflict:
		return "CONFLICT_RETRY_EXCEEDED"
	case OutcomeUserCapped:
		return "USER_PURCHASE_CAPPED"
	}
	return "UNKNOWN"
}

// Stock-log change types.
const (
	ChangeReserve      = "RESERVE"
	ChangeRestore      = "RESTORE"
	ChangeFlashDeduct  = "FLASH_DEDUCT"
	ChangeFlashRestore = "FLASH_RESTORE"
)

package eventbus

// Kind names a domain event variant. Subscriptions are keyed by Kind.
type Kind string

const (
	KindUserRegistered        Kind = "user_registered"
	KindDepositDetected       Kind = "deposit_detected"
	KindPlanApproved          Kind = "plan_approved"
	KindTransactionCommitted  Kind = "transaction_committed"
	KindTransactionRolledBack Kind = "transaction_rolled_back"
	KindTransactionExpired    Kind = "transaction_expired"
	KindCompensationFailed    Kind = "compensation_failed"
	KindStateConflict         Kind = "state_conflict_detected"
)

// Payload is implemented by every event variant. It carries only what
// subscribers need.
type Payload interface {
	Kind() Kind
	// Owner is the identity the event concerns, or "" for system events.
	Owner() string
}

type UserRegistered struct {
	UserID string `json:"user_id"`
}

func (UserRegistered) Kind() Kind      { return KindUserRegistered }
func (e UserRegistered) Owner() string { return e.UserID }

type DepositDetected struct {
	UserID     string `json:"user_id"`
	TxID       string `json:"txid"`
	AmountSats int64  `json:"amount_sats"`
}

func (DepositDetected) Kind() Kind      { return KindDepositDetected }
func (e DepositDetected) Owner() string { return e.UserID }

type PlanApproved struct {
	PlanID string `json:"plan_id"`
	UserID string `json:"user_id"`
}

func (PlanApproved) Kind() Kind      { return KindPlanApproved }
func (e PlanApproved) Owner() string { return e.UserID }

// TransactionOutcome is shared by the coordinator's terminal-state events.
type TransactionOutcome struct {
	Outcome       Kind   `json:"-"`
	TransactionID string `json:"transaction_id"`
	OwnerID       string `json:"owner_id"`
	PlanID        string `json:"plan_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

func (e TransactionOutcome) Kind() Kind    { return e.Outcome }
func (e TransactionOutcome) Owner() string { return e.OwnerID }

type StateConflict struct {
	Services        []string `json:"services"`
	SuggestedPolicy string   `json:"suggested_policy"`
}

func (StateConflict) Kind() Kind    { return KindStateConflict }
func (StateConflict) Owner() string { return "" }

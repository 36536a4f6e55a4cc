package model

// Order status codes. The values are ordered: a status above StatusUnconfirmed
// means the order is completed and no listener may attach to it anymore.
const (
	StatusNew         = 0
	StatusUnconfirmed = 1
	StatusPaid        = 2
	StatusUnderpaid   = 3
	StatusOverpaid    = 4
	StatusExpired     = 5
	StatusCanceled    = 6
)

// IsTerminal reports whether the given status stops the order's polling task
// permanently. Terminal and "completed for listeners" are the same predicate.
func IsTerminal(status int64) bool {
	return status > StatusUnconfirmed
}

// StatusString returns the human readable name of an order status.
func StatusString(status int64) string {
	switch status {
	case StatusNew:
		return "new"
	case StatusUnconfirmed:
		return "unconfirmed"
	case StatusPaid:
		return "paid"
	case StatusUnderpaid:
		return "underpaid"
	case StatusOverpaid:
		return "overpaid"
	case StatusExpired:
		return "expired"
	case StatusCanceled:
		return "canceled"
	}
	return "unknown"
}

// Transaction is one blockchain transaction observed for an order's receiving
// address, as reported by the chain client.
type Transaction struct {
	Amount        int64  `json:"amount"`
	Confirmations int64  `json:"confirmations"`
	TID           string `json:"tid"`
}

// StatusEvaluation is the outcome of re-running the order state machine
// against the transactions currently observed for the order's address.
type StatusEvaluation struct {
	Status     int64
	AmountPaid int64
	TID        string
}

// EvaluateStatus reruns the payment state machine for an order with the given
// target amount against the observed transactions. Orders already in a
// terminal status are never moved again. With no transactions observed the
// current status is kept, so an order can stay new indefinitely.
func EvaluateStatus(currentStatus int64, amount int64, confirmationsRequired int64,
	txs []Transaction) StatusEvaluation {

	res := StatusEvaluation{Status: currentStatus}
	if IsTerminal(currentStatus) || len(txs) == 0 {
		return res
	}

	totalPaid := int64(0)
	minConfirmations := txs[0].Confirmations
	for _, tx := range txs {
		totalPaid += tx.Amount
		if tx.Confirmations < minConfirmations {
			minConfirmations = tx.Confirmations
		}
	}
	res.AmountPaid = totalPaid
	res.TID = txs[0].TID

	if minConfirmations < confirmationsRequired {
		res.Status = StatusUnconfirmed
		return res
	}

	switch {
	case totalPaid == amount:
		res.Status = StatusPaid
	case totalPaid < amount:
		res.Status = StatusUnderpaid
	default:
		res.Status = StatusOverpaid
	}
	return res
}

// OrderSnapshot is the JSON representation of an order returned by the HTTP
// layer, pushed over websocket connections and delivered in callbacks.
type OrderSnapshot struct {
	ID             uint64 `json:"id"`
	PaymentID      string `json:"payment_id"`
	Status         int64  `json:"status"`
	Amount         int64  `json:"amount"`
	AmountPaid     int64  `json:"amount_paid"`
	Address        string `json:"address"`
	TID            string `json:"tid,omitempty"`
	Description    string `json:"description,omitempty"`
	CallbackData   string `json:"callback_data,omitempty"`
	Data           string `json:"data,omitempty"`
	KeychainID     uint64 `json:"keychain_id"`
	LastKeychainID uint64 `json:"last_keychain_id"`
	// TakesFees tells the merchant that amount_paid is net of provider
	// fees, so an underpaid order may not mean the payer sent too little.
	TakesFees      bool   `json:"takes_fees"`
}

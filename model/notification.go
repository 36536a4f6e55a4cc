package model

// OrderNotification is handed to subscribers whenever an order's status
// transition has been persisted. The snapshot reflects the state after the
// transition; the gateway fields carry what callback delivery needs so
// subscribers never have to reach back into the database.
type OrderNotification struct {
	GatewayID   uint64
	CallbackURL string
	Secret      string
	Snapshot    *OrderSnapshot
}

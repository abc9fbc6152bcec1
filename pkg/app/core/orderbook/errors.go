package orderbook

import "fmt"

// ValidationError reports an incoming order the engine refuses to process.
type ValidationError struct {
	OrderID string
	Field   string
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.OrderID == "" {
		return fmt.Sprintf("invalid order: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid order %s: %s: %s", e.OrderID, e.Field, e.Reason)
}

func validateIncoming(o Order) error {
	if o.Side != Bid && o.Side != Ask {
		return &ValidationError{OrderID: o.ID, Field: "side", Reason: fmt.Sprintf("unknown side %d", uint8(o.Side))}
	}
	if o.Price == 0 {
		return &ValidationError{OrderID: o.ID, Field: "price", Reason: "price must be positive"}
	}
	if o.Quantity == 0 {
		return &ValidationError{OrderID: o.ID, Field: "quantity", Reason: "quantity must be positive"}
	}
	return nil
}

// Validate reports the error Match would return for o, without touching any state.
func (o Order) Validate() error { return validateIncoming(o) }

package sim

// OrderType enumerates the diagnostic order kinds that carry a
// pending→complete lifecycle. Treatments (fluids, adenosine, intubation, ...)
// are applied by treatment handlers instead and never appear here.
type OrderType string

const (
	OrderVitals      OrderType = "vitals"
	OrderEKG         OrderType = "ekg"
	OrderLabs        OrderType = "labs"
	OrderImaging     OrderType = "imaging"
	OrderCardiacExam OrderType = "cardiac_exam"
	OrderLungExam    OrderType = "lung_exam"
	OrderGeneralExam OrderType = "general_exam"
	OrderIVAccess    OrderType = "iv_access"
)

// IsValid reports whether t is a recognised order type.
func (t OrderType) IsValid() bool {
	switch t {
	case OrderVitals, OrderEKG, OrderLabs, OrderImaging,
		OrderCardiacExam, OrderLungExam, OrderGeneralExam, OrderIVAccess:
		return true
	}
	return false
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderPending  OrderStatus = "pending"
	OrderComplete OrderStatus = "complete"
)

// OrderResult carries the outcome attached when an order completes.
type OrderResult struct {
	// Summary is the result text spoken by the tech or nurse.
	Summary string `json:"summary"`

	// Abnormal marks clinically significant results.
	Abnormal bool `json:"abnormal,omitempty"`

	// ImageURL points at a served asset (EKG strip, chest film) when one exists.
	ImageURL string `json:"imageUrl,omitempty"`

	// Meta holds result-specific extras (lab values, intervals). Only the
	// validators layer inspects its shape.
	Meta map[string]any `json:"meta,omitempty"`
}

// Order is a learner-issued diagnostic with a pending→complete lifecycle.
// At most one pending order of any given type exists per session.
type Order struct {
	ID          string       `json:"id"`
	Type        OrderType    `json:"type"`
	Status      OrderStatus  `json:"status"`
	Result      *OrderResult `json:"result,omitempty"`
	OrderedAt   int64        `json:"orderedAt"`
	CompletedAt int64        `json:"completedAt,omitempty"`
	OrderedBy   string       `json:"orderedBy,omitempty"`
}

func cloneOrders(orders []Order) []Order {
	if orders == nil {
		return nil
	}
	cp := make([]Order, len(orders))
	for i, o := range orders {
		cp[i] = o
		if o.Result != nil {
			r := *o.Result
			if o.Result.Meta != nil {
				r.Meta = make(map[string]any, len(o.Result.Meta))
				for k, v := range o.Result.Meta {
					r.Meta[k] = v
				}
			}
			cp[i].Result = &r
		}
	}
	return cp
}

// PendingOrder looks up the pending order of the given type, if any.
func (s *SimState) PendingOrder(t OrderType) *Order {
	for i := range s.Orders {
		if s.Orders[i].Type == t && s.Orders[i].Status == OrderPending {
			return &s.Orders[i]
		}
	}
	return nil
}

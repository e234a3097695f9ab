package domain

import "time"

type RestockLine struct {
	ProductID         string  `json:"product_id"`
	Name              string  `json:"name,omitempty"`
	CurrentStock      int     `json:"current_stock"`
	PredictedDemand   float64 `json:"predicted_demand"`
	SuggestedQuantity int     `json:"suggested_quantity"`
	Priority          float64 `json:"priority"`
}

// RestockRequest is regenerated every evaluation and replaces the previous one.
type RestockRequest struct {
	GeneratedAt time.Time     `json:"generated_at"`
	Strategy    string        `json:"strategy"`
	Lines       []RestockLine `json:"lines"`
}

func (r RestockRequest) Empty() bool {
	return len(r.Lines) == 0
}

package server

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shopspring/decimal"
)

// Monetary amounts travel as strings on the wire and are parsed to
// decimals at the boundary, never floats.

type CreateTaskRequest struct {
	Category    string `json:"category" example:"cleaning"`
	Title       string `json:"title" example:"Deep clean two-bedroom flat"`
	Description string `json:"description,omitempty"`
	Budget      string `json:"budget" example:"120.00"`
	Urgency     string `json:"urgency" example:"normal"`
	ClientTier  string `json:"client_tier,omitempty" example:"standard"`
}

type TransitionTaskRequest struct {
	Status string `json:"status" enum:"in_progress,completed,cancelled"`
	Reason string `json:"reason,omitempty"`
}

type SubmitBidRequest struct {
	Amount  string `json:"amount" example:"95.00"`
	Message string `json:"message,omitempty"`
}

type RespondToBidRequest struct {
	Action string `json:"action" enum:"accept,reject"`
	Note   string `json:"note,omitempty"`
}

type WithdrawBidRequest struct {
	Reason string `json:"reason,omitempty"`
}

type FundEscrowRequest struct {
	ProviderID string `json:"provider_id"`
	Method     string `json:"method" example:"card"`
}

type SettleEscrowRequest struct {
	Reason string `json:"reason,omitempty"`
}

type DisputeEscrowRequest struct {
	Reason string `json:"reason"`
}

func parseAmount(field, raw string) (decimal.Decimal, huma.StatusError) {
	if raw == "" {
		return decimal.Decimal{}, newAPIError(http.StatusBadRequest, "bad_request", field+" is required", nil)
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, newAPIError(http.StatusBadRequest, "bad_request", "invalid "+field+": "+raw, nil)
	}
	return amount, nil
}

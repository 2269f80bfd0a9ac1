package server

import (
	"smarter/internal/controller"
	"smarter/internal/domain"
	"smarter/internal/manifest"
)

type AccountSummary struct {
	ID            string `json:"id"`
	AccountNumber string `json:"account_number"`
	Name          string `json:"name"`
}

type WhoAmIResponse struct {
	ActorID string         `json:"actor_id"`
	Account AccountSummary `json:"account"`
}

func whoAmIResponse(p domain.Principal) WhoAmIResponse {
	return WhoAmIResponse{
		ActorID: p.ActorID,
		Account: AccountSummary{
			ID:            p.Account.ID,
			AccountNumber: p.Account.AccountNumber,
			Name:          p.Account.Name,
		},
	}
}

type KindsResponse struct {
	Items []controller.KindInfo `json:"items"`
}

// StatusListResponse holds one status report per registered kind.
type StatusListResponse struct {
	Items []*manifest.Document `json:"items"`
}

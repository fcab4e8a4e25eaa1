package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/lumendark/lumendark/internal/settlement"
)

// RegisterSettlementRoutes wires the ledger's mutating and read endpoints.
func RegisterSettlementRoutes(r fiber.Router, h *settlement.Handler, depositLimit fiber.Handler) {
	if depositLimit != nil {
		r.Post("/deposits", depositLimit, h.Deposit)
	} else {
		r.Post("/deposits", h.Deposit)
	}
	r.Post("/withdrawals", h.Withdraw)
	r.Post("/withdrawal-requests", h.RequestWithdrawal)
	r.Get("/withdrawal-requests", h.WithdrawalRequests)
	r.Get("/withdrawal-requests/:id", h.WithdrawalRequest)
	r.Post("/withdrawal-requests/:id/reject", h.RejectWithdrawalRequest)
	r.Post("/settlements", h.Settle)

	r.Get("/balances/:principal/:asset", h.Balance)
	r.Get("/admin", h.Admin)
	r.Get("/assets", h.Assets)
	r.Get("/assets/:asset", h.Asset)
	r.Get("/nonce", h.Nonce)
}

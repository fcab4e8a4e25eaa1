package routes

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/lumendark/lumendark/internal/auth"
	"github.com/lumendark/lumendark/internal/settlement"
)

// RegisterDevRoutes adds development helpers. The faucet mints tokens into a
// holder's external account so deposits can be tried without a real custody
// backend.
func RegisterDevRoutes(r fiber.Router, d Deps) {
	r.Post("/dev/faucet", func(c *fiber.Ctx) error {
		var req settlement.FaucetRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
		holder, err := auth.CanonicalPrincipal(req.Holder)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
		if req.Amount <= 0 {
			return fiber.NewError(http.StatusBadRequest, "amount must be positive")
		}
		token, err := d.Engine.Asset(req.Asset)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}

		d.Faucet.Mint(token, holder, req.Amount)
		d.Logger.Info("faucet minted", "holder", holder, "asset", req.Asset, "token", token, "amount", req.Amount)
		return c.Status(http.StatusCreated).JSON(settlement.FaucetResponse{
			Holder: holder,
			Asset:  req.Asset,
			Token:  token,
			Amount: req.Amount,
		})
	})
}

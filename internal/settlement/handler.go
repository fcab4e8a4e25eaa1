package settlement

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/lumendark/lumendark/internal/asset"
	"github.com/lumendark/lumendark/internal/auth"
	"github.com/lumendark/lumendark/internal/custody"
	"github.com/lumendark/lumendark/internal/ledger"
	"github.com/lumendark/lumendark/internal/nonce"
)

// Handler exposes the settlement engine over HTTP.
type Handler struct {
	service *Service
}

// NewHandler constructs a settlement handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Deposit handles POST /deposits.
func (h *Handler) Deposit(c *fiber.Ctx) error {
	var req DepositRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	res, err := h.service.Deposit(c.UserContext(), DepositInput{
		User:   req.User,
		Asset:  req.Asset,
		Amount: req.Amount,
	})
	if err != nil {
		return fiber.NewError(statusFor(err), err.Error())
	}

	return c.Status(http.StatusCreated).JSON(DepositResponse{
		User:              res.User,
		Asset:             res.Asset,
		Amount:            res.Amount,
		Balance:           res.Balance,
		TransferReference: res.TransferReference,
		EventID:           res.EventID,
	})
}

// Withdraw handles POST /withdrawals.
func (h *Handler) Withdraw(c *fiber.Ctx) error {
	var req WithdrawRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	res, err := h.service.Withdraw(c.UserContext(), WithdrawInput{
		Nonce:     req.Nonce,
		User:      req.User,
		Asset:     req.Asset,
		Amount:    req.Amount,
		RequestID: req.RequestID,
	})
	if err != nil {
		return fiber.NewError(statusFor(err), err.Error())
	}

	return c.Status(http.StatusCreated).JSON(WithdrawResponse{
		Nonce:             res.Nonce,
		NextNonce:         res.NextNonce,
		User:              res.User,
		Asset:             res.Asset,
		Amount:            res.Amount,
		Balance:           res.Balance,
		TransferReference: res.TransferReference,
		EventID:           res.EventID,
		RequestID:         res.RequestID,
	})
}

// RequestWithdrawal handles POST /withdrawal-requests.
func (h *Handler) RequestWithdrawal(c *fiber.Ctx) error {
	var req WithdrawalRequestBody
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	res, err := h.service.RequestWithdrawal(c.UserContext(), WithdrawalRequestInput{
		User:   req.User,
		Asset:  req.Asset,
		Amount: req.Amount,
	})
	if err != nil {
		return fiber.NewError(statusFor(err), err.Error())
	}
	return c.Status(http.StatusCreated).JSON(toRequestResponse(res))
}

// WithdrawalRequest handles GET /withdrawal-requests/:id.
func (h *Handler) WithdrawalRequest(c *fiber.Ctx) error {
	res, err := h.service.WithdrawalRequest(c.UserContext(), c.Params("id"))
	if err != nil {
		return fiber.NewError(statusFor(err), err.Error())
	}
	return c.JSON(toRequestResponse(res))
}

// WithdrawalRequests handles GET /withdrawal-requests?status=&limit=.
func (h *Handler) WithdrawalRequests(c *fiber.Ctx) error {
	list, err := h.service.WithdrawalRequests(c.UserContext(), c.Query("status"), c.QueryInt("limit", 100))
	if err != nil {
		return fiber.NewError(statusFor(err), err.Error())
	}
	out := make([]WithdrawalRequestResponse, 0, len(list))
	for _, r := range list {
		out = append(out, toRequestResponse(r))
	}
	return c.JSON(out)
}

// RejectWithdrawalRequest handles POST /withdrawal-requests/:id/reject.
func (h *Handler) RejectWithdrawalRequest(c *fiber.Ctx) error {
	var req RejectRequestBody
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
	}
	res, err := h.service.RejectWithdrawalRequest(c.UserContext(), c.Params("id"), req.Reason)
	if err != nil {
		return fiber.NewError(statusFor(err), err.Error())
	}
	return c.JSON(toRequestResponse(res))
}

func toRequestResponse(r ledger.WithdrawalRequest) WithdrawalRequestResponse {
	out := WithdrawalRequestResponse{
		ID:        r.ID,
		User:      r.User,
		Asset:     r.Asset,
		Amount:    r.Amount,
		Status:    r.Status,
		Reason:    r.Reason,
		Nonce:     r.Nonce,
		CreatedAt: r.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if r.ProcessedAt != nil {
		out.ProcessedAt = r.ProcessedAt.UTC().Format(time.RFC3339Nano)
	}
	return out
}

// Settle handles POST /settlements.
func (h *Handler) Settle(c *fiber.Ctx) error {
	var req SettleRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	res, err := h.service.Settle(c.UserContext(), SettleInput{
		Nonce:        req.Nonce,
		Buyer:        req.Buyer,
		Seller:       req.Seller,
		AssetSold:    req.AssetSold,
		AmountSold:   req.AmountSold,
		AssetBought:  req.AssetBought,
		AmountBought: req.AmountBought,
	})
	if err != nil {
		return fiber.NewError(statusFor(err), err.Error())
	}

	return c.Status(http.StatusCreated).JSON(SettleResponse{
		Nonce:     res.Nonce,
		NextNonce: res.NextNonce,
		Seller: PartyBalances{
			Principal:   res.Seller,
			AssetSold:   res.SellerAssetSold,
			AssetBought: res.SellerAssetBought,
		},
		Buyer: PartyBalances{
			Principal:   res.Buyer,
			AssetSold:   res.BuyerAssetSold,
			AssetBought: res.BuyerAssetBought,
		},
		EventID: res.EventID,
	})
}

// Balance handles GET /balances/:principal/:asset.
func (h *Handler) Balance(c *fiber.Ctx) error {
	principal := c.Params("principal")
	assetID := c.Params("asset")

	amount, err := h.service.Balance(c.UserContext(), principal, assetID)
	if err != nil {
		return fiber.NewError(statusFor(err), err.Error())
	}
	display := h.service.Assets().Format(assetID, amount)

	return c.Status(http.StatusOK).JSON(BalanceResponse{
		Principal: principal,
		Asset:     assetID,
		Balance:   amount,
		Display:   display,
		AsOf:      time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// Admin handles GET /admin.
func (h *Handler) Admin(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"admin": h.service.Admin()})
}

// Asset handles GET /assets/:asset.
func (h *Handler) Asset(c *fiber.Ctx) error {
	id := c.Params("asset")
	addr, err := h.service.Asset(id)
	if err != nil {
		return fiber.NewError(http.StatusNotFound, err.Error())
	}
	return c.JSON(AssetResponse{Asset: id, Address: addr})
}

// Assets handles GET /assets.
func (h *Handler) Assets(c *fiber.Ctx) error {
	reg := h.service.Assets()
	out := make([]AssetResponse, 0, len(reg.IDs()))
	for _, id := range reg.IDs() {
		addr, _ := reg.Address(id)
		out = append(out, AssetResponse{Asset: id, Address: addr})
	}
	return c.JSON(out)
}

// Nonce handles GET /nonce.
func (h *Handler) Nonce(c *fiber.Ctx) error {
	n, err := h.service.Nonce(c.UserContext())
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(NonceResponse{Nonce: n})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrInvalidAmount),
		errors.Is(err, asset.ErrUnknownAsset),
		errors.Is(err, auth.ErrInvalidPrincipal),
		errors.Is(err, ErrRequestMismatch),
		errors.Is(err, ErrInvalidStatus):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrRequestNotFound):
		return http.StatusNotFound
	case errors.Is(err, nonce.ErrMismatch),
		errors.Is(err, ledger.ErrRequestClosed):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrOverflow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, custody.ErrTransferFailed),
		errors.Is(err, custody.ErrInsufficientHolding):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

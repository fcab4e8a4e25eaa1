package middleware

import (
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/lumendark/lumendark/internal/auth"
)

const signerLocal = "signer"

// Signature verifies the X-Ledger-* headers and attaches the resulting proof
// to the request context. Unsigned requests pass through without a proof;
// operations that need one are rejected by the engine's gate.
func Signature(gate *auth.Gate) fiber.Handler {
	return func(c *fiber.Ctx) error {
		signer := c.Get(auth.HeaderSigner)
		signature := c.Get(auth.HeaderSignature)
		rawTS := c.Get(auth.HeaderTimestamp)
		if signer == "" && signature == "" && rawTS == "" {
			return c.Next()
		}

		ts, err := strconv.ParseInt(rawTS, 10, 64)
		if err != nil {
			return fiber.NewError(http.StatusUnauthorized, "invalid signature timestamp")
		}
		proof, err := gate.Verify(auth.SignedRequest{
			Method:    c.Method(),
			Path:      c.Path(),
			Body:      c.Body(),
			Signer:    signer,
			Signature: signature,
			Timestamp: ts,
		})
		if err != nil {
			return fiber.NewError(http.StatusUnauthorized, err.Error())
		}

		c.SetUserContext(auth.NewContext(c.UserContext(), proof))
		c.Locals(signerLocal, proof.Signer())
		return c.Next()
	}
}

// SignerOf returns the verified signer of the request, if any.
func SignerOf(c *fiber.Ctx) string {
	s, _ := c.Locals(signerLocal).(string)
	return s
}

package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const (
	idempotencyKeyHeader   = "Idempotency-Key"
	idempotencyPrefix      = "ledger:idempotency:v1:"
	idempotentReplayHeader = "Idempotent-Replayed"
	idempotencyOpTimeout   = 2 * time.Second
)

// replay is what gets stored under a key. Pending is set while the first
// request holding the key is still running.
type replay struct {
	Pending     bool              `json:"pending,omitempty"`
	Fingerprint string            `json:"fingerprint"`
	Status      int               `json:"status,omitempty"`
	Body        string            `json:"body,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

type replayStore struct {
	cache *redis.Client
	ttl   time.Duration
}

// reserve claims key for a new request. It returns the stored entry when the
// key is already taken.
func (s replayStore) reserve(ctx context.Context, key, fingerprint string) (*replay, error) {
	pending, _ := json.Marshal(replay{Pending: true, Fingerprint: fingerprint})
	ok, err := s.cache.SetNX(ctx, key, pending, s.ttl).Result()
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, nil
	}
	raw, err := s.cache.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		// Released between SETNX and GET; claim again.
		return s.reserve(ctx, key, fingerprint)
	}
	if err != nil {
		return nil, err
	}
	var r replay
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s replayStore) save(ctx context.Context, key string, r replay) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, key, payload, s.ttl).Err()
}

func (s replayStore) release(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), idempotencyOpTimeout)
	defer cancel()
	s.cache.Del(ctx, key)
}

// Idempotency replays the first successful response for each
// Idempotency-Key on unsafe methods. Keys are scoped to the verified signer,
// so Signature must run first. A key reused with a different body is
// rejected. Failed requests release their key and are never replayed.
func Idempotency(cache *redis.Client, ttl time.Duration, logger *slog.Logger) fiber.Handler {
	store := replayStore{cache: cache, ttl: ttl}

	return func(c *fiber.Ctx) error {
		switch strings.ToUpper(c.Method()) {
		case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions:
			return c.Next()
		}

		key := c.Get(idempotencyKeyHeader)
		if key == "" {
			return fiber.NewError(fiber.StatusBadRequest, "missing Idempotency-Key header")
		}
		scope := SignerOf(c)
		if scope == "" {
			scope = "anonymous"
		}
		cacheKey := idempotencyPrefix + scope + ":" + key
		fingerprint := fingerprintOf(c)
		log := logger.With(slog.String("idempotency_key", key), slog.String("signer", scope))

		ctx, cancel := context.WithTimeout(context.Background(), idempotencyOpTimeout)
		defer cancel()

		prior, err := store.reserve(ctx, cacheKey, fingerprint)
		if err != nil {
			log.Error("idempotency reservation failed", slog.Any("error", err))
			return fiber.NewError(fiber.StatusInternalServerError, "idempotency store failure")
		}
		if prior != nil {
			switch {
			case prior.Fingerprint != fingerprint:
				return fiber.NewError(fiber.StatusUnprocessableEntity, "Idempotency-Key reused with a different request")
			case prior.Pending:
				return fiber.NewError(fiber.StatusConflict, "duplicate request currently processing")
			}
			for header, value := range prior.Headers {
				if strings.EqualFold(header, fiber.HeaderContentLength) {
					continue
				}
				c.Set(header, value)
			}
			c.Set(idempotentReplayHeader, "true")
			return c.Status(prior.Status).SendString(prior.Body)
		}

		if err := c.Next(); err != nil || c.Response().StatusCode() >= fiber.StatusBadRequest {
			store.release(cacheKey)
			return err
		}

		c.Set(idempotentReplayHeader, "false")
		done := replay{
			Fingerprint: fingerprint,
			Status:      c.Response().StatusCode(),
			Body:        string(c.Response().Body()),
			Headers:     map[string]string{},
		}
		c.Response().Header.VisitAll(func(k, v []byte) {
			done.Headers[string(k)] = string(v)
		})

		saveCtx, saveCancel := context.WithTimeout(context.Background(), idempotencyOpTimeout)
		defer saveCancel()
		if err := store.save(saveCtx, cacheKey, done); err != nil {
			// The operation already committed; answer it and let a retry run again.
			log.Error("failed to persist idempotent response", slog.Any("error", err))
			store.release(cacheKey)
		}
		return nil
	}
}

func fingerprintOf(c *fiber.Ctx) string {
	h := sha256.New()
	h.Write([]byte(c.Method()))
	h.Write([]byte{'|'})
	h.Write([]byte(c.Path()))
	h.Write([]byte{'|'})
	h.Write(c.Body())
	return hex.EncodeToString(h.Sum(nil))
}

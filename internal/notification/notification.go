package notification

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Kind names the operation an event reports.
type Kind string

const (
	// KindDeposit is emitted after a committed deposit.
	KindDeposit Kind = "deposit"
	// KindWithdraw is emitted after a committed withdrawal.
	KindWithdraw Kind = "withdraw"
	// KindSettle is emitted after a committed settlement.
	KindSettle Kind = "settle"
)

// Event is the structured record delivered to indexers, one per successful
// mutating call.
type Event struct {
	ID           string    `json:"id"`
	Kind         Kind      `json:"kind"`
	Nonce        *uint64   `json:"nonce,omitempty"`
	User         string    `json:"user,omitempty"`
	Asset        string    `json:"asset,omitempty"`
	Amount       int64     `json:"amount,omitempty"`
	Buyer        string    `json:"buyer,omitempty"`
	Seller       string    `json:"seller,omitempty"`
	AssetSold    string    `json:"asset_sold,omitempty"`
	AmountSold   int64     `json:"amount_sold,omitempty"`
	AssetBought  string    `json:"asset_bought,omitempty"`
	AmountBought int64     `json:"amount_bought,omitempty"`
	At           time.Time `json:"at"`
}

// NewDeposit builds a Deposit{user, asset, amount} event.
func NewDeposit(user, asset string, amount int64) Event {
	return Event{ID: uuid.NewString(), Kind: KindDeposit, User: user, Asset: asset, Amount: amount, At: time.Now().UTC()}
}

// NewWithdraw builds a Withdraw{nonce, user, asset, amount} event.
func NewWithdraw(nonce uint64, user, asset string, amount int64) Event {
	return Event{ID: uuid.NewString(), Kind: KindWithdraw, Nonce: &nonce, User: user, Asset: asset, Amount: amount, At: time.Now().UTC()}
}

// NewSettle builds a Settle{nonce, buyer, seller, asset_sold, amount_sold,
// asset_bought, amount_bought} event.
func NewSettle(nonce uint64, buyer, seller, assetSold string, amountSold int64, assetBought string, amountBought int64) Event {
	return Event{
		ID:           uuid.NewString(),
		Kind:         KindSettle,
		Nonce:        &nonce,
		Buyer:        buyer,
		Seller:       seller,
		AssetSold:    assetSold,
		AmountSold:   amountSold,
		AssetBought:  assetBought,
		AmountBought: amountBought,
		At:           time.Now().UTC(),
	}
}

// Notifier delivers events to downstream systems.
type Notifier interface {
	Send(ctx context.Context, event Event) error
}

// LoggerNotifier writes events to the structured logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the event to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, event Event) error {
	if n == nil || n.logger == nil {
		return nil
	}
	attrs := []any{"id", event.ID, "kind", string(event.Kind)}
	if event.Nonce != nil {
		attrs = append(attrs, "nonce", *event.Nonce)
	}
	switch event.Kind {
	case KindSettle:
		attrs = append(attrs,
			"buyer", event.Buyer, "seller", event.Seller,
			"asset_sold", event.AssetSold, "amount_sold", event.AmountSold,
			"asset_bought", event.AssetBought, "amount_bought", event.AmountBought)
	default:
		attrs = append(attrs, "user", event.User, "asset", event.Asset, "amount", event.Amount)
	}
	n.logger.Info("notification", attrs...)
	return nil
}

// Fanout delivers each event to every sink and reports all failures.
type Fanout []Notifier

// Send forwards event to each sink, continuing past failures.
func (f Fanout) Send(ctx context.Context, event Event) error {
	var errs []error
	for _, n := range f {
		if n == nil {
			continue
		}
		if err := n.Send(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

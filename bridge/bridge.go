// Package bridge credits observed on-chain deposits into the ledger. The
// bridge never touches keys or broadcasts transactions; it reshapes a deposit
// event into a balance credit plus an append-only transaction record.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"loanzzz/native/assets"
	"loanzzz/native/ledger"
	"loanzzz/storage"
)

var (
	// ErrValidation marks a malformed deposit request.
	ErrValidation = errors.New("bridge: validation failed")
	// ErrNotFound marks a deposit for an unknown user.
	ErrNotFound = errors.New("bridge: not found")
)

// Ledger is the slice of the store the bridge mutates through.
type Ledger interface {
	Transaction(ctx context.Context, fn func(tx *storage.Tx) error) error
}

// Confirmer resolves an external chain reference to a settlement status.
type Confirmer interface {
	ConfirmDeposit(ctx context.Context, chain, reference string) (bool, error)
}

// Notifier pushes balance updates to connected clients.
type Notifier interface {
	NotifyUser(userID, event string, payload any)
}

type noopNotifier struct{}

func (noopNotifier) NotifyUser(string, string, any) {}

// Bridge turns observed deposits into ledger credits. The USDT leg is a 1:1
// USD to FIRMA conversion.
type Bridge struct {
	ledger    Ledger
	confirmer Confirmer
	notifier  Notifier
	log       *slog.Logger
	now       func() time.Time
	newID     func() string
}

// Option adjusts Bridge construction.
type Option func(*Bridge)

// WithConfirmer wires an indexer-backed settlement check for tx references.
func WithConfirmer(c Confirmer) Option {
	return func(b *Bridge) { b.confirmer = c }
}

// WithNotifier wires the notification bus.
func WithNotifier(n Notifier) Option {
	return func(b *Bridge) {
		if n != nil {
			b.notifier = n
		}
	}
}

// WithClock overrides the time source, used in tests.
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) {
		if now != nil {
			b.now = now
		}
	}
}

// New builds a bridge over the ledger.
func New(l Ledger, log *slog.Logger, opts ...Option) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	b := &Bridge{
		ledger:   l,
		notifier: noopNotifier{},
		log:      log.With("component", "bridge"),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Deposit is the result of a credited deposit.
type Deposit struct {
	TransactionID string
	Asset         assets.Asset
	Amount        *big.Rat
	Status        ledger.TxStatus
	NewBalance    *big.Rat
}

// DepositXEC credits a native-chain deposit. txHash is optional; when set and
// a confirmer is wired, the record status reflects on-chain settlement.
func (b *Bridge) DepositXEC(ctx context.Context, userID string, amount *big.Rat, txHash string) (*Deposit, error) {
	return b.credit(ctx, userID, assets.XEC, amount, nil, ledger.TxDepositXEC, "ecash", txHash)
}

// DepositFIRMA credits a stablecoin deposit already denominated in FIRMA.
func (b *Bridge) DepositFIRMA(ctx context.Context, userID string, amount *big.Rat, txHash string) (*Deposit, error) {
	return b.credit(ctx, userID, assets.FIRMA, amount, amount, ledger.TxDepositFIRMA, "solana", txHash)
}

// CreditUSDSolana converts an observed USDT deposit into FIRMA one to one and
// credits it. signature is the Solana transaction signature when known.
func (b *Bridge) CreditUSDSolana(ctx context.Context, userID string, amountUSD *big.Rat, signature string) (*Deposit, error) {
	return b.credit(ctx, userID, assets.FIRMA, amountUSD, amountUSD, ledger.TxDepositFIRMA, "solana", signature)
}

func (b *Bridge) credit(ctx context.Context, userID string, asset assets.Asset, amount, valueUSD *big.Rat, kind ledger.TxKind, chain, reference string) (*Deposit, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id required", ErrValidation)
	}
	if !assets.IsPositive(amount) {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}

	status := ledger.TxConfirmed
	if reference != "" && b.confirmer != nil {
		confirmed, err := b.confirmer.ConfirmDeposit(ctx, chain, reference)
		if err != nil {
			// Keep the credit; the chain is observed again by the scheduler.
			b.log.Warn("deposit confirmation unavailable", "chain", chain, "reference", reference, "error", err)
			status = ledger.TxPending
		} else if !confirmed {
			status = ledger.TxPending
		}
	}

	now := b.now().UTC()
	result := &Deposit{Asset: asset, Amount: assets.Clone(amount), Status: status}
	err := b.ledger.Transaction(ctx, func(tx *storage.Tx) error {
		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("%w: user %s", ErrNotFound, userID)
			}
			return err
		}
		balance := user.Balance(asset)
		balance.Add(balance, amount)
		result.NewBalance = assets.Clone(balance)
		if err := tx.UpdateUser(ctx, user); err != nil {
			return err
		}
		record := &ledger.Transaction{
			ID:        b.newID(),
			UserID:    userID,
			Kind:      kind,
			Asset:     asset,
			Amount:    assets.Clone(amount),
			ValueUSD:  assets.Clone(valueUSD),
			TxHash:    reference,
			Status:    status,
			CreatedAt: now,
		}
		result.TransactionID = record.ID
		return tx.AppendTransaction(ctx, record)
	})
	if err != nil {
		return nil, err
	}

	b.notifier.NotifyUser(userID, "balance:update", map[string]any{
		"asset":   asset.String(),
		"balance": assets.Float(result.NewBalance),
	})
	b.log.Info("deposit credited",
		"user", userID,
		"asset", asset.String(),
		"amount", amount.FloatString(6),
		"status", string(status))
	return result, nil
}

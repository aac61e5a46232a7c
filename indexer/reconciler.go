package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"loanzzz/native/ledger"
)

// WalletStore persists observed escrow balances.
type WalletStore interface {
	UpsertEscrowWallet(ctx context.Context, wallet *ledger.EscrowWallet) error
}

// Reconciler refreshes the escrow transparency rows from the chain indexers.
// A chain with no configured address or client is skipped, and one chain
// failing does not stop the other.
type Reconciler struct {
	store       WalletStore
	explorer    *ExplorerClient
	solana      *SolanaClient
	xecAddress  string
	solAccount  string
	log         *slog.Logger
	newWalletID func() string
}

// NewReconciler wires the reconciler. Either client may be nil when the
// deployment only watches one chain.
func NewReconciler(store WalletStore, explorer *ExplorerClient, solana *SolanaClient, xecAddress, solAccount string, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		store:       store,
		explorer:    explorer,
		solana:      solana,
		xecAddress:  xecAddress,
		solAccount:  solAccount,
		log:         log.With("component", "indexer"),
		newWalletID: uuid.NewString,
	}
}

// Reconcile fetches current balances for every configured escrow address and
// upserts them. Returns the first error encountered after trying all chains.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	var firstErr error
	if r.explorer != nil && r.xecAddress != "" {
		if err := r.reconcileECash(ctx); err != nil {
			r.log.Error("ecash escrow reconcile failed", "error", err)
			firstErr = err
		}
	}
	if r.solana != nil && r.solAccount != "" {
		if err := r.reconcileSolana(ctx); err != nil {
			r.log.Error("solana escrow reconcile failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *Reconciler) reconcileECash(ctx context.Context) error {
	balance, err := r.explorer.AddressBalance(ctx, r.xecAddress)
	if err != nil {
		return err
	}
	wallet := &ledger.EscrowWallet{
		ID:           r.newWalletID(),
		Chain:        "ecash",
		Address:      r.xecAddress,
		BalanceXEC:   balance,
		BalanceFIRMA: new(big.Rat),
		BalanceXECX:  new(big.Rat),
	}
	if err := r.store.UpsertEscrowWallet(ctx, wallet); err != nil {
		return fmt.Errorf("persist ecash escrow: %w", err)
	}
	r.log.Debug("ecash escrow updated", "address", r.xecAddress, "balance", balance.FloatString(2))
	return nil
}

func (r *Reconciler) reconcileSolana(ctx context.Context) error {
	balance, err := r.solana.TokenAccountBalance(ctx, r.solAccount)
	if err != nil {
		return err
	}
	wallet := &ledger.EscrowWallet{
		ID:           r.newWalletID(),
		Chain:        "solana",
		Address:      r.solAccount,
		BalanceXEC:   new(big.Rat),
		BalanceFIRMA: balance,
		BalanceXECX:  new(big.Rat),
	}
	if err := r.store.UpsertEscrowWallet(ctx, wallet); err != nil {
		return fmt.Errorf("persist solana escrow: %w", err)
	}
	r.log.Debug("solana escrow updated", "account", r.solAccount, "balance", balance.FloatString(6))
	return nil
}

// ConfirmDeposit resolves an external transaction reference on the named
// chain. Empty references are accepted as unconfirmed observations, matching
// the optional tx_hash of the deposit endpoints.
func (r *Reconciler) ConfirmDeposit(ctx context.Context, chain, reference string) (bool, error) {
	if reference == "" {
		return false, nil
	}
	deadline := 15 * time.Second
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	switch chain {
	case "ecash":
		if r.explorer == nil {
			return false, nil
		}
		tx, err := r.explorer.Transaction(ctx, reference)
		if err != nil {
			return false, err
		}
		return tx.Confirmed, nil
	case "solana":
		if r.solana == nil {
			return false, nil
		}
		status, err := r.solana.SignatureStatus(ctx, reference)
		if err != nil {
			return false, err
		}
		return status.Finalized(), nil
	default:
		return false, fmt.Errorf("indexer: unknown chain %q", chain)
	}
}

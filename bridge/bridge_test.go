package bridge

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"loanzzz/native/assets"
	"loanzzz/native/ledger"
	"loanzzz/storage"
)

type stubConfirmer struct {
	confirmed bool
	err       error
	chains    []string
}

func (c *stubConfirmer) ConfirmDeposit(_ context.Context, chain, _ string) (bool, error) {
	c.chains = append(c.chains, chain)
	return c.confirmed, c.err
}

type captureNotifier struct {
	events []string
}

func (n *captureNotifier) NotifyUser(_ string, event string, _ any) {
	n.events = append(n.events, event)
}

func newTestBridge(t *testing.T, opts ...Option) (*Bridge, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return New(store, nil, opts...), store
}

func seedUser(t *testing.T, store *storage.Store, id string) {
	t.Helper()
	err := store.Transaction(context.Background(), func(tx *storage.Tx) error {
		return tx.InsertUser(context.Background(), &ledger.User{
			ID:        id,
			CreatedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func TestDepositXECCreditsBalance(t *testing.T) {
	notifier := &captureNotifier{}
	b, store := newTestBridge(t, WithNotifier(notifier))
	seedUser(t, store, "u1")

	dep, err := b.DepositXEC(context.Background(), "u1", assets.MustRat("1000000"), "")
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if dep.Status != ledger.TxConfirmed {
		t.Fatalf("status = %s", dep.Status)
	}
	if dep.NewBalance.Cmp(assets.MustRat("1000000")) != 0 {
		t.Fatalf("balance = %s", dep.NewBalance.FloatString(2))
	}
	user, err := store.GetUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user.Balance(assets.XEC).Cmp(assets.MustRat("1000000")) != 0 {
		t.Fatalf("persisted balance = %s", user.Balance(assets.XEC).FloatString(2))
	}
	txs, err := store.TransactionsByUser(context.Background(), "u1", 0)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if len(txs) != 1 || txs[0].Kind != ledger.TxDepositXEC {
		t.Fatalf("unexpected log %+v", txs)
	}
	if len(notifier.events) != 1 || notifier.events[0] != "balance:update" {
		t.Fatalf("events = %v", notifier.events)
	}
}

func TestCreditUSDSolanaOneToOne(t *testing.T) {
	confirmer := &stubConfirmer{confirmed: true}
	b, store := newTestBridge(t, WithConfirmer(confirmer))
	seedUser(t, store, "u1")

	dep, err := b.CreditUSDSolana(context.Background(), "u1", assets.MustRat("250.50"), "sig1")
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if dep.Asset != assets.FIRMA {
		t.Fatalf("asset = %s", dep.Asset)
	}
	if dep.Status != ledger.TxConfirmed {
		t.Fatalf("status = %s", dep.Status)
	}
	user, err := store.GetUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user.Balance(assets.FIRMA).Cmp(assets.MustRat("250.50")) != 0 {
		t.Fatalf("firma balance = %s", user.Balance(assets.FIRMA).FloatString(2))
	}
	txs, err := store.TransactionsByUser(context.Background(), "u1", 0)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if len(txs) != 1 || txs[0].TxHash != "sig1" || txs[0].ValueUSD.Cmp(assets.MustRat("250.50")) != 0 {
		t.Fatalf("unexpected record %+v", txs[0])
	}
	if len(confirmer.chains) != 1 || confirmer.chains[0] != "solana" {
		t.Fatalf("confirmer calls = %v", confirmer.chains)
	}
}

func TestUnconfirmedDepositStaysPending(t *testing.T) {
	b, store := newTestBridge(t, WithConfirmer(&stubConfirmer{confirmed: false}))
	seedUser(t, store, "u1")

	dep, err := b.DepositFIRMA(context.Background(), "u1", assets.MustRat("10"), "sig-unseen")
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if dep.Status != ledger.TxPending {
		t.Fatalf("status = %s", dep.Status)
	}
}

func TestConfirmerFailureDoesNotBlockCredit(t *testing.T) {
	b, store := newTestBridge(t, WithConfirmer(&stubConfirmer{err: errors.New("rpc down")}))
	seedUser(t, store, "u1")

	dep, err := b.DepositXEC(context.Background(), "u1", assets.MustRat("5"), "tx1")
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if dep.Status != ledger.TxPending {
		t.Fatalf("status = %s", dep.Status)
	}
	user, err := store.GetUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user.Balance(assets.XEC).Cmp(big.NewRat(5, 1)) != 0 {
		t.Fatalf("balance = %s", user.Balance(assets.XEC).FloatString(2))
	}
}

func TestDepositValidation(t *testing.T) {
	b, store := newTestBridge(t)
	seedUser(t, store, "u1")

	if _, err := b.DepositXEC(context.Background(), "", assets.MustRat("1"), ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := b.DepositXEC(context.Background(), "u1", assets.MustRat("0"), ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := b.DepositXEC(context.Background(), "u1", assets.MustRat("-3"), ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := b.DepositXEC(context.Background(), "ghost", assets.MustRat("1"), ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	txs, err := store.TransactionsByUser(context.Background(), "u1", 0)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if len(txs) != 0 {
		t.Fatalf("rejected deposits must not log, got %d", len(txs))
	}
}

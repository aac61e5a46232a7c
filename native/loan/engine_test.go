package loan

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"loanzzz/native/assets"
	"loanzzz/native/ledger"
	"loanzzz/native/oracle"
	"loanzzz/storage"
)

type captureNotifier struct {
	mu     sync.Mutex
	user   map[string][]string
	events []string
}

func newCaptureNotifier() *captureNotifier {
	return &captureNotifier{user: make(map[string][]string)}
}

func (n *captureNotifier) NotifyUser(userID, event string, _ any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.user[userID] = append(n.user[userID], event)
	n.events = append(n.events, event)
}

func (n *captureNotifier) Broadcast(event string, _ any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *captureNotifier) count(event string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, e := range n.events {
		if e == event {
			total++
		}
	}
	return total
}

func rat(t *testing.T, value string) *big.Rat {
	t.Helper()
	r, err := assets.Rat(value)
	if err != nil {
		t.Fatalf("parse %q: %v", value, err)
	}
	return r
}

func viewAt(t *testing.T, xecPrice string) oracle.View {
	t.Helper()
	return oracle.NewView(map[assets.Asset]*big.Rat{assets.XEC: rat(t, xecPrice)}, time.Now().UTC())
}

func newTestEngine(t *testing.T) (*Engine, *storage.Store, *captureNotifier) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	notifier := newCaptureNotifier()
	engine, err := NewEngine(store, DefaultParams(), nil, WithNotifier(notifier))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine, store, notifier
}

func seedUser(t *testing.T, store *storage.Store, id, xec, firma string) *ledger.User {
	t.Helper()
	user := &ledger.User{ID: id, BalanceXEC: rat(t, xec), BalanceFIRMA: rat(t, firma)}
	if err := store.InsertUser(context.Background(), user); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return user
}

func TestCreateHappyPath(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()
	seedUser(t, store, "u1", "1000000", "0")
	view := viewAt(t, "0.00003")

	loan, err := engine.Create(ctx, view, CreateRequest{
		UserID:           "u1",
		CollateralType:   assets.XEC,
		CollateralAmount: rat(t, "1000000"),
		BorrowType:       assets.FIRMA,
		BorrowAmount:     rat(t, "15"),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if loan.Status != ledger.StatusActive {
		t.Fatalf("status = %s", loan.Status)
	}
	if loan.CurrentLTV.Cmp(rat(t, "50")) != 0 {
		t.Fatalf("ltv = %s, want 50", loan.CurrentLTV.FloatString(4))
	}
	if loan.InitialLTV.Cmp(loan.CurrentLTV) != 0 {
		t.Fatal("initial ltv must equal current ltv at creation")
	}

	user, err := store.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user.BalanceXEC.Sign() != 0 {
		t.Fatalf("xec balance = %s, want 0", user.BalanceXEC.FloatString(2))
	}
	if user.BalanceFIRMA.Cmp(rat(t, "15")) != 0 {
		t.Fatalf("firma balance = %s, want 15", user.BalanceFIRMA.FloatString(2))
	}

	// XEC collateral joins the staking pool.
	pool, err := store.GetStakingPool(ctx)
	if err != nil {
		t.Fatalf("get pool: %v", err)
	}
	if pool.UserContributed.Cmp(rat(t, "1000000")) != 0 {
		t.Fatalf("pool contribution = %s", pool.UserContributed.FloatString(2))
	}
	if pool.Total.Cmp(rat(t, "1050000")) != 0 {
		t.Fatalf("pool total = %s", pool.Total.FloatString(2))
	}

	log, err := store.TransactionsByUser(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if len(log) != 1 || log[0].Kind != ledger.TxBorrow {
		t.Fatalf("transaction log = %+v", log)
	}
}

func TestCreateAtCapAndAboveIt(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()
	seedUser(t, store, "u1", "1000000", "0")
	view := viewAt(t, "0.00003")

	loan, err := engine.Create(ctx, view, CreateRequest{
		UserID:           "u1",
		CollateralType:   assets.XEC,
		CollateralAmount: rat(t, "1000000"),
		BorrowType:       assets.FIRMA,
		BorrowAmount:     rat(t, "19.5"),
	})
	if err != nil {
		t.Fatalf("create at cap: %v", err)
	}
	if loan.CurrentLTV.Cmp(rat(t, "65")) != 0 {
		t.Fatalf("ltv = %s, want exactly 65", loan.CurrentLTV.FloatString(4))
	}

	seedUser(t, store, "u2", "1000000", "0")
	_, err = engine.Create(ctx, view, CreateRequest{
		UserID:           "u2",
		CollateralType:   assets.XEC,
		CollateralAmount: rat(t, "1000000"),
		BorrowType:       assets.FIRMA,
		BorrowAmount:     rat(t, "19.51"),
	})
	if !errors.Is(err, ErrLTVExceeded) {
		t.Fatalf("over cap error = %v, want ErrLTVExceeded", err)
	}
}

func TestCreateInsufficientBalance(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	seedUser(t, store, "u1", "100", "0")
	_, err := engine.Create(context.Background(), viewAt(t, "0.00003"), CreateRequest{
		UserID:           "u1",
		CollateralType:   assets.XEC,
		CollateralAmount: rat(t, "1000"),
		BorrowType:       assets.FIRMA,
		BorrowAmount:     rat(t, "0.01"),
	})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("error = %v, want ErrInsufficientBalance", err)
	}
}

func TestInterestFirstPartialRepay(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()
	seedUser(t, store, "u1", "1000000", "0")
	view := viewAt(t, "0.00003")

	loan, err := engine.Create(ctx, view, CreateRequest{
		UserID:           "u1",
		CollateralType:   assets.XEC,
		CollateralAmount: rat(t, "1000000"),
		BorrowType:       assets.FIRMA,
		BorrowAmount:     rat(t, "15"),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Backdate the accrual marker by 100 hours and charge interest.
	stored, err := store.GetLoan(ctx, loan.ID)
	if err != nil {
		t.Fatalf("get loan: %v", err)
	}
	stored.LastInterestUpdate = time.Now().UTC().Add(-100 * time.Hour)
	if err := store.UpdateLoan(ctx, stored); err != nil {
		t.Fatalf("backdate: %v", err)
	}
	if err := engine.AccrueInterest(ctx, view); err != nil {
		t.Fatalf("accrue: %v", err)
	}
	stored, err = store.GetLoan(ctx, loan.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.AccruedInterest.Cmp(rat(t, "0.15")) != 0 {
		t.Fatalf("accrued = %s, want 0.15", stored.AccruedInterest.FloatString(6))
	}

	result, err := engine.Repay(ctx, view, loan.ID, "u1", rat(t, "0.10"))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if result.FullyRepaid {
		t.Fatal("partial repay reported as full")
	}
	if result.RemainingDebt.Cmp(rat(t, "15.05")) != 0 {
		t.Fatalf("remaining = %s, want 15.05", result.RemainingDebt.FloatString(6))
	}
	if result.Loan.AccruedInterest.Cmp(rat(t, "0.05")) != 0 {
		t.Fatalf("accrued = %s, want 0.05", result.Loan.AccruedInterest.FloatString(6))
	}
	if result.Loan.BorrowedAmount.Cmp(rat(t, "15")) != 0 {
		t.Fatalf("principal = %s, want untouched 15", result.Loan.BorrowedAmount.FloatString(6))
	}
}

func TestAccrueInterestIdempotentWithinAnHour(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()
	seedUser(t, store, "u1", "1000000", "0")
	view := viewAt(t, "0.00003")

	loan, err := engine.Create(ctx, view, CreateRequest{
		UserID:           "u1",
		CollateralType:   assets.XEC,
		CollateralAmount: rat(t, "1000000"),
		BorrowType:       assets.FIRMA,
		BorrowAmount:     rat(t, "15"),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := engine.AccrueInterest(ctx, view); err != nil {
		t.Fatalf("first accrue: %v", err)
	}
	if err := engine.AccrueInterest(ctx, view); err != nil {
		t.Fatalf("second accrue: %v", err)
	}
	stored, err := store.GetLoan(ctx, loan.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.AccruedInterest.Sign() != 0 {
		t.Fatalf("interest charged under one hour: %s", stored.AccruedInterest.FloatString(8))
	}
}

func TestFullRepayReturnsCollateral(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()
	seedUser(t, store, "u1", "1000000", "1")
	view := viewAt(t, "0.00003")

	loan, err := engine.Create(ctx, view, CreateRequest{
		UserID:           "u1",
		CollateralType:   assets.XEC,
		CollateralAmount: rat(t, "1000000"),
		BorrowType:       assets.FIRMA,
		BorrowAmount:     rat(t, "15"),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	result, err := engine.Repay(ctx, view, loan.ID, "u1", rat(t, "15"))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if !result.FullyRepaid {
		t.Fatal("full repay not reported")
	}
	if result.Loan.Status != ledger.StatusRepaid {
		t.Fatalf("status = %s", result.Loan.Status)
	}
	if result.Loan.ClosedAt == nil {
		t.Fatal("closed_at not stamped")
	}
	if result.Loan.CollateralAmount.Sign() != 0 || result.Loan.BorrowedAmount.Sign() != 0 {
		t.Fatal("terminal loan keeps monetary fields")
	}

	user, err := store.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user.BalanceXEC.Cmp(rat(t, "1000000")) != 0 {
		t.Fatalf("collateral not returned, xec = %s", user.BalanceXEC.FloatString(2))
	}
	if user.BalanceFIRMA.Cmp(rat(t, "1")) != 0 {
		t.Fatalf("firma = %s, want pre-loan 1", user.BalanceFIRMA.FloatString(2))
	}

	// The XEC collateral leaves the staking pool again.
	pool, err := store.GetStakingPool(ctx)
	if err != nil {
		t.Fatalf("get pool: %v", err)
	}
	if pool.UserContributed.Sign() != 0 {
		t.Fatalf("pool contribution = %s, want 0", pool.UserContributed.FloatString(2))
	}

	if _, err := engine.Repay(ctx, view, loan.ID, "u1", rat(t, "1")); !errors.Is(err, ErrLoanClosed) {
		t.Fatalf("repay on closed loan = %v, want ErrLoanClosed", err)
	}
}

func TestRepayGuards(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()
	seedUser(t, store, "u1", "1000000", "0")
	seedUser(t, store, "u2", "0", "0")
	view := viewAt(t, "0.00003")

	loan, err := engine.Create(ctx, view, CreateRequest{
		UserID:           "u1",
		CollateralType:   assets.XEC,
		CollateralAmount: rat(t, "1000000"),
		BorrowType:       assets.FIRMA,
		BorrowAmount:     rat(t, "15"),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := engine.Repay(ctx, view, loan.ID, "u2", rat(t, "1")); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("foreign repay = %v, want ErrUnauthorized", err)
	}
	if _, err := engine.Repay(ctx, view, "missing", "u1", rat(t, "1")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing loan = %v, want ErrNotFound", err)
	}
	if _, err := engine.Repay(ctx, view, loan.ID, "u1", new(big.Rat)); !errors.Is(err, ErrValidation) {
		t.Fatalf("zero amount = %v, want ErrValidation", err)
	}
}

func TestPriceDrivenMarginCall(t *testing.T) {
	engine, store, notifier := newTestEngine(t)
	ctx := context.Background()
	seedUser(t, store, "u1", "1000000", "0")

	loan, err := engine.Create(ctx, viewAt(t, "0.00003"), CreateRequest{
		UserID:           "u1",
		CollateralType:   assets.XEC,
		CollateralAmount: rat(t, "1000000"),
		BorrowType:       assets.FIRMA,
		BorrowAmount:     rat(t, "15"),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// 74.63% sits below the margin band.
	if err := engine.UpdateAllLTVs(ctx, viewAt(t, "0.0000201")); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	stored, err := store.GetLoan(ctx, loan.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.Status != ledger.StatusActive {
		t.Fatalf("status = %s, want active below the band", stored.Status)
	}

	// Exactly 75% enters the band.
	if err := engine.UpdateAllLTVs(ctx, viewAt(t, "0.0000200")); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	stored, err = store.GetLoan(ctx, loan.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.Status != ledger.StatusMarginCall {
		t.Fatalf("status = %s, want margin_call", stored.Status)
	}
	if stored.CurrentLTV.Cmp(rat(t, "75")) != 0 {
		t.Fatalf("ltv = %s, want exactly 75", stored.CurrentLTV.FloatString(4))
	}

	calls, err := store.MarginCallsByLoan(ctx, loan.ID)
	if err != nil {
		t.Fatalf("margin calls: %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("margin call log entries = %d, want 1", len(calls))
	}
	if calls[0].AlertType != ledger.AlertWarning {
		t.Fatalf("alert = %s, want warning below 80", calls[0].AlertType)
	}
	if notifier.count("loan:margin-call") != 1 {
		t.Fatalf("margin call notifications = %d, want 1", notifier.count("loan:margin-call"))
	}

	// A repeat sweep in the band must not re-log the entry transition.
	if err := engine.UpdateAllLTVs(ctx, viewAt(t, "0.0000200")); err != nil {
		t.Fatalf("third sweep: %v", err)
	}
	calls, err = store.MarginCallsByLoan(ctx, loan.ID)
	if err != nil {
		t.Fatalf("margin calls: %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("margin call re-logged, entries = %d", len(calls))
	}

	// Recovery restores the loan to active.
	if err := engine.UpdateAllLTVs(ctx, viewAt(t, "0.00003")); err != nil {
		t.Fatalf("recovery sweep: %v", err)
	}
	stored, err = store.GetLoan(ctx, loan.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.Status != ledger.StatusActive {
		t.Fatalf("status = %s, want active after recovery", stored.Status)
	}
}

func TestAddCollateralResetsMarginCall(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()
	seedUser(t, store, "u1", "2000000", "0")

	loan, err := engine.Create(ctx, viewAt(t, "0.00003"), CreateRequest{
		UserID:           "u1",
		CollateralType:   assets.XEC,
		CollateralAmount: rat(t, "1000000"),
		BorrowType:       assets.FIRMA,
		BorrowAmount:     rat(t, "15"),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	dropped := viewAt(t, "0.0000200")
	if err := engine.UpdateAllLTVs(ctx, dropped); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	topped, err := engine.AddCollateral(ctx, dropped, loan.ID, "u1", rat(t, "1000000"))
	if err != nil {
		t.Fatalf("add collateral: %v", err)
	}
	if topped.Status != ledger.StatusActive {
		t.Fatalf("status = %s, want active after top-up", topped.Status)
	}
	if topped.CurrentLTV.Cmp(rat(t, "37.5")) != 0 {
		t.Fatalf("ltv = %s, want 37.5", topped.CurrentLTV.FloatString(4))
	}
	if topped.CollateralAmount.Cmp(rat(t, "2000000")) != 0 {
		t.Fatalf("collateral = %s", topped.CollateralAmount.FloatString(2))
	}

	pool, err := store.GetStakingPool(ctx)
	if err != nil {
		t.Fatalf("get pool: %v", err)
	}
	if pool.UserContributed.Cmp(rat(t, "2000000")) != 0 {
		t.Fatalf("pool contribution = %s, want 2000000", pool.UserContributed.FloatString(2))
	}
}

func TestMaxBorrowFormula(t *testing.T) {
	params := DefaultParams()
	view := viewAt(t, "0.00003")
	max := params.MaxBorrow(view, assets.XEC, rat(t, "1000000"), assets.FIRMA)
	if max.Cmp(rat(t, "19.5")) != 0 {
		t.Fatalf("max borrow = %s, want 19.5", max.FloatString(4))
	}
	zeroPriced := oracle.NewView(map[assets.Asset]*big.Rat{assets.XEC: new(big.Rat)}, time.Now().UTC())
	if params.MaxBorrow(zeroPriced, assets.FIRMA, rat(t, "100"), assets.XEC).Sign() != 0 {
		t.Fatal("zero-priced borrow asset must yield zero max borrow")
	}
}

func TestLTVWorthlessCollateral(t *testing.T) {
	view := oracle.NewView(map[assets.Asset]*big.Rat{assets.XEC: new(big.Rat)}, time.Now().UTC())
	ltv := LTV(view, assets.FIRMA, rat(t, "15"), nil, assets.XEC, rat(t, "1000000"))
	if ltv.Cmp(rat(t, "100")) != 0 {
		t.Fatalf("ltv = %s, want 100 for worthless collateral", ltv.FloatString(2))
	}
}

func TestLoansAtRiskOrdering(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()
	seedUser(t, store, "u1", "3000000", "0")
	view := viewAt(t, "0.00003")

	var ids []string
	for _, borrow := range []string{"12", "18", "17.7"} {
		loan, err := engine.Create(ctx, view, CreateRequest{
			UserID:           "u1",
			CollateralType:   assets.XEC,
			CollateralAmount: rat(t, "1000000"),
			BorrowType:       assets.FIRMA,
			BorrowAmount:     rat(t, borrow),
		})
		if err != nil {
			t.Fatalf("create %s: %v", borrow, err)
		}
		ids = append(ids, loan.ID)
	}
	if err := engine.UpdateAllLTVs(ctx, viewAt(t, "0.0000235")); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	atRisk, err := engine.LoansAtRisk(ctx)
	if err != nil {
		t.Fatalf("loans at risk: %v", err)
	}
	if len(atRisk) != 2 {
		t.Fatalf("at risk = %d loans, want 2", len(atRisk))
	}
	if atRisk[0].ID != ids[1] || atRisk[1].ID != ids[2] {
		t.Fatalf("risk ordering wrong: %s then %s", atRisk[0].ID, atRisk[1].ID)
	}
	if atRisk[0].CurrentLTV.Cmp(atRisk[1].CurrentLTV) < 0 {
		t.Fatal("loans at risk not ordered by ltv descending")
	}
}

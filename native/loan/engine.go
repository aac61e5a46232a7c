package loan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/google/uuid"

	"loanzzz/native/assets"
	"loanzzz/native/ledger"
	"loanzzz/native/oracle"
	"loanzzz/native/staking"
	"loanzzz/observability"
	"loanzzz/storage"
)

// State is the slice of ledger accessors the engine mutates through inside a
// transaction. *storage.Tx satisfies it.
type State interface {
	GetUser(ctx context.Context, id string) (*ledger.User, error)
	UpdateUser(ctx context.Context, user *ledger.User) error
	GetLoan(ctx context.Context, id string) (*ledger.Loan, error)
	InsertLoan(ctx context.Context, loan *ledger.Loan) error
	UpdateLoan(ctx context.Context, loan *ledger.Loan) error
	OpenLoans(ctx context.Context) ([]*ledger.Loan, error)
	AppendTransaction(ctx context.Context, tx *ledger.Transaction) error
	AppendMarginCall(ctx context.Context, event *ledger.MarginCallEvent) error
	staking.PoolState
}

// Ledger is the persistence surface the engine is wired with.
// *storage.Store satisfies it.
type Ledger interface {
	Transaction(ctx context.Context, fn func(*storage.Tx) error) error
	GetLoan(ctx context.Context, id string) (*ledger.Loan, error)
	LoansByUser(ctx context.Context, userID string) ([]*ledger.Loan, error)
	OpenLoans(ctx context.Context) ([]*ledger.Loan, error)
}

// Notifier pushes events to connected clients after a commit succeeds.
type Notifier interface {
	NotifyUser(userID, event string, payload any)
	Broadcast(event string, payload any)
}

// Engine owns every loan mutation. Each public operation runs as one ledger
// transaction against a price view snapshotted by the caller, so no network
// call ever happens mid-commit.
type Engine struct {
	ledger   Ledger
	params   Params
	notifier Notifier
	log      *slog.Logger
	now      func() time.Time
	newID    func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithNotifier attaches the notification bus.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine constructs the loan engine.
func NewEngine(l Ledger, params Params, log *slog.Logger, opts ...Option) (*Engine, error) {
	if l == nil {
		return nil, fmt.Errorf("loan: ledger required")
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		ledger: l,
		params: params,
		log:    log.With("component", "loan"),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Params exposes the thresholds the engine enforces.
func (e *Engine) Params() Params { return e.params }

type event struct {
	userID  string // empty means broadcast
	name    string
	payload any
}

func (e *Engine) emit(events []event) {
	if e.notifier == nil {
		return
	}
	for _, ev := range events {
		if ev.userID == "" {
			e.notifier.Broadcast(ev.name, ev.payload)
			continue
		}
		e.notifier.NotifyUser(ev.userID, ev.name, ev.payload)
	}
}

func (e *Engine) countOp(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	observability.Loans().Operations.WithLabelValues(op, outcome).Inc()
}

func balancePayload(user *ledger.User) map[string]any {
	return map[string]any{
		"userId":               user.ID,
		"xec":                  assets.Float(user.BalanceXEC),
		"firma":                assets.Float(user.BalanceFIRMA),
		"xecx":                 assets.Float(user.BalanceXECX),
		"stakingRewardsEarned": assets.Float(user.StakingRewardsEarned),
	}
}

func ltvPayload(loan *ledger.Loan) map[string]any {
	return map[string]any{
		"loanId":     loan.ID,
		"currentLtv": assets.Float(loan.CurrentLTV),
		"status":     string(loan.Status),
	}
}

// CreateRequest carries the validated inputs for loan creation.
type CreateRequest struct {
	UserID           string
	CollateralType   assets.Asset
	CollateralAmount *big.Rat
	BorrowType       assets.Asset
	BorrowAmount     *big.Rat
}

// Create opens a loan: debits the collateral, credits the borrowed asset and
// records the borrow. Fails when the implied LTV exceeds the initial cap or
// the user cannot cover the collateral.
func (e *Engine) Create(ctx context.Context, view oracle.View, req CreateRequest) (result *ledger.Loan, err error) {
	defer func() { e.countOp("create", err) }()
	if !req.CollateralType.Valid() || !req.BorrowType.Valid() {
		return nil, fmt.Errorf("%w: unsupported asset", ErrValidation)
	}
	if !assets.IsPositive(req.CollateralAmount) || !assets.IsPositive(req.BorrowAmount) {
		return nil, fmt.Errorf("%w: amounts must be positive", ErrValidation)
	}
	ltv := LTV(view, req.BorrowType, req.BorrowAmount, nil, req.CollateralType, req.CollateralAmount)
	if ltv.Cmp(e.params.InitialLTV) > 0 {
		return nil, ErrLTVExceeded
	}

	now := e.now()
	var events []event
	err = e.ledger.Transaction(ctx, func(tx *storage.Tx) error {
		user, err := tx.GetUser(ctx, req.UserID)
		if err != nil {
			return userErr(err)
		}
		balance := user.Balance(req.CollateralType)
		if balance.Cmp(req.CollateralAmount) < 0 {
			return ErrInsufficientBalance
		}
		balance.Sub(balance, req.CollateralAmount)
		borrowed := user.Balance(req.BorrowType)
		borrowed.Add(borrowed, req.BorrowAmount)
		if err := tx.UpdateUser(ctx, user); err != nil {
			return err
		}

		loan := &ledger.Loan{
			ID:                 e.newID(),
			UserID:             user.ID,
			Status:             ledger.StatusActive,
			CollateralType:     req.CollateralType,
			CollateralAmount:   assets.Clone(req.CollateralAmount),
			CollateralValueUSD: view.ToUSD(req.CollateralType, req.CollateralAmount),
			BorrowedType:       req.BorrowType,
			BorrowedAmount:     assets.Clone(req.BorrowAmount),
			BorrowedValueUSD:   view.ToUSD(req.BorrowType, req.BorrowAmount),
			InterestRate:       assets.Clone(e.params.HourlyInterestRate),
			AccruedInterest:    assets.Zero(),
			InitialLTV:         assets.Clone(ltv),
			CurrentLTV:         assets.Clone(ltv),
			StakingYieldEarned: assets.Zero(),
			CreatedAt:          now,
			LastInterestUpdate: now,
		}
		if err := tx.InsertLoan(ctx, loan); err != nil {
			return err
		}
		if err := tx.AppendTransaction(ctx, &ledger.Transaction{
			ID:        e.newID(),
			UserID:    user.ID,
			LoanID:    loan.ID,
			Kind:      ledger.TxBorrow,
			Asset:     req.BorrowType,
			Amount:    assets.Clone(req.BorrowAmount),
			ValueUSD:  view.ToUSD(req.BorrowType, req.BorrowAmount),
			Status:    ledger.TxConfirmed,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		if req.CollateralType == assets.XEC {
			if err := staking.AddCollateral(ctx, tx, req.CollateralAmount); err != nil {
				return err
			}
		}
		events = append(events, event{userID: user.ID, name: "balance:update", payload: balancePayload(user)})
		result = loan
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(events)
	return result, nil
}

// RepayResult reports the debt left after a repayment.
type RepayResult struct {
	Loan          *ledger.Loan
	RemainingDebt *big.Rat
	FullyRepaid   bool
}

// Repay pays down a loan interest-first. A payment covering the whole debt
// returns the collateral and closes the loan.
func (e *Engine) Repay(ctx context.Context, view oracle.View, loanID, userID string, amount *big.Rat) (result RepayResult, err error) {
	defer func() { e.countOp("repay", err) }()
	if !assets.IsPositive(amount) {
		return RepayResult{}, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}

	now := e.now()
	var events []event
	err = e.ledger.Transaction(ctx, func(tx *storage.Tx) error {
		loan, err := e.ownedOpenLoan(ctx, tx, loanID, userID)
		if err != nil {
			return err
		}
		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			return userErr(err)
		}

		debt := loan.Debt()
		actual := assets.Clone(amount)
		if actual.Cmp(debt) > 0 {
			actual.Set(debt)
		}
		balance := user.Balance(loan.BorrowedType)
		if balance.Cmp(actual) < 0 {
			return ErrInsufficientBalance
		}
		balance.Sub(balance, actual)

		fully := actual.Cmp(debt) == 0
		if fully {
			collateral := assets.Clone(loan.CollateralAmount)
			back := user.Balance(loan.CollateralType)
			back.Add(back, collateral)
			if loan.CollateralType == assets.XEC {
				if err := staking.RemoveCollateral(ctx, tx, collateral); err != nil {
					return err
				}
			}
			closeLoan(loan, ledger.StatusRepaid, now)
			result = RepayResult{RemainingDebt: new(big.Rat), FullyRepaid: true}
		} else {
			accrued := assets.Clone(loan.AccruedInterest)
			payment := assets.Clone(actual)
			if payment.Cmp(accrued) >= 0 {
				payment.Sub(payment, accrued)
				loan.AccruedInterest = assets.Zero()
				loan.BorrowedAmount = new(big.Rat).Sub(assets.Clone(loan.BorrowedAmount), payment)
			} else {
				loan.AccruedInterest = accrued.Sub(accrued, payment)
			}
			e.reprice(view, loan)
			e.restoreIfHealthy(loan)
			result = RepayResult{RemainingDebt: loan.Debt(), FullyRepaid: false}
		}

		if err := tx.UpdateLoan(ctx, loan); err != nil {
			return err
		}
		if err := tx.UpdateUser(ctx, user); err != nil {
			return err
		}
		if err := tx.AppendTransaction(ctx, &ledger.Transaction{
			ID:        e.newID(),
			UserID:    userID,
			LoanID:    loan.ID,
			Kind:      ledger.TxRepay,
			Asset:     loan.BorrowedType,
			Amount:    actual,
			ValueUSD:  view.ToUSD(loan.BorrowedType, actual),
			Status:    ledger.TxConfirmed,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		events = append(events,
			event{userID: userID, name: "balance:update", payload: balancePayload(user)},
			event{userID: userID, name: "loan:ltv:update", payload: ltvPayload(loan)})
		result.Loan = loan
		return nil
	})
	if err != nil {
		return RepayResult{}, err
	}
	e.emit(events)
	return result, nil
}

// AddCollateral tops up a loan's collateral and recomputes its LTV; dropping
// below the margin-call threshold restores the loan to active.
func (e *Engine) AddCollateral(ctx context.Context, view oracle.View, loanID, userID string, amount *big.Rat) (result *ledger.Loan, err error) {
	defer func() { e.countOp("add_collateral", err) }()
	if !assets.IsPositive(amount) {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}

	now := e.now()
	var events []event
	err = e.ledger.Transaction(ctx, func(tx *storage.Tx) error {
		loan, err := e.ownedOpenLoan(ctx, tx, loanID, userID)
		if err != nil {
			return err
		}
		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			return userErr(err)
		}
		balance := user.Balance(loan.CollateralType)
		if balance.Cmp(amount) < 0 {
			return ErrInsufficientBalance
		}
		balance.Sub(balance, amount)

		loan.CollateralAmount = new(big.Rat).Add(assets.Clone(loan.CollateralAmount), amount)
		loan.CollateralValueUSD = new(big.Rat).Add(assets.Clone(loan.CollateralValueUSD), view.ToUSD(loan.CollateralType, amount))
		e.reprice(view, loan)
		e.restoreIfHealthy(loan)

		if err := tx.UpdateLoan(ctx, loan); err != nil {
			return err
		}
		if err := tx.UpdateUser(ctx, user); err != nil {
			return err
		}
		if err := tx.AppendTransaction(ctx, &ledger.Transaction{
			ID:        e.newID(),
			UserID:    userID,
			LoanID:    loan.ID,
			Kind:      ledger.TxAddCollateral,
			Asset:     loan.CollateralType,
			Amount:    assets.Clone(amount),
			ValueUSD:  view.ToUSD(loan.CollateralType, amount),
			Status:    ledger.TxConfirmed,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		if loan.CollateralType == assets.XEC {
			if err := staking.AddCollateral(ctx, tx, amount); err != nil {
				return err
			}
		}
		events = append(events,
			event{userID: userID, name: "balance:update", payload: balancePayload(user)},
			event{userID: userID, name: "loan:ltv:update", payload: ltvPayload(loan)})
		result = loan
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(events)
	return result, nil
}

// AccrueInterest charges every open loan for the whole hours elapsed since
// its last accrual. Loans under one elapsed hour are untouched.
func (e *Engine) AccrueInterest(ctx context.Context, view oracle.View) (err error) {
	defer func() { e.countOp("accrue_interest", err) }()
	now := e.now()
	var events []event
	err = e.ledger.Transaction(ctx, func(tx *storage.Tx) error {
		loans, err := tx.OpenLoans(ctx)
		if err != nil {
			return err
		}
		for _, loan := range loans {
			hours := int64(now.Sub(loan.LastInterestUpdate).Hours())
			if hours < 1 {
				continue
			}
			charge := new(big.Rat).Mul(assets.Clone(loan.BorrowedAmount), loan.InterestRate)
			charge.Mul(charge, new(big.Rat).SetInt64(hours))
			loan.AccruedInterest = new(big.Rat).Add(assets.Clone(loan.AccruedInterest), charge)
			loan.LastInterestUpdate = now
			e.reprice(view, loan)
			if e.inMarginBand(loan.CurrentLTV) && loan.Status == ledger.StatusActive {
				if err := e.triggerMarginCall(ctx, tx, loan, now, &events); err != nil {
					return err
				}
			}
			if err := tx.UpdateLoan(ctx, loan); err != nil {
				return err
			}
			events = append(events, event{userID: loan.UserID, name: "loan:ltv:update", payload: ltvPayload(loan)})
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.emit(events)
	return nil
}

// UpdateAllLTVs recomputes every open loan's LTV at the given prices and
// applies the status transitions. Loans at or above the liquidation
// threshold are left for the risk scan; no auto-repair happens there.
func (e *Engine) UpdateAllLTVs(ctx context.Context, view oracle.View) (err error) {
	defer func() { e.countOp("update_ltvs", err) }()
	now := e.now()
	var events []event
	err = e.ledger.Transaction(ctx, func(tx *storage.Tx) error {
		loans, err := tx.OpenLoans(ctx)
		if err != nil {
			return err
		}
		for _, loan := range loans {
			previous := loan.Status
			e.reprice(view, loan)
			switch {
			case loan.CurrentLTV.Cmp(e.params.LiquidationLTV) >= 0:
				// Leave status for the liquidation sweep.
			case e.inMarginBand(loan.CurrentLTV):
				if previous != ledger.StatusMarginCall {
					if err := e.triggerMarginCall(ctx, tx, loan, now, &events); err != nil {
						return err
					}
				}
			default:
				if previous == ledger.StatusMarginCall {
					loan.Status = ledger.StatusActive
				}
			}
			if err := tx.UpdateLoan(ctx, loan); err != nil {
				return err
			}
			events = append(events, event{userID: loan.UserID, name: "loan:ltv:update", payload: ltvPayload(loan)})
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.emit(events)
	return nil
}

// LoansAtRisk lists open loans at or above the margin-call threshold,
// riskiest first.
func (e *Engine) LoansAtRisk(ctx context.Context) ([]*ledger.Loan, error) {
	loans, err := e.ledger.OpenLoans(ctx)
	if err != nil {
		return nil, err
	}
	at := loans[:0]
	for _, loan := range loans {
		if loan.CurrentLTV != nil && loan.CurrentLTV.Cmp(e.params.MarginCallLTV) >= 0 {
			at = append(at, loan)
		}
	}
	sortLoansByLTVDesc(at)
	return at, nil
}

// reprice recomputes and stores the loan's current LTV at the view prices.
func (e *Engine) reprice(view oracle.View, loan *ledger.Loan) {
	loan.CurrentLTV = LTV(view, loan.BorrowedType, loan.BorrowedAmount, loan.AccruedInterest, loan.CollateralType, loan.CollateralAmount)
}

// restoreIfHealthy lifts a margin call once the LTV is back under the
// threshold.
func (e *Engine) restoreIfHealthy(loan *ledger.Loan) {
	if loan.Status == ledger.StatusMarginCall && loan.CurrentLTV.Cmp(e.params.MarginCallLTV) < 0 {
		loan.Status = ledger.StatusActive
	}
}

func (e *Engine) inMarginBand(ltv *big.Rat) bool {
	return ltv.Cmp(e.params.MarginCallLTV) >= 0 && ltv.Cmp(e.params.LiquidationLTV) < 0
}

// triggerMarginCall logs the crossing, flips the loan status and queues the
// notification. Runs inside the caller's transaction.
func (e *Engine) triggerMarginCall(ctx context.Context, tx State, loan *ledger.Loan, now time.Time, events *[]event) error {
	alert := ledger.AlertWarning
	if loan.CurrentLTV.Cmp(criticalAlertLTV) >= 0 {
		alert = ledger.AlertCritical
	}
	loan.Status = ledger.StatusMarginCall
	if err := tx.AppendMarginCall(ctx, &ledger.MarginCallEvent{
		ID:        e.newID(),
		LoanID:    loan.ID,
		UserID:    loan.UserID,
		LTV:       assets.Clone(loan.CurrentLTV),
		AlertType: alert,
		CreatedAt: now,
	}); err != nil {
		return err
	}
	observability.Loans().MarginCalls.Inc()
	*events = append(*events, event{userID: loan.UserID, name: "loan:margin-call", payload: map[string]any{
		"loanId":    loan.ID,
		"ltv":       assets.Float(loan.CurrentLTV),
		"alertType": string(alert),
	}})
	e.log.Warn("margin call triggered",
		"loan", loan.ID,
		"ltv", loan.CurrentLTV.FloatString(2),
		"alert", string(alert))
	return nil
}

// ownedOpenLoan loads a loan and enforces ownership and liveness.
func (e *Engine) ownedOpenLoan(ctx context.Context, tx State, loanID, userID string) (*ledger.Loan, error) {
	loan, err := tx.GetLoan(ctx, loanID)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: loan %s", ErrNotFound, loanID)
		}
		return nil, err
	}
	if loan.UserID != userID {
		return nil, ErrUnauthorized
	}
	if loan.Status.Terminal() {
		return nil, ErrLoanClosed
	}
	return loan, nil
}

// closeLoan zeroes the monetary fields and stamps the terminal state.
func closeLoan(loan *ledger.Loan, status ledger.LoanStatus, now time.Time) {
	loan.Status = status
	loan.CollateralAmount = assets.Zero()
	loan.BorrowedAmount = assets.Zero()
	loan.AccruedInterest = assets.Zero()
	loan.CurrentLTV = assets.Zero()
	loan.ClosedAt = &now
}

func userErr(err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%w: user", ErrNotFound)
	}
	return err
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}

func sortLoansByLTVDesc(loans []*ledger.Loan) {
	sort.SliceStable(loans, func(i, j int) bool {
		return loans[i].CurrentLTV.Cmp(loans[j].CurrentLTV) > 0
	})
}

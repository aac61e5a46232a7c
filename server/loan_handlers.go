package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"loanzzz/native/assets"
	"loanzzz/native/ledger"
	"loanzzz/native/loan"
)

func (s *Server) handleLoanConfig(w http.ResponseWriter, r *http.Request) {
	params := s.engine.Params()
	payload := map[string]any{
		"initial_ltv":          assets.Float(params.InitialLTV),
		"margin_call_ltv":      assets.Float(params.MarginCallLTV),
		"liquidation_ltv":      assets.Float(params.LiquidationLTV),
		"hourly_interest_rate": assets.Float(params.HourlyInterestRate),
		"supported_collateral": []string{assets.XEC.String(), assets.FIRMA.String()},
		"supported_borrow":     []string{assets.FIRMA.String(), assets.XEC.String()},
	}
	if s.distributor != nil {
		stats, err := s.distributor.Stats(r.Context())
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		payload["staking_stats"] = stats
	}
	s.respond(w, http.StatusOK, payload)
}

type calculateRequest struct {
	CollateralType   string  `json:"collateral_type"`
	CollateralAmount float64 `json:"collateral_amount"`
	BorrowType       string  `json:"borrow_type"`
}

func (s *Server) handleLoanCalculate(w http.ResponseWriter, r *http.Request) {
	var req calculateRequest
	if err := decode(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	collateralType, borrowType, err := parseAssetPair(req.CollateralType, req.BorrowType)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	amount, err := parseAmount(req.CollateralAmount)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	view := s.oracle.Snapshot(r.Context())
	maxBorrow := s.engine.Params().MaxBorrow(view, collateralType, amount, borrowType)
	s.respond(w, http.StatusOK, map[string]any{
		"collateral_type":      collateralType.String(),
		"collateral_amount":    assets.Float(amount),
		"collateral_value_usd": assets.Float(view.ToUSD(collateralType, amount)),
		"borrow_type":          borrowType.String(),
		"max_borrow":           assets.Float(maxBorrow),
		"initial_ltv":          assets.Float(s.engine.Params().InitialLTV),
	})
}

type createLoanRequest struct {
	UserID           string  `json:"user_id"`
	CollateralType   string  `json:"collateral_type"`
	CollateralAmount float64 `json:"collateral_amount"`
	BorrowType       string  `json:"borrow_type"`
	BorrowAmount     float64 `json:"borrow_amount"`
}

func (s *Server) handleCreateLoan(w http.ResponseWriter, r *http.Request) {
	var req createLoanRequest
	if err := decode(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	collateralType, borrowType, err := parseAssetPair(req.CollateralType, req.BorrowType)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	collateral, err := parseAmount(req.CollateralAmount)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	borrow, err := parseAmount(req.BorrowAmount)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	view := s.oracle.Snapshot(r.Context())
	var created *ledger.Loan
	err = withRetry(func() error {
		var innerErr error
		created, innerErr = s.engine.Create(r.Context(), view, loan.CreateRequest{
			UserID:           strings.TrimSpace(req.UserID),
			CollateralType:   collateralType,
			CollateralAmount: collateral,
			BorrowType:       borrowType,
			BorrowAmount:     borrow,
		})
		return innerErr
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusCreated, viewLoan(created))
}

type loanActionRequest struct {
	UserID string  `json:"user_id"`
	Amount float64 `json:"amount"`
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	var req loanActionRequest
	if err := decode(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	view := s.oracle.Snapshot(r.Context())
	var result loan.RepayResult
	err = withRetry(func() error {
		var innerErr error
		result, innerErr = s.engine.Repay(r.Context(), view, chi.URLParam(r, "id"), strings.TrimSpace(req.UserID), amount)
		return innerErr
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"loan":           viewLoan(result.Loan),
		"remaining_debt": assets.Float(result.RemainingDebt),
		"fully_repaid":   result.FullyRepaid,
	})
}

func (s *Server) handleAddCollateral(w http.ResponseWriter, r *http.Request) {
	var req loanActionRequest
	if err := decode(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	view := s.oracle.Snapshot(r.Context())
	var updated *ledger.Loan
	err = withRetry(func() error {
		var innerErr error
		updated, innerErr = s.engine.AddCollateral(r.Context(), view, chi.URLParam(r, "id"), strings.TrimSpace(req.UserID), amount)
		return innerErr
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, viewLoan(updated))
}

func (s *Server) handleLoansByUser(w http.ResponseWriter, r *http.Request) {
	loans, err := s.store.LoansByUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"loans": viewLoans(loans)})
}

func (s *Server) handleGetLoan(w http.ResponseWriter, r *http.Request) {
	found, err := s.store.GetLoan(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, viewLoan(found))
}

func parseAssetPair(collateral, borrow string) (assets.Asset, assets.Asset, error) {
	collateralType, err := assets.Parse(collateral)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", loan.ErrValidation, err)
	}
	borrowType, err := assets.Parse(borrow)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", loan.ErrValidation, err)
	}
	if collateralType.PriceKey() == borrowType.PriceKey() {
		return "", "", fmt.Errorf("%w: collateral and borrow assets must differ", loan.ErrValidation)
	}
	return collateralType, borrowType, nil
}

package server

import (
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"loanzzz/bridge"
	"loanzzz/native/assets"
	"loanzzz/native/ledger"
	"loanzzz/native/loan"
)

type depositRequest struct {
	UserID    string  `json:"user_id"`
	Amount    float64 `json:"amount"`
	TxHash    string  `json:"tx_hash,omitempty"`
	Signature string  `json:"signature,omitempty"`
}

// parseAmount converts the JSON float into the exact rational the core uses.
func parseAmount(value float64) (*big.Rat, error) {
	if value <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", loan.ErrValidation)
	}
	amount := new(big.Rat)
	if _, ok := amount.SetString(strconv.FormatFloat(value, 'f', -1, 64)); !ok {
		return nil, fmt.Errorf("%w: invalid amount", loan.ErrValidation)
	}
	return amount, nil
}

type depositResponse struct {
	TransactionID string  `json:"transaction_id"`
	Asset         string  `json:"asset"`
	Amount        float64 `json:"amount"`
	Status        string  `json:"status"`
	NewBalance    float64 `json:"new_balance"`
}

func viewDeposit(dep *bridge.Deposit) depositResponse {
	return depositResponse{
		TransactionID: dep.TransactionID,
		Asset:         dep.Asset.String(),
		Amount:        assets.Float(dep.Amount),
		Status:        string(dep.Status),
		NewBalance:    assets.Float(dep.NewBalance),
	}
}

func (s *Server) handleDepositXEC(w http.ResponseWriter, r *http.Request) {
	s.handleDeposit(w, r, assets.XEC)
}

func (s *Server) handleDepositFIRMA(w http.ResponseWriter, r *http.Request) {
	s.handleDeposit(w, r, assets.FIRMA)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request, asset assets.Asset) {
	var req depositRequest
	if err := decode(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	var deposit *bridge.Deposit
	err = withRetry(func() error {
		var innerErr error
		if asset == assets.XEC {
			deposit, innerErr = s.bridge.DepositXEC(r.Context(), strings.TrimSpace(req.UserID), amount, strings.TrimSpace(req.TxHash))
		} else {
			deposit, innerErr = s.bridge.DepositFIRMA(r.Context(), strings.TrimSpace(req.UserID), amount, strings.TrimSpace(req.TxHash))
		}
		return innerErr
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, viewDeposit(deposit))
}

func (s *Server) handleDepositUSDTSolana(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := decode(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	var deposit *bridge.Deposit
	err = withRetry(func() error {
		var innerErr error
		deposit, innerErr = s.bridge.CreditUSDSolana(r.Context(), strings.TrimSpace(req.UserID), amount, strings.TrimSpace(req.Signature))
		return innerErr
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, viewDeposit(deposit))
}

func (s *Server) handleListDeposits(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	limit := queryLimit(r, 50)
	txs, err := s.store.TransactionsByUser(r.Context(), userID, 0)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	deposits := make([]*ledger.Transaction, 0, len(txs))
	for _, tx := range txs {
		if tx.Kind == ledger.TxDepositXEC || tx.Kind == ledger.TxDepositFIRMA {
			deposits = append(deposits, tx)
			if limit > 0 && len(deposits) >= limit {
				break
			}
		}
	}
	s.respond(w, http.StatusOK, map[string]any{"deposits": viewTransactions(deposits)})
}

func (s *Server) handleDepositAddress(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.GetUser(r.Context(), chi.URLParam(r, "userID")); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{
		"xec_address":    s.depositXEC,
		"solana_address": s.depositSol,
	})
}

func queryLimit(r *http.Request, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return fallback
	}
	return limit
}

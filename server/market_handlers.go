package server

import (
	"net/http"

	"loanzzz/native/assets"
	"loanzzz/native/ledger"
)

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	view := s.oracle.Snapshot(r.Context())
	s.respond(w, http.StatusOK, map[string]any{
		"prices":     view.Floats(),
		"updated_at": view.At,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	total, open, err := s.store.CountLoans(ctx)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	openLoans, err := s.store.OpenLoans(ctx)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	collateralUSD := 0.0
	borrowedUSD := 0.0
	for _, l := range openLoans {
		collateralUSD += assets.Float(l.CollateralValueUSD)
		borrowedUSD += assets.Float(l.BorrowedValueUSD)
	}
	payload := map[string]any{
		"total_loans":          total,
		"open_loans":           open,
		"total_collateral_usd": collateralUSD,
		"total_borrowed_usd":   borrowedUSD,
		"prices":               s.oracle.Snapshot(ctx).Floats(),
	}
	if s.distributor != nil {
		stats, err := s.distributor.Stats(ctx)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		payload["staking_pool"] = stats
	}
	s.respond(w, http.StatusOK, payload)
}

func (s *Server) handleEscrowSummary(w http.ResponseWriter, r *http.Request) {
	wallets, err := s.store.EscrowWallets(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	totalXEC := 0.0
	totalFIRMA := 0.0
	for _, wallet := range wallets {
		totalXEC += assets.Float(wallet.BalanceXEC)
		totalFIRMA += assets.Float(wallet.BalanceFIRMA)
	}
	s.respond(w, http.StatusOK, map[string]any{
		"wallet_count": len(wallets),
		"total_xec":    totalXEC,
		"total_firma":  totalFIRMA,
	})
}

func (s *Server) handleEscrowWallets(w http.ResponseWriter, r *http.Request) {
	wallets, err := s.store.EscrowWallets(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"wallets": viewWallets(wallets)})
}

func (s *Server) handleEscrowTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := s.store.RecentTransactions(r.Context(), queryLimit(r, 100))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"transactions": viewTransactions(txs)})
}

func (s *Server) handleEscrowLiquidations(w http.ResponseWriter, r *http.Request) {
	txs, err := s.store.TransactionsByKind(r.Context(), []ledger.TxKind{ledger.TxLiquidation}, queryLimit(r, 100))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"liquidations": viewTransactions(txs)})
}

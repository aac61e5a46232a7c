package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"loanzzz/auth"
	"loanzzz/native/ledger"
	"loanzzz/native/loan"
	"loanzzz/storage"
)

type authRequest struct {
	Address   string `json:"address"`
	Signature string `json:"signature,omitempty"`
	Message   string `json:"message,omitempty"`
}

type authResponse struct {
	User  userView `json:"user"`
	Token string   `json:"token,omitempty"`
}

func (s *Server) handleAuthECash(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := decode(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	address := strings.TrimSpace(req.Address)
	if err := auth.ValidateECashAddress(address); err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.checkSignature(req, auth.VerifyECashSignature); err != nil {
		s.respondError(w, r, err)
		return
	}
	user, err := s.upsertWalletUser(r.Context(), "ecash", address)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondAuth(w, r, user)
}

func (s *Server) handleAuthSolana(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := decode(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	address := strings.TrimSpace(req.Address)
	if err := auth.ValidateSolanaAddress(address); err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.checkSignature(req, auth.VerifySolanaSignature); err != nil {
		s.respondError(w, r, err)
		return
	}
	user, err := s.upsertWalletUser(r.Context(), "solana", address)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondAuth(w, r, user)
}

// checkSignature verifies ownership when a signature is supplied and rejects
// address-only logins when the deployment requires proof.
func (s *Server) checkSignature(req authRequest, verify func(address, message, signature string) error) error {
	if strings.TrimSpace(req.Signature) == "" {
		if s.sessions != nil && s.sessions.RequireSignature() {
			return fmt.Errorf("%w: signature required", loan.ErrValidation)
		}
		return nil
	}
	return verify(strings.TrimSpace(req.Address), req.Message, strings.TrimSpace(req.Signature))
}

func (s *Server) upsertWalletUser(ctx context.Context, chain, address string) (*ledger.User, error) {
	var user *ledger.User
	err := withRetry(func() error {
		return s.store.Transaction(ctx, func(tx *storage.Tx) error {
			var (
				found *ledger.User
				err   error
			)
			if chain == "ecash" {
				found, err = tx.GetUserByECashAddress(ctx, address)
			} else {
				found, err = tx.GetUserBySolanaAddress(ctx, address)
			}
			if err == nil {
				user = found
				return nil
			}
			if !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			fresh := &ledger.User{ID: s.newID(), CreatedAt: time.Now().UTC()}
			if chain == "ecash" {
				fresh.ECashAddress = address
			} else {
				fresh.SolanaAddress = address
			}
			if err := tx.InsertUser(ctx, fresh); err != nil {
				return err
			}
			user = fresh
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (s *Server) respondAuth(w http.ResponseWriter, r *http.Request, user *ledger.User) {
	resp := authResponse{User: viewUser(user)}
	if s.sessions != nil {
		token, err := s.sessions.IssueSession(user.ID)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		resp.Token = token
	}
	s.respond(w, http.StatusOK, resp)
}

type linkRequest struct {
	UserID     string `json:"user_id"`
	WalletType string `json:"wallet_type"`
	Address    string `json:"address"`
}

func (s *Server) handleAuthLink(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if err := decode(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	address := strings.TrimSpace(req.Address)
	walletType := strings.ToLower(strings.TrimSpace(req.WalletType))
	switch walletType {
	case "ecash":
		if err := auth.ValidateECashAddress(address); err != nil {
			s.respondError(w, r, err)
			return
		}
	case "solana":
		if err := auth.ValidateSolanaAddress(address); err != nil {
			s.respondError(w, r, err)
			return
		}
	default:
		s.respondError(w, r, fmt.Errorf("%w: wallet_type must be ecash or solana", loan.ErrValidation))
		return
	}

	var user *ledger.User
	err := withRetry(func() error {
		return s.store.Transaction(r.Context(), func(tx *storage.Tx) error {
			found, err := tx.GetUser(r.Context(), strings.TrimSpace(req.UserID))
			if err != nil {
				return err
			}
			if walletType == "ecash" {
				found.ECashAddress = address
			} else {
				found.SolanaAddress = address
			}
			if err := tx.UpdateUser(r.Context(), found); err != nil {
				return err
			}
			user = found
			return nil
		})
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, authResponse{User: viewUser(user)})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, viewUser(user))
}

package query

import (
	"context"
	"errors"
	"fmt"

	"github.com/jobquest/progress-engine/internal/domain/ledger"
	"github.com/jobquest/progress-engine/internal/domain/shared"
)

// GetAccountQuery asks for a user's XP, level and streak.
type GetAccountQuery struct {
	UserID string
}

// AccountView is the account plus derived level progress.
type AccountView struct {
	Account ledger.Account
	Level   ledger.LevelProgress
}

// GetAccountHandler handles the query.
type GetAccountHandler struct {
	accounts ledger.Repository
}

// NewGetAccountHandler creates the handler.
func NewGetAccountHandler(accounts ledger.Repository) *GetAccountHandler {
	return &GetAccountHandler{accounts: accounts}
}

// Handle executes the query. Users without an account are at zero.
func (h *GetAccountHandler) Handle(ctx context.Context, q GetAccountQuery) (*AccountView, error) {
	if q.UserID == "" {
		return nil, shared.ErrMissingUserID
	}

	acc, err := h.accounts.GetAccount(ctx, q.UserID)
	if errors.Is(err, shared.ErrAccountNotFound) {
		acc = &ledger.Account{UserID: q.UserID}
	} else if err != nil {
		return nil, fmt.Errorf("get_account: %w", err)
	}

	return &AccountView{Account: *acc, Level: ledger.ProgressFor(acc.TotalXP)}, nil
}

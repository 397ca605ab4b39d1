package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// User
// ──────────────────────────────────────────────────────────────────────────────

// User is the domain entity the engine consults for admission and balance
// mutation. Real-mode bets debit Balance; play-mode bets debit PlayBalance;
// only real-mode flows touch the ledger and HousePool.
type User struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	Balance     decimal.Decimal `db:"balance" json:"balance"`
	PlayBalance decimal.Decimal `db:"play_balance" json:"playBalance"`

	TotalBets   int             `db:"total_bets" json:"totalBets"`
	TotalWins   int             `db:"total_wins" json:"totalWins"`
	TotalLosses int             `db:"total_losses" json:"totalLosses"`
	TotalProfit decimal.Decimal `db:"total_profit" json:"totalProfit"`

	Active   bool `db:"active" json:"active"`
	Silenced bool `db:"silenced" json:"silenced"`

	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// AnonymousPrefix marks synthetic user ids for unauthenticated play-mode
// sessions (spec §9 "Anonymous sessions"). Anonymous ids never write to the
// ledger or HousePool and are admitted only in play mode.
const AnonymousPrefix = "anon-"

// IsAnonymous reports whether userID denotes a synthetic anonymous session.
func IsAnonymous(userID string) bool {
	return len(userID) >= len(AnonymousPrefix) && userID[:len(AnonymousPrefix)] == AnonymousPrefix
}

// BalanceFor returns the balance field a bet of the given mode debits.
func (u *User) BalanceFor(isPlayMode bool) decimal.Decimal {
	if isPlayMode {
		return u.PlayBalance
	}
	return u.Balance
}

// ──────────────────────────────────────────────────────────────────────────────
// Transaction — append-only ledger entry
// ──────────────────────────────────────────────────────────────────────────────

// TxType enumerates ledger entry types for auditing. Only real-mode balance
// mutations produce a Transaction row; play-mode mutations bypass the ledger.
type TxType string

const (
	TxBet     TxType = "BET"
	TxWin     TxType = "WIN"
	TxLoss    TxType = "LOSS"
	TxRefund  TxType = "REFUND"
	TxDeposit TxType = "DEPOSIT"
)

// TxStatus mirrors whether a ledger entry's mutation committed.
type TxStatus string

const (
	TxStatusCompleted TxStatus = "COMPLETED"
	TxStatusFailed    TxStatus = "FAILED"
)

// Transaction is an append-only audit record for every real-balance change.
// Invariant: for any user, the ordered sum of committed amounts equals the
// current real balance.
type Transaction struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	UserID        uuid.UUID       `db:"user_id" json:"userId"`
	Type          TxType          `db:"type" json:"type"`
	Amount        decimal.Decimal `db:"amount" json:"amount"` // signed
	BalanceBefore decimal.Decimal `db:"balance_before" json:"balanceBefore"`
	BalanceAfter  decimal.Decimal `db:"balance_after" json:"balanceAfter"`
	RelatedBetID  *uuid.UUID      `db:"related_bet_id" json:"relatedBetId,omitempty"`
	Remark        string          `db:"remark" json:"remark"`
	Status        TxStatus        `db:"status" json:"status"`
	CompletedAt   time.Time       `db:"completed_at" json:"completedAt"`
}

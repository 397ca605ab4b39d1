package domain

import (
	"errors"
)

// ──────────────────────────────────────────────────────────────────────────────
// Sentinel errors — compare with errors.Is()
// ──────────────────────────────────────────────────────────────────────────────

// Round errors
var (
	// ErrNoActiveRound is returned when there is no BETTING/RUNNING round for
	// the requested asset.
	ErrNoActiveRound = errors.New("no active round")

	// ErrRoundNotFound is returned when no round matches the given criteria.
	ErrRoundNotFound = errors.New("round not found")

	// ErrBettingClosed is returned when a bet is attempted after the round has
	// left status=BETTING.
	ErrBettingClosed = errors.New("betting is closed for this round")

	// ErrRoundAlreadyTerminal is returned when a lifecycle transition is
	// attempted on a round already in COMPLETED or CANCELLED.
	ErrRoundAlreadyTerminal = errors.New("round is already in a terminal state")

	// ErrPriceUnavailable is returned when startRound cannot obtain a starting
	// price, or when the price feed reports a critical staleness failure.
	ErrPriceUnavailable = errors.New("price feed unavailable")

	// ErrRoundLocked is returned when the round lock for an asset is already
	// held by another engine instance.
	ErrRoundLocked = errors.New("round lock held by another instance")
)

// Bet errors
var (
	// ErrTargetTimePassed is returned when targetTime is not strictly within
	// the admissible window relative to elapsed round time.
	ErrTargetTimePassed = errors.New("target time is not within the admissible window")

	// ErrInvalidAmount is returned when the bet amount fails validation
	// (non-finite, non-positive, out of [minBet, maxBet], or not
	// representable in whole cents).
	ErrInvalidAmount = errors.New("invalid bet amount")

	// ErrInvalidRow is returned when targetRow is not finite or outside
	// [0, MAX_ROW_INDEX].
	ErrInvalidRow = errors.New("invalid target row")

	// ErrMaxBetsReached is returned when the engine- or per-user-level active
	// bet cap has been reached.
	ErrMaxBetsReached = errors.New("maximum active bets reached")

	// ErrRateLimited is returned when the per-user admission rate exceeds
	// maxBetsPerSecond.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrDuplicateBet is returned when an orderId already exists for a
	// different user.
	ErrDuplicateBet = errors.New("duplicate bet order id")

	// ErrBetNotFound is returned when no bet matches the given criteria.
	ErrBetNotFound = errors.New("bet not found")

	// ErrBetNotPending is returned when a settlement or refund conditional
	// update affects zero rows because the bet already left PENDING/SETTLING.
	ErrBetNotPending = errors.New("bet is not pending")

	// ErrInvalidOrderID is returned when orderId is empty.
	ErrInvalidOrderID = errors.New("orderId must be a non-empty string")
)

// User / balance errors
var (
	// ErrUserNotFound is returned when no user matches the given criteria.
	ErrUserNotFound = errors.New("user not found")

	// ErrUserBanned is returned when a banned user attempts to place a
	// real-mode bet.
	ErrUserBanned = errors.New("user is banned")

	// ErrUserSilenced is returned when a silenced user attempts to place a
	// real-mode bet.
	ErrUserSilenced = errors.New("user is silenced")

	// ErrInsufficientBalance is returned by FinancialLedger.conditionalChangeBalance
	// when the predicate `balance >= minBalance` matches zero rows.
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// HousePool / risk errors
var (
	// ErrPoolConflict is returned when HousePool.applyDelta exhausts its
	// optimistic-version retry budget.
	ErrPoolConflict = errors.New("house pool optimistic version conflict")

	// ErrRiskReservationDenied is returned when reserveExpectedPayout would
	// push the round's reserved total past maxRoundPayout.
	ErrRiskReservationDenied = errors.New("risk reservation denied: round payout cap reached")
)

// Auth / transport errors
var (
	// ErrUnauthorized is returned when a connection or upgrade lacks a valid
	// bearer token where one is required.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrOriginNotAllowed is returned when a Gateway connection's Origin
	// header is not present in the configured allowlist.
	ErrOriginNotAllowed = errors.New("origin not allowed")

	// ErrInvalidRequest is returned for structurally malformed client
	// messages (missing/mistyped fields).
	ErrInvalidRequest = errors.New("invalid request")
)

// ErrInternal wraps unexpected failures that should surface to clients only
// as INTERNAL_ERROR, never with their underlying detail.
var ErrInternal = errors.New("internal error")

// ──────────────────────────────────────────────────────────────────────────────
// Stable client-facing error code taxonomy (spec §7)
// ──────────────────────────────────────────────────────────────────────────────

// Code is one of the stable, closed-set error codes surfaced to clients in
// bet:rejected and error frames. Never derived from an error's message text —
// always looked up via CodeOf.
type Code string

const (
	CodeNoActiveRound      Code = "NO_ACTIVE_ROUND"
	CodeBettingClosed      Code = "BETTING_CLOSED"
	CodeTargetTimePassed   Code = "TARGET_TIME_PASSED"
	CodeInvalidAmount      Code = "INVALID_AMOUNT"
	CodeMaxBetsReached     Code = "MAX_BETS_REACHED"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeInsufficientBal    Code = "INSUFFICIENT_BALANCE"
	CodeDuplicateBet       Code = "DUPLICATE_BET"
	CodeUserNotFound       Code = "USER_NOT_FOUND"
	CodeUserBanned         Code = "USER_BANNED"
	CodeUserSilenced       Code = "USER_SILENCED"
	CodeRoundNotFound      Code = "ROUND_NOT_FOUND"
	CodePriceUnavailable   Code = "PRICE_UNAVAILABLE"
	CodeInternalError      Code = "INTERNAL_ERROR"
	CodeInvalidRequest     Code = "INVALID_REQUEST"
	CodeUnauthorized       Code = "UNAUTHORIZED"
)

// codeTable orders checks from most-specific to least-specific; CodeOf walks
// it top to bottom so a wrapped error matches its nearest sentinel.
var codeTable = []struct {
	err  error
	code Code
}{
	{ErrNoActiveRound, CodeNoActiveRound},
	{ErrBettingClosed, CodeBettingClosed},
	{ErrTargetTimePassed, CodeTargetTimePassed},
	{ErrInvalidAmount, CodeInvalidAmount},
	{ErrInvalidRow, CodeInvalidAmount},
	{ErrMaxBetsReached, CodeMaxBetsReached},
	{ErrRateLimited, CodeRateLimited},
	{ErrInsufficientBalance, CodeInsufficientBal},
	{ErrDuplicateBet, CodeDuplicateBet},
	{ErrUserNotFound, CodeUserNotFound},
	{ErrUserBanned, CodeUserBanned},
	{ErrUserSilenced, CodeUserSilenced},
	{ErrRoundNotFound, CodeRoundNotFound},
	{ErrPriceUnavailable, CodePriceUnavailable},
	{ErrInvalidRequest, CodeInvalidRequest},
	{ErrInvalidOrderID, CodeInvalidRequest},
	{ErrUnauthorized, CodeUnauthorized},
}

// CodeOf maps any domain error to its stable client-facing code. Unrecognized
// errors (including wrapped DB/cache failures) map to CodeInternalError so
// internal detail never leaks to a client.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	for _, entry := range codeTable {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return CodeInternalError
}

// ──────────────────────────────────────────────────────────────────────────────
// Helper predicates
// ──────────────────────────────────────────────────────────────────────────────

// notFoundErrors collects all "entity not found" sentinel errors so that
// IsNotFound can stay in sync automatically.
var notFoundErrors = []error{
	ErrRoundNotFound,
	ErrUserNotFound,
	ErrBetNotFound,
	ErrNoActiveRound,
}

// IsNotFound returns true when err (or any error in its chain) is one of the
// domain "not found" errors.
func IsNotFound(err error) bool {
	for _, target := range notFoundErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsConflict returns true for errors that represent a state conflict (e.g.
// duplicate bet or double-settlement).
func IsConflict(err error) bool {
	conflictErrors := []error{
		ErrDuplicateBet,
		ErrBetNotPending,
		ErrRoundAlreadyTerminal,
		ErrPoolConflict,
	}
	for _, target := range conflictErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsAuthError returns true for authentication/authorisation errors.
func IsAuthError(err error) bool {
	authErrors := []error{
		ErrUnauthorized,
		ErrOriginNotAllowed,
	}
	for _, target := range authErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

package ledger

import (
	"context"
	"time"

	"github.com/jobquest/progress-engine/internal/domain/shared"
	"github.com/jobquest/progress-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// ACCOUNT
// ══════════════════════════════════════════════════════════════════════════════

// Account is a user's XP and streak state.
type Account struct {
	UserID string

	// XP is the spendable balance. Nothing spends it yet.
	XP int64

	// TotalXP is lifetime XP; it never decreases.
	TotalXP int64

	CurrentStreak int
	LongestStreak int

	// LastActiveOn is the last local day (YYYY-MM-DD) with activity.
	LastActiveOn string

	UpdatedAt time.Time
}

// Level is derived from TotalXP, never stored.
func (a Account) Level() int {
	return LevelFor(a.TotalXP)
}

// ══════════════════════════════════════════════════════════════════════════════
// CREDIT
// ══════════════════════════════════════════════════════════════════════════════

// Credit is one idempotent XP grant.
type Credit struct {
	UserID string
	Amount int

	// Key makes the credit idempotent: a key is applied at most once.
	Key string

	// Reason is a short label such as "achievement:streak-7".
	Reason string
}

// Validate rejects credits that could not be applied.
func (c Credit) Validate() error {
	if c.UserID == "" {
		return shared.ErrMissingUserID
	}
	if c.Amount <= 0 {
		return shared.ErrNonPositiveXP
	}
	if c.Key == "" {
		return shared.ErrMissingCreditKey
	}
	return nil
}

// CreditResult is the outcome of applying a credit.
type CreditResult struct {
	// BeforeTotal and AfterTotal are the lifetime XP around the credit. When
	// the key was already applied both equal the current total.
	BeforeTotal int64
	AfterTotal  int64

	// Applied is false when the key had already been credited.
	Applied bool
}

// LevelBefore is the level before the credit.
func (r CreditResult) LevelBefore() int { return LevelFor(r.BeforeTotal) }

// LevelAfter is the level after the credit.
func (r CreditResult) LevelAfter() int { return LevelFor(r.AfterTotal) }

// LeveledUp reports whether the credit crossed a level boundary.
func (r CreditResult) LeveledUp() bool { return r.Applied && r.LevelAfter() > r.LevelBefore() }

// ══════════════════════════════════════════════════════════════════════════════
// STREAK
// ══════════════════════════════════════════════════════════════════════════════

// StreakResult is the outcome of touching the streak.
type StreakResult struct {
	Current int
	Longest int

	// Changed is false when the day was already counted.
	Changed bool
}

// NextStreak computes the streak after activity on day (YYYY-MM-DD).
// Consecutive days increment, a gap resets to 1, the same or an earlier day
// leaves the streak untouched.
func NextStreak(a Account, day string) StreakResult {
	res := StreakResult{Current: a.CurrentStreak, Longest: a.LongestStreak}

	switch {
	case a.LastActiveOn == "":
		res.Current = 1
		res.Changed = true
	default:
		gap, err := timeutil.DaysBetweenDays(a.LastActiveOn, day)
		switch {
		case err != nil || gap <= 0:
			return res
		case gap == 1:
			res.Current = a.CurrentStreak + 1
		default:
			res.Current = 1
		}
		res.Changed = true
	}

	if res.Current > res.Longest {
		res.Longest = res.Current
	}
	return res
}

// ══════════════════════════════════════════════════════════════════════════════
// REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// Repository persists accounts and credits.
type Repository interface {
	// GetAccount returns shared.ErrAccountNotFound when the user has none.
	GetAccount(ctx context.Context, userID string) (*Account, error)

	// Credit atomically records the key and, only if it was new, adds the
	// amount to XP and TotalXP, creating the account when missing.
	Credit(ctx context.Context, c Credit) (CreditResult, error)

	// TouchStreak atomically applies NextStreak for day.
	TouchStreak(ctx context.Context, userID, day string) (StreakResult, error)

	// PendingCredits lists unlocks and challenge completions whose credit
	// key has not been applied, oldest first.
	PendingCredits(ctx context.Context, limit int) ([]Credit, error)
}

// ReasonAchievement labels unlock credits.
func ReasonAchievement(achievementID string) string { return "achievement:" + achievementID }

// ReasonChallenge labels challenge completion credits.
func ReasonChallenge(challengeID string) string { return "challenge:" + challengeID }

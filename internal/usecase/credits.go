// Package usecase contains application business logic services: credit
// accounting, the job state machine, and request-side admission.
package usecase

import (
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Lucas-Song-Dev/INSIGHT/internal/config"
	"github.com/Lucas-Song-Dev/INSIGHT/internal/domain"
	"github.com/Lucas-Song-Dev/INSIGHT/internal/observability"
)

// CreditLedger prices jobs and performs atomic debits and refunds. It never
// reads-then-writes: every debit goes through the store's compare-and-update
// primitive.
type CreditLedger struct {
	Users domain.UserStore
	Costs config.CostTable
}

// NewCreditLedger constructs a ledger over the given user store.
func NewCreditLedger(users domain.UserStore, costs config.CostTable) CreditLedger {
	return CreditLedger{Users: users, Costs: costs}
}

// ScrapeCost prices a scrape from its limit and time filter. Small runs
// (limit <= 10) always cost one credit; beyond that the limit tier scales
// with the time window. An unknown time filter prices like a short window.
func (l CreditLedger) ScrapeCost(limit int, timeFilter string) int {
	if limit <= 10 {
		return 1
	}
	timeMult := 1
	switch timeFilter {
	case "month":
		timeMult = 2
	case "year":
		timeMult = 3
	case "all":
		timeMult = 4
	}
	limitTier := 4
	switch {
	case limit <= 50:
		limitTier = 1
	case limit <= 100:
		limitTier = 2
	case limit <= 200:
		limitTier = 3
	}
	return limitTier * (timeMult + 1)
}

// AnalysisCost prices an analysis run: first-time runs are free, regenerates
// are charged.
func (l CreditLedger) AnalysisCost(regenerate bool) int {
	if regenerate {
		return l.Costs.AnalysisRegenerate
	}
	return 0
}

// RecommendationsCost prices a recommendations run.
func (l CreditLedger) RecommendationsCost(regenerate bool) int {
	if regenerate {
		return l.Costs.RecommendationsRegenerate
	}
	return l.Costs.RecommendationsFirst
}

// Debit atomically charges cost against the user's balance and returns the
// post-image. A zero cost reads the balance without writing. Failure carries
// the required and available amounts.
func (l CreditLedger) Debit(ctx domain.Context, userID string, cost int) (domain.User, error) {
	tr := otel.Tracer("usecase.credits")
	ctx, span := tr.Start(ctx, "CreditLedger.Debit")
	defer span.End()
	span.SetAttributes(attribute.Int("credits.cost", cost))

	if cost == 0 {
		return l.Users.FindUser(ctx, userID)
	}
	u, err := l.Users.DebitCredits(ctx, userID, cost)
	if err == nil {
		return u, nil
	}
	if errors.Is(err, domain.ErrInsufficientCredits) {
		available := 0
		if cur, ferr := l.Users.FindUser(ctx, userID); ferr == nil {
			available = cur.Credits
		}
		return domain.User{}, fmt.Errorf("op=credits.debit: %w", &domain.InsufficientCreditsError{Required: cost, Available: available})
	}
	return domain.User{}, fmt.Errorf("op=credits.debit: %w", err)
}

// Refund unconditionally credits amount back to the user. Refund failures are
// logged, not raised: the caller's terminal job write has already happened.
func (l CreditLedger) Refund(ctx domain.Context, userID string, amount int, reason string) {
	if amount <= 0 {
		return
	}
	if err := l.Users.CreditCredits(ctx, userID, amount); err != nil {
		slog.Error("credit refund failed",
			slog.String("user_id", userID),
			slog.Int("amount", amount),
			slog.String("reason", reason),
			slog.Any("error", err))
		return
	}
	observability.CreditsRefundedTotal.WithLabelValues(reason).Add(float64(amount))
	slog.Info("credits refunded",
		slog.String("user_id", userID),
		slog.Int("amount", amount),
		slog.String("reason", reason))
}

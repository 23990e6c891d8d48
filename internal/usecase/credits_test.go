package usecase_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lucas-Song-Dev/INSIGHT/internal/adapter/repo/memory"
	"github.com/Lucas-Song-Dev/INSIGHT/internal/config"
	"github.com/Lucas-Song-Dev/INSIGHT/internal/domain"
	"github.com/Lucas-Song-Dev/INSIGHT/internal/usecase"
)

func TestCreditLedger_ScrapeCost(t *testing.T) {
	t.Parallel()
	l := usecase.NewCreditLedger(nil, config.DefaultCosts())

	tests := []struct {
		name       string
		limit      int
		timeFilter string
		want       int
	}{
		{"tiny run is flat", 10, "all", 1},
		{"tier1 day", 50, "day", 2},
		{"tier1 month", 50, "month", 3},
		{"tier2 week", 100, "week", 4},
		{"tier3 year", 200, "year", 12},
		{"tier4 all", 500, "all", 20},
		{"invalid filter defaults low", 50, "fortnight", 2},
		{"boundary at ten", 10, "day", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, l.ScrapeCost(tt.limit, tt.timeFilter))
		})
	}
}

func TestCreditLedger_FixedCosts(t *testing.T) {
	t.Parallel()
	l := usecase.NewCreditLedger(nil, config.DefaultCosts())
	assert.Equal(t, 0, l.AnalysisCost(false))
	assert.Equal(t, 1, l.AnalysisCost(true))
	assert.Equal(t, 2, l.RecommendationsCost(false))
	assert.Equal(t, 1, l.RecommendationsCost(true))
}

func TestCreditLedger_Debit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New(nil)
	store.PutUser(domain.User{ID: "bob", Credits: 2})
	l := usecase.NewCreditLedger(store, config.DefaultCosts())

	u, err := l.Debit(ctx, "bob", 2)
	require.NoError(t, err)
	assert.Equal(t, 0, u.Credits)

	_, err = l.Debit(ctx, "bob", 1)
	require.ErrorIs(t, err, domain.ErrInsufficientCredits)
	var ice *domain.InsufficientCreditsError
	require.ErrorAs(t, err, &ice)
	assert.Equal(t, 1, ice.Required)
	assert.Equal(t, 0, ice.Available)
}

func TestCreditLedger_DebitZeroReadsOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New(nil)
	store.PutUser(domain.User{ID: "bob", Credits: 0})
	l := usecase.NewCreditLedger(store, config.DefaultCosts())

	// A free run admits even a broke user and writes nothing.
	u, err := l.Debit(ctx, "bob", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, u.Credits)
}

func TestCreditLedger_RefundRestoresBalance(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New(nil)
	store.PutUser(domain.User{ID: "carol", Credits: 5})
	l := usecase.NewCreditLedger(store, config.DefaultCosts())

	_, err := l.Debit(ctx, "carol", 1)
	require.NoError(t, err)
	l.Refund(ctx, "carol", 1, "job_failed")

	u, err := store.FindUser(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, 5, u.Credits)
}

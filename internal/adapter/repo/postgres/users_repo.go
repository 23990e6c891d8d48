package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Lucas-Song-Dev/INSIGHT/internal/domain"
)

// UserRepo persists and loads users from PostgreSQL.
type UserRepo struct{ Pool PgxPool }

// NewUserRepo constructs a UserRepo with the given pool.
func NewUserRepo(p PgxPool) *UserRepo { return &UserRepo{Pool: p} }

const userColumns = `id, password_hash, email, credits, created_at, last_login`

// FindUser retrieves a user by id.
func (r *UserRepo) FindUser(ctx domain.Context, id string) (domain.User, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.FindUser")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "users"),
	)
	q := `SELECT ` + userColumns + ` FROM users WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	u, err := r.scan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, fmt.Errorf("op=user.find: %w", domain.ErrNotFound)
		}
		return domain.User{}, fmt.Errorf("op=user.find: %w", err)
	}
	return u, nil
}

// DebitCredits atomically debits cost from the user iff credits >= cost and
// returns the post-image. This single-statement compare-and-update is the
// only debit path; concurrent calls are linearizable on the credits column.
func (r *UserRepo) DebitCredits(ctx domain.Context, userID string, cost int) (domain.User, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.DebitCredits")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "users"),
		attribute.Int("credits.cost", cost),
	)
	if cost < 0 {
		return domain.User{}, fmt.Errorf("op=user.debit: negative cost %d: %w", cost, domain.ErrInvalidArgument)
	}
	q := `UPDATE users SET credits = credits - $2 WHERE id = $1 AND credits >= $2 RETURNING ` + userColumns
	u, err := r.scan(r.Pool.QueryRow(ctx, q, userID, cost))
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, fmt.Errorf("op=user.debit: %w", err)
	}
	// Precondition failed or user missing; disambiguate for the caller.
	if _, ferr := r.FindUser(ctx, userID); ferr != nil {
		return domain.User{}, fmt.Errorf("op=user.debit: %w", ferr)
	}
	return domain.User{}, fmt.Errorf("op=user.debit: %w", domain.ErrInsufficientCredits)
}

// CreditCredits unconditionally adds amount to the user's balance.
func (r *UserRepo) CreditCredits(ctx domain.Context, userID string, amount int) error {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.CreditCredits")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "users"),
		attribute.Int("credits.amount", amount),
	)
	if amount < 0 {
		return fmt.Errorf("op=user.credit: negative amount %d: %w", amount, domain.ErrInvalidArgument)
	}
	tag, err := r.Pool.Exec(ctx, `UPDATE users SET credits = credits + $2 WHERE id = $1`, userID, amount)
	if err != nil {
		return fmt.Errorf("op=user.credit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=user.credit: %w", domain.ErrNotFound)
	}
	return nil
}

func (r *UserRepo) scan(row pgx.Row) (domain.User, error) {
	var u domain.User
	var lastLogin *time.Time
	if err := row.Scan(&u.ID, &u.PasswordHash, &u.Email, &u.Credits, &u.CreatedAt, &lastLogin); err != nil {
		return domain.User{}, err
	}
	if lastLogin != nil {
		u.LastLogin = *lastLogin
	}
	return u, nil
}

package postgres

import "github.com/Lucas-Song-Dev/INSIGHT/internal/domain"

// Store aggregates the PostgreSQL repositories into the domain.Store
// capability boundary.
type Store struct {
	*UserRepo
	*JobRepo
	*ProductRepo
}

// NewStore wires the repositories over one pool. Appended job logs are
// broadcast through pub.
func NewStore(p PgxPool, pub domain.LogPublisher) *Store {
	return &Store{
		UserRepo:    NewUserRepo(p),
		JobRepo:     NewJobRepo(p, pub),
		ProductRepo: NewProductRepo(p),
	}
}

var _ domain.Store = (*Store)(nil)

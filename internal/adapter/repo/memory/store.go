// Package memory provides an in-memory store for development and tests.
//
// It mirrors the PostgreSQL store's semantics — compare-and-update credit
// debit, guarded job state transitions, append-only logs with broadcast —
// behind one mutex, which trivially satisfies the linearizability guarantees.
package memory

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Lucas-Song-Dev/INSIGHT/internal/domain"
)

// Store is an in-memory domain.Store.
type Store struct {
	mu        sync.Mutex
	users     map[string]domain.User
	jobs      map[string]*domain.Job
	posts     map[string]domain.Post
	pains     map[string]domain.PainPoint
	analyses  map[string]domain.Analysis          // user|product
	recs      map[string]domain.RecommendationSet // user|product|type
	publisher domain.LogPublisher
}

// New constructs an empty Store. pub may be nil.
func New(pub domain.LogPublisher) *Store {
	return &Store{
		users:     make(map[string]domain.User),
		jobs:      make(map[string]*domain.Job),
		posts:     make(map[string]domain.Post),
		pains:     make(map[string]domain.PainPoint),
		analyses:  make(map[string]domain.Analysis),
		recs:      make(map[string]domain.RecommendationSet),
		publisher: pub,
	}
}

var _ domain.Store = (*Store)(nil)

// PutUser seeds or replaces a user row.
func (s *Store) PutUser(u domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// FindUser retrieves a user by id.
func (s *Store) FindUser(_ domain.Context, id string) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return domain.User{}, fmt.Errorf("op=user.find: %w", domain.ErrNotFound)
	}
	return u, nil
}

// DebitCredits atomically debits cost iff credits >= cost.
func (s *Store) DebitCredits(_ domain.Context, userID string, cost int) (domain.User, error) {
	if cost < 0 {
		return domain.User{}, fmt.Errorf("op=user.debit: negative cost %d: %w", cost, domain.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return domain.User{}, fmt.Errorf("op=user.debit: %w", domain.ErrNotFound)
	}
	if u.Credits < cost {
		return domain.User{}, fmt.Errorf("op=user.debit: %w", domain.ErrInsufficientCredits)
	}
	u.Credits -= cost
	s.users[userID] = u
	return u, nil
}

// CreditCredits unconditionally adds amount to the balance.
func (s *Store) CreditCredits(_ domain.Context, userID string, amount int) error {
	if amount < 0 {
		return fmt.Errorf("op=user.credit: negative amount %d: %w", amount, domain.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("op=user.credit: %w", domain.ErrNotFound)
	}
	u.Credits += amount
	s.users[userID] = u
	return nil
}

// CreateJob inserts a pending job and returns its id.
func (s *Store) CreateJob(_ domain.Context, userID string, typ domain.JobType, params domain.JobParameters) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New().String()
	s.jobs[id] = &domain.Job{
		ID:         id,
		UserID:     userID,
		Type:       typ,
		State:      domain.JobPending,
		Parameters: params,
		CreatedAt:  time.Now().UTC(),
	}
	return id, nil
}

// GetJob retrieves a copy of a job by id.
func (s *Store) GetJob(_ domain.Context, id string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
	}
	return cloneJob(j), nil
}

// UpdateJobState applies a guarded transition; see domain.JobStore.
func (s *Store) UpdateJobState(_ domain.Context, id string, from []domain.JobState, to domain.JobState, patch domain.JobPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("op=job.update_state: %w", domain.ErrNotFound)
	}
	allowed := false
	for _, f := range from {
		if j.State == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("op=job.update_state: state %s: %w", j.State, domain.ErrConflict)
	}
	j.State = to
	if patch.Error != nil {
		j.Error = *patch.Error
	}
	if patch.Results != nil {
		j.Results = patch.Results
	}
	if patch.CreditsUsed != nil {
		j.CreditsUsed = patch.CreditsUsed
	}
	switch {
	case patch.StartedAt != nil:
		j.StartedAt = patch.StartedAt
	case to == domain.JobInProgress && j.StartedAt == nil:
		now := time.Now().UTC()
		j.StartedAt = &now
	}
	switch {
	case patch.CompletedAt != nil:
		j.CompletedAt = patch.CompletedAt
	case to.Terminal() && j.CompletedAt == nil:
		now := time.Now().UTC()
		j.CompletedAt = &now
	}
	return nil
}

// AppendJobLog appends one entry and broadcasts it.
func (s *Store) AppendJobLog(_ domain.Context, id string, entry domain.LogEntry) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("op=job.append_log: %w", domain.ErrNotFound)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	j.Logs = append(j.Logs, entry)
	pub := s.publisher
	s.mu.Unlock()
	if pub != nil {
		pub.Publish(id, entry)
	}
	return nil
}

// ListUserJobs returns the user's jobs newest first, optionally filtered.
func (s *Store) ListUserJobs(_ domain.Context, userID string, state domain.JobState) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []domain.Job
	for _, j := range s.jobs {
		if j.UserID != userID {
			continue
		}
		if state != "" && j.State != state {
			continue
		}
		jobs = append(jobs, cloneJob(j))
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].CreatedAt.After(jobs[b].CreatedAt) })
	return jobs, nil
}

// FindStuckJobs returns overdue in_progress and pending jobs.
func (s *Store) FindStuckJobs(_ domain.Context, cutoff time.Time) ([]domain.Job, []domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var inProgress, pending []domain.Job
	for _, j := range s.jobs {
		switch {
		case j.State == domain.JobInProgress && j.StartedAt != nil && j.StartedAt.Before(cutoff):
			inProgress = append(inProgress, cloneJob(j))
		case j.State == domain.JobPending && j.CreatedAt.Before(cutoff):
			pending = append(pending, cloneJob(j))
		}
	}
	return inProgress, pending, nil
}

// SavePost upserts a post by id.
func (s *Store) SavePost(_ domain.Context, p domain.Post) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Product = domain.NormalizeProduct(p.Product)
	s.posts[p.ID] = p
	return nil
}

// ListPostsByProduct returns up to limit posts for a product, highest score first.
func (s *Store) ListPostsByProduct(_ domain.Context, product string, limit int) ([]domain.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := domain.NormalizeProduct(product)
	var posts []domain.Post
	for _, p := range s.posts {
		if p.Product == key {
			posts = append(posts, p)
		}
	}
	sort.Slice(posts, func(a, b int) bool { return posts[a].Score > posts[b].Score })
	if limit > 0 && len(posts) > limit {
		posts = posts[:limit]
	}
	return posts, nil
}

// CountPostsByProduct returns the number of stored posts for a product.
func (s *Store) CountPostsByProduct(_ domain.Context, product string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := domain.NormalizeProduct(product)
	n := 0
	for _, p := range s.posts {
		if p.Product == key {
			n++
		}
	}
	return n, nil
}

// SavePainPoint upserts a pain point by its stable key.
func (s *Store) SavePainPoint(_ domain.Context, pp domain.PainPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pp.Product = domain.NormalizeProduct(pp.Product)
	s.pains[domain.PainPointID(pp.UserID, pp.Product, pp.Topic)] = pp
	return nil
}

// ListPainPoints returns the pain points for (user, product).
func (s *Store) ListPainPoints(_ domain.Context, userID, product string) ([]domain.PainPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := domain.NormalizeProduct(product)
	var pps []domain.PainPoint
	for _, pp := range s.pains {
		if pp.UserID == userID && pp.Product == key {
			pps = append(pps, pp)
		}
	}
	sort.Slice(pps, func(a, b int) bool { return pps[a].Topic < pps[b].Topic })
	return pps, nil
}

// DeletePainPointsByProduct removes all pain points for (user, product).
func (s *Store) DeletePainPointsByProduct(_ domain.Context, userID, product string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := domain.NormalizeProduct(product)
	for id, pp := range s.pains {
		if pp.UserID == userID && pp.Product == key {
			delete(s.pains, id)
		}
	}
	return nil
}

// SaveAnalysis upserts the analysis document for (user, product).
func (s *Store) SaveAnalysis(_ domain.Context, a domain.Analysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.Product = domain.NormalizeProduct(a.Product)
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	s.analyses[a.UserID+"|"+a.Product] = a
	return nil
}

// GetAnalysis retrieves the analysis document for (user, product).
func (s *Store) GetAnalysis(_ domain.Context, userID, product string) (domain.Analysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.analyses[userID+"|"+domain.NormalizeProduct(product)]
	if !ok {
		return domain.Analysis{}, fmt.Errorf("op=analysis.get: %w", domain.ErrNotFound)
	}
	return a, nil
}

// DeleteAnalysisByProduct removes the analysis document for (user, product).
func (s *Store) DeleteAnalysisByProduct(_ domain.Context, userID, product string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.analyses, userID+"|"+domain.NormalizeProduct(product))
	return nil
}

// SaveRecommendations upserts the set for (user, product, type).
func (s *Store) SaveRecommendations(_ domain.Context, rs domain.RecommendationSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs.Product = domain.NormalizeProduct(rs.Product)
	if !domain.ValidRecommendationType(rs.RecommendationType) {
		rs.RecommendationType = domain.RecommendationImproveProduct
	}
	if rs.CreatedAt.IsZero() {
		rs.CreatedAt = time.Now().UTC()
	}
	s.recs[rs.UserID+"|"+rs.Product+"|"+rs.RecommendationType] = rs
	return nil
}

// GetRecommendations retrieves the set for (user, product, type).
func (s *Store) GetRecommendations(_ domain.Context, userID, product, recommendationType string) (domain.RecommendationSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.recs[userID+"|"+domain.NormalizeProduct(product)+"|"+recommendationType]
	if !ok {
		return domain.RecommendationSet{}, fmt.Errorf("op=recommendations.get: %w", domain.ErrNotFound)
	}
	return rs, nil
}

// DeleteRecommendationsByProduct removes every type's set for (user, product).
func (s *Store) DeleteRecommendationsByProduct(_ domain.Context, userID, product string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := userID + "|" + domain.NormalizeProduct(product) + "|"
	for id := range s.recs {
		if len(id) >= len(prefix) && id[:len(prefix)] == prefix {
			delete(s.recs, id)
		}
	}
	return nil
}

func cloneJob(j *domain.Job) domain.Job {
	out := *j
	out.Logs = append([]domain.LogEntry(nil), j.Logs...)
	return out
}

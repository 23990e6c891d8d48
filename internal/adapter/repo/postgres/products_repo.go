package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Lucas-Song-Dev/INSIGHT/internal/domain"
)

// ProductRepo persists scraped posts and synthesized product artifacts.
type ProductRepo struct{ Pool PgxPool }

// NewProductRepo constructs a ProductRepo with the given pool.
func NewProductRepo(p PgxPool) *ProductRepo { return &ProductRepo{Pool: p} }

func spanFor(ctx domain.Context, op, table string) (domain.Context, func()) {
	tracer := otel.Tracer("repo.products")
	ctx, span := tracer.Start(ctx, op)
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", table),
	)
	return ctx, func() { span.End() }
}

// SavePost upserts a post by its external id.
func (r *ProductRepo) SavePost(ctx domain.Context, p domain.Post) error {
	ctx, end := spanFor(ctx, "products.SavePost", "posts")
	defer end()
	q := `INSERT INTO posts (id, title, content, author, subreddit, url, created_utc, score, num_comments, product, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET
			title=EXCLUDED.title, content=EXCLUDED.content, author=EXCLUDED.author,
			subreddit=EXCLUDED.subreddit, url=EXCLUDED.url, created_utc=EXCLUDED.created_utc,
			score=EXCLUDED.score, num_comments=EXCLUDED.num_comments, product=EXCLUDED.product`
	if _, err := r.Pool.Exec(ctx, q, p.ID, p.Title, p.Content, p.Author, p.Subreddit, p.URL, p.CreatedUTC, p.Score, p.NumComments, domain.NormalizeProduct(p.Product), time.Now().UTC()); err != nil {
		return fmt.Errorf("op=post.save: %w", err)
	}
	return nil
}

// ListPostsByProduct returns up to limit posts for a product key, highest
// score first.
func (r *ProductRepo) ListPostsByProduct(ctx domain.Context, product string, limit int) ([]domain.Post, error) {
	ctx, end := spanFor(ctx, "products.ListPostsByProduct", "posts")
	defer end()
	q := `SELECT id, title, content, author, subreddit, url, COALESCE(created_utc, 'epoch'::timestamptz), score, num_comments, product
		FROM posts WHERE product=$1 ORDER BY score DESC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, domain.NormalizeProduct(product), limit)
	if err != nil {
		return nil, fmt.Errorf("op=post.list: %w", err)
	}
	defer rows.Close()
	var posts []domain.Post
	for rows.Next() {
		var p domain.Post
		if err := rows.Scan(&p.ID, &p.Title, &p.Content, &p.Author, &p.Subreddit, &p.URL, &p.CreatedUTC, &p.Score, &p.NumComments, &p.Product); err != nil {
			return nil, fmt.Errorf("op=post.list_scan: %w", err)
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// CountPostsByProduct returns the number of posts stored for a product key.
func (r *ProductRepo) CountPostsByProduct(ctx domain.Context, product string) (int, error) {
	ctx, end := spanFor(ctx, "products.CountPostsByProduct", "posts")
	defer end()
	var n int
	if err := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM posts WHERE product=$1`, domain.NormalizeProduct(product)).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=post.count: %w", err)
	}
	return n, nil
}

// SavePainPoint upserts a pain point keyed by the stable
// (user, product, topic) hash.
func (r *ProductRepo) SavePainPoint(ctx domain.Context, pp domain.PainPoint) error {
	ctx, end := spanFor(ctx, "products.SavePainPoint", "pain_points")
	defer end()
	keywords, err := json.Marshal(pp.RelatedKeywords)
	if err != nil {
		return fmt.Errorf("op=pain_point.save.marshal: %w", err)
	}
	id := domain.PainPointID(pp.UserID, pp.Product, pp.Topic)
	q := `INSERT INTO pain_points (id, user_id, product, topic, description, severity, potential_solutions, related_keywords, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET
			description=EXCLUDED.description, severity=EXCLUDED.severity,
			potential_solutions=EXCLUDED.potential_solutions, related_keywords=EXCLUDED.related_keywords`
	if _, err := r.Pool.Exec(ctx, q, id, pp.UserID, domain.NormalizeProduct(pp.Product), pp.Topic, pp.Description, pp.Severity, pp.PotentialSolutions, keywords, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=pain_point.save: %w", err)
	}
	return nil
}

// ListPainPoints returns the pain points for (user, product).
func (r *ProductRepo) ListPainPoints(ctx domain.Context, userID, product string) ([]domain.PainPoint, error) {
	ctx, end := spanFor(ctx, "products.ListPainPoints", "pain_points")
	defer end()
	q := `SELECT user_id, product, topic, description, severity, potential_solutions, related_keywords
		FROM pain_points WHERE user_id=$1 AND product=$2 ORDER BY topic`
	rows, err := r.Pool.Query(ctx, q, userID, domain.NormalizeProduct(product))
	if err != nil {
		return nil, fmt.Errorf("op=pain_point.list: %w", err)
	}
	defer rows.Close()
	var pps []domain.PainPoint
	for rows.Next() {
		var pp domain.PainPoint
		var keywords []byte
		if err := rows.Scan(&pp.UserID, &pp.Product, &pp.Topic, &pp.Description, &pp.Severity, &pp.PotentialSolutions, &keywords); err != nil {
			return nil, fmt.Errorf("op=pain_point.list_scan: %w", err)
		}
		if len(keywords) > 0 {
			if err := json.Unmarshal(keywords, &pp.RelatedKeywords); err != nil {
				return nil, fmt.Errorf("op=pain_point.list_keywords: %w", err)
			}
		}
		pps = append(pps, pp)
	}
	return pps, rows.Err()
}

// DeletePainPointsByProduct removes all pain points for (user, product).
func (r *ProductRepo) DeletePainPointsByProduct(ctx domain.Context, userID, product string) error {
	ctx, end := spanFor(ctx, "products.DeletePainPointsByProduct", "pain_points")
	defer end()
	if _, err := r.Pool.Exec(ctx, `DELETE FROM pain_points WHERE user_id=$1 AND product=$2`, userID, domain.NormalizeProduct(product)); err != nil {
		return fmt.Errorf("op=pain_point.delete: %w", err)
	}
	return nil
}

// analysisDoc is the persisted shape of the analysis jsonb column.
type analysisDoc struct {
	PainPoints []domain.PainPoint `json:"pain_points"`
	Summary    string             `json:"summary"`
}

// SaveAnalysis upserts the single analysis document for (user, product).
func (r *ProductRepo) SaveAnalysis(ctx domain.Context, a domain.Analysis) error {
	ctx, end := spanFor(ctx, "products.SaveAnalysis", "analyses")
	defer end()
	doc, err := json.Marshal(analysisDoc{PainPoints: a.PainPoints, Summary: a.Summary})
	if err != nil {
		return fmt.Errorf("op=analysis.save.marshal: %w", err)
	}
	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	q := `INSERT INTO analyses (user_id, product, analysis, created_at) VALUES ($1,$2,$3,$4)
		ON CONFLICT (user_id, product) DO UPDATE SET analysis=EXCLUDED.analysis, created_at=EXCLUDED.created_at`
	if _, err := r.Pool.Exec(ctx, q, a.UserID, domain.NormalizeProduct(a.Product), doc, created); err != nil {
		return fmt.Errorf("op=analysis.save: %w", err)
	}
	return nil
}

// GetAnalysis retrieves the analysis document for (user, product).
func (r *ProductRepo) GetAnalysis(ctx domain.Context, userID, product string) (domain.Analysis, error) {
	ctx, end := spanFor(ctx, "products.GetAnalysis", "analyses")
	defer end()
	var docJSON []byte
	a := domain.Analysis{UserID: userID, Product: domain.NormalizeProduct(product)}
	err := r.Pool.QueryRow(ctx, `SELECT analysis, created_at FROM analyses WHERE user_id=$1 AND product=$2`, userID, a.Product).Scan(&docJSON, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Analysis{}, fmt.Errorf("op=analysis.get: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.Analysis{}, fmt.Errorf("op=analysis.get: %w", err)
	}
	var doc analysisDoc
	if err := json.Unmarshal(docJSON, &doc); err != nil {
		return domain.Analysis{}, fmt.Errorf("op=analysis.get_unmarshal: %w", err)
	}
	a.PainPoints = doc.PainPoints
	a.Summary = doc.Summary
	return a, nil
}

// DeleteAnalysisByProduct removes the analysis document for (user, product).
func (r *ProductRepo) DeleteAnalysisByProduct(ctx domain.Context, userID, product string) error {
	ctx, end := spanFor(ctx, "products.DeleteAnalysisByProduct", "analyses")
	defer end()
	if _, err := r.Pool.Exec(ctx, `DELETE FROM analyses WHERE user_id=$1 AND product=$2`, userID, domain.NormalizeProduct(product)); err != nil {
		return fmt.Errorf("op=analysis.delete: %w", err)
	}
	return nil
}

// SaveRecommendations upserts the document for
// (user, product, recommendation_type); other types are untouched.
func (r *ProductRepo) SaveRecommendations(ctx domain.Context, rs domain.RecommendationSet) error {
	ctx, end := spanFor(ctx, "products.SaveRecommendations", "recommendations")
	defer end()
	if !domain.ValidRecommendationType(rs.RecommendationType) {
		rs.RecommendationType = domain.RecommendationImproveProduct
	}
	recsJSON, err := json.Marshal(rs.Recommendations)
	if err != nil {
		return fmt.Errorf("op=recommendations.save.marshal: %w", err)
	}
	created := rs.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	q := `INSERT INTO recommendations (user_id, product, recommendation_type, recommendations, summary, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (user_id, product, recommendation_type) DO UPDATE SET
			recommendations=EXCLUDED.recommendations, summary=EXCLUDED.summary, created_at=EXCLUDED.created_at`
	if _, err := r.Pool.Exec(ctx, q, rs.UserID, domain.NormalizeProduct(rs.Product), rs.RecommendationType, recsJSON, rs.Summary, created); err != nil {
		return fmt.Errorf("op=recommendations.save: %w", err)
	}
	return nil
}

// GetRecommendations retrieves the document for
// (user, product, recommendation_type).
func (r *ProductRepo) GetRecommendations(ctx domain.Context, userID, product, recommendationType string) (domain.RecommendationSet, error) {
	ctx, end := spanFor(ctx, "products.GetRecommendations", "recommendations")
	defer end()
	rs := domain.RecommendationSet{UserID: userID, Product: domain.NormalizeProduct(product), RecommendationType: recommendationType}
	var recsJSON []byte
	err := r.Pool.QueryRow(ctx,
		`SELECT recommendations, summary, created_at FROM recommendations WHERE user_id=$1 AND product=$2 AND recommendation_type=$3`,
		userID, rs.Product, recommendationType).Scan(&recsJSON, &rs.Summary, &rs.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.RecommendationSet{}, fmt.Errorf("op=recommendations.get: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.RecommendationSet{}, fmt.Errorf("op=recommendations.get: %w", err)
	}
	if len(recsJSON) > 0 {
		if err := json.Unmarshal(recsJSON, &rs.Recommendations); err != nil {
			return domain.RecommendationSet{}, fmt.Errorf("op=recommendations.get_unmarshal: %w", err)
		}
	}
	return rs, nil
}

// DeleteRecommendationsByProduct removes all recommendation documents (every
// type) for (user, product).
func (r *ProductRepo) DeleteRecommendationsByProduct(ctx domain.Context, userID, product string) error {
	ctx, end := spanFor(ctx, "products.DeleteRecommendationsByProduct", "recommendations")
	defer end()
	if _, err := r.Pool.Exec(ctx, `DELETE FROM recommendations WHERE user_id=$1 AND product=$2`, userID, domain.NormalizeProduct(product)); err != nil {
		return fmt.Errorf("op=recommendations.delete: %w", err)
	}
	return nil
}

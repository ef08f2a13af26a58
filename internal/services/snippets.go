package services

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"snipvault/internal/models"
	"snipvault/internal/search"
)

// searchCandidateLimit bounds how many rows the ad hoc substring search pulls
// before matching in process.
const searchCandidateLimit = 500

const snippetColumns = `id, public_id, user_id, title, description, code, language, visibility,
	category_id, forked_from_id, likes_count, created_at, updated_at`

func scanSnippet(row pgx.Row) (models.Snippet, error) {
	var sn models.Snippet
	err := row.Scan(&sn.ID, &sn.PublicID, &sn.UserID, &sn.Title, &sn.Description, &sn.Code,
		&sn.Language, &sn.Visibility, &sn.CategoryID, &sn.ForkedFromID, &sn.LikesCount,
		&sn.CreatedAt, &sn.UpdatedAt)
	return sn, err
}

func (s *Service) CreateSnippet(ctx context.Context, sn models.Snippet) (models.Snippet, error) {
	if sn.UserID == 0 || sn.Title == "" || sn.Code == "" || !models.ValidVisibility(sn.Visibility) {
		return models.Snippet{}, models.ErrInvalidRequest
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.Snippet{}, err
	}
	defer tx.Rollback(ctx)

	created, err := scanSnippet(tx.QueryRow(ctx, `
		INSERT INTO snippets (public_id, user_id, title, description, code, language, visibility, category_id, forked_from_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+snippetColumns,
		uuid.NewString(), sn.UserID, sn.Title, sn.Description, sn.Code, sn.Language, sn.Visibility, sn.CategoryID, sn.ForkedFromID))
	if err != nil {
		return models.Snippet{}, err
	}
	if err := s.setTags(ctx, tx, created.ID, sn.Tags); err != nil {
		return models.Snippet{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Snippet{}, err
	}
	created.Tags = sn.Tags
	return created, nil
}

func (s *Service) setTags(ctx context.Context, tx pgx.Tx, snippetID int64, tags []string) error {
	if _, err := tx.Exec(ctx, `DELETE FROM snippet_tags WHERE snippet_id = $1`, snippetID); err != nil {
		return err
	}
	for _, name := range tags {
		if name == "" {
			continue
		}
		var tagID int64
		err := tx.QueryRow(ctx, `
			INSERT INTO tags (name) VALUES ($1)
			ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
			RETURNING id`, name).Scan(&tagID)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO snippet_tags (snippet_id, tag_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, snippetID, tagID)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) loadTags(ctx context.Context, snippetID int64) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT t.name FROM tags t
		JOIN snippet_tags st ON st.tag_id = t.id
		WHERE st.snippet_id = $1
		ORDER BY t.name`, snippetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tags []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tags = append(tags, name)
	}
	return tags, rows.Err()
}

func (s *Service) GetSnippetByPublicID(ctx context.Context, publicID string) (models.Snippet, error) {
	sn, err := scanSnippet(s.pool.QueryRow(ctx, `
		SELECT `+snippetColumns+` FROM snippets WHERE public_id = $1`, publicID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Snippet{}, models.ErrNotFound
	}
	if err != nil {
		return models.Snippet{}, err
	}
	sn.Tags, err = s.loadTags(ctx, sn.ID)
	return sn, err
}

func (s *Service) collectSnippets(rows pgx.Rows) ([]models.Snippet, error) {
	defer rows.Close()
	var snippets []models.Snippet
	for rows.Next() {
		sn, err := scanSnippet(rows)
		if err != nil {
			return nil, err
		}
		snippets = append(snippets, sn)
	}
	return snippets, rows.Err()
}

func (s *Service) ListUserSnippets(ctx context.Context, userID int64, page, pageSize int) ([]models.Snippet, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+snippetColumns+` FROM snippets
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, userID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, err
	}
	return s.collectSnippets(rows)
}

func (s *Service) ListPublicSnippets(ctx context.Context, language string, page, pageSize int) ([]models.Snippet, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+snippetColumns+` FROM snippets
		WHERE visibility = $1 AND ($2 = '' OR language = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`, models.VisibilityPublic, language, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, err
	}
	return s.collectSnippets(rows)
}

func (s *Service) ListPublicSnippetsByUser(ctx context.Context, userID int64, page, pageSize int) ([]models.Snippet, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+snippetColumns+` FROM snippets
		WHERE user_id = $1 AND visibility = $2
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`, userID, models.VisibilityPublic, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, err
	}
	return s.collectSnippets(rows)
}

func (s *Service) ListSnippetsByTag(ctx context.Context, tag string, page, pageSize int) ([]models.Snippet, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+snippetColumns+` FROM snippets sn
		WHERE sn.visibility = $1 AND EXISTS (
			SELECT 1 FROM snippet_tags st
			JOIN tags t ON t.id = st.tag_id
			WHERE st.snippet_id = sn.id AND t.name = $2)
		ORDER BY sn.created_at DESC
		LIMIT $3 OFFSET $4`, models.VisibilityPublic, tag, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, err
	}
	return s.collectSnippets(rows)
}

func (s *Service) UpdateSnippet(ctx context.Context, sn models.Snippet) (models.Snippet, error) {
	if sn.ID == 0 || sn.Title == "" || sn.Code == "" || !models.ValidVisibility(sn.Visibility) {
		return models.Snippet{}, models.ErrInvalidRequest
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.Snippet{}, err
	}
	defer tx.Rollback(ctx)

	updated, err := scanSnippet(tx.QueryRow(ctx, `
		UPDATE snippets
		SET title = $1, description = $2, code = $3, language = $4, visibility = $5, category_id = $6, updated_at = NOW()
		WHERE id = $7
		RETURNING `+snippetColumns,
		sn.Title, sn.Description, sn.Code, sn.Language, sn.Visibility, sn.CategoryID, sn.ID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Snippet{}, models.ErrNotFound
	}
	if err != nil {
		return models.Snippet{}, err
	}
	if err := s.setTags(ctx, tx, updated.ID, sn.Tags); err != nil {
		return models.Snippet{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Snippet{}, err
	}
	updated.Tags = sn.Tags
	return updated, nil
}

func (s *Service) DeleteSnippet(ctx context.Context, id int64) error {
	ct, err := s.pool.Exec(ctx, `DELETE FROM snippets WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// LikeSnippet records a like once per user and keeps the denormalized count
// in step. Re-liking is a no-op.
func (s *Service) LikeSnippet(ctx context.Context, userID, snippetID int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	ct, err := tx.Exec(ctx, `
		INSERT INTO likes (user_id, snippet_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, userID, snippetID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() > 0 {
		_, err = tx.Exec(ctx, `
			UPDATE snippets SET likes_count = likes_count + 1 WHERE id = $1`, snippetID)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Service) UnlikeSnippet(ctx context.Context, userID, snippetID int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	ct, err := tx.Exec(ctx, `
		DELETE FROM likes WHERE user_id = $1 AND snippet_id = $2`, userID, snippetID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() > 0 {
		_, err = tx.Exec(ctx, `
			UPDATE snippets SET likes_count = GREATEST(likes_count - 1, 0) WHERE id = $1`, snippetID)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// ForkSnippet copies src for userID, preserving lineage through
// forked_from_id.
func (s *Service) ForkSnippet(ctx context.Context, userID int64, src models.Snippet, visibility string) (models.Snippet, error) {
	fork := models.Snippet{
		UserID:       userID,
		Title:        src.Title,
		Description:  src.Description,
		Code:         src.Code,
		Language:     src.Language,
		Visibility:   visibility,
		CategoryID:   src.CategoryID,
		ForkedFromID: &src.ID,
		Tags:         src.Tags,
	}
	return s.CreateSnippet(ctx, fork)
}

// searchPatterns turns the query's positive terms into ILIKE patterns for the
// candidate pre-filter. LIKE metacharacters in terms are escaped so a term
// keeps plain substring semantics. Nil when the query has no positive terms
// (all-negated queries pre-filter nothing).
func searchPatterns(q search.Query) []string {
	terms := q.Terms()
	if len(terms) == 0 {
		return nil
	}
	esc := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	patterns := make([]string, 0, len(terms))
	for _, term := range terms {
		patterns = append(patterns, "%"+esc.Replace(term)+"%")
	}
	return patterns
}

// SearchSnippets runs the token query over the snippets visible to userID
// (public plus their own). The database pre-filters candidates to rows
// containing at least one positive term; the authoritative AND/OR/NOT
// matching happens in process over title, description, code, and language.
func (s *Service) SearchSnippets(ctx context.Context, userID int64, q search.Query) ([]models.Snippet, error) {
	patterns := searchPatterns(q)
	rows, err := s.pool.Query(ctx, `
		SELECT `+snippetColumns+` FROM snippets
		WHERE (visibility = $1 OR user_id = $2)
			AND ($3::text[] IS NULL
				OR title ILIKE ANY($3) OR description ILIKE ANY($3)
				OR code ILIKE ANY($3) OR language ILIKE ANY($3))
		ORDER BY created_at DESC
		LIMIT $4`, models.VisibilityPublic, userID, patterns, searchCandidateLimit)
	if err != nil {
		return nil, err
	}
	candidates, err := s.collectSnippets(rows)
	if err != nil {
		return nil, err
	}
	var matched []models.Snippet
	for _, sn := range candidates {
		if q.Match(sn.Title, sn.Description, sn.Code, sn.Language) {
			matched = append(matched, sn)
		}
	}
	return matched, nil
}

// ExportSnippets returns every snippet the user owns, tags included, for the
// JSON export bundle.
func (s *Service) ExportSnippets(ctx context.Context, userID int64) ([]models.Snippet, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+snippetColumns+` FROM snippets
		WHERE user_id = $1
		ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	snippets, err := s.collectSnippets(rows)
	if err != nil {
		return nil, err
	}
	for i := range snippets {
		snippets[i].Tags, err = s.loadTags(ctx, snippets[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return snippets, nil
}

func (s *Service) ListTags(ctx context.Context) ([]models.Tag, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name FROM tags ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tags []models.Tag
	for rows.Next() {
		var t models.Tag
		if err := rows.Scan(&t.ID, &t.Name); err != nil {
			return nil, err
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

func (s *Service) ListCategories(ctx context.Context) ([]models.Category, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, slug FROM categories ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var categories []models.Category
	for rows.Next() {
		var c models.Category
		if err := rows.Scan(&c.ID, &c.Name, &c.Slug); err != nil {
			return nil, err
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

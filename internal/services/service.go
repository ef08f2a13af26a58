package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"snipvault/internal/models"
	"snipvault/internal/tiers"
)

type Service struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// EnsureDefaultCategories seeds the category table at boot; reruns are no-ops.
func (s *Service) EnsureDefaultCategories(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO categories (name, slug)
		VALUES
			('Algorithms', 'algorithms'),
			('Web', 'web'),
			('CLI & Scripts', 'cli-scripts'),
			('Data', 'data'),
			('DevOps', 'devops'),
			('Snippets & Utilities', 'utilities')
		ON CONFLICT (slug) DO NOTHING`)
	return err
}

// CreateUser registers an account. The free subscription and the zeroed usage
// row are created in the same transaction so every user always has both.
func (s *Service) CreateUser(ctx context.Context, username, email, password string) (models.User, error) {
	if username == "" || email == "" || password == "" {
		return models.User{}, models.ErrInvalidRequest
	}
	passwordHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.User{}, err
	}
	defer tx.Rollback(ctx)

	var user models.User
	err = tx.QueryRow(ctx, `
		INSERT INTO users (username, email, password_hash, display_name, role)
		VALUES ($1, $2, $3, $1, $4)
		RETURNING id, username, email, password_hash, display_name, bio, role, created_at, updated_at`,
		username, email, string(passwordHash), models.UserRoleUser,
	).Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.DisplayName, &user.Bio, &user.Role, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return models.User{}, models.ErrDuplicate
		}
		return models.User{}, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO subscriptions (user_id, tier, status)
		VALUES ($1, $2, $3)`, user.ID, tiers.Free, models.SubscriptionActive)
	if err != nil {
		return models.User{}, err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO usage_tracking (user_id, last_export_reset, last_api_reset)
		VALUES ($1, NOW(), NOW())`, user.ID)
	if err != nil {
		return models.User{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.User{}, err
	}
	return user, nil
}

func (s *Service) AuthenticateUser(ctx context.Context, username, password string) (models.User, error) {
	if username == "" || password == "" {
		return models.User{}, models.ErrInvalidCredentials
	}
	user, err := s.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.User{}, models.ErrInvalidCredentials
		}
		return models.User{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return models.User{}, models.ErrInvalidCredentials
	}
	return user, nil
}

func (s *Service) GetUserByID(ctx context.Context, id int64) (models.User, error) {
	var user models.User
	err := s.pool.QueryRow(ctx, `
		SELECT id, username, email, password_hash, display_name, bio, role, created_at, updated_at
		FROM users WHERE id = $1`, id,
	).Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.DisplayName, &user.Bio, &user.Role, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, models.ErrNotFound
	}
	return user, err
}

func (s *Service) GetUserByUsername(ctx context.Context, username string) (models.User, error) {
	var user models.User
	err := s.pool.QueryRow(ctx, `
		SELECT id, username, email, password_hash, display_name, bio, role, created_at, updated_at
		FROM users WHERE username = $1`, username,
	).Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.DisplayName, &user.Bio, &user.Role, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, models.ErrNotFound
	}
	return user, err
}

func (s *Service) UpdateProfile(ctx context.Context, userID int64, displayName, bio string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE users SET display_name = $1, bio = $2, updated_at = NOW()
		WHERE id = $3`, displayName, bio, userID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// CreateAPIKey mints a personal access token for the metered API. Only the
// SHA-256 hash is stored; the raw key is returned once.
func (s *Service) CreateAPIKey(ctx context.Context, userID int64) (string, models.APIKey, error) {
	if userID == 0 {
		return "", models.APIKey{}, models.ErrInvalidRequest
	}
	raw, prefix, hash, err := generateKey()
	if err != nil {
		return "", models.APIKey{}, err
	}
	var apiKey models.APIKey
	err = s.pool.QueryRow(ctx, `
		INSERT INTO api_keys (user_id, key_hash, key_prefix, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, user_id, key_hash, key_prefix, status, created_at, revoked_at`,
		userID, hash, prefix, models.APIKeyStatusActive,
	).Scan(&apiKey.ID, &apiKey.UserID, &apiKey.KeyHash, &apiKey.KeyPrefix, &apiKey.Status, &apiKey.CreatedAt, &apiKey.RevokedAt)
	if err != nil {
		return "", models.APIKey{}, err
	}
	return raw, apiKey, nil
}

func (s *Service) ListAPIKeys(ctx context.Context, userID int64) ([]models.APIKey, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, key_hash, key_prefix, status, created_at, revoked_at
		FROM api_keys WHERE user_id = $1
		ORDER BY id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []models.APIKey
	for rows.Next() {
		var item models.APIKey
		if err := rows.Scan(&item.ID, &item.UserID, &item.KeyHash, &item.KeyPrefix, &item.Status, &item.CreatedAt, &item.RevokedAt); err != nil {
			return nil, err
		}
		keys = append(keys, item)
	}
	return keys, rows.Err()
}

func (s *Service) GetAPIKeyByID(ctx context.Context, id int64) (models.APIKey, error) {
	var apiKey models.APIKey
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, key_hash, key_prefix, status, created_at, revoked_at
		FROM api_keys WHERE id = $1`, id,
	).Scan(&apiKey.ID, &apiKey.UserID, &apiKey.KeyHash, &apiKey.KeyPrefix, &apiKey.Status, &apiKey.CreatedAt, &apiKey.RevokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.APIKey{}, models.ErrNotFound
	}
	return apiKey, err
}

func (s *Service) RevokeAPIKey(ctx context.Context, id int64) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE api_keys SET status = $1, revoked_at = NOW()
		WHERE id = $2`, models.APIKeyStatusRevoked, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ResolveAPIKey maps a raw key from the X-API-Key header to its owner.
func (s *Service) ResolveAPIKey(ctx context.Context, rawKey string) (int64, error) {
	if rawKey == "" {
		return 0, models.ErrNotFound
	}
	sum := sha256.Sum256([]byte(rawKey))
	var userID int64
	err := s.pool.QueryRow(ctx, `
		SELECT user_id FROM api_keys
		WHERE key_hash = $1 AND status = $2`,
		hex.EncodeToString(sum[:]), models.APIKeyStatusActive,
	).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, models.ErrNotFound
	}
	return userID, err
}

type Stats struct {
	TotalUsers        int64 `json:"total_users"`
	TotalSnippets     int64 `json:"total_snippets"`
	PaidSubscriptions int64 `json:"paid_subscriptions"`
	NewUsersInPeriod  int64 `json:"new_users_in_period"`
}

func (s *Service) GetStats(ctx context.Context, from, to time.Time) (Stats, error) {
	var stats Stats
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&stats.TotalUsers)
	if err != nil {
		return Stats{}, err
	}
	err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM snippets`).Scan(&stats.TotalSnippets)
	if err != nil {
		return Stats{}, err
	}
	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM subscriptions
		WHERE status = $1 AND tier <> $2`,
		models.SubscriptionActive, tiers.Free).Scan(&stats.PaidSubscriptions)
	if err != nil {
		return Stats{}, err
	}
	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM users
		WHERE created_at >= $1 AND created_at <= $2`, from, to).Scan(&stats.NewUsersInPeriod)
	if err != nil {
		return Stats{}, err
	}
	return stats, nil
}

type AdminUser struct {
	models.User
	Tier tiers.Tier `json:"tier"`
}

func (s *Service) ListUsers(ctx context.Context, page, pageSize int) ([]AdminUser, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT u.id, u.username, u.email, u.password_hash, u.display_name, u.bio, u.role, u.created_at, u.updated_at,
			COALESCE(sub.tier, 'free')
		FROM users u
		LEFT JOIN subscriptions sub ON sub.user_id = u.id
		ORDER BY u.id DESC
		LIMIT $1 OFFSET $2`, pageSize, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var users []AdminUser
	for rows.Next() {
		var u AdminUser
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.DisplayName, &u.Bio, &u.Role, &u.CreatedAt, &u.UpdatedAt, &u.Tier); err != nil {
			return nil, 0, err
		}
		users = append(users, u)
	}
	return users, total, rows.Err()
}

func generateKey() (raw, prefix, hash string, err error) {
	buf := make([]byte, 32)
	if _, err = rand.Read(buf); err != nil {
		return "", "", "", err
	}
	raw = hex.EncodeToString(buf)
	prefix = raw[:6]
	sum := sha256.Sum256([]byte(raw))
	hash = hex.EncodeToString(sum[:])
	return raw, prefix, hash, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

// ProfileStore implements domain.ProfileStore using PostgreSQL.
type ProfileStore struct {
	pool *pgxpool.Pool
}

// NewProfileStore creates a new ProfileStore backed by the given pool.
func NewProfileStore(pool *pgxpool.Pool) *ProfileStore {
	return &ProfileStore{pool: pool}
}

// UpdateAvatar points a profile at its processed avatar.
func (s *ProfileStore) UpdateAvatar(ctx context.Context, userID string, path string) error {
	const query = `
		INSERT INTO profiles (user_id, avatar_path, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET avatar_path = EXCLUDED.avatar_path, updated_at = NOW()`

	if _, err := s.pool.Exec(ctx, query, userID, path); err != nil {
		return fmt.Errorf("postgres: update avatar of %s: %w", userID, err)
	}
	return nil
}

var _ domain.ProfileStore = (*ProfileStore)(nil)

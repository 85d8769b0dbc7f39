package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"reelstream/internal/models"
)

// Snapshot is a point-in-time export of the JSON datastore. It carries the
// raw records including password hashes so a migration reproduces accounts
// exactly.
type Snapshot struct {
	Users  []models.User
	Videos []models.Video
}

// SnapshotCounts summarises a snapshot for logging and verification.
type SnapshotCounts struct {
	Users      int
	Videos     int
	Renditions int
}

// Counts tallies the records held by the snapshot.
func (s Snapshot) Counts() SnapshotCounts {
	counts := SnapshotCounts{Users: len(s.Users), Videos: len(s.Videos)}
	for _, video := range s.Videos {
		counts.Renditions += len(video.Renditions)
	}
	return counts
}

// LoadSnapshotFromJSON reads the JSON datastore file at path without taking
// ownership of it. Records are returned in a stable order.
func LoadSnapshotFromJSON(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read store file: %w", err)
	}
	var decoded dataset
	if err := json.Unmarshal(data, &decoded); err != nil {
		return Snapshot{}, fmt.Errorf("decode store file: %w", err)
	}

	snapshot := Snapshot{
		Users:  make([]models.User, 0, len(decoded.Users)),
		Videos: make([]models.Video, 0, len(decoded.Videos)),
	}
	for _, user := range decoded.Users {
		snapshot.Users = append(snapshot.Users, user)
	}
	for _, video := range decoded.Videos {
		snapshot.Videos = append(snapshot.Videos, video)
	}
	sort.Slice(snapshot.Users, func(i, j int) bool { return snapshot.Users[i].ID < snapshot.Users[j].ID })
	sort.Slice(snapshot.Videos, func(i, j int) bool { return snapshot.Videos[i].ID < snapshot.Videos[j].ID })
	return snapshot, nil
}

// ImportSnapshotToPostgres writes the snapshot into the Postgres-backed
// repository, preserving record IDs, timestamps, and password hashes. Existing
// rows with the same ID are overwritten so a failed migration can be rerun.
func ImportSnapshotToPostgres(ctx context.Context, repo Repository, snapshot Snapshot) error {
	pg, ok := repo.(*postgresRepository)
	if !ok {
		return fmt.Errorf("repository is not postgres-backed")
	}
	return pg.importSnapshot(ctx, snapshot)
}

func (r *postgresRepository) importSnapshot(ctx context.Context, snapshot Snapshot) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin import: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, user := range snapshot.Users {
		rolesJSON, err := json.Marshal(normalizeRoles(user.Roles))
		if err != nil {
			return fmt.Errorf("encode roles for user %s: %w", user.ID, err)
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO users (id, email, display_name, password_hash, roles, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE
SET email = EXCLUDED.email,
    display_name = EXCLUDED.display_name,
    password_hash = EXCLUDED.password_hash,
    roles = EXCLUDED.roles,
    created_at = EXCLUDED.created_at
`, user.ID, user.Email, user.DisplayName, user.PasswordHash, rolesJSON, user.CreatedAt); err != nil {
			return fmt.Errorf("import user %s: %w", user.ID, err)
		}
	}

	for _, video := range snapshot.Videos {
		renditions := video.Renditions
		if renditions == nil {
			renditions = map[string]models.Rendition{}
		}
		renditionsJSON, err := json.Marshal(renditions)
		if err != nil {
			return fmt.Errorf("encode renditions for video %s: %w", video.ID, err)
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO videos (id, title, description, category, source_path, thumbnail_path, renditions, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE
SET title = EXCLUDED.title,
    description = EXCLUDED.description,
    category = EXCLUDED.category,
    source_path = EXCLUDED.source_path,
    thumbnail_path = EXCLUDED.thumbnail_path,
    renditions = EXCLUDED.renditions,
    created_at = EXCLUDED.created_at
`, video.ID, video.Title, video.Description, video.Category, video.SourcePath,
			video.ThumbnailPath, renditionsJSON, video.CreatedAt); err != nil {
			return fmt.Errorf("import video %s: %w", video.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit import: %w", err)
	}
	return nil
}

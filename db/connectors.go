package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/neustream/chat-engine/chat"
)

// ConnectorStore implements chat.ConfigStore on top of Postgres. Access
// tokens are decrypted on read so connectors always see plaintext
// credentials.
type ConnectorStore struct {
	DB *sql.DB
}

const connectorColumns = `cc.id, cc.source_id, ss.user_id, cc.platform, COALESCE(cc.username,''), COALESCE(cc.display_name,''), COALESCE(cc.access_token,''), COALESCE(cc.token_version,0), COALESCE(cc.live_video_id,''), cc.is_active, cc.updated_at`

// ActiveBySource returns the active connector configs for one source.
func (s *ConnectorStore) ActiveBySource(ctx context.Context, sourceID int64) ([]chat.ConnectorConfig, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+connectorColumns+`
		FROM chat_connectors cc
		JOIN stream_sources ss ON cc.source_id = ss.id
		WHERE cc.source_id = $1 AND cc.is_active = true
		ORDER BY cc.id`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("query connectors for source %d: %w", sourceID, err)
	}
	return scanConnectors(rows)
}

// ActiveByUser returns a user's active connectors across all sources,
// most recently used first. The ordering is what the graceful-degradation
// policy keys on.
func (s *ConnectorStore) ActiveByUser(ctx context.Context, userID int64) ([]chat.ConnectorConfig, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+connectorColumns+`
		FROM chat_connectors cc
		JOIN stream_sources ss ON cc.source_id = ss.id
		WHERE ss.user_id = $1 AND cc.is_active = true
		ORDER BY cc.updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query connectors for user %d: %w", userID, err)
	}
	return scanConnectors(rows)
}

// MarkInactive clears the active flag for a connector config.
func (s *ConnectorStore) MarkInactive(ctx context.Context, connectorID int64) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE chat_connectors SET is_active=false, updated_at=NOW() WHERE id=$1`, connectorID)
	return err
}

// Upsert inserts or updates a connector config, encrypting the access token
// at rest. Used by the API layer boundary and by tests.
func (s *ConnectorStore) Upsert(ctx context.Context, cfg chat.ConnectorConfig) (int64, error) {
	stored, version, err := EncryptToken(cfg.AccessToken)
	if err != nil {
		return 0, err
	}
	if cfg.ID != 0 {
		_, err = s.DB.ExecContext(ctx, `UPDATE chat_connectors
			SET platform=$1, username=$2, display_name=$3, access_token=$4, token_version=$5, live_video_id=$6, is_active=$7, updated_at=NOW()
			WHERE id=$8`,
			string(cfg.Platform), cfg.Username, cfg.DisplayName, stored, version, cfg.LiveVideoID, cfg.Active, cfg.ID)
		return cfg.ID, err
	}
	var id int64
	err = s.DB.QueryRowContext(ctx, `INSERT INTO chat_connectors
		(source_id, platform, username, display_name, access_token, token_version, live_video_id, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`,
		cfg.SourceID, string(cfg.Platform), cfg.Username, cfg.DisplayName, stored, version, cfg.LiveVideoID, cfg.Active).Scan(&id)
	return id, err
}

func scanConnectors(rows *sql.Rows) ([]chat.ConnectorConfig, error) {
	defer func() { _ = rows.Close() }()
	var out []chat.ConnectorConfig
	for rows.Next() {
		var cfg chat.ConnectorConfig
		var platform, stored string
		var version int
		if err := rows.Scan(&cfg.ID, &cfg.SourceID, &cfg.UserID, &platform, &cfg.Username, &cfg.DisplayName, &stored, &version, &cfg.LiveVideoID, &cfg.Active, &cfg.UpdatedAt); err != nil {
			return nil, err
		}
		cfg.Platform = chat.Platform(platform)
		token, err := DecryptToken(stored, version)
		if err != nil {
			return nil, fmt.Errorf("decrypt token for connector %d: %w", cfg.ID, err)
		}
		cfg.AccessToken = token
		out = append(out, cfg)
	}
	return out, rows.Err()
}

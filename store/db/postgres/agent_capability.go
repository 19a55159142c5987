package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/taskmesh/taskmesh/store"
)

const capabilityColumns = "agent_id, capabilities, success_rate, total_completed, total_failed, updated_at"

func scanCapabilityProfile(row rowScanner) (*store.CapabilityProfile, error) {
	var profile store.CapabilityProfile
	var capabilities, successRate, updatedAt string
	if err := row.Scan(
		&profile.AgentID,
		&capabilities,
		&successRate,
		&profile.TotalCompleted,
		&profile.TotalFailed,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(capabilities), &profile.Capabilities); err != nil {
		profile.Capabilities = map[string]float64{}
	}
	if err := json.Unmarshal([]byte(successRate), &profile.SuccessRate); err != nil {
		profile.SuccessRate = map[string]float64{}
	}
	profile.UpdatedAt = parseTime(updatedAt)
	return &profile, nil
}

func (db *DB) UpsertCapabilityProfile(ctx context.Context, upsert *store.UpsertCapabilityProfile) (*store.CapabilityProfile, error) {
	query := `
		INSERT INTO agent_capabilities (agent_id, capabilities, success_rate, total_completed, total_failed, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (agent_id) DO UPDATE SET
			capabilities = EXCLUDED.capabilities,
			success_rate = EXCLUDED.success_rate,
			total_completed = EXCLUDED.total_completed,
			total_failed = EXCLUDED.total_failed,
			updated_at = EXCLUDED.updated_at
		RETURNING ` + capabilityColumns
	profile, err := scanCapabilityProfile(db.db.QueryRowContext(ctx, query,
		upsert.AgentID,
		marshalJSONColumn(upsert.Capabilities, "{}"),
		marshalJSONColumn(upsert.SuccessRate, "{}"),
		upsert.TotalCompleted,
		upsert.TotalFailed,
		formatTime(time.Now()),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert capability profile: %w", err)
	}
	return profile, nil
}

func (db *DB) GetCapabilityProfile(ctx context.Context, agentID string) (*store.CapabilityProfile, error) {
	query := "SELECT " + capabilityColumns + " FROM agent_capabilities WHERE agent_id = $1"
	profile, err := scanCapabilityProfile(db.db.QueryRowContext(ctx, query, agentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get capability profile: %w", err)
	}
	return profile, nil
}

func (db *DB) ListCapabilityProfiles(ctx context.Context) ([]*store.CapabilityProfile, error) {
	query := "SELECT " + capabilityColumns + " FROM agent_capabilities ORDER BY agent_id ASC"
	rows, err := db.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list capability profiles: %w", err)
	}
	defer rows.Close()

	var profiles []*store.CapabilityProfile
	for rows.Next() {
		profile, err := scanCapabilityProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan capability profile: %w", err)
		}
		profiles = append(profiles, profile)
	}
	return profiles, rows.Err()
}

func (db *DB) DeleteAllCapabilityProfiles(ctx context.Context) error {
	if _, err := db.db.ExecContext(ctx, "DELETE FROM agent_capabilities"); err != nil {
		return fmt.Errorf("failed to delete capability profiles: %w", err)
	}
	return nil
}

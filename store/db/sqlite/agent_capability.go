package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

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

func (d *DB) UpsertCapabilityProfile(ctx context.Context, upsert *store.UpsertCapabilityProfile) (*store.CapabilityProfile, error) {
	stmt := `
		INSERT INTO agent_capabilities (agent_id, capabilities, success_rate, total_completed, total_failed, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (agent_id) DO UPDATE SET
			capabilities = excluded.capabilities,
			success_rate = excluded.success_rate,
			total_completed = excluded.total_completed,
			total_failed = excluded.total_failed,
			updated_at = excluded.updated_at
		RETURNING ` + capabilityColumns
	profile, err := scanCapabilityProfile(d.db.QueryRowContext(ctx, stmt,
		upsert.AgentID,
		marshalJSONColumn(upsert.Capabilities, "{}"),
		marshalJSONColumn(upsert.SuccessRate, "{}"),
		upsert.TotalCompleted,
		upsert.TotalFailed,
		formatTime(time.Now()),
	))
	if err != nil {
		return nil, errors.Wrap(err, "failed to upsert capability profile")
	}
	return profile, nil
}

func (d *DB) GetCapabilityProfile(ctx context.Context, agentID string) (*store.CapabilityProfile, error) {
	query := "SELECT " + capabilityColumns + " FROM agent_capabilities WHERE agent_id = ?"
	profile, err := scanCapabilityProfile(d.db.QueryRowContext(ctx, query, agentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to get capability profile")
	}
	return profile, nil
}

func (d *DB) ListCapabilityProfiles(ctx context.Context) ([]*store.CapabilityProfile, error) {
	query := "SELECT " + capabilityColumns + " FROM agent_capabilities ORDER BY agent_id ASC"
	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list capability profiles")
	}
	defer rows.Close()

	var profiles []*store.CapabilityProfile
	for rows.Next() {
		profile, err := scanCapabilityProfile(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan capability profile")
		}
		profiles = append(profiles, profile)
	}
	return profiles, rows.Err()
}

func (d *DB) DeleteAllCapabilityProfiles(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, "DELETE FROM agent_capabilities"); err != nil {
		return errors.Wrap(err, "failed to delete capability profiles")
	}
	return nil
}

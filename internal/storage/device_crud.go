package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// SaveDevice inserts or updates a simulated device.
func (p *PostgresClient) SaveDevice(ctx context.Context, d SimulatedDevice) (uuid.UUID, error) {
	var id uuid.UUID
	err := p.pool.QueryRow(ctx, `
		INSERT INTO simulated_devices (tenant, device_id, protocol, endpoint, gateway_token, poll_delay)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant, device_id)
		DO UPDATE SET
			protocol = EXCLUDED.protocol,
			endpoint = EXCLUDED.endpoint,
			gateway_token = EXCLUDED.gateway_token,
			poll_delay = EXCLUDED.poll_delay,
			updated_at = NOW()
		RETURNING id
	`, d.Tenant, d.DeviceID, d.Protocol, d.Endpoint, d.GatewayToken, d.PollDelay).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to upsert device: %w", err)
	}
	return id, nil
}

// SaveDevices stores a whole fleet in one transaction.
func (p *PostgresClient) SaveDevices(ctx context.Context, devices []SimulatedDevice) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, d := range devices {
		batch.Queue(`
			INSERT INTO simulated_devices (tenant, device_id, protocol, endpoint, gateway_token, poll_delay)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (tenant, device_id)
			DO UPDATE SET
				protocol = EXCLUDED.protocol,
				endpoint = EXCLUDED.endpoint,
				gateway_token = EXCLUDED.gateway_token,
				poll_delay = EXCLUDED.poll_delay,
				updated_at = NOW()
		`, d.Tenant, d.DeviceID, d.Protocol, d.Endpoint, d.GatewayToken, d.PollDelay)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to save devices: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LoadDevices returns all stored devices.
func (p *PostgresClient) LoadDevices(ctx context.Context) ([]SimulatedDevice, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, tenant, device_id, protocol, endpoint, gateway_token, poll_delay, created_at, updated_at
		FROM simulated_devices
		ORDER BY tenant, device_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	devices := make([]SimulatedDevice, 0)
	for rows.Next() {
		var d SimulatedDevice
		if err := rows.Scan(&d.ID, &d.Tenant, &d.DeviceID, &d.Protocol, &d.Endpoint,
			&d.GatewayToken, &d.PollDelay, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read devices: %w", err)
	}

	return devices, nil
}

// DeleteDevice removes a device. It returns pgx.ErrNoRows if nothing was
// stored for it.
func (p *PostgresClient) DeleteDevice(ctx context.Context, tenant, deviceID string) error {
	result, err := p.pool.Exec(ctx, `
		DELETE FROM simulated_devices
		WHERE tenant = $1 AND device_id = $2
	`, tenant, deviceID)
	if err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}

	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (p *PostgresClient) DeleteAllDevices(ctx context.Context) (int64, error) {
	result, err := p.pool.Exec(ctx, `DELETE FROM simulated_devices`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete devices: %w", err)
	}
	return result.RowsAffected(), nil
}

// RecordFeedback appends one status report to the journal.
func (p *PostgresClient) RecordFeedback(ctx context.Context, r FeedbackRecord) error {
	messages, err := json.Marshal(r.Messages)
	if err != nil {
		return fmt.Errorf("failed to marshal messages: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO action_feedback (id, tenant, device_id, action_id, action_type, status, messages, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, r.ID, r.Tenant, r.DeviceID, int64(r.ActionID), r.ActionType, r.Status, messages, r.RecordedAt)
	if err != nil {
		return fmt.Errorf("failed to insert feedback: %w", err)
	}
	return nil
}

// ListFeedback returns the most recent reports for a device, newest first.
func (p *PostgresClient) ListFeedback(ctx context.Context, tenant, deviceID string, limit int) ([]FeedbackRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, tenant, device_id, action_id, action_type, status, messages, recorded_at
		FROM action_feedback
		WHERE tenant = $1 AND device_id = $2
		ORDER BY recorded_at DESC
		LIMIT $3
	`, tenant, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query feedback: %w", err)
	}
	defer rows.Close()

	records := make([]FeedbackRecord, 0)
	for rows.Next() {
		var (
			r        FeedbackRecord
			actionID int64
			messages []byte
		)
		if err := rows.Scan(&r.ID, &r.Tenant, &r.DeviceID, &actionID, &r.ActionType, &r.Status, &messages, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan feedback: %w", err)
		}
		r.ActionID = uint64(actionID)
		if err := json.Unmarshal(messages, &r.Messages); err != nil {
			return nil, fmt.Errorf("failed to unmarshal messages: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read feedback: %w", err)
	}
	return records, nil
}

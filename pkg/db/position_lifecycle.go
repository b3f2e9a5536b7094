package db

import (
	"context"
	"database/sql"
	"time"
)

// PositionLifecycle is the persisted row backing a Position Lifecycle Engine
// position, restored on startup so an open position survives a restart.
type PositionLifecycle struct {
	PositionID            string
	Instrument            string
	SourceTag             string
	Status                string
	EntryPrice            float64
	QtyOpen               float64
	QtyClosed             float64
	StopOrderID           string
	MFE                   float64
	MAE                   float64
	ExpectedReturnAtEntry float64
	PWinAtEntry           float64
	EVModelVersion        string
	ConfidenceLevel       string
	ExitReasonCode        string
	OpenedAt              time.Time
	ClosedAt              sql.NullTime
}

// UpsertPositionLifecycle inserts or replaces a position_lifecycle row.
func (d *Database) UpsertPositionLifecycle(ctx context.Context, p PositionLifecycle) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO position_lifecycle
			(position_id, instrument, source_tag, status, entry_price, qty_open, qty_closed,
			 stop_order_id, mfe, mae, expected_return_at_entry, p_win_at_entry, ev_model_version,
			 confidence_level, exit_reason_code, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(position_id) DO UPDATE SET
			status = excluded.status,
			qty_open = excluded.qty_open,
			qty_closed = excluded.qty_closed,
			stop_order_id = excluded.stop_order_id,
			mfe = excluded.mfe,
			mae = excluded.mae,
			exit_reason_code = excluded.exit_reason_code,
			closed_at = excluded.closed_at
	`,
		p.PositionID, p.Instrument, p.SourceTag, p.Status, p.EntryPrice, p.QtyOpen, p.QtyClosed,
		p.StopOrderID, p.MFE, p.MAE, p.ExpectedReturnAtEntry, p.PWinAtEntry, p.EVModelVersion,
		p.ConfidenceLevel, p.ExitReasonCode, p.OpenedAt, p.ClosedAt,
	)
	return err
}

// ListOpenPositionLifecycles loads every position not yet Closed, for
// rehydration into a fresh Position Lifecycle Engine on startup.
func (d *Database) ListOpenPositionLifecycles(ctx context.Context) ([]PositionLifecycle, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT position_id, instrument, source_tag, status, entry_price, qty_open, qty_closed,
		       COALESCE(stop_order_id, ''), mfe, mae, expected_return_at_entry, p_win_at_entry,
		       COALESCE(ev_model_version, ''), COALESCE(confidence_level, ''),
		       COALESCE(exit_reason_code, ''), opened_at, closed_at
		FROM position_lifecycle
		WHERE status != 'Closed'
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PositionLifecycle
	for rows.Next() {
		var p PositionLifecycle
		if err := rows.Scan(
			&p.PositionID, &p.Instrument, &p.SourceTag, &p.Status, &p.EntryPrice, &p.QtyOpen, &p.QtyClosed,
			&p.StopOrderID, &p.MFE, &p.MAE, &p.ExpectedReturnAtEntry, &p.PWinAtEntry,
			&p.EVModelVersion, &p.ConfidenceLevel, &p.ExitReasonCode, &p.OpenedAt, &p.ClosedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

package strategy

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// ForkOnEdit implements the immutable-strategy-profile requirement: any
// parameter edit creates a new strategy_instances row at version+1 rather
// than mutating the live row, so orders and stats already attributed to the
// prior version are never rewritten underneath it. It returns the new row's
// id and version.
func ForkOnEdit(db *sql.DB, id string, newParamsJSON []byte) (newID string, newVersion int, err error) {
	var name, strategyType, symbol, interval, userID, connectionID string
	var version int
	row := db.QueryRow(`
		SELECT name, strategy_type, symbol, interval, COALESCE(user_id, ''), COALESCE(connection_id, ''), COALESCE(version, 1)
		FROM strategy_instances WHERE id = ?`, id)
	if err := row.Scan(&name, &strategyType, &symbol, &interval, &userID, &connectionID, &version); err != nil {
		return "", 0, fmt.Errorf("fork strategy %s: %w", id, err)
	}

	newID = uuid.NewString()
	newVersion = version + 1

	tx, err := db.Begin()
	if err != nil {
		return "", 0, fmt.Errorf("fork strategy %s: begin tx: %w", id, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO strategy_instances
			(id, name, strategy_type, symbol, interval, parameters, user_id, connection_id,
			 is_active, status, version, parent_instance_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, 'ACTIVE', ?, ?)
	`, newID, name, strategyType, symbol, interval, string(newParamsJSON), nullIfEmpty(userID), nullIfEmpty(connectionID), newVersion, id); err != nil {
		return "", 0, fmt.Errorf("fork strategy %s: insert new version: %w", id, err)
	}

	if _, err := tx.Exec(`
		UPDATE strategy_instances SET status = 'SUPERSEDED', is_active = 0 WHERE id = ?
	`, id); err != nil {
		return "", 0, fmt.Errorf("fork strategy %s: retire prior version: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return "", 0, fmt.Errorf("fork strategy %s: commit: %w", id, err)
	}

	return newID, newVersion, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

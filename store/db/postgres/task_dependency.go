package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/taskmesh/taskmesh/store"
)

func (db *DB) AddTaskDependencies(ctx context.Context, taskID string, depIDs []string) (*store.Task, error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	exists, err := taskExistsTx(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("task %s: %w", taskID, store.ErrUnknownTask)
	}

	inserted, err := insertEdgesTx(ctx, tx, taskID, depIDs)
	if err != nil {
		return nil, err
	}

	if inserted > 0 {
		incomplete, err := hasIncompleteDepsTx(ctx, tx, taskID)
		if err != nil {
			return nil, err
		}
		if incomplete {
			result, err := tx.ExecContext(ctx,
				"UPDATE tasks SET version = version + 1, updated_at = $1, status = 'blocked' WHERE id = $2 AND status = 'pending'",
				formatTime(time.Now()), taskID)
			if err != nil {
				return nil, fmt.Errorf("failed to block task: %w", err)
			}
			if n, _ := result.RowsAffected(); n == 0 {
				if _, err := tx.ExecContext(ctx,
					"UPDATE tasks SET version = version + 1, updated_at = $1 WHERE id = $2",
					formatTime(time.Now()), taskID); err != nil {
					return nil, fmt.Errorf("failed to bump task version: %w", err)
				}
			}
		} else {
			if _, err := tx.ExecContext(ctx,
				"UPDATE tasks SET version = version + 1, updated_at = $1 WHERE id = $2",
				formatTime(time.Now()), taskID); err != nil {
				return nil, fmt.Errorf("failed to bump task version: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return db.GetTask(ctx, taskID)
}

func (db *DB) ListDependents(ctx context.Context, taskID string) ([]*store.Task, error) {
	query := "SELECT " + taskColumns + ` FROM tasks
		WHERE id IN (SELECT task_id FROM task_dependencies WHERE depends_on_id = $1)
		ORDER BY priority ASC, created_at ASC`
	rows, err := db.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependents: %w", err)
	}
	defer rows.Close()

	var tasks []*store.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := db.loadDependencies(ctx, tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (db *DB) HasIncompleteDependencies(ctx context.Context, taskID string) (bool, error) {
	stmt := `
		SELECT EXISTS (
			SELECT 1 FROM task_dependencies d
			INNER JOIN tasks t ON t.id = d.depends_on_id
			WHERE d.task_id = $1 AND t.status != 'completed'
		)
	`
	var incomplete bool
	if err := db.db.QueryRowContext(ctx, stmt, taskID).Scan(&incomplete); err != nil {
		return false, fmt.Errorf("failed to check dependency completion: %w", err)
	}
	return incomplete, nil
}

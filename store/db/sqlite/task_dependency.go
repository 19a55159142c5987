package sqlite

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/taskmesh/taskmesh/store"
)

// AddTaskDependencies appends edges for taskID inside one transaction.
// Duplicate edges are ignored. When at least one new edge lands, the task
// version is bumped, and a pending task with a now-incomplete dependency
// set transitions to blocked. Returns the fresh task row.
func (d *DB) AddTaskDependencies(ctx context.Context, taskID string, depIDs []string) (*store.Task, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	exists, err := taskExistsTx(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.Wrapf(store.ErrUnknownTask, "task %s", taskID)
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
		stmt := "UPDATE tasks SET version = version + 1, updated_at = ? WHERE id = ?"
		if incomplete {
			stmt = "UPDATE tasks SET version = version + 1, updated_at = ?, status = 'blocked' WHERE id = ? AND status = 'pending'"
			result, err := tx.ExecContext(ctx, stmt, formatTime(time.Now()), taskID)
			if err != nil {
				return nil, errors.Wrap(err, "failed to block task")
			}
			if n, _ := result.RowsAffected(); n == 0 {
				// Already blocked or past pending; still record the edge write.
				if _, err := tx.ExecContext(ctx, "UPDATE tasks SET version = version + 1, updated_at = ? WHERE id = ?", formatTime(time.Now()), taskID); err != nil {
					return nil, errors.Wrap(err, "failed to bump task version")
				}
			}
		} else {
			if _, err := tx.ExecContext(ctx, stmt, formatTime(time.Now()), taskID); err != nil {
				return nil, errors.Wrap(err, "failed to bump task version")
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit transaction")
	}
	return d.GetTask(ctx, taskID)
}

// ListDependents returns the tasks that declare a dependency on taskID.
func (d *DB) ListDependents(ctx context.Context, taskID string) ([]*store.Task, error) {
	query := "SELECT " + taskColumns + ` FROM tasks
		WHERE id IN (SELECT task_id FROM task_dependencies WHERE depends_on_id = ?)
		ORDER BY priority ASC, created_at ASC`
	rows, err := d.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list dependents")
	}
	defer rows.Close()

	var tasks []*store.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan task")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := d.loadDependencies(ctx, tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// HasIncompleteDependencies reports whether any dependency of taskID has
// not reached completed.
func (d *DB) HasIncompleteDependencies(ctx context.Context, taskID string) (bool, error) {
	stmt := `
		SELECT EXISTS (
			SELECT 1 FROM task_dependencies d
			INNER JOIN tasks t ON t.id = d.depends_on_id
			WHERE d.task_id = ? AND t.status != 'completed'
		)
	`
	var incomplete bool
	if err := d.db.QueryRowContext(ctx, stmt, taskID).Scan(&incomplete); err != nil {
		return false, errors.Wrap(err, "failed to check dependency completion")
	}
	return incomplete, nil
}

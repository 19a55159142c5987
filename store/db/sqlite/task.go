package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/taskmesh/taskmesh/store"
)

const taskColumns = `id, title, description, status, priority, owner_agent_id, parent_task_id,
	input, expected_output, acceptance_criteria, required_capabilities,
	version, retry_count, max_retries, timeout_ms, error_message,
	created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*store.Task, error) {
	var task store.Task
	var owner, parent, errMsg, completedAt sql.NullString
	var input, expectedOutput, requiredCaps string
	var createdAt, updatedAt string
	if err := row.Scan(
		&task.ID,
		&task.Title,
		&task.Description,
		&task.Status,
		&task.Priority,
		&owner,
		&parent,
		&input,
		&expectedOutput,
		&task.AcceptanceCriteria,
		&requiredCaps,
		&task.Version,
		&task.RetryCount,
		&task.MaxRetries,
		&task.TimeoutMs,
		&errMsg,
		&createdAt,
		&updatedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}
	if owner.Valid {
		task.OwnerAgentID = &owner.String
	}
	if parent.Valid {
		task.ParentTaskID = &parent.String
	}
	if errMsg.Valid {
		task.ErrorMessage = &errMsg.String
	}
	task.Input = json.RawMessage(input)
	task.ExpectedOutput = json.RawMessage(expectedOutput)
	if err := json.Unmarshal([]byte(requiredCaps), &task.RequiredCapabilities); err != nil {
		task.RequiredCapabilities = nil
	}
	task.CreatedAt = parseTime(createdAt)
	task.UpdatedAt = parseTime(updatedAt)
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		task.CompletedAt = &t
	}
	return &task, nil
}

// loadDependencies fills DependsOn for each task from the edge table.
func (d *DB) loadDependencies(ctx context.Context, tasks []*store.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	byID := make(map[string]*store.Task, len(tasks))
	args := make([]any, 0, len(tasks))
	for _, task := range tasks {
		byID[task.ID] = task
		args = append(args, task.ID)
	}

	query := `SELECT task_id, depends_on_id FROM task_dependencies WHERE task_id IN (` + placeholders(len(args)) + `) ORDER BY depends_on_id`
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, "failed to list task dependencies")
	}
	defer rows.Close()

	for rows.Next() {
		var taskID, dependsOnID string
		if err := rows.Scan(&taskID, &dependsOnID); err != nil {
			return errors.Wrap(err, "failed to scan task dependency")
		}
		if task, ok := byID[taskID]; ok {
			task.DependsOn = append(task.DependsOn, dependsOnID)
		}
	}
	return rows.Err()
}

// insertTaskTx inserts the bare task row in pending state. Dependency edges
// and the derived blocked status are handled by the caller inside the same
// transaction.
func insertTaskTx(ctx context.Context, tx *sql.Tx, create *store.CreateTask, now time.Time) error {
	stmt := `
		INSERT INTO tasks (
			id, title, description, status, priority, parent_task_id,
			input, expected_output, acceptance_criteria, required_capabilities,
			version, retry_count, max_retries, timeout_ms, created_at, updated_at
		)
		VALUES (?, ?, ?, 'pending', ?, ?, ?, ?, ?, ?, 1, 0, ?, ?, ?, ?)
	`
	var parent any
	if create.ParentTaskID != nil {
		parent = *create.ParentTaskID
	}
	_, err := tx.ExecContext(ctx, stmt,
		create.ID,
		create.Title,
		create.Description,
		create.Priority,
		parent,
		marshalJSONColumn(create.Input, "{}"),
		marshalJSONColumn(create.ExpectedOutput, "{}"),
		create.AcceptanceCriteria,
		marshalJSONColumn(create.RequiredCapabilities, "[]"),
		create.MaxRetries,
		create.TimeoutMs,
		formatTime(now),
		formatTime(now),
	)
	if err != nil {
		return errors.Wrap(err, "failed to insert task")
	}
	return nil
}

// wouldCycleTx walks outgoing dependency edges from depID. Reaching taskID
// means the proposed edge taskID -> depID closes a cycle. Existing edges
// form a DAG, so the walk terminates.
func wouldCycleTx(ctx context.Context, tx *sql.Tx, taskID, depID string) (bool, error) {
	if taskID == depID {
		return true, nil
	}
	stmt := `
		WITH RECURSIVE reach (id) AS (
			SELECT depends_on_id FROM task_dependencies WHERE task_id = ?
			UNION
			SELECT d.depends_on_id FROM task_dependencies d INNER JOIN reach r ON d.task_id = r.id
		)
		SELECT EXISTS (SELECT 1 FROM reach WHERE id = ?)
	`
	var cyclic bool
	if err := tx.QueryRowContext(ctx, stmt, depID, taskID).Scan(&cyclic); err != nil {
		return false, errors.Wrap(err, "failed to run cycle check")
	}
	return cyclic, nil
}

func taskExistsTx(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var exists bool
	if err := tx.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM tasks WHERE id = ?)", id).Scan(&exists); err != nil {
		return false, errors.Wrap(err, "failed to check task existence")
	}
	return exists, nil
}

// insertEdgesTx appends edges taskID -> dep for each dep, ignoring
// duplicates, rejecting unknown endpoints and cycles. Returns how many new
// edges were inserted.
func insertEdgesTx(ctx context.Context, tx *sql.Tx, taskID string, depIDs []string) (int64, error) {
	var inserted int64
	for _, depID := range depIDs {
		exists, err := taskExistsTx(ctx, tx, depID)
		if err != nil {
			return 0, err
		}
		if !exists {
			return 0, errors.Wrapf(store.ErrUnknownTask, "dependency %s", depID)
		}
		cyclic, err := wouldCycleTx(ctx, tx, taskID, depID)
		if err != nil {
			return 0, err
		}
		if cyclic {
			return 0, errors.Wrapf(store.ErrDependencyCycle, "edge %s -> %s", taskID, depID)
		}
		result, err := tx.ExecContext(ctx,
			"INSERT INTO task_dependencies (task_id, depends_on_id) VALUES (?, ?) ON CONFLICT DO NOTHING",
			taskID, depID)
		if err != nil {
			return 0, errors.Wrap(err, "failed to insert task dependency")
		}
		if n, err := result.RowsAffected(); err == nil {
			inserted += n
		}
	}
	return inserted, nil
}

func hasIncompleteDepsTx(ctx context.Context, tx *sql.Tx, taskID string) (bool, error) {
	stmt := `
		SELECT EXISTS (
			SELECT 1 FROM task_dependencies d
			INNER JOIN tasks t ON t.id = d.depends_on_id
			WHERE d.task_id = ? AND t.status != 'completed'
		)
	`
	var incomplete bool
	if err := tx.QueryRowContext(ctx, stmt, taskID).Scan(&incomplete); err != nil {
		return false, errors.Wrap(err, "failed to check dependency completion")
	}
	return incomplete, nil
}

func (d *DB) CreateTask(ctx context.Context, create *store.CreateTask) (*store.Task, error) {
	tasks, err := d.CreateTaskBatch(ctx, []*store.CreateTask{create})
	if err != nil {
		return nil, err
	}
	return tasks[0], nil
}

// CreateTaskBatch inserts a group of tasks and their dependency edges in one
// transaction. Edges may reference tasks within the batch or preexisting
// ones. Any cycle or unknown endpoint rolls back the whole batch.
func (d *DB) CreateTaskBatch(ctx context.Context, creates []*store.CreateTask) ([]*store.Task, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	now := time.Now()
	for _, create := range creates {
		if err := insertTaskTx(ctx, tx, create, now); err != nil {
			return nil, err
		}
	}
	for _, create := range creates {
		if len(create.DependsOn) == 0 {
			continue
		}
		if _, err := insertEdgesTx(ctx, tx, create.ID, create.DependsOn); err != nil {
			return nil, err
		}
	}
	// Derive the initial status now that all edges are in place.
	for _, create := range creates {
		if len(create.DependsOn) == 0 {
			continue
		}
		incomplete, err := hasIncompleteDepsTx(ctx, tx, create.ID)
		if err != nil {
			return nil, err
		}
		if incomplete {
			if _, err := tx.ExecContext(ctx, "UPDATE tasks SET status = 'blocked' WHERE id = ?", create.ID); err != nil {
				return nil, errors.Wrap(err, "failed to mark task blocked")
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit transaction")
	}

	tasks := make([]*store.Task, 0, len(creates))
	for _, create := range creates {
		task, err := d.GetTask(ctx, create.ID)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (d *DB) GetTask(ctx context.Context, id string) (*store.Task, error) {
	query := "SELECT " + taskColumns + " FROM tasks WHERE id = ?"
	task, err := scanTask(d.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to get task")
	}
	if err := d.loadDependencies(ctx, []*store.Task{task}); err != nil {
		return nil, err
	}
	return task, nil
}

func (d *DB) ListTasks(ctx context.Context, find *store.FindTask) ([]*store.Task, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if len(find.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(find.Statuses))+")")
		for _, status := range find.Statuses {
			args = append(args, string(status))
		}
	}
	if find.OwnerAgentID != nil {
		where, args = append(where, "owner_agent_id = ?"), append(args, *find.OwnerAgentID)
	}
	if find.Unowned {
		where = append(where, "owner_agent_id IS NULL")
	}
	if find.ParentTaskID != nil {
		where, args = append(where, "parent_task_id = ?"), append(args, *find.ParentTaskID)
	}
	if find.UnblockedOnly {
		where = append(where, `NOT EXISTS (
			SELECT 1 FROM task_dependencies d
			INNER JOIN tasks dep ON dep.id = d.depends_on_id
			WHERE d.task_id = tasks.id AND dep.status != 'completed'
		)`)
	}

	query := "SELECT " + taskColumns + " FROM tasks WHERE " + strings.Join(where, " AND ") +
		" ORDER BY priority ASC, created_at ASC"

	limit := 100
	if find.Limit != nil {
		limit = *find.Limit
	}
	query += " LIMIT ?"
	args = append(args, limit)
	if find.Offset != nil {
		query += " OFFSET ?"
		args = append(args, *find.Offset)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tasks")
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

// UpdateTask applies a version-guarded mutation. A stale version or a
// status outside FromStatuses leaves the row untouched and returns false.
func (d *DB) UpdateTask(ctx context.Context, update *store.UpdateTask) (bool, error) {
	set := []string{"version = version + 1", "updated_at = ?"}
	args := []any{formatTime(time.Now())}

	if update.Status != nil {
		set, args = append(set, "status = ?"), append(args, string(*update.Status))
	}
	if update.ClearOwner {
		set = append(set, "owner_agent_id = NULL")
	} else if update.OwnerAgentID != nil {
		set, args = append(set, "owner_agent_id = ?"), append(args, *update.OwnerAgentID)
	}
	if update.ClearError {
		set = append(set, "error_message = NULL")
	} else if update.ErrorMessage != nil {
		set, args = append(set, "error_message = ?"), append(args, *update.ErrorMessage)
	}
	if update.IncrementRetry {
		set = append(set, "retry_count = retry_count + 1")
	}
	if update.SetCompletedAt {
		set, args = append(set, "completed_at = ?"), append(args, formatTime(time.Now()))
	}

	where, whereArgs := []string{"id = ?", "version = ?"}, []any{update.ID, update.ExpectedVersion}
	if len(update.FromStatuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(update.FromStatuses))+")")
		for _, status := range update.FromStatuses {
			whereArgs = append(whereArgs, string(status))
		}
	}

	stmt := "UPDATE tasks SET " + strings.Join(set, ", ") + " WHERE " + strings.Join(where, " AND ")
	result, err := d.db.ExecContext(ctx, stmt, append(args, whereArgs...)...)
	if err != nil {
		return false, errors.Wrap(err, "failed to update task")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read affected rows")
	}
	return rows == 1, nil
}

func (d *DB) DeleteTask(ctx context.Context, id string) error {
	result, err := d.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return errors.Wrap(err, "failed to delete task")
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errors.Wrapf(store.ErrUnknownTask, "task %s", id)
	}
	return nil
}

func (d *DB) DeleteAllTasks(ctx context.Context) (int64, error) {
	result, err := d.db.ExecContext(ctx, "DELETE FROM tasks")
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete tasks")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read affected rows")
	}
	return rows, nil
}

func (d *DB) CountActiveTasks(ctx context.Context) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM tasks WHERE status NOT IN ('completed', 'cancelled')").Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count active tasks")
	}
	return count, nil
}

func (d *DB) CountTasksByStatus(ctx context.Context) (map[store.TaskStatus]int, error) {
	rows, err := d.db.QueryContext(ctx, "SELECT status, COUNT(1) FROM tasks GROUP BY status")
	if err != nil {
		return nil, errors.Wrap(err, "failed to count tasks by status")
	}
	defer rows.Close()

	counts := make(map[store.TaskStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, errors.Wrap(err, "failed to scan status count")
		}
		counts[store.TaskStatus(status)] = count
	}
	return counts, rows.Err()
}

// ResetTasksForAgent reverts every assigned/running task owned by the agent
// to pending with no owner. Used when an external process terminates an
// agent.
func (d *DB) ResetTasksForAgent(ctx context.Context, agentID string) (int64, error) {
	stmt := `
		UPDATE tasks
		SET status = 'pending', owner_agent_id = NULL, version = version + 1, updated_at = ?
		WHERE owner_agent_id = ? AND status IN ('assigned', 'running')
	`
	result, err := d.db.ExecContext(ctx, stmt, formatTime(time.Now()), agentID)
	if err != nil {
		return 0, errors.Wrap(err, "failed to reset tasks for agent")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read affected rows")
	}
	return rows, nil
}

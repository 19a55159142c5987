package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

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

func (db *DB) loadDependencies(ctx context.Context, tasks []*store.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	byID := make(map[string]*store.Task, len(tasks))
	args := make([]any, 0, len(tasks))
	for _, task := range tasks {
		byID[task.ID] = task
		args = append(args, task.ID)
	}

	query := `SELECT task_id, depends_on_id FROM task_dependencies WHERE task_id IN (` +
		placeholderList(1, len(args)) + `) ORDER BY depends_on_id`
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to list task dependencies: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var taskID, dependsOnID string
		if err := rows.Scan(&taskID, &dependsOnID); err != nil {
			return fmt.Errorf("failed to scan task dependency: %w", err)
		}
		if task, ok := byID[taskID]; ok {
			task.DependsOn = append(task.DependsOn, dependsOnID)
		}
	}
	return rows.Err()
}

func insertTaskTx(ctx context.Context, tx *sql.Tx, create *store.CreateTask, now time.Time) error {
	stmt := `
		INSERT INTO tasks (
			id, title, description, status, priority, parent_task_id,
			input, expected_output, acceptance_criteria, required_capabilities,
			version, retry_count, max_retries, timeout_ms, created_at, updated_at
		)
		VALUES ($1, $2, $3, 'pending', $4, $5, $6, $7, $8, $9, 1, 0, $10, $11, $12, $13)
	`
	var parent any
	if create.ParentTaskID != nil {
		parent = *create.ParentTaskID
	}
	if _, err := tx.ExecContext(ctx, stmt,
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
	); err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

func wouldCycleTx(ctx context.Context, tx *sql.Tx, taskID, depID string) (bool, error) {
	if taskID == depID {
		return true, nil
	}
	stmt := `
		WITH RECURSIVE reach (id) AS (
			SELECT depends_on_id FROM task_dependencies WHERE task_id = $1
			UNION
			SELECT d.depends_on_id FROM task_dependencies d INNER JOIN reach r ON d.task_id = r.id
		)
		SELECT EXISTS (SELECT 1 FROM reach WHERE id = $2)
	`
	var cyclic bool
	if err := tx.QueryRowContext(ctx, stmt, depID, taskID).Scan(&cyclic); err != nil {
		return false, fmt.Errorf("failed to run cycle check: %w", err)
	}
	return cyclic, nil
}

func taskExistsTx(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var exists bool
	if err := tx.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)", id).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check task existence: %w", err)
	}
	return exists, nil
}

func insertEdgesTx(ctx context.Context, tx *sql.Tx, taskID string, depIDs []string) (int64, error) {
	var inserted int64
	for _, depID := range depIDs {
		exists, err := taskExistsTx(ctx, tx, depID)
		if err != nil {
			return 0, err
		}
		if !exists {
			return 0, fmt.Errorf("dependency %s: %w", depID, store.ErrUnknownTask)
		}
		cyclic, err := wouldCycleTx(ctx, tx, taskID, depID)
		if err != nil {
			return 0, err
		}
		if cyclic {
			return 0, fmt.Errorf("edge %s -> %s: %w", taskID, depID, store.ErrDependencyCycle)
		}
		result, err := tx.ExecContext(ctx,
			"INSERT INTO task_dependencies (task_id, depends_on_id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
			taskID, depID)
		if err != nil {
			return 0, fmt.Errorf("failed to insert task dependency: %w", err)
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
			WHERE d.task_id = $1 AND t.status != 'completed'
		)
	`
	var incomplete bool
	if err := tx.QueryRowContext(ctx, stmt, taskID).Scan(&incomplete); err != nil {
		return false, fmt.Errorf("failed to check dependency completion: %w", err)
	}
	return incomplete, nil
}

func (db *DB) CreateTask(ctx context.Context, create *store.CreateTask) (*store.Task, error) {
	tasks, err := db.CreateTaskBatch(ctx, []*store.CreateTask{create})
	if err != nil {
		return nil, err
	}
	return tasks[0], nil
}

func (db *DB) CreateTaskBatch(ctx context.Context, creates []*store.CreateTask) ([]*store.Task, error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
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
	for _, create := range creates {
		if len(create.DependsOn) == 0 {
			continue
		}
		incomplete, err := hasIncompleteDepsTx(ctx, tx, create.ID)
		if err != nil {
			return nil, err
		}
		if incomplete {
			if _, err := tx.ExecContext(ctx, "UPDATE tasks SET status = 'blocked' WHERE id = $1", create.ID); err != nil {
				return nil, fmt.Errorf("failed to mark task blocked: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	tasks := make([]*store.Task, 0, len(creates))
	for _, create := range creates {
		task, err := db.GetTask(ctx, create.ID)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (db *DB) GetTask(ctx context.Context, id string) (*store.Task, error) {
	query := "SELECT " + taskColumns + " FROM tasks WHERE id = $1"
	task, err := scanTask(db.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	if err := db.loadDependencies(ctx, []*store.Task{task}); err != nil {
		return nil, err
	}
	return task, nil
}

func (db *DB) ListTasks(ctx context.Context, find *store.FindTask) ([]*store.Task, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		args = append(args, *find.ID)
		where = append(where, fmt.Sprintf("id = $%d", len(args)))
	}
	if len(find.Statuses) > 0 {
		start := len(args) + 1
		for _, status := range find.Statuses {
			args = append(args, string(status))
		}
		where = append(where, "status IN ("+placeholderList(start, len(find.Statuses))+")")
	}
	if find.OwnerAgentID != nil {
		args = append(args, *find.OwnerAgentID)
		where = append(where, fmt.Sprintf("owner_agent_id = $%d", len(args)))
	}
	if find.Unowned {
		where = append(where, "owner_agent_id IS NULL")
	}
	if find.ParentTaskID != nil {
		args = append(args, *find.ParentTaskID)
		where = append(where, fmt.Sprintf("parent_task_id = $%d", len(args)))
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
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if find.Offset != nil {
		args = append(args, *find.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
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

func (db *DB) UpdateTask(ctx context.Context, update *store.UpdateTask) (bool, error) {
	set := []string{"version = version + 1"}
	args := []any{formatTime(time.Now())}
	set = append(set, "updated_at = $1")

	if update.Status != nil {
		args = append(args, string(*update.Status))
		set = append(set, fmt.Sprintf("status = $%d", len(args)))
	}
	if update.ClearOwner {
		set = append(set, "owner_agent_id = NULL")
	} else if update.OwnerAgentID != nil {
		args = append(args, *update.OwnerAgentID)
		set = append(set, fmt.Sprintf("owner_agent_id = $%d", len(args)))
	}
	if update.ClearError {
		set = append(set, "error_message = NULL")
	} else if update.ErrorMessage != nil {
		args = append(args, *update.ErrorMessage)
		set = append(set, fmt.Sprintf("error_message = $%d", len(args)))
	}
	if update.IncrementRetry {
		set = append(set, "retry_count = retry_count + 1")
	}
	if update.SetCompletedAt {
		args = append(args, formatTime(time.Now()))
		set = append(set, fmt.Sprintf("completed_at = $%d", len(args)))
	}

	args = append(args, update.ID)
	where := []string{fmt.Sprintf("id = $%d", len(args))}
	args = append(args, update.ExpectedVersion)
	where = append(where, fmt.Sprintf("version = $%d", len(args)))
	if len(update.FromStatuses) > 0 {
		start := len(args) + 1
		for _, status := range update.FromStatuses {
			args = append(args, string(status))
		}
		where = append(where, "status IN ("+placeholderList(start, len(update.FromStatuses))+")")
	}

	stmt := "UPDATE tasks SET " + strings.Join(set, ", ") + " WHERE " + strings.Join(where, " AND ")
	result, err := db.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update task: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return rows == 1, nil
}

func (db *DB) DeleteTask(ctx context.Context, id string) error {
	result, err := db.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("task %s: %w", id, store.ErrUnknownTask)
	}
	return nil
}

func (db *DB) DeleteAllTasks(ctx context.Context) (int64, error) {
	result, err := db.db.ExecContext(ctx, "DELETE FROM tasks")
	if err != nil {
		return 0, fmt.Errorf("failed to delete tasks: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return rows, nil
}

func (db *DB) CountActiveTasks(ctx context.Context) (int, error) {
	var count int
	err := db.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM tasks WHERE status NOT IN ('completed', 'cancelled')").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active tasks: %w", err)
	}
	return count, nil
}

func (db *DB) CountTasksByStatus(ctx context.Context) (map[store.TaskStatus]int, error) {
	rows, err := db.db.QueryContext(ctx, "SELECT status, COUNT(1) FROM tasks GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[store.TaskStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[store.TaskStatus(status)] = count
	}
	return counts, rows.Err()
}

func (db *DB) ResetTasksForAgent(ctx context.Context, agentID string) (int64, error) {
	stmt := `
		UPDATE tasks
		SET status = 'pending', owner_agent_id = NULL, version = version + 1, updated_at = $1
		WHERE owner_agent_id = $2 AND status IN ('assigned', 'running')
	`
	result, err := db.db.ExecContext(ctx, stmt, formatTime(time.Now()), agentID)
	if err != nil {
		return 0, fmt.Errorf("failed to reset tasks for agent: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return rows, nil
}

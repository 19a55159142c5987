package store

import (
	"context"
	"database/sql"

	"github.com/taskmesh/taskmesh/internal/profile"
)

// Driver is the contract every database backend implements. Compound
// operations (batch create, dependency append) run inside a single
// transaction owned by the driver; guarded updates report success through
// their boolean return, never through errors.
type Driver interface {
	GetDB() *sql.DB
	Close() error
	Migrate(ctx context.Context) error

	CreateTask(ctx context.Context, create *CreateTask) (*Task, error)
	CreateTaskBatch(ctx context.Context, creates []*CreateTask) ([]*Task, error)
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, find *FindTask) ([]*Task, error)
	UpdateTask(ctx context.Context, update *UpdateTask) (bool, error)
	DeleteTask(ctx context.Context, id string) error
	DeleteAllTasks(ctx context.Context) (int64, error)
	CountActiveTasks(ctx context.Context) (int, error)
	CountTasksByStatus(ctx context.Context) (map[TaskStatus]int, error)

	AddTaskDependencies(ctx context.Context, taskID string, depIDs []string) (*Task, error)
	ListDependents(ctx context.Context, taskID string) ([]*Task, error)
	HasIncompleteDependencies(ctx context.Context, taskID string) (bool, error)
	ResetTasksForAgent(ctx context.Context, agentID string) (int64, error)

	UpsertCapabilityProfile(ctx context.Context, upsert *UpsertCapabilityProfile) (*CapabilityProfile, error)
	GetCapabilityProfile(ctx context.Context, agentID string) (*CapabilityProfile, error)
	ListCapabilityProfiles(ctx context.Context) ([]*CapabilityProfile, error)
	DeleteAllCapabilityProfiles(ctx context.Context) error
}

// Store provides database access to all raw objects.
type Store struct {
	profile *profile.Profile
	driver  Driver
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		driver:  driver,
		profile: profile,
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Close() error {
	return s.driver.Close()
}

// Migrate brings the schema up to date. Safe to call on a preexisting file.
func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

func (s *Store) CreateTask(ctx context.Context, create *CreateTask) (*Task, error) {
	return s.driver.CreateTask(ctx, create)
}

func (s *Store) CreateTaskBatch(ctx context.Context, creates []*CreateTask) ([]*Task, error) {
	return s.driver.CreateTaskBatch(ctx, creates)
}

func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	return s.driver.GetTask(ctx, id)
}

func (s *Store) ListTasks(ctx context.Context, find *FindTask) ([]*Task, error) {
	return s.driver.ListTasks(ctx, find)
}

func (s *Store) UpdateTask(ctx context.Context, update *UpdateTask) (bool, error) {
	return s.driver.UpdateTask(ctx, update)
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return s.driver.DeleteTask(ctx, id)
}

func (s *Store) DeleteAllTasks(ctx context.Context) (int64, error) {
	return s.driver.DeleteAllTasks(ctx)
}

func (s *Store) CountActiveTasks(ctx context.Context) (int, error) {
	return s.driver.CountActiveTasks(ctx)
}

func (s *Store) CountTasksByStatus(ctx context.Context) (map[TaskStatus]int, error) {
	return s.driver.CountTasksByStatus(ctx)
}

func (s *Store) AddTaskDependencies(ctx context.Context, taskID string, depIDs []string) (*Task, error) {
	return s.driver.AddTaskDependencies(ctx, taskID, depIDs)
}

func (s *Store) ListDependents(ctx context.Context, taskID string) ([]*Task, error) {
	return s.driver.ListDependents(ctx, taskID)
}

func (s *Store) HasIncompleteDependencies(ctx context.Context, taskID string) (bool, error) {
	return s.driver.HasIncompleteDependencies(ctx, taskID)
}

func (s *Store) ResetTasksForAgent(ctx context.Context, agentID string) (int64, error) {
	return s.driver.ResetTasksForAgent(ctx, agentID)
}

func (s *Store) UpsertCapabilityProfile(ctx context.Context, upsert *UpsertCapabilityProfile) (*CapabilityProfile, error) {
	return s.driver.UpsertCapabilityProfile(ctx, upsert)
}

func (s *Store) GetCapabilityProfile(ctx context.Context, agentID string) (*CapabilityProfile, error) {
	return s.driver.GetCapabilityProfile(ctx, agentID)
}

func (s *Store) ListCapabilityProfiles(ctx context.Context) ([]*CapabilityProfile, error) {
	return s.driver.ListCapabilityProfiles(ctx)
}

func (s *Store) DeleteAllCapabilityProfiles(ctx context.Context) error {
	return s.driver.DeleteAllCapabilityProfiles(ctx)
}

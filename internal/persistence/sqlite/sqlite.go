// Package sqlite provides a single-node durable persistence.Port
// implementation over modernc.org/sqlite (pure Go, no cgo). Migrations run
// through goose; commit retries transient SQLITE_BUSY failures with
// exponential backoff, per SPEC_FULL.md §4.1.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/rlemke/agentflow/internal/afltypes"
	"github.com/rlemke/agentflow/internal/entities"
	"github.com/rlemke/agentflow/internal/persistence"
	"github.com/rlemke/agentflow/internal/states"
	"github.com/rlemke/agentflow/internal/step"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var _ persistence.Port = (*Backend)(nil)

// Backend is a SQLite-backed persistence.Port implementation.
type Backend struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path ("" or ":memory:" for an ephemeral
	// database, used by tests run against both backends).
	Path string

	// WAL enables Write-Ahead Logging for concurrent readers.
	WAL bool
}

// New opens (creating if absent) a SQLite-backed backend and runs pending
// migrations.
func New(cfg Config) (*Backend, error) {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite serializes writes; a single connection avoids SQLITE_BUSY
	// across goroutines within this process, matching the host's pattern.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	b := &Backend{db: db}
	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure pragmas: %w", err)
	}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return b, nil
}

func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := b.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("exec %s: %w", p, err)
		}
	}
	return nil
}

func (b *Backend) migrate() error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(b.db, "migrations")
}

// Close releases the underlying database handle.
func (b *Backend) Close() error { return b.db.Close() }

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalJSON[T any](raw string, out *T) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), out)
}

func formatTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

// --- Steps ---

func (b *Backend) scanStep(row interface {
	Scan(dest ...any) error
}) (*step.Definition, error) {
	var (
		id, objectType, workflowID, statementID, statementName                     string
		containerType, containerID, blockID, rootID, state, facetName              string
		attributesRaw, transitionRaw, versionRaw, foreachVar                       string
		foreachValueRaw                                                            sql.NullString
		startTime, lastModified                                                    sql.NullString
	)
	if err := row.Scan(&id, &objectType, &workflowID, &statementID, &statementName,
		&containerType, &containerID, &blockID, &rootID, &state, &facetName,
		&attributesRaw, &transitionRaw, &versionRaw, &foreachVar, &foreachValueRaw,
		&startTime, &lastModified); err != nil {
		return nil, err
	}

	s := &step.Definition{
		ID:            afltypes.StepId(id),
		ObjectType:    afltypes.ObjectType(objectType),
		WorkflowID:    afltypes.WorkflowId(workflowID),
		StatementID:   afltypes.StatementId(statementID),
		StatementName: statementName,
		ContainerType: afltypes.ObjectType(containerType),
		ContainerID:   afltypes.StepId(containerID),
		BlockID:       afltypes.BlockId(blockID),
		RootID:        afltypes.StepId(rootID),
		State:         states.StepState(state),
		FacetName:     facetName,
		ForeachVar:    foreachVar,
		StartTime:     parseTime(startTime),
		LastModified:  parseTime(lastModified),
	}
	if err := unmarshalJSON(attributesRaw, &s.Attributes); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(transitionRaw, &s.Transition); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(versionRaw, &s.Version); err != nil {
		return nil, err
	}
	if foreachValueRaw.Valid {
		if err := unmarshalJSON(foreachValueRaw.String, &s.ForeachValue); err != nil {
			return nil, err
		}
	}
	return s, nil
}

const stepColumns = `id, object_type, workflow_id, statement_id, statement_name,
	container_type, container_id, block_id, root_id, state, facet_name,
	attributes, transition, version, foreach_var, foreach_value,
	start_time, last_modified`

func (b *Backend) GetStep(ctx context.Context, id afltypes.StepId) (*step.Definition, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE id = ?`, string(id))
	s, err := b.scanStep(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

func (b *Backend) querySteps(ctx context.Context, where string, args ...any) ([]*step.Definition, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE `+where+` ORDER BY start_time, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*step.Definition
	for rows.Next() {
		s, err := b.scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (b *Backend) GetStepsByBlock(ctx context.Context, blockID afltypes.BlockId) ([]*step.Definition, error) {
	return b.querySteps(ctx, `block_id = ?`, string(blockID))
}

func (b *Backend) GetStepsByWorkflow(ctx context.Context, workflowID afltypes.WorkflowId) ([]*step.Definition, error) {
	return b.querySteps(ctx, `workflow_id = ?`, string(workflowID))
}

func (b *Backend) GetStepsByState(ctx context.Context, workflowID afltypes.WorkflowId, state states.StepState) ([]*step.Definition, error) {
	return b.querySteps(ctx, `workflow_id = ? AND state = ?`, string(workflowID), string(state))
}

func (b *Backend) GetStepsByContainer(ctx context.Context, containerID afltypes.StepId) ([]*step.Definition, error) {
	return b.querySteps(ctx, `container_id = ?`, string(containerID))
}

func (b *Backend) SaveStep(ctx context.Context, s *step.Definition) error {
	return b.saveStepTx(ctx, b.db, s)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (b *Backend) saveStepTx(ctx context.Context, ex execer, s *step.Definition) error {
	attributes, err := marshalJSON(s.Attributes)
	if err != nil {
		return err
	}
	transition, err := marshalJSON(s.Transition)
	if err != nil {
		return err
	}
	version, err := marshalJSON(s.Version)
	if err != nil {
		return err
	}
	var foreachValue sql.NullString
	if s.ForeachVar != "" {
		v, err := marshalJSON(s.ForeachValue)
		if err != nil {
			return err
		}
		foreachValue = sql.NullString{String: v, Valid: true}
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO steps (id, object_type, workflow_id, statement_id, statement_name,
			container_type, container_id, block_id, root_id, state, facet_name,
			attributes, transition, version, foreach_var, foreach_value,
			start_time, last_modified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			object_type=excluded.object_type, workflow_id=excluded.workflow_id,
			statement_id=excluded.statement_id, statement_name=excluded.statement_name,
			container_type=excluded.container_type, container_id=excluded.container_id,
			block_id=excluded.block_id, root_id=excluded.root_id, state=excluded.state,
			facet_name=excluded.facet_name, attributes=excluded.attributes,
			transition=excluded.transition, version=excluded.version,
			foreach_var=excluded.foreach_var, foreach_value=excluded.foreach_value,
			last_modified=excluded.last_modified`,
		string(s.ID), string(s.ObjectType), string(s.WorkflowID), string(s.StatementID), s.StatementName,
		string(s.ContainerType), string(s.ContainerID), string(s.BlockID), string(s.RootID), string(s.State), s.FacetName,
		attributes, transition, version, s.ForeachVar, foreachValue,
		formatTime(s.StartTime), formatTime(s.LastModified))
	return err
}

func (b *Backend) GetWorkflowRoot(ctx context.Context, workflowID afltypes.WorkflowId) (*step.Definition, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE workflow_id = ? AND id = root_id LIMIT 1`, string(workflowID))
	s, err := b.scanStep(row)
	if err == sql.ErrNoRows {
		row := b.db.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE workflow_id = ? AND container_id = '' AND block_id = '' LIMIT 1`, string(workflowID))
		s, err = b.scanStep(row)
		if err == sql.ErrNoRows {
			return nil, nil
		}
	}
	return s, err
}

func (b *Backend) StepExists(ctx context.Context, statementID afltypes.StatementId, blockID afltypes.BlockId) (bool, error) {
	var count int
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM steps WHERE statement_id = ? AND block_id = ?`,
		string(statementID), string(blockID)).Scan(&count)
	return count > 0, err
}

// --- Events ---

func (b *Backend) scanEvent(row interface{ Scan(dest ...any) error }) (*entities.Event, error) {
	var id, stepID, workflowID, state, eventType, payloadRaw string
	var createdAt, updatedAt sql.NullString
	if err := row.Scan(&id, &stepID, &workflowID, &state, &eventType, &payloadRaw, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	e := &entities.Event{
		ID:         id,
		StepID:     afltypes.StepId(stepID),
		WorkflowID: afltypes.WorkflowId(workflowID),
		State:      states.EventState(state),
		EventType:  eventType,
		CreatedAt:  parseTime(createdAt),
		UpdatedAt:  parseTime(updatedAt),
	}
	if err := unmarshalJSON(payloadRaw, &e.Payload); err != nil {
		return nil, err
	}
	return e, nil
}

const eventColumns = `id, step_id, workflow_id, state, event_type, payload, created_at, updated_at`

func (b *Backend) GetEvent(ctx context.Context, id string) (*entities.Event, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	e, err := b.scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func (b *Backend) GetEventsByWorkflow(ctx context.Context, workflowID afltypes.WorkflowId) ([]*entities.Event, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE workflow_id = ?`, string(workflowID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*entities.Event
	for rows.Next() {
		e, err := b.scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetEventByStep finds the event dispatched for stepID, used by the Agent
// Poller to transition the event row alongside the step it belongs to.
func (b *Backend) GetEventByStep(ctx context.Context, stepID afltypes.StepId) (*entities.Event, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE step_id = ? LIMIT 1`, string(stepID))
	e, err := b.scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func (b *Backend) SaveEvent(ctx context.Context, e *entities.Event) error {
	return b.saveEventTx(ctx, b.db, e)
}

func (b *Backend) saveEventTx(ctx context.Context, ex execer, e *entities.Event) error {
	payload, err := marshalJSON(e.Payload)
	if err != nil {
		return err
	}
	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	_, err = ex.ExecContext(ctx, `
		INSERT INTO events (id, step_id, workflow_id, state, event_type, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET state=excluded.state, payload=excluded.payload, updated_at=excluded.updated_at`,
		e.ID, string(e.StepID), string(e.WorkflowID), string(e.State), e.EventType, payload,
		formatTime(e.CreatedAt), formatTime(e.UpdatedAt))
	return err
}

// --- Tasks ---

func (b *Backend) scanTask(row interface{ Scan(dest ...any) error }) (*entities.Task, error) {
	var id, name, runnerID, workflowID, flowID, stepID, taskList, state, dataType, dataRaw, taskErr string
	var createdAt, updatedAt sql.NullString
	if err := row.Scan(&id, &name, &runnerID, &workflowID, &flowID, &stepID, &taskList, &state,
		&dataType, &dataRaw, &taskErr, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t := &entities.Task{
		ID:         id,
		Name:       name,
		RunnerID:   runnerID,
		WorkflowID: afltypes.WorkflowId(workflowID),
		FlowID:     flowID,
		StepID:     afltypes.StepId(stepID),
		TaskList:   taskList,
		State:      entities.TaskState(state),
		DataType:   dataType,
		Error:      taskErr,
		CreatedAt:  parseTime(createdAt),
		UpdatedAt:  parseTime(updatedAt),
	}
	if err := unmarshalJSON(dataRaw, &t.Data); err != nil {
		return nil, err
	}
	return t, nil
}

const taskColumns = `id, name, runner_id, workflow_id, flow_id, step_id, task_list, state, data_type, data, error, created_at, updated_at`

func (b *Backend) GetTask(ctx context.Context, id string) (*entities.Task, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := b.scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

func (b *Backend) GetPendingTasks(ctx context.Context, taskList string) ([]*entities.Task, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_list = ? AND state = 'pending' ORDER BY created_at`, taskList)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*entities.Task
	for rows.Next() {
		t, err := b.scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (b *Backend) GetTaskForStep(ctx context.Context, stepID afltypes.StepId) (*entities.Task, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE step_id = ? ORDER BY updated_at DESC LIMIT 1`, string(stepID))
	t, err := b.scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

func (b *Backend) SaveTask(ctx context.Context, t *entities.Task) error {
	return b.saveTaskTx(ctx, b.db, t)
}

func (b *Backend) saveTaskTx(ctx context.Context, ex execer, t *entities.Task) error {
	data, err := marshalJSON(t.Data)
	if err != nil {
		return err
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.TaskList == "" {
		t.TaskList = "default"
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO tasks (id, name, runner_id, workflow_id, flow_id, step_id, task_list, state, data_type, data, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET state=excluded.state, data=excluded.data, error=excluded.error, updated_at=excluded.updated_at`,
		t.ID, t.Name, t.RunnerID, string(t.WorkflowID), t.FlowID, string(t.StepID), t.TaskList, string(t.State),
		t.DataType, data, t.Error, formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("step %s already has a running task: %w", t.StepID, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ClaimTask atomically transitions a single pending task to running using a
// single UPDATE ... RETURNING statement. Combined with SetMaxOpenConns(1),
// SQLite's single-writer semantics make the pending-to-running transition
// race-free without row-level locking (spec.md §8 property 7).
func (b *Backend) ClaimTask(ctx context.Context, names []string, taskList string) (*entities.Task, error) {
	if len(names) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(names))
	args := make([]any, 0, len(names)+2)
	for i, n := range names {
		placeholders[i] = "?"
		args = append(args, n)
	}
	args = append(args, taskList)

	query := fmt.Sprintf(`
		UPDATE tasks SET state = 'running', updated_at = ?
		WHERE id = (
			SELECT id FROM tasks
			WHERE state = 'pending' AND task_list = ? AND name IN (%s)
			ORDER BY created_at LIMIT 1
		)
		RETURNING `+taskColumns, strings.Join(placeholders, ","))

	queryArgs := append([]any{formatTime(time.Now()), taskList}, args[:len(names)]...)
	row := b.db.QueryRowContext(ctx, query, queryArgs...)
	t, err := b.scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// --- Runners ---

func (b *Backend) scanRunner(row interface{ Scan(dest ...any) error }) (*entities.Runner, error) {
	var id, workflowID, flowID, flowName, inputsRaw, owner, state, runnerErr string
	var startedAt, endedAt, createdAt, updatedAt sql.NullString
	if err := row.Scan(&id, &workflowID, &flowID, &flowName, &inputsRaw, &owner, &state,
		&startedAt, &endedAt, &runnerErr, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	r := &entities.Runner{
		ID:         id,
		WorkflowID: afltypes.WorkflowId(workflowID),
		FlowID:     flowID,
		FlowName:   flowName,
		Owner:      owner,
		State:      entities.RunnerState(state),
		StartedAt:  parseTime(startedAt),
		EndedAt:    parseTime(endedAt),
		Error:      runnerErr,
		CreatedAt:  parseTime(createdAt),
		UpdatedAt:  parseTime(updatedAt),
	}
	if err := unmarshalJSON(inputsRaw, &r.Inputs); err != nil {
		return nil, err
	}
	return r, nil
}

const runnerColumns = `id, workflow_id, flow_id, flow_name, inputs, owner, state, started_at, ended_at, error, created_at, updated_at`

func (b *Backend) GetRunner(ctx context.Context, id string) (*entities.Runner, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+runnerColumns+` FROM runners WHERE id = ?`, id)
	r, err := b.scanRunner(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (b *Backend) SaveRunner(ctx context.Context, r *entities.Runner) error {
	inputs, err := marshalJSON(r.Inputs)
	if err != nil {
		return err
	}
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO runners (id, workflow_id, flow_id, flow_name, inputs, owner, state, started_at, ended_at, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET state=excluded.state, started_at=excluded.started_at,
			ended_at=excluded.ended_at, error=excluded.error, updated_at=excluded.updated_at`,
		r.ID, string(r.WorkflowID), r.FlowID, r.FlowName, inputs, r.Owner, string(r.State),
		formatTime(r.StartedAt), formatTime(r.EndedAt), r.Error, formatTime(r.CreatedAt), formatTime(r.UpdatedAt))
	return err
}

func (b *Backend) GetRunnersByState(ctx context.Context, state entities.RunnerState) ([]*entities.Runner, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT `+runnerColumns+` FROM runners WHERE state = ?`, string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*entities.Runner
	for rows.Next() {
		r, err := b.scanRunner(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (b *Backend) GetRunnerByWorkflow(ctx context.Context, workflowID afltypes.WorkflowId) (*entities.Runner, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+runnerColumns+` FROM runners WHERE workflow_id = ? LIMIT 1`, string(workflowID))
	r, err := b.scanRunner(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// --- Servers ---

func (b *Backend) scanServer(row interface{ Scan(dest ...any) error }) (*entities.Server, error) {
	var id, group, service, hostname, ipsRaw, state, topicsRaw, handlersRaw, countsRaw string
	var startTime, lastPing sql.NullString
	if err := row.Scan(&id, &group, &service, &hostname, &ipsRaw, &startTime, &lastPing,
		&state, &topicsRaw, &handlersRaw, &countsRaw); err != nil {
		return nil, err
	}
	s := &entities.Server{
		ID:           id,
		ServerGroup:  group,
		ServiceName:  service,
		Hostname:     hostname,
		StartTime:    parseTime(startTime),
		LastPingTime: parseTime(lastPing),
		State:        entities.ServerState(state),
	}
	if err := unmarshalJSON(ipsRaw, &s.IPs); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(topicsRaw, &s.TopicPatterns); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(handlersRaw, &s.Handlers); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(countsRaw, &s.HandledCounts); err != nil {
		return nil, err
	}
	return s, nil
}

const serverColumns = `id, server_group, service_name, hostname, ips, start_time, last_ping_time, state, topic_patterns, handlers, handled_counts`

func (b *Backend) GetServer(ctx context.Context, id string) (*entities.Server, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM servers WHERE id = ?`, id)
	s, err := b.scanServer(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

func (b *Backend) SaveServer(ctx context.Context, s *entities.Server) error {
	ips, err := marshalJSON(s.IPs)
	if err != nil {
		return err
	}
	topics, err := marshalJSON(s.TopicPatterns)
	if err != nil {
		return err
	}
	handlers, err := marshalJSON(s.Handlers)
	if err != nil {
		return err
	}
	counts, err := marshalJSON(s.HandledCounts)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO servers (id, server_group, service_name, hostname, ips, start_time, last_ping_time, state, topic_patterns, handlers, handled_counts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET state=excluded.state, last_ping_time=excluded.last_ping_time,
			handlers=excluded.handlers, handled_counts=excluded.handled_counts`,
		s.ID, s.ServerGroup, s.ServiceName, s.Hostname, ips, formatTime(s.StartTime), formatTime(s.LastPingTime),
		string(s.State), topics, handlers, counts)
	return err
}

func (b *Backend) TouchServerPing(ctx context.Context, id string) error {
	res, err := b.db.ExecContext(ctx, `UPDATE servers SET last_ping_time = ? WHERE id = ?`, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("server not found: %s", id)
	}
	return nil
}

func (b *Backend) ListServers(ctx context.Context) ([]*entities.Server, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT `+serverColumns+` FROM servers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*entities.Server
	for rows.Next() {
		s, err := b.scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// --- Flows ---

func (b *Backend) GetFlow(ctx context.Context, id string) (*entities.Flow, error) {
	var f entities.Flow
	var createdAt sql.NullString
	err := b.db.QueryRowContext(ctx, `SELECT id, name, path, compiled_ast, source_text, created_at FROM flows WHERE id = ?`, id).
		Scan(&f.ID, &f.Name, &f.Path, &f.CompiledAST, &f.SourceText, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	f.CreatedAt = parseTime(createdAt)
	return &f, nil
}

func (b *Backend) SaveFlow(ctx context.Context, f *entities.Flow) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO flows (id, name, path, compiled_ast, source_text, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, path=excluded.path,
			compiled_ast=excluded.compiled_ast, source_text=excluded.source_text`,
		f.ID, f.Name, f.Path, f.CompiledAST, f.SourceText, formatTime(f.CreatedAt))
	return err
}

func (b *Backend) DeleteFlow(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM flows WHERE id = ?`, id)
	return err
}

// --- Workflows ---

func (b *Backend) GetWorkflow(ctx context.Context, id afltypes.WorkflowId) (*entities.Workflow, error) {
	var w entities.Workflow
	var flowID string
	var createdAt sql.NullString
	err := b.db.QueryRowContext(ctx, `SELECT id, flow_id, name, created_at FROM workflows WHERE id = ?`, string(id)).
		Scan(&w.ID, &flowID, &w.Name, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	w.FlowID = flowID
	w.CreatedAt = parseTime(createdAt)
	return &w, nil
}

func (b *Backend) SaveWorkflow(ctx context.Context, w *entities.Workflow) error {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO workflows (id, flow_id, name, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name`,
		string(w.ID), w.FlowID, w.Name, formatTime(w.CreatedAt))
	return err
}

// --- Handler registrations ---

func (b *Backend) SaveHandlerRegistration(ctx context.Context, reg *entities.HandlerRegistration) error {
	requirements, err := marshalJSON(reg.Requirements)
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(reg.Metadata)
	if err != nil {
		return err
	}
	now := time.Now()
	if reg.CreatedAt.IsZero() {
		reg.CreatedAt = now
	}
	reg.UpdatedAt = now
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO handler_registrations (facet_name, module_uri, entrypoint, version, checksum, timeout_ms, requirements, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(facet_name) DO UPDATE SET module_uri=excluded.module_uri, entrypoint=excluded.entrypoint,
			version=excluded.version, checksum=excluded.checksum, timeout_ms=excluded.timeout_ms,
			requirements=excluded.requirements, metadata=excluded.metadata, updated_at=excluded.updated_at`,
		reg.FacetName, reg.ModuleURI, reg.Entrypoint, reg.Version, reg.Checksum, reg.TimeoutMS,
		requirements, metadata, formatTime(reg.CreatedAt), formatTime(reg.UpdatedAt))
	return err
}

func (b *Backend) scanHandlerRegistration(row interface{ Scan(dest ...any) error }) (*entities.HandlerRegistration, error) {
	var reg entities.HandlerRegistration
	var requirementsRaw, metadataRaw string
	var createdAt, updatedAt sql.NullString
	if err := row.Scan(&reg.FacetName, &reg.ModuleURI, &reg.Entrypoint, &reg.Version, &reg.Checksum,
		&reg.TimeoutMS, &requirementsRaw, &metadataRaw, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(requirementsRaw, &reg.Requirements); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(metadataRaw, &reg.Metadata); err != nil {
		return nil, err
	}
	reg.CreatedAt = parseTime(createdAt)
	reg.UpdatedAt = parseTime(updatedAt)
	return &reg, nil
}

const handlerRegColumns = `facet_name, module_uri, entrypoint, version, checksum, timeout_ms, requirements, metadata, created_at, updated_at`

func (b *Backend) GetHandlerRegistration(ctx context.Context, facetName string) (*entities.HandlerRegistration, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+handlerRegColumns+` FROM handler_registrations WHERE facet_name = ?`, facetName)
	reg, err := b.scanHandlerRegistration(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return reg, err
}

func (b *Backend) ListHandlerRegistrations(ctx context.Context) ([]*entities.HandlerRegistration, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT `+handlerRegColumns+` FROM handler_registrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*entities.HandlerRegistration
	for rows.Next() {
		reg, err := b.scanHandlerRegistration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, reg)
	}
	return out, rows.Err()
}

func (b *Backend) DeleteHandlerRegistration(ctx context.Context, facetName string) (bool, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM handler_registrations WHERE facet_name = ?`, facetName)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// --- Logs ---

func (b *Backend) SaveLog(ctx context.Context, l *entities.Log) error {
	return b.insertLog(ctx, l, "log")
}

func (b *Backend) SaveStepLog(ctx context.Context, l *entities.Log) error {
	return b.insertLog(ctx, l, "step_log")
}

func (b *Backend) insertLog(ctx context.Context, l *entities.Log, kind string) error {
	if l.ID == "" {
		l.ID = afltypes.NewID()
	}
	l.Timestamp = time.Now()
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO logs (id, runner_id, workflow_id, step_id, order_num, message, level, kind, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.RunnerID, string(l.WorkflowID), string(l.StepID), l.Order, l.Message, l.Level, kind, formatTime(l.Timestamp))
	return err
}

func (b *Backend) scanLog(row interface{ Scan(dest ...any) error }) (*entities.Log, error) {
	var l entities.Log
	var runnerID, workflowID, stepID string
	var ts sql.NullString
	if err := row.Scan(&l.ID, &runnerID, &workflowID, &stepID, &l.Order, &l.Message, &l.Level, &ts); err != nil {
		return nil, err
	}
	l.RunnerID = runnerID
	l.WorkflowID = afltypes.WorkflowId(workflowID)
	l.StepID = afltypes.StepId(stepID)
	l.Timestamp = parseTime(ts)
	return &l, nil
}

const logColumns = `id, runner_id, workflow_id, step_id, order_num, message, level, timestamp`

func (b *Backend) GetLogsByRunner(ctx context.Context, runnerID string) ([]*entities.Log, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT `+logColumns+` FROM logs WHERE kind = 'log' AND runner_id = ? ORDER BY timestamp`, runnerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*entities.Log
	for rows.Next() {
		l, err := b.scanLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (b *Backend) GetStepLogsByStep(ctx context.Context, stepID afltypes.StepId) ([]*entities.Log, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT `+logColumns+` FROM logs WHERE kind = 'step_log' AND step_id = ? ORDER BY timestamp`, string(stepID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*entities.Log
	for rows.Next() {
		l, err := b.scanLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (b *Backend) GetStepLogsByWorkflow(ctx context.Context, workflowID afltypes.WorkflowId) ([]*entities.Log, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT `+logColumns+` FROM logs WHERE kind = 'step_log' AND workflow_id = ? ORDER BY timestamp`, string(workflowID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*entities.Log
	for rows.Next() {
		l, err := b.scanLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// --- Locks ---

func (b *Backend) AcquireLock(ctx context.Context, key string, durationMS int64, meta map[string]string) (bool, error) {
	metaRaw, err := marshalJSON(meta)
	if err != nil {
		return false, err
	}
	now := time.Now()
	expires := now.Add(time.Duration(durationMS) * time.Millisecond)
	res, err := b.db.ExecContext(ctx, `
		INSERT INTO locks (key, acquired_at, expires_at, meta) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET acquired_at=excluded.acquired_at, expires_at=excluded.expires_at, meta=excluded.meta
		WHERE locks.expires_at < ?`,
		key, formatTime(now), formatTime(expires), metaRaw, formatTime(now))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (b *Backend) ReleaseLock(ctx context.Context, key string) (bool, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM locks WHERE key = ?`, key)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (b *Backend) CheckLock(ctx context.Context, key string) (*entities.Lock, error) {
	var l entities.Lock
	var acquiredAt, expiresAt sql.NullString
	var metaRaw string
	err := b.db.QueryRowContext(ctx, `SELECT key, acquired_at, expires_at, meta FROM locks WHERE key = ?`, key).
		Scan(&l.Key, &acquiredAt, &expiresAt, &metaRaw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	l.AcquiredAt = parseTime(acquiredAt)
	l.ExpiresAt = parseTime(expiresAt)
	if l.ExpiresAt.Before(time.Now()) {
		return nil, nil
	}
	if err := unmarshalJSON(metaRaw, &l.Meta); err != nil {
		return nil, err
	}
	return &l, nil
}

func (b *Backend) ExtendLock(ctx context.Context, key string, durationMS int64) (bool, error) {
	res, err := b.db.ExecContext(ctx, `
		UPDATE locks SET expires_at = datetime(expires_at, '+' || ? || ' milliseconds')
		WHERE key = ? AND expires_at > ?`,
		durationMS, key, formatTime(time.Now()))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Commit applies a batch of iteration changes inside a single transaction,
// retrying transient SQLITE_BUSY failures with exponential backoff per
// spec.md §7's 100ms/400ms/1s, 3-attempt schedule.
func (b *Backend) Commit(ctx context.Context, changes *persistence.IterationChanges) error {
	if !changes.HasChanges() {
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.Multiplier = 4
	policy.MaxElapsedTime = 1500 * time.Millisecond
	bo := backoff.WithMaxRetries(policy, 2)

	return backoff.Retry(func() error {
		tx, err := b.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := b.commitOnce(ctx, tx, changes); err != nil {
			tx.Rollback()
			if isUniqueViolation(err) {
				return backoff.Permanent(err)
			}
			if isBusy(err) {
				return err // retryable
			}
			return backoff.Permanent(err)
		}
		return tx.Commit()
	}, bo)
}

func isBusy(err error) bool {
	return err != nil && strings.Contains(err.Error(), "SQLITE_BUSY")
}

func (b *Backend) commitOnce(ctx context.Context, tx *sql.Tx, changes *persistence.IterationChanges) error {
	for _, s := range changes.CreatedSteps {
		if err := b.saveStepTx(ctx, tx, s); err != nil {
			return err
		}
	}
	for _, s := range changes.UpdatedSteps {
		if err := b.saveStepTx(ctx, tx, s); err != nil {
			return err
		}
	}
	for _, e := range changes.CreatedEvents {
		if err := b.saveEventTx(ctx, tx, e); err != nil {
			return err
		}
	}
	for _, t := range changes.CreatedTasks {
		if err := b.saveTaskTx(ctx, tx, t); err != nil {
			return err
		}
	}
	return nil
}

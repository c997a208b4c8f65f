package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/dukex/waypoint/pkg/models"
	"github.com/dukex/waypoint/pkg/persistence"
)

// EventRepository is the append-only workflow_event table.
type EventRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewEventRepository creates a new event repository.
func NewEventRepository(db *sql.DB, logger *slog.Logger) *EventRepository {
	return &EventRepository{db: db, logger: logger}
}

const eventColumns = `
	id
  , execution_id
  , type
  , name
  , payload
  , created_at
  , visible_at
  , consumed_at
  , source_execution_id
`

func (r *EventRepository) insert(ctx context.Context, op string, event *models.WorkflowEvent, onConflict string) (bool, error) {
	if event.ID == "" || event.ExecutionID == "" || event.Type == "" {
		return false, persistence.NewExecutionError(op, event.ExecutionID, persistence.ErrInvalidEvent)
	}

	payloadJSON, err := encodeJSON(event.Payload)
	if err != nil {
		return false, persistence.NewExecutionError(op, event.ExecutionID, fmt.Errorf("failed to marshal payload: %w", err))
	}

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO workflow_event (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`+onConflict,
		event.ID,
		event.ExecutionID,
		event.Type,
		event.Name,
		payloadJSON,
		event.CreatedAt,
		event.VisibleAtMs(),
		event.ConsumedAt,
		event.SourceExecutionID,
	)
	if err != nil {
		return false, persistence.NewExecutionError(op, event.ExecutionID, err)
	}

	return affected(result)
}

// Append inserts the event. A missing visible_at is stored as the creation time.
func (r *EventRepository) Append(ctx context.Context, event *models.WorkflowEvent) error {
	_, err := r.insert(ctx, "Append", event, "")

	return err
}

// InsertOutput relies on the partial unique index over (execution_id, name) of
// output events.
func (r *EventRepository) InsertOutput(ctx context.Context, event *models.WorkflowEvent) (bool, error) {
	if event.Type != models.EventTypeOutput {
		return false, persistence.NewExecutionError("InsertOutput", event.ExecutionID, persistence.ErrInvalidEvent)
	}

	return r.insert(ctx, "InsertOutput", event, " ON CONFLICT (execution_id, name) WHERE type = 'output' DO NOTHING")
}

// List builds the WHERE clause from the non-empty query fields.
func (r *EventRepository) List(ctx context.Context, query persistence.EventQuery) ([]*models.WorkflowEvent, error) {
	var (
		conditions []string
		args       []any
	)

	arg := func(value any) string {
		args = append(args, value)

		return "$" + strconv.Itoa(len(args))
	}

	if query.ExecutionID != "" {
		conditions = append(conditions, "execution_id = "+arg(query.ExecutionID))
	}

	if len(query.Types) > 0 {
		placeholders := make([]string, 0, len(query.Types))
		for _, eventType := range query.Types {
			placeholders = append(placeholders, arg(string(eventType)))
		}

		conditions = append(conditions, "type IN ("+strings.Join(placeholders, ", ")+")")
	}

	if query.Name != nil {
		conditions = append(conditions, "name = "+arg(*query.Name))
	}

	if query.PendingAt != nil {
		conditions = append(conditions, "consumed_at IS NULL", "visible_at <= "+arg(*query.PendingAt))
	}

	statement := "SELECT " + eventColumns + " FROM workflow_event"
	if len(conditions) > 0 {
		statement += " WHERE " + strings.Join(conditions, " AND ")
	}

	statement += " ORDER BY seq"

	if query.Limit > 0 {
		statement += " LIMIT " + arg(query.Limit)
	}

	rows, err := r.db.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer closeRows(ctx, r.logger, rows)

	events := make([]*models.WorkflowEvent, 0)

	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		events = append(events, event)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// Consume is a compare-and-swap on consumed_at.
func (r *EventRepository) Consume(ctx context.Context, id string, nowMs int64) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE workflow_event SET consumed_at = $2
		WHERE id = $1 AND consumed_at IS NULL
	`, id, nowMs)
	if err != nil {
		return false, fmt.Errorf("failed to consume event %s: %w", id, err)
	}

	return affected(result)
}

func scanEvent(row scanner) (*models.WorkflowEvent, error) {
	var (
		event       models.WorkflowEvent
		eventType   string
		name        sql.NullString
		payloadJSON []byte
		visibleAt   sql.NullInt64
		consumedAt  sql.NullInt64
		sourceID    sql.NullString
	)

	err := row.Scan(
		&event.ID,
		&event.ExecutionID,
		&eventType,
		&name,
		&payloadJSON,
		&event.CreatedAt,
		&visibleAt,
		&consumedAt,
		&sourceID,
	)
	if err != nil {
		return nil, err
	}

	event.Type = models.EventType(eventType)
	event.Name = nullString(name)
	event.VisibleAt = nullInt64(visibleAt)
	event.ConsumedAt = nullInt64(consumedAt)
	event.SourceExecutionID = nullString(sourceID)

	err = decodeJSON(payloadJSON, &event.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	return &event, nil
}

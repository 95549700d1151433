package rebalancing

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/allocator/internal/domain"
)

// EventRepository persists rebalance events in sqlite. Weights are stored as
// JSON text columns so events stay inspectable with plain SQL tooling.
type EventRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewEventRepository(db *sql.DB, log zerolog.Logger) (*EventRepository, error) {
	repo := &EventRepository{
		db:  db,
		log: log.With().Str("repository", "rebalance_events").Logger(),
	}
	if err := repo.migrate(); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *EventRepository) migrate() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS rebalance_events (
			id TEXT PRIMARY KEY,
			timestamp INTEGER NOT NULL,
			reason TEXT NOT NULL,
			old_weights TEXT NOT NULL,
			new_weights TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_rebalance_events_timestamp
			ON rebalance_events(timestamp);
	`)
	if err != nil {
		return fmt.Errorf("failed to create rebalance_events table: %w", err)
	}
	return nil
}

// Save appends one event. Events are immutable, so conflicts on the primary
// key are genuine errors rather than upserts.
func (r *EventRepository) Save(event domain.RebalanceEvent) error {
	oldWeights, err := json.Marshal(event.OldWeights)
	if err != nil {
		return fmt.Errorf("failed to marshal old weights: %w", err)
	}
	newWeights, err := json.Marshal(event.NewWeights)
	if err != nil {
		return fmt.Errorf("failed to marshal new weights: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO rebalance_events (id, timestamp, reason, old_weights, new_weights)
		VALUES (?, ?, ?, ?, ?)
	`, event.ID, event.Timestamp.Unix(), string(event.Reason), string(oldWeights), string(newWeights))
	if err != nil {
		return fmt.Errorf("failed to insert rebalance event: %w", err)
	}

	r.log.Debug().Str("id", event.ID).Str("reason", string(event.Reason)).Msg("event saved")
	return nil
}

// Recent returns the latest events, newest first.
func (r *EventRepository) Recent(limit int) ([]domain.RebalanceEvent, error) {
	rows, err := r.db.Query(`
		SELECT id, timestamp, reason, old_weights, new_weights
		FROM rebalance_events
		ORDER BY timestamp DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query rebalance events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ByReason returns every event fired by the given trigger, newest first.
func (r *EventRepository) ByReason(reason domain.TriggerReason) ([]domain.RebalanceEvent, error) {
	rows, err := r.db.Query(`
		SELECT id, timestamp, reason, old_weights, new_weights
		FROM rebalance_events
		WHERE reason = ?
		ORDER BY timestamp DESC
	`, string(reason))
	if err != nil {
		return nil, fmt.Errorf("failed to query rebalance events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// Count reports the number of stored events.
func (r *EventRepository) Count() (int, error) {
	var count int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM rebalance_events`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count rebalance events: %w", err)
	}
	return count, nil
}

func scanEvents(rows *sql.Rows) ([]domain.RebalanceEvent, error) {
	var events []domain.RebalanceEvent
	for rows.Next() {
		var (
			event      domain.RebalanceEvent
			ts         int64
			reason     string
			oldWeights string
			newWeights string
		)
		if err := rows.Scan(&event.ID, &ts, &reason, &oldWeights, &newWeights); err != nil {
			return nil, fmt.Errorf("failed to scan rebalance event: %w", err)
		}
		event.Timestamp = time.Unix(ts, 0).UTC()
		event.Reason = domain.TriggerReason(reason)
		if err := json.Unmarshal([]byte(oldWeights), &event.OldWeights); err != nil {
			return nil, fmt.Errorf("failed to unmarshal old weights: %w", err)
		}
		if err := json.Unmarshal([]byte(newWeights), &event.NewWeights); err != nil {
			return nil, fmt.Errorf("failed to unmarshal new weights: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

package audit

import (
	"database/sql"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
)

const clickhouseSchema = `CREATE TABLE IF NOT EXISTS food_transitions (
    EventTime DateTime,
    FoodId String,
    OldState String,
    NewState String,
    Actor String,
    Message String
) ENGINE = MergeTree()
ORDER BY (FoodId, EventTime)`

type ClickHouseOptions struct {
	Addr     string
	Database string
	Username string
	Password string
}

// ClickHouseProcessor mirrors transitions into ClickHouse for reporting.
type ClickHouseProcessor struct {
	db *sql.DB
}

func NewClickHouseProcessor(opts ClickHouseOptions) (*ClickHouseProcessor, error) {
	conn := clickhouse.OpenDB(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		Protocol: clickhouse.HTTP,
	})
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	if _, err := conn.Exec(clickhouseSchema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse migrate: %w", err)
	}
	return &ClickHouseProcessor{db: conn}, nil
}

func (p *ClickHouseProcessor) Process(batch []AuditLog) error {
	tx, err := p.db.Begin()
	if err != nil {
		return fmt.Errorf("clickhouse begin: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO food_transitions (EventTime, FoodId, OldState, NewState, Actor, Message)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("clickhouse prepare: %w", err)
	}
	defer stmt.Close()
	for _, rec := range batch {
		if _, err := stmt.Exec(rec.Timestamp, rec.FoodID, rec.OldState, rec.NewState, rec.Actor, rec.Message); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("clickhouse insert: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("clickhouse commit: %w", err)
	}
	return nil
}

func (p *ClickHouseProcessor) Close() error {
	return p.db.Close()
}

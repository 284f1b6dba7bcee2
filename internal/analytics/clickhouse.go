package analytics

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	_ "github.com/ClickHouse/clickhouse-go/v2"

	"github.com/patrickwarner/admatch/internal/models"
	"github.com/patrickwarner/admatch/internal/observability"
)

// ErrUnavailable is returned when the analytics DB is not configured.
var ErrUnavailable = errors.New("analytics unavailable")

// Event types recorded in the events table.
const (
	EventImpression = "impression"
	EventClick      = "click"
	EventConversion = "conversion"
)

// Sink receives decision audits and tracking events. Implementations return
// ErrUnavailable when their backing storage is not configured.
type Sink interface {
	RecordDecision(ctx context.Context, rec *models.AuditRecord) error
	RecordEvent(ctx context.Context, ev Event) error
}

// Event is a tracking callback attributed to a delivered ad.
type Event struct {
	Timestamp  time.Time `json:"timestamp"`
	Type       string    `json:"event_type"`
	RequestID  string    `json:"request_id"`
	AdID       string    `json:"ad_id"`
	CampaignID string    `json:"campaign_id"`
	CompanyID  string    `json:"company_id"`
	UserID     string    `json:"user_id,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	Variant    string    `json:"ab_variant,omitempty"`
	Position   int       `json:"position"`
	Value      float64   `json:"value"`
}

// Analytics wraps a ClickHouse DB connection.
type Analytics struct {
	DB      *sql.DB
	Metrics observability.MetricsRegistry
}

var _ Sink = (*Analytics)(nil)

// PoolConfig sizes the ClickHouse connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

const createDecisions = `CREATE TABLE IF NOT EXISTS decisions (
       timestamp       DateTime64(3),
       request_id      String,
       user_id         String,
       session_id      String,
       query           String,
       outcome         LowCardinality(String),
       catalog_version Int64,
       keywords        Array(String),
       intents         Array(String),
       categories      Array(String),
       considered      Array(String),
       admitted        Array(String),
       rejections      Map(String, String),
       audit           String
   ) ENGINE=MergeTree() ORDER BY (outcome, timestamp)`

const createEvents = `CREATE TABLE IF NOT EXISTS events (
       timestamp    DateTime64(3),
       event_type   LowCardinality(String),
       request_id   String,
       ad_id        String,
       campaign_id  String,
       company_id   String,
       user_id      String,
       session_id   String,
       ab_variant   String,
       position     Int32,
       value        Float64
   ) ENGINE=MergeTree() ORDER BY (event_type, timestamp)`

// InitClickHouse connects to ClickHouse and ensures the decisions and events
// tables exist.
func InitClickHouse(dsn string, metrics observability.MetricsRegistry, pool PoolConfig) (*Analytics, error) {
	db, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	for _, stmt := range []string{createDecisions, createEvents} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("clickhouse create table: %w", err)
		}
	}

	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	zap.L().Info("Connected to ClickHouse")
	return &Analytics{DB: db, Metrics: metrics}, nil
}

// decisionRow flattens an audit record into the decisions table columns.
type decisionRow struct {
	Timestamp      time.Time
	RequestID      string
	UserID         string
	SessionID      string
	Query          string
	Outcome        string
	CatalogVersion int64
	Keywords       []string
	Intents        []string
	Categories     []string
	Considered     []string
	Admitted       []string
	Rejections     map[string]string
	Audit          string
}

func newDecisionRow(rec *models.AuditRecord) (decisionRow, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return decisionRow{}, fmt.Errorf("encode audit: %w", err)
	}
	row := decisionRow{
		Timestamp:      rec.Timestamp,
		RequestID:      rec.RequestID,
		UserID:         rec.UserID,
		SessionID:      rec.SessionID,
		Query:          rec.Query,
		Outcome:        rec.Outcome,
		CatalogVersion: rec.CatalogVersion,
		Keywords:       nonNil(rec.Features.Keywords),
		Intents:        nonNil(rec.Features.Intents),
		Categories:     nonNil(rec.Features.Categories),
		Considered:     make([]string, 0, len(rec.Considered)),
		Admitted:       nonNil(rec.Admitted),
		Rejections:     make(map[string]string, len(rec.Rejections)),
		Audit:          string(raw),
	}
	for _, c := range rec.Considered {
		row.Considered = append(row.Considered, c.AdID)
	}
	// The map keeps the first rejection per ad; the full list is in audit.
	for _, r := range rec.Rejections {
		if _, ok := row.Rejections[r.AdID]; !ok {
			row.Rejections[r.AdID] = r.Stage + ":" + r.Reason
		}
	}
	return row, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// RecordDecision inserts one row into the decisions table.
func (a *Analytics) RecordDecision(ctx context.Context, rec *models.AuditRecord) error {
	if a == nil || a.DB == nil {
		return ErrUnavailable
	}
	if rec == nil {
		return nil
	}
	row, err := newDecisionRow(rec)
	if err != nil {
		return err
	}
	stmt := `INSERT INTO decisions (timestamp, request_id, user_id, session_id, query, outcome, catalog_version, keywords, intents, categories, considered, admitted, rejections, audit) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := a.DB.ExecContext(ctx, stmt, row.Timestamp, row.RequestID, row.UserID, row.SessionID, row.Query, row.Outcome,
		row.CatalogVersion, row.Keywords, row.Intents, row.Categories, row.Considered, row.Admitted, row.Rejections, row.Audit); err != nil {
		zap.L().Error("clickhouse insert failed", zap.Error(err), zap.String("table", "decisions"))
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// RecordEvent inserts a single event row into the events table.
func (a *Analytics) RecordEvent(ctx context.Context, ev Event) error {
	if a == nil || a.DB == nil {
		return ErrUnavailable
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	stmt := `INSERT INTO events (timestamp, event_type, request_id, ad_id, campaign_id, company_id, user_id, session_id, ab_variant, position, value) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := a.DB.ExecContext(ctx, stmt, ev.Timestamp, ev.Type, ev.RequestID, ev.AdID, ev.CampaignID, ev.CompanyID,
		ev.UserID, ev.SessionID, ev.Variant, int32(ev.Position), ev.Value); err != nil {
		zap.L().Error("clickhouse insert failed", zap.Error(err), zap.String("event_type", ev.Type))
		return fmt.Errorf("insert %s event: %w", ev.Type, err)
	}
	a.Metrics.IncrementEvent(ev.Type)
	return nil
}

// Close terminates the ClickHouse connection.
func (a *Analytics) Close() {
	if a != nil && a.DB != nil {
		if err := a.DB.Close(); err != nil {
			zap.L().Error("clickhouse close", zap.Error(err))
		}
	}
}

// GetEventsByRequestID returns all events for a given request ID ordered by timestamp.
func (a *Analytics) GetEventsByRequestID(ctx context.Context, id string) ([]Event, error) {
	if a == nil || a.DB == nil {
		return nil, ErrUnavailable
	}
	query := `SELECT timestamp, event_type, request_id, ad_id, campaign_id, company_id, user_id, session_id, ab_variant, position, value FROM events WHERE request_id=? ORDER BY timestamp`
	rows, err := a.DB.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			zap.L().Warn("rows close", zap.Error(err))
		}
	}()

	var events []Event
	for rows.Next() {
		var ev Event
		var pos int32
		if err := rows.Scan(&ev.Timestamp, &ev.Type, &ev.RequestID, &ev.AdID, &ev.CampaignID, &ev.CompanyID,
			&ev.UserID, &ev.SessionID, &ev.Variant, &pos, &ev.Value); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Position = int(pos)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return events, nil
}

// GetDecision returns the stored audit record for a request.
func (a *Analytics) GetDecision(ctx context.Context, requestID string) (*models.AuditRecord, error) {
	if a == nil || a.DB == nil {
		return nil, ErrUnavailable
	}
	var raw string
	err := a.DB.QueryRowContext(ctx, `SELECT audit FROM decisions WHERE request_id=? ORDER BY timestamp DESC LIMIT 1`, requestID).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("query decision: %w", err)
	}
	var rec models.AuditRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode audit: %w", err)
	}
	return &rec, nil
}

package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/patrickwarner/admatch/internal/models"
)

// Postgres wraps a postgres DB connection.
type Postgres struct {
	DB *sql.DB
}

// schemaSQL sets up the catalog tables if they don't exist. Nested targeting
// and performance settings are stored as JSONB so new targeting fields need
// no migration.
const schemaSQL = `CREATE TABLE IF NOT EXISTS companies (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS campaigns (
    id TEXT PRIMARY KEY,
    company_id TEXT REFERENCES companies(id),
    name TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'draft',
    start_date TIMESTAMPTZ NULL,
    end_date TIMESTAMPTZ NULL,
    total_budget DOUBLE PRECISION NOT NULL DEFAULT 0,
    daily_budget DOUBLE PRECISION NOT NULL DEFAULT 0,
    spend_to_date DOUBLE PRECISION NOT NULL DEFAULT 0,
    targeting JSONB,
    performance JSONB
);

CREATE TABLE IF NOT EXISTS ads (
    id TEXT PRIMARY KEY,
    campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
    title TEXT NOT NULL,
    description TEXT,
    cta TEXT,
    target_url TEXT,
    display_format TEXT,
    keywords TEXT[],
    categories TEXT[],
    intent_triggers JSONB,
    keyword_weight DOUBLE PRECISION NOT NULL DEFAULT 0,
    category_weight DOUBLE PRECISION NOT NULL DEFAULT 0,
    intent_weight DOUBLE PRECISION NOT NULL DEFAULT 0,
    variants JSONB,
    active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE INDEX IF NOT EXISTS idx_campaigns_status_dates ON campaigns (status, start_date, end_date);
CREATE INDEX IF NOT EXISTS idx_ads_campaign_id ON ads (campaign_id);
`

// InitPostgres connects to Postgres with connection pooling configuration.
func InitPostgres(dsn string, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) (*Postgres, error) {
	driverName, err := otelsql.Register("postgres",
		otelsql.WithAttributes(
			attribute.String("db.system", "postgresql"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("register otelsql: %w", err)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)

	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	p := &Postgres{DB: db}
	if err := p.ensureSchema(); err != nil {
		return nil, err
	}
	zap.L().Info("Connected to Postgres with connection pooling",
		zap.Int("max_open_conns", maxOpenConns),
		zap.Int("max_idle_conns", maxIdleConns),
		zap.Duration("conn_max_lifetime", connMaxLifetime))
	return p, nil
}

// Close terminates the Postgres connection.
func (p *Postgres) Close() {
	if p != nil && p.DB != nil {
		if err := p.DB.Close(); err != nil {
			zap.L().Error("postgres close", zap.Error(err))
		}
	}
}

func (p *Postgres) ensureSchema() error {
	if _, err := p.DB.ExecContext(context.Background(), schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

const campaignColumns = `id, company_id, name, status, start_date, end_date, total_budget, daily_budget, spend_to_date, targeting, performance`

const adColumns = `id, campaign_id, title, description, cta, target_url, display_format, keywords, categories, intent_triggers, keyword_weight, category_weight, intent_weight, variants, active`

// LoadCatalog reads every campaign with its ads. Filtering by status and
// flight dates is left to the catalog snapshot so paused campaigns stay
// visible to tooling.
func (p *Postgres) LoadCatalog(ctx context.Context) ([]models.Campaign, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT `+campaignColumns+` FROM campaigns ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query campaigns: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var camps []models.Campaign
	index := make(map[string]int)
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		index[c.ID] = len(camps)
		camps = append(camps, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	ads, err := p.loadAds(ctx)
	if err != nil {
		return nil, err
	}
	for _, ad := range ads {
		i, ok := index[ad.CampaignID]
		if !ok {
			continue
		}
		ad.CompanyID = camps[i].CompanyID
		camps[i].Ads = append(camps[i].Ads, ad)
	}
	return camps, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row scanner) (models.Campaign, error) {
	var c models.Campaign
	var company sql.NullString
	var start, end sql.NullTime
	var targeting, perf []byte
	if err := row.Scan(&c.ID, &company, &c.Name, &c.Status, &start, &end, &c.TotalBudget, &c.DailyBudget, &c.SpendToDate, &targeting, &perf); err != nil {
		return c, fmt.Errorf("scan campaign: %w", err)
	}
	if company.Valid {
		c.CompanyID = company.String
	}
	if start.Valid {
		c.StartDate = start.Time
	}
	if end.Valid {
		c.EndDate = end.Time
	}
	if len(targeting) > 0 {
		if err := json.Unmarshal(targeting, &c.Targeting); err != nil {
			return c, fmt.Errorf("parse targeting for %s: %w", c.ID, err)
		}
	}
	if len(perf) > 0 {
		if err := json.Unmarshal(perf, &c.Performance); err != nil {
			return c, fmt.Errorf("parse performance for %s: %w", c.ID, err)
		}
	}
	return c, nil
}

func (p *Postgres) loadAds(ctx context.Context) ([]models.Ad, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT `+adColumns+` FROM ads ORDER BY campaign_id, id`)
	if err != nil {
		return nil, fmt.Errorf("query ads: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ads []models.Ad
	for rows.Next() {
		var ad models.Ad
		var desc, cta, url, format sql.NullString
		var keywords, categories []string
		var triggers, variants []byte
		if err := rows.Scan(&ad.ID, &ad.CampaignID, &ad.Content.Title, &desc, &cta, &url, &format,
			pq.Array(&keywords), pq.Array(&categories), &triggers,
			&ad.Weights.Keyword, &ad.Weights.Category, &ad.Weights.Intent, &variants, &ad.Active); err != nil {
			return nil, fmt.Errorf("scan ad: %w", err)
		}
		ad.Content.Description = desc.String
		ad.Content.CallToAction = cta.String
		ad.Content.TargetURL = url.String
		ad.Content.DisplayFormat = format.String
		ad.Keywords = keywords
		ad.Categories = categories
		if len(triggers) > 0 {
			if err := json.Unmarshal(triggers, &ad.IntentTriggers); err != nil {
				return nil, fmt.Errorf("parse intent_triggers for %s: %w", ad.ID, err)
			}
		}
		if len(variants) > 0 {
			if err := json.Unmarshal(variants, &ad.Variants); err != nil {
				return nil, fmt.Errorf("parse variants for %s: %w", ad.ID, err)
			}
		}
		ads = append(ads, ad)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return ads, nil
}

// UpsertCampaigns writes campaigns and their ads in one transaction, creating
// companies as needed. Existing rows with the same ids are replaced.
func (p *Postgres) UpsertCampaigns(ctx context.Context, camps []models.Campaign) error {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, c := range camps {
		if c.CompanyID != "" {
			if _, err := tx.ExecContext(ctx, `INSERT INTO companies (id, name) VALUES ($1, $1) ON CONFLICT (id) DO NOTHING`, c.CompanyID); err != nil {
				return fmt.Errorf("insert company %s: %w", c.CompanyID, err)
			}
		}
		targeting, err := json.Marshal(c.Targeting)
		if err != nil {
			return fmt.Errorf("encode targeting for %s: %w", c.ID, err)
		}
		perf, err := json.Marshal(c.Performance)
		if err != nil {
			return fmt.Errorf("encode performance for %s: %w", c.ID, err)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO campaigns (`+campaignColumns+`)
VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO UPDATE SET company_id = EXCLUDED.company_id, name = EXCLUDED.name, status = EXCLUDED.status,
    start_date = EXCLUDED.start_date, end_date = EXCLUDED.end_date, total_budget = EXCLUDED.total_budget,
    daily_budget = EXCLUDED.daily_budget, spend_to_date = EXCLUDED.spend_to_date,
    targeting = EXCLUDED.targeting, performance = EXCLUDED.performance`,
			c.ID, c.CompanyID, c.Name, c.Status, nullTime(c.StartDate), nullTime(c.EndDate),
			c.TotalBudget, c.DailyBudget, c.SpendToDate, targeting, perf)
		if err != nil {
			return fmt.Errorf("upsert campaign %s: %w", c.ID, err)
		}
		for _, ad := range c.Ads {
			if err := upsertAd(ctx, tx, c.ID, ad); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func upsertAd(ctx context.Context, tx *sql.Tx, campaignID string, ad models.Ad) error {
	var triggers, variants []byte
	var err error
	if len(ad.IntentTriggers) > 0 {
		if triggers, err = json.Marshal(ad.IntentTriggers); err != nil {
			return fmt.Errorf("encode intent_triggers for %s: %w", ad.ID, err)
		}
	}
	if len(ad.Variants) > 0 {
		if variants, err = json.Marshal(ad.Variants); err != nil {
			return fmt.Errorf("encode variants for %s: %w", ad.ID, err)
		}
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO ads (`+adColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (id) DO UPDATE SET campaign_id = EXCLUDED.campaign_id, title = EXCLUDED.title,
    description = EXCLUDED.description, cta = EXCLUDED.cta, target_url = EXCLUDED.target_url,
    display_format = EXCLUDED.display_format, keywords = EXCLUDED.keywords, categories = EXCLUDED.categories,
    intent_triggers = EXCLUDED.intent_triggers, keyword_weight = EXCLUDED.keyword_weight,
    category_weight = EXCLUDED.category_weight, intent_weight = EXCLUDED.intent_weight,
    variants = EXCLUDED.variants, active = EXCLUDED.active`,
		ad.ID, campaignID, ad.Content.Title, ad.Content.Description, ad.Content.CallToAction,
		ad.Content.TargetURL, ad.Content.DisplayFormat, pq.Array(ad.Keywords), pq.Array(ad.Categories),
		triggers, ad.Weights.Keyword, ad.Weights.Category, ad.Weights.Intent, variants, ad.Active)
	if err != nil {
		return fmt.Errorf("upsert ad %s: %w", ad.ID, err)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

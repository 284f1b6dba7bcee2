package db

import (
	"database/sql"
	"errors"
	"testing"
	"time"
)

type fakeRow struct {
	vals []any
	err  error
}

func (f fakeRow) Scan(dest ...any) error {
	if f.err != nil {
		return f.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = f.vals[i].(string)
		case *sql.NullString:
			*p = f.vals[i].(sql.NullString)
		case *sql.NullTime:
			*p = f.vals[i].(sql.NullTime)
		case *float64:
			*p = f.vals[i].(float64)
		case *[]byte:
			if f.vals[i] != nil {
				*p = f.vals[i].([]byte)
			}
		}
	}
	return nil
}

func TestScanCampaignDecodesJSONB(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	row := fakeRow{vals: []any{
		"c1", sql.NullString{String: "acme", Valid: true}, "Acme", "active",
		sql.NullTime{Time: start, Valid: true}, sql.NullTime{},
		100.0, 10.0, 5.0,
		[]byte(`{"keywords":["laptop"],"intent_triggers":{"purchase_intent":["buy"]}}`),
		[]byte(`{"frequency_cap":2,"pacing":"even"}`),
	}}
	c, err := scanCampaign(row)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if c.CompanyID != "acme" || !c.StartDate.Equal(start) || !c.EndDate.IsZero() {
		t.Fatalf("unexpected campaign %+v", c)
	}
	if len(c.Targeting.Keywords) != 1 || c.Targeting.IntentTriggers["purchase_intent"][0] != "buy" {
		t.Fatalf("targeting not decoded: %+v", c.Targeting)
	}
	if c.Performance.FrequencyCap != 2 || c.Performance.Pacing != "even" {
		t.Fatalf("performance not decoded: %+v", c.Performance)
	}
}

func TestScanCampaignErrors(t *testing.T) {
	if _, err := scanCampaign(fakeRow{err: errors.New("boom")}); err == nil {
		t.Fatal("expected scan error")
	}
	row := fakeRow{vals: []any{
		"c1", sql.NullString{}, "Acme", "active", sql.NullTime{}, sql.NullTime{},
		0.0, 0.0, 0.0, []byte(`{not json`), nil,
	}}
	if _, err := scanCampaign(row); err == nil {
		t.Fatal("expected targeting decode error")
	}
}

func TestNullTime(t *testing.T) {
	if nullTime(time.Time{}).Valid {
		t.Fatal("zero time should be NULL")
	}
	if !nullTime(time.Now()).Valid {
		t.Fatal("non-zero time should be valid")
	}
}

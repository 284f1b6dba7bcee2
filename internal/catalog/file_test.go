package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/patrickwarner/admatch/internal/models"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

const acmeCompany = `company_id: acme
ad_settings:
  default_bid: 0.2
  daily_budget: 40
  frequency_cap: 4
  default_match_weights: {keyword_match: 0.6, category_match: 0.2, intent_match: 0.2}
`

const acmeCampaign = `campaign_id: acme_shoes
name: Acme Shoes
start_date: 2025-01-01
end_date: 2025-06-30
total_budget: 100
targeting:
  demographics:
    countries: [US]
  target_intents: [purchase_intent]
  intent_triggers:
    purchase_intent: [buy]
  context_targeting:
    keywords: [shoes, running]
    categories: [apparel]
ads:
  - ad_id: acme_run_1
    content:
      title: Run faster
      target_url: https://acme.example/?ad={AD_ID}
  - ad_id: acme_bad_weights
    content:
      title: Broken
    match_weights: {keyword_match: 0.5, category_match: 0.5, intent_match: 0.5}
  - ad_id: acme_off
    active: false
    content:
      title: Retired
    match_weights: {keyword_match: 1}
`

func TestFileLoaderReadsCompanies(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "acme", "company.yaml"), acmeCompany)
	writeFile(t, filepath.Join(dir, "acme", "campaigns", "shoes.yaml"), acmeCampaign)
	writeFile(t, filepath.Join(dir, "acme", "campaigns", "notes.txt"), "ignored")
	writeFile(t, filepath.Join(dir, "beta", "company.json"), `{"company_id": "beta"}`)
	writeFile(t, filepath.Join(dir, "beta", "campaigns", "hats.json"), `{
  "campaign_id": "beta_hats",
  "status": "Paused",
  "end_date": "2025-03-01T12:00:00Z",
  "performance_settings": {"pacing": "EVEN", "min_relevance_score": 0.5},
  "ads": [{"ad_id": "beta_hat_1", "content": {"title": "Hats"}}]
}`)
	writeFile(t, filepath.Join(dir, TemplateCompany, "company.yaml"), "company_id: template_company\n")
	writeFile(t, filepath.Join(dir, TemplateCompany, "campaigns", "x.yaml"), "campaign_id: tmpl\n")
	writeFile(t, filepath.Join(dir, ".git", "company.yaml"), "company_id: hidden\n")
	writeFile(t, filepath.Join(dir, "noconfig", "campaigns", "x.yaml"), "campaign_id: orphan\n")

	camps, issues, err := NewFileLoader(dir, zap.NewNop()).LoadWithIssues(context.Background())
	require.NoError(t, err)
	require.Len(t, camps, 2)

	acme := camps[0]
	assert.Equal(t, "acme_shoes", acme.ID)
	assert.Equal(t, "acme", acme.CompanyID)
	assert.Equal(t, models.StatusActive, acme.Status)
	assert.Equal(t, models.PacingASAP, acme.Performance.Pacing)
	assert.Equal(t, 40.0, acme.DailyBudget, "company daily budget applies")
	assert.Equal(t, 0.2, acme.Performance.EstimatedCost, "company default bid applies")
	assert.Equal(t, 4, acme.Performance.FrequencyCap)
	assert.Equal(t, []string{"US"}, acme.Targeting.Countries)
	assert.Equal(t, []string{"shoes", "running"}, acme.Targeting.Keywords)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), acme.StartDate)
	assert.Equal(t, time.Date(2025, 6, 30, 23, 59, 59, 999999999, time.UTC), acme.EndDate)

	require.Len(t, acme.Ads, 2)
	assert.Equal(t, "acme_run_1", acme.Ads[0].ID)
	assert.Equal(t, models.MatchWeights{Keyword: 0.6, Category: 0.2, Intent: 0.2}, acme.Ads[0].Weights)
	assert.True(t, acme.Ads[0].Active)
	assert.Equal(t, "text", acme.Ads[0].Content.DisplayFormat)
	assert.False(t, acme.Ads[1].Active)

	beta := camps[1]
	assert.Equal(t, models.StatusPaused, beta.Status)
	assert.Equal(t, models.PacingEven, beta.Performance.Pacing)
	require.NotNil(t, beta.Performance.MinRelevanceScore)
	assert.Equal(t, 0.5, *beta.Performance.MinRelevanceScore)
	assert.Equal(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), beta.EndDate)
	assert.Equal(t, models.DefaultMatchWeights, beta.Ads[0].Weights)

	require.Len(t, issues, 1)
	assert.Equal(t, "acme_bad_weights", issues[0].AdID)
	assert.Contains(t, issues[0].Reason, "match_weights")
}

func TestFileLoaderReportsBadFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "acme", "company.yaml"), acmeCompany)
	writeFile(t, filepath.Join(dir, "acme", "campaigns", "a.yaml"), "campaign_id: [unclosed")
	writeFile(t, filepath.Join(dir, "acme", "campaigns", "b.yaml"), "name: no id\n")
	writeFile(t, filepath.Join(dir, "acme", "campaigns", "c.yaml"), "campaign_id: c\nstart_date: someday\n")
	writeFile(t, filepath.Join(dir, "acme", "campaigns", "d.yaml"), acmeCampaign)
	writeFile(t, filepath.Join(dir, "acme", "campaigns", "e.yaml"), acmeCampaign)

	camps, issues, err := NewFileLoader(dir, nil).LoadWithIssues(context.Background())
	require.NoError(t, err)
	require.Len(t, camps, 1)

	reasons := make([]string, 0, len(issues))
	for _, is := range issues {
		reasons = append(reasons, is.String())
	}
	assert.Len(t, issues, 5, "%v", reasons)
}

func TestFileLoaderMissingDir(t *testing.T) {
	_, err := NewFileLoader(filepath.Join(t.TempDir(), "nope"), nil).Load(context.Background())
	assert.Error(t, err)
}

func TestFileLoaderSampleData(t *testing.T) {
	camps, issues, err := NewFileLoader(filepath.Join("..", "..", "data", "companies"), nil).LoadWithIssues(context.Background())
	require.NoError(t, err)
	assert.Empty(t, issues)
	cat := models.NewCatalog(camps, 1, time.Now())
	_, ok := cat.Ad("tg_laptop_gaming_1")
	assert.True(t, ok)
	_, ok = cat.Ad("sw_headphones_1")
	assert.True(t, ok)
	_, ok = cat.Campaign("example_campaign")
	assert.False(t, ok, "template company must not load")
}

func TestParseDate(t *testing.T) {
	got, err := parseDate("2025-02-03", false)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 2, 3, 0, 0, 0, 0, time.UTC), got)

	got, err = parseDate("2025-02-03T10:00:00+02:00", true)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 2, 3, 8, 0, 0, 0, time.UTC), got)

	got, err = parseDate("", true)
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	_, err = parseDate("03/02/2025", false)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	camps := []models.Campaign{
		{ID: "c1", Ads: []models.Ad{
			{ID: "a1", Weights: models.DefaultMatchWeights},
			{ID: "", Weights: models.DefaultMatchWeights},
			{ID: "a2", Weights: models.MatchWeights{Keyword: 0.5}},
		}},
		{ID: "c1"},
		{ID: "c2", Ads: []models.Ad{{ID: "a1", Weights: models.DefaultMatchWeights}}},
	}
	out, issues := Validate(camps)
	require.Len(t, out, 2)
	assert.Len(t, out[0].Ads, 1)
	assert.Empty(t, out[1].Ads)
	assert.Len(t, issues, 4)
	assert.Len(t, camps[0].Ads, 3, "input must not be modified")
}

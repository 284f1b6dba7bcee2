package catalog

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/patrickwarner/admatch/internal/models"
)

// TemplateCompany is the scaffold directory new tenants are copied from. It
// is never loaded.
const TemplateCompany = "template_company"

var companyFiles = []string{"company.yaml", "company.yml", "company.json"}

type weightsFile struct {
	Keyword  float64 `yaml:"keyword_match"`
	Category float64 `yaml:"category_match"`
	Intent   float64 `yaml:"intent_match"`
}

func (w *weightsFile) toModel() models.MatchWeights {
	if w == nil {
		return models.MatchWeights{}
	}
	return models.MatchWeights{Keyword: w.Keyword, Category: w.Category, Intent: w.Intent}
}

// companyFile mirrors <company>/company.yaml.
type companyFile struct {
	CompanyID  string `yaml:"company_id"`
	Name       string `yaml:"name"`
	AdSettings struct {
		DefaultBid          float64      `yaml:"default_bid"`
		DailyBudget         float64      `yaml:"daily_budget"`
		FrequencyCap        int          `yaml:"frequency_cap"`
		DefaultMatchWeights *weightsFile `yaml:"default_match_weights"`
	} `yaml:"ad_settings"`
}

// campaignFile mirrors one file under <company>/campaigns/. JSON files
// decode through the same YAML parser.
type campaignFile struct {
	CampaignID  string  `yaml:"campaign_id"`
	Name        string  `yaml:"name"`
	Status      string  `yaml:"status"`
	StartDate   string  `yaml:"start_date"`
	EndDate     string  `yaml:"end_date"`
	TotalBudget float64 `yaml:"total_budget"`
	DailyBudget float64 `yaml:"daily_budget"`
	SpendToDate float64 `yaml:"spend_to_date"`
	Targeting   struct {
		Interests    []string `yaml:"interests"`
		Demographics struct {
			Countries []string `yaml:"countries"`
			Devices   []string `yaml:"devices"`
		} `yaml:"demographics"`
		TargetIntents    []string            `yaml:"target_intents"`
		IntentTriggers   map[string][]string `yaml:"intent_triggers"`
		ContextTargeting struct {
			Keywords   []string `yaml:"keywords"`
			Categories []string `yaml:"categories"`
		} `yaml:"context_targeting"`
		ExcludedKeywords   []string `yaml:"excluded_keywords"`
		ExcludedCategories []string `yaml:"excluded_categories"`
	} `yaml:"targeting"`
	Performance struct {
		OptimizationGoal  string   `yaml:"optimization_goal"`
		MinRelevanceScore *float64 `yaml:"min_relevance_score"`
		FrequencyCap      int      `yaml:"frequency_cap"`
		Pacing            string   `yaml:"pacing"`
		EstimatedCost     float64  `yaml:"estimated_cost"`
	} `yaml:"performance_settings"`
	Ads []adFile `yaml:"ads"`
}

type adFile struct {
	AdID    string `yaml:"ad_id"`
	Content struct {
		Title         string `yaml:"title"`
		Description   string `yaml:"description"`
		CallToAction  string `yaml:"cta"`
		TargetURL     string `yaml:"target_url"`
		DisplayFormat string `yaml:"display_format"`
	} `yaml:"content"`
	Keywords       []string            `yaml:"keywords"`
	Categories     []string            `yaml:"categories"`
	IntentTriggers map[string][]string `yaml:"intent_triggers"`
	MatchWeights   *weightsFile        `yaml:"match_weights"`
	Active         *bool               `yaml:"active"`
	Variants       []struct {
		ID           string `yaml:"id"`
		Title        string `yaml:"title"`
		Description  string `yaml:"description"`
		CallToAction string `yaml:"cta"`
	} `yaml:"variants"`
}

// FileLoader reads campaigns from company directories laid out as
// <Dir>/<company_id>/company.yaml and <Dir>/<company_id>/campaigns/*.yaml|yml|json.
type FileLoader struct {
	Dir    string
	Logger *zap.Logger
}

// NewFileLoader returns a loader rooted at dir.
func NewFileLoader(dir string, logger *zap.Logger) *FileLoader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileLoader{Dir: dir, Logger: logger}
}

// Load implements Loader.
func (l *FileLoader) Load(ctx context.Context) ([]models.Campaign, error) {
	camps, _, err := l.LoadWithIssues(ctx)
	return camps, err
}

// LoadWithIssues returns the accepted campaigns plus everything that was
// skipped along the way. A malformed campaign file is an issue, not an
// error; only an unreadable root directory fails the load.
func (l *FileLoader) LoadWithIssues(ctx context.Context) ([]models.Campaign, []Issue, error) {
	entries, err := os.ReadDir(l.Dir)
	if err != nil {
		return nil, nil, fmt.Errorf("read catalog dir %s: %w", l.Dir, err)
	}
	var camps []models.Campaign
	var issues []Issue
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		name := e.Name()
		if !e.IsDir() || name == TemplateCompany || strings.HasPrefix(name, ".") {
			continue
		}
		cs, is := l.loadCompany(filepath.Join(l.Dir, name), name)
		camps = append(camps, cs...)
		issues = append(issues, is...)
	}
	camps, more := Validate(camps)
	issues = append(issues, more...)
	logIssues(l.Logger, issues)
	return camps, issues, nil
}

func (l *FileLoader) loadCompany(dir, dirName string) ([]models.Campaign, []Issue) {
	var company companyFile
	found := false
	for _, f := range companyFiles {
		path := filepath.Join(dir, f)
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, []Issue{{CompanyID: dirName, File: path, Reason: err.Error()}}
		}
		if err := yaml.Unmarshal(data, &company); err != nil {
			return nil, []Issue{{CompanyID: dirName, File: path, Reason: "parse company: " + err.Error()}}
		}
		found = true
		break
	}
	if !found {
		l.Logger.Info("skipping company without configuration", zap.String("dir", dir))
		return nil, nil
	}
	if company.CompanyID == "" {
		company.CompanyID = dirName
	}

	pattern := filepath.Join(dir, "campaigns", "*")
	paths, _ := filepath.Glob(pattern)
	sort.Strings(paths)

	var camps []models.Campaign
	var issues []Issue
	for _, path := range paths {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			issues = append(issues, Issue{CompanyID: company.CompanyID, File: path, Reason: err.Error()})
			continue
		}
		var cf campaignFile
		if err := yaml.Unmarshal(data, &cf); err != nil {
			issues = append(issues, Issue{CompanyID: company.CompanyID, File: path, Reason: "parse campaign: " + err.Error()})
			continue
		}
		camp, err := cf.toModel(&company)
		if err != nil {
			issues = append(issues, Issue{CompanyID: company.CompanyID, CampaignID: cf.CampaignID, File: path, Reason: err.Error()})
			continue
		}
		camps = append(camps, camp)
	}
	l.Logger.Debug("loaded company", zap.String("company_id", company.CompanyID), zap.Int("campaigns", len(camps)))
	return camps, issues
}

func (cf *campaignFile) toModel(company *companyFile) (models.Campaign, error) {
	if cf.CampaignID == "" {
		return models.Campaign{}, errors.New("missing campaign_id")
	}
	start, err := parseDate(cf.StartDate, false)
	if err != nil {
		return models.Campaign{}, fmt.Errorf("start_date: %w", err)
	}
	end, err := parseDate(cf.EndDate, true)
	if err != nil {
		return models.Campaign{}, fmt.Errorf("end_date: %w", err)
	}
	c := models.Campaign{
		ID:          cf.CampaignID,
		CompanyID:   company.CompanyID,
		Name:        cf.Name,
		Status:      strings.ToLower(cf.Status),
		StartDate:   start,
		EndDate:     end,
		TotalBudget: cf.TotalBudget,
		DailyBudget: cf.DailyBudget,
		SpendToDate: cf.SpendToDate,
		Targeting: models.Targeting{
			Interests:          cf.Targeting.Interests,
			Countries:          cf.Targeting.Demographics.Countries,
			Devices:            cf.Targeting.Demographics.Devices,
			TargetIntents:      cf.Targeting.TargetIntents,
			IntentTriggers:     cf.Targeting.IntentTriggers,
			Keywords:           cf.Targeting.ContextTargeting.Keywords,
			Categories:         cf.Targeting.ContextTargeting.Categories,
			ExcludedKeywords:   cf.Targeting.ExcludedKeywords,
			ExcludedCategories: cf.Targeting.ExcludedCategories,
		},
		Performance: models.PerformanceSettings{
			OptimizationGoal:  cf.Performance.OptimizationGoal,
			MinRelevanceScore: cf.Performance.MinRelevanceScore,
			FrequencyCap:      cf.Performance.FrequencyCap,
			Pacing:            strings.ToLower(cf.Performance.Pacing),
			EstimatedCost:     cf.Performance.EstimatedCost,
		},
	}
	if c.Status == "" {
		c.Status = models.StatusActive
	}
	if c.Performance.Pacing == "" {
		c.Performance.Pacing = models.PacingASAP
	}
	settings := company.AdSettings
	if c.DailyBudget == 0 {
		c.DailyBudget = settings.DailyBudget
	}
	if c.Performance.EstimatedCost == 0 {
		c.Performance.EstimatedCost = settings.DefaultBid
	}
	if c.Performance.FrequencyCap == 0 {
		c.Performance.FrequencyCap = settings.FrequencyCap
	}
	defaults := settings.DefaultMatchWeights.toModel()
	if defaults.IsZero() {
		defaults = models.DefaultMatchWeights
	}

	for _, af := range cf.Ads {
		ad := models.Ad{
			ID:         af.AdID,
			CampaignID: c.ID,
			CompanyID:  c.CompanyID,
			Content: models.AdContent{
				Title:         af.Content.Title,
				Description:   af.Content.Description,
				CallToAction:  af.Content.CallToAction,
				TargetURL:     af.Content.TargetURL,
				DisplayFormat: af.Content.DisplayFormat,
			},
			Keywords:       af.Keywords,
			Categories:     af.Categories,
			IntentTriggers: af.IntentTriggers,
			Weights:        af.MatchWeights.toModel(),
			Active:         af.Active == nil || *af.Active,
		}
		if ad.Weights.IsZero() {
			ad.Weights = defaults
		}
		if ad.Content.DisplayFormat == "" {
			ad.Content.DisplayFormat = "text"
		}
		for _, v := range af.Variants {
			ad.Variants = append(ad.Variants, models.Variant{
				ID:           v.ID,
				Title:        v.Title,
				Description:  v.Description,
				CallToAction: v.CallToAction,
			})
		}
		c.Ads = append(c.Ads, ad)
	}
	return c, nil
}

var dateLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"}

// parseDate accepts RFC 3339 timestamps or bare dates, read as UTC. A bare
// end date covers the whole of that day.
func parseDate(s string, endOfDay bool) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognized date %q", s)
	}
	if endOfDay {
		return t.Add(24*time.Hour - time.Nanosecond), nil
	}
	return t, nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/patrickwarner/admatch/internal/db"
	"github.com/patrickwarner/admatch/internal/logic/delivery"
	"github.com/patrickwarner/admatch/internal/models"
)

type MatchAdsInput struct {
	Query     string   `json:"query"`
	UserID    string   `json:"user_id,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	Country   string   `json:"country,omitempty"`
	Device    string   `json:"device,omitempty"`
	Interests []string `json:"interests,omitempty"`
}

type MatchAdsOutput struct {
	RequestID string               `json:"request_id"`
	Outcome   string               `json:"outcome"`
	Ads       []models.DeliveredAd `json:"ads"`
	// Rejected maps ad ids to the first reason they were discarded for.
	Rejected map[string]string `json:"rejected,omitempty"`
}

type AnalyzeQueryInput struct {
	Query string `json:"query"`
}

type AdStatsInput struct {
	AdID string `json:"ad_id"`
}

type AdStatsOutput struct {
	AdID   string           `json:"ad_id"`
	Counts map[string]int64 `json:"counts"`
}

type ListCampaignsInput struct {
	CompanyID string `json:"company_id,omitempty"`
}

type CampaignSummary struct {
	ID        string `json:"campaign_id"`
	CompanyID string `json:"company_id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	Ads       int    `json:"ads"`
}

type ListCampaignsOutput struct {
	CatalogVersion int64             `json:"catalog_version"`
	Campaigns      []CampaignSummary `json:"campaigns"`
}

// engine is the part of delivery.Engine the tools call.
type engine interface {
	Decide(ctx context.Context, req delivery.Request) (*models.DeliveryDecision, error)
	Analyze(ctx context.Context, text string) (models.QueryFeatures, error)
}

// MatchServer exposes the matching pipeline as MCP tools.
type MatchServer struct {
	engine  engine
	catalog func() *models.Catalog
	redis   *db.RedisStore
	logger  *zap.Logger
}

// MatchAds runs a full delivery decision for the query.
func (s *MatchServer) MatchAds(ctx context.Context, req *mcp.CallToolRequest, input MatchAdsInput) (*mcp.CallToolResult, MatchAdsOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	dec, err := s.engine.Decide(ctx, delivery.Request{
		Query: models.Query{Text: input.Query, UserID: input.UserID, SessionID: input.SessionID},
		Audience: models.Audience{
			Country:   input.Country,
			Device:    input.Device,
			Interests: input.Interests,
		},
		Debug: true,
	})
	if err != nil {
		return nil, MatchAdsOutput{}, fmt.Errorf("match ads: %w", err)
	}

	out := MatchAdsOutput{RequestID: dec.RequestID, Ads: dec.Ads}
	if out.Ads == nil {
		out.Ads = []models.DeliveredAd{}
	}
	if dec.Audit != nil {
		out.Outcome = dec.Audit.Outcome
		for _, r := range dec.Audit.Rejections {
			if out.Rejected == nil {
				out.Rejected = make(map[string]string)
			}
			if _, seen := out.Rejected[r.AdID]; !seen {
				out.Rejected[r.AdID] = r.Stage + ":" + r.Reason
			}
		}
	}
	s.logger.Info("match_ads",
		zap.String("request_id", out.RequestID),
		zap.String("outcome", out.Outcome),
		zap.Int("ads", len(out.Ads)))
	return nil, out, nil
}

// AnalyzeQuery returns the features extracted from the query.
func (s *MatchServer) AnalyzeQuery(ctx context.Context, req *mcp.CallToolRequest, input AnalyzeQueryInput) (*mcp.CallToolResult, models.QueryFeatures, error) {
	f, err := s.engine.Analyze(ctx, input.Query)
	if err != nil {
		return nil, models.QueryFeatures{}, fmt.Errorf("analyze query: %w", err)
	}
	return nil, f, nil
}

// AdStats returns the Redis event counters of one ad.
func (s *MatchServer) AdStats(ctx context.Context, req *mcp.CallToolRequest, input AdStatsInput) (*mcp.CallToolResult, AdStatsOutput, error) {
	if s.redis == nil {
		return nil, AdStatsOutput{}, errors.New("ad stats require the redis state backend")
	}
	counts, err := s.redis.AdEventCounts(ctx, input.AdID)
	if err != nil {
		return nil, AdStatsOutput{}, fmt.Errorf("ad stats: %w", err)
	}
	return nil, AdStatsOutput{AdID: input.AdID, Counts: counts}, nil
}

// ListCampaigns summarizes the current catalog snapshot.
func (s *MatchServer) ListCampaigns(ctx context.Context, req *mcp.CallToolRequest, input ListCampaignsInput) (*mcp.CallToolResult, ListCampaignsOutput, error) {
	cat := s.catalog()
	out := ListCampaignsOutput{CatalogVersion: cat.Version, Campaigns: []CampaignSummary{}}
	for _, c := range cat.Campaigns() {
		if input.CompanyID != "" && c.CompanyID != input.CompanyID {
			continue
		}
		out.Campaigns = append(out.Campaigns, CampaignSummary{
			ID:        c.ID,
			CompanyID: c.CompanyID,
			Name:      c.Name,
			Status:    c.Status,
			Ads:       len(c.Ads),
		})
	}
	sort.Slice(out.Campaigns, func(i, j int) bool { return out.Campaigns[i].ID < out.Campaigns[j].ID })
	return nil, out, nil
}

func registerTools(server *mcp.Server, s *MatchServer) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "match_ads",
		Description: "Match sponsored ads to a natural-language query and return the delivery decision",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "The user's query text",
				},
				"user_id": map[string]interface{}{
					"type":        "string",
					"description": "User id for frequency capping (optional)",
				},
				"session_id": map[string]interface{}{
					"type":        "string",
					"description": "Session id used when no user id is known (optional)",
				},
				"country": map[string]interface{}{
					"type":        "string",
					"description": "ISO country code of the audience (optional)",
				},
				"device": map[string]interface{}{
					"type":        "string",
					"enum":        []string{"desktop", "mobile", "tablet", "other"},
					"description": "Audience device class (optional)",
				},
				"interests": map[string]interface{}{
					"type":        "array",
					"items":       map[string]interface{}{"type": "string"},
					"description": "Known audience interests (optional)",
				},
			},
			"required": []string{"query"},
		},
	}, s.MatchAds)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "analyze_query",
		Description: "Extract keywords, intents and categories from a query without matching",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "The query text to analyze",
				},
			},
			"required": []string{"query"},
		},
	}, s.AnalyzeQuery)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ad_stats",
		Description: "Return impression, click and conversion counters for an ad",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"ad_id": map[string]interface{}{
					"type":        "string",
					"description": "Ad id",
				},
			},
			"required": []string{"ad_id"},
		},
	}, s.AdStats)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_campaigns",
		Description: "List campaigns in the loaded catalog",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"company_id": map[string]interface{}{
					"type":        "string",
					"description": "Only list campaigns of this company (optional)",
				},
			},
		},
	}, s.ListCampaigns)
}

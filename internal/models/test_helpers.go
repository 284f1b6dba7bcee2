package models

import "time"

// SampleCampaigns returns a small catalog used by tests across packages. It
// contains the TechGear laptop campaign with two ads that share keyword
// overlap but differ in keyword weight, plus an audio campaign.
func SampleCampaigns() []Campaign {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2030, 12, 31, 23, 59, 59, 0, time.UTC)
	return []Campaign{
		{
			ID:          "techgear_laptops_2024",
			CompanyID:   "techgear",
			Name:        "TechGear Laptops 2024",
			Status:      StatusActive,
			StartDate:   start,
			EndDate:     end,
			TotalBudget: 10000,
			DailyBudget: 500,
			Targeting: Targeting{
				TargetIntents: []string{"purchase_intent", "research_intent"},
				IntentTriggers: map[string][]string{
					"purchase_intent": {"buy", "purchase", "looking for", "deal"},
					"research_intent": {"best", "compare", "review"},
					"price_check":     {"price", "how much", "cost"},
				},
				Keywords:         []string{"laptop", "gaming", "computer", "notebook", "workstation"},
				Categories:       []string{"electronics", "computers"},
				ExcludedKeywords: []string{"refurbished"},
			},
			Performance: PerformanceSettings{
				OptimizationGoal: "conversions",
				FrequencyCap:     3,
				Pacing:           PacingASAP,
				EstimatedCost:    0.5,
			},
			Ads: []Ad{
				{
					ID: "tg_laptop_gaming_1",
					Content: AdContent{
						Title:         "TechGear Gaming Laptop",
						Description:   "RTX graphics and 240Hz display for serious gaming",
						CallToAction:  "Shop now",
						TargetURL:     "https://techgear.example/gaming?ad={AD_ID}",
						DisplayFormat: "text",
					},
					Weights: MatchWeights{Keyword: 0.5, Category: 0.3, Intent: 0.2},
					Active:  true,
					Variants: []Variant{
						{ID: "a", Title: "TechGear Gaming Laptop"},
						{ID: "b", Title: "Level up with TechGear"},
					},
				},
				{
					ID: "tg_laptop_pro_1",
					Content: AdContent{
						Title:         "TechGear Pro Notebook",
						Description:   "A lightweight notebook for professionals",
						CallToAction:  "Learn more",
						TargetURL:     "https://techgear.example/pro",
						DisplayFormat: "text",
					},
					Weights: MatchWeights{Keyword: 0.4, Category: 0.3, Intent: 0.3},
					Active:  true,
				},
			},
		},
		{
			ID:          "soundwave_audio_2024",
			CompanyID:   "soundwave",
			Name:        "SoundWave Headphones",
			Status:      StatusActive,
			StartDate:   start,
			EndDate:     end,
			TotalBudget: 2000,
			DailyBudget: 100,
			Targeting: Targeting{
				TargetIntents: []string{"purchase_intent"},
				IntentTriggers: map[string][]string{
					"purchase_intent": {"buy", "order"},
				},
				Keywords:   []string{"headphones", "wireless", "noise canceling", "music"},
				Categories: []string{"electronics", "audio"},
			},
			Performance: PerformanceSettings{FrequencyCap: 2, EstimatedCost: 0.25},
			Ads: []Ad{
				{
					ID: "sw_headphones_1",
					Content: AdContent{
						Title:        "SoundWave ANC Headphones",
						Description:  "Wireless noise canceling headphones",
						CallToAction: "Buy now",
						TargetURL:    "https://soundwave.example/anc",
					},
					Weights: MatchWeights{Keyword: 0.4, Category: 0.3, Intent: 0.3},
					Active:  true,
				},
			},
		},
	}
}

// NewTestCatalogStore returns a store preloaded with SampleCampaigns.
func NewTestCatalogStore() *CatalogStore {
	s := NewCatalogStore()
	s.Replace(SampleCampaigns(), time.Now())
	return s
}

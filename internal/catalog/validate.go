package catalog

import (
	"fmt"

	"github.com/patrickwarner/admatch/internal/models"
)

// Issue describes a catalog entry that was rejected at load time.
type Issue struct {
	CompanyID  string `json:"company_id,omitempty"`
	CampaignID string `json:"campaign_id,omitempty"`
	AdID       string `json:"ad_id,omitempty"`
	File       string `json:"file,omitempty"`
	Reason     string `json:"reason"`
}

func (i Issue) String() string {
	loc := i.CampaignID
	if i.AdID != "" {
		loc += "/" + i.AdID
	}
	if loc == "" {
		loc = i.File
	}
	return fmt.Sprintf("%s: %s", loc, i.Reason)
}

// Validate drops duplicate campaigns, duplicate or unnamed ads and ads whose
// match weights do not sum to 1.0 within models.WeightTolerance. Inputs are
// not modified.
func Validate(camps []models.Campaign) ([]models.Campaign, []Issue) {
	var issues []Issue
	out := make([]models.Campaign, 0, len(camps))
	seenCamp := make(map[string]bool, len(camps))
	seenAd := make(map[string]string)

	for _, c := range camps {
		if seenCamp[c.ID] {
			issues = append(issues, Issue{CompanyID: c.CompanyID, CampaignID: c.ID, Reason: "duplicate campaign_id"})
			continue
		}
		seenCamp[c.ID] = true

		ads := make([]models.Ad, 0, len(c.Ads))
		for _, ad := range c.Ads {
			is := Issue{CompanyID: c.CompanyID, CampaignID: c.ID, AdID: ad.ID}
			switch {
			case ad.ID == "":
				is.Reason = "missing ad_id"
			case seenAd[ad.ID] != "":
				is.Reason = "duplicate ad_id, first defined in " + seenAd[ad.ID]
			case !ad.Weights.Valid():
				is.Reason = fmt.Sprintf("match_weights sum to %.6f, want 1.0", ad.Weights.Sum())
			}
			if is.Reason != "" {
				issues = append(issues, is)
				continue
			}
			seenAd[ad.ID] = c.ID
			ads = append(ads, ad)
		}
		c.Ads = ads
		out = append(out, c)
	}
	return out, issues
}

package admission

import (
	"github.com/cespare/xxhash/v2"

	"github.com/patrickwarner/admatch/internal/models"
)

// AssignVariant picks the A/B variant for subject. The choice is sticky: the
// same subject and campaign always land in the same bucket.
func AssignVariant(subject, campaignID string, ad *models.Ad) string {
	if ad == nil || len(ad.Variants) == 0 {
		return models.DefaultVariant
	}
	h := xxhash.Sum64String(subject + ":" + campaignID)
	return ad.Variants[h%uint64(len(ad.Variants))].ID
}

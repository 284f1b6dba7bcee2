package models

import (
	"errors"
	"sort"
	"time"
)

// ErrNotFound is returned when an entity is not in the catalog.
var ErrNotFound = errors.New("entity not found")

// Catalog is an immutable snapshot of campaigns and ads together with the
// targeting vocabulary compiled from them. Readers share a snapshot freely;
// updates build a new Catalog and swap it in through a CatalogStore.
type Catalog struct {
	Version  int64
	LoadedAt time.Time

	campaigns     map[string]*Campaign
	campaignOrder []string
	ads           map[string]*Ad
	adOrder       []string

	// Triggers maps intent trigger phrases to intent tags.
	Triggers *PhraseIndex
	// Vocabulary maps keywords and category names to category tags.
	Vocabulary *PhraseIndex
}

// NewCatalog indexes campaigns and compiles the trigger index and category
// vocabulary from active campaigns and ads. Inputs are copied.
func NewCatalog(campaigns []Campaign, version int64, loadedAt time.Time) *Catalog {
	c := &Catalog{
		Version:    version,
		LoadedAt:   loadedAt,
		campaigns:  make(map[string]*Campaign, len(campaigns)),
		ads:        make(map[string]*Ad),
		Triggers:   NewPhraseIndex(),
		Vocabulary: NewPhraseIndex(),
	}
	for i := range campaigns {
		camp := campaigns[i]
		camp.Ads = append([]Ad(nil), campaigns[i].Ads...)
		cp := &camp
		if _, dup := c.campaigns[cp.ID]; dup {
			continue
		}
		c.campaigns[cp.ID] = cp
		c.campaignOrder = append(c.campaignOrder, cp.ID)
		for j := range cp.Ads {
			ad := &cp.Ads[j]
			if ad.CampaignID == "" {
				ad.CampaignID = cp.ID
			}
			if ad.CompanyID == "" {
				ad.CompanyID = cp.CompanyID
			}
			if _, dup := c.ads[ad.ID]; dup {
				continue
			}
			c.ads[ad.ID] = ad
			c.adOrder = append(c.adOrder, ad.ID)
		}
		if cp.Status == StatusActive {
			c.compile(cp)
		}
	}
	return c
}

func (c *Catalog) compile(camp *Campaign) {
	addTriggers := func(triggers map[string][]string) {
		for intent, phrases := range triggers {
			for _, p := range phrases {
				c.Triggers.Add(p, intent)
			}
		}
	}
	addTriggers(camp.Targeting.IntentTriggers)

	cats := NormalizeSet(camp.Targeting.Categories)
	for _, cat := range cats {
		c.Vocabulary.Add(cat, cat)
	}
	for _, kw := range camp.Targeting.Keywords {
		c.Vocabulary.Add(kw, cats...)
	}
	for i := range camp.Ads {
		ad := &camp.Ads[i]
		if !ad.Active {
			continue
		}
		addTriggers(ad.IntentTriggers)
		adCats := NormalizeSet(append(append([]string(nil), cats...), ad.Categories...))
		for _, cat := range NormalizeSet(ad.Categories) {
			c.Vocabulary.Add(cat, cat)
		}
		for _, kw := range ad.Keywords {
			c.Vocabulary.Add(kw, adCats...)
		}
	}
}

// Ad returns the ad with the given id.
func (c *Catalog) Ad(id string) (*Ad, bool) {
	if c == nil {
		return nil, false
	}
	a, ok := c.ads[id]
	return a, ok
}

// Campaign returns the campaign with the given id.
func (c *Catalog) Campaign(id string) (*Campaign, bool) {
	if c == nil {
		return nil, false
	}
	camp, ok := c.campaigns[id]
	return camp, ok
}

// Ads returns every ad in load order.
func (c *Catalog) Ads() []*Ad {
	if c == nil {
		return nil
	}
	out := make([]*Ad, 0, len(c.adOrder))
	for _, id := range c.adOrder {
		out = append(out, c.ads[id])
	}
	return out
}

// Campaigns returns every campaign in load order.
func (c *Catalog) Campaigns() []*Campaign {
	if c == nil {
		return nil
	}
	out := make([]*Campaign, 0, len(c.campaignOrder))
	for _, id := range c.campaignOrder {
		out = append(out, c.campaigns[id])
	}
	return out
}

// NumAds returns the number of ads in the snapshot.
func (c *Catalog) NumAds() int {
	if c == nil {
		return 0
	}
	return len(c.ads)
}

// Companies returns the distinct company ids, sorted.
func (c *Catalog) Companies() []string {
	seen := map[string]struct{}{}
	for _, camp := range c.Campaigns() {
		seen[camp.CompanyID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

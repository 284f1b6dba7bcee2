package admission

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/admatch/internal/logic"
	"github.com/patrickwarner/admatch/internal/models"
	"github.com/patrickwarner/admatch/internal/observability"
)

// Options configure a Controller.
type Options struct {
	// DefaultCap applies to campaigns without a frequency cap.
	DefaultCap int
	// DefaultCost is reserved per delivery for campaigns without an estimate.
	DefaultCost float64
}

// Controller walks ranked candidates and admits them against the store.
type Controller struct {
	store   Store
	opts    Options
	logger  *zap.Logger
	metrics observability.MetricsRegistry
}

func NewController(store Store, opts Options, logger *zap.Logger, metrics observability.MetricsRegistry) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &Controller{store: store, opts: opts, logger: logger, metrics: metrics}
}

// Store returns the underlying state store.
func (c *Controller) Store() Store { return c.store }

// Admit reserves candidates in rank order until limit are admitted. Each
// admission charges the subject's frequency counter and the campaign's daily
// spend in one atomic step; candidates after the limit are never charged.
// If ctx is done, admission stops and the remaining candidates are rejected
// with ReasonDeadline.
func (c *Controller) Admit(ctx context.Context, cat *models.Catalog, ranked []models.MatchCandidate, q models.Query, now time.Time, limit int) ([]models.MatchCandidate, []models.Rejection) {
	if limit <= 0 || len(ranked) == 0 {
		return nil, nil
	}
	subject := q.Subject()
	admitted := make([]models.MatchCandidate, 0, limit)
	var rejected []models.Rejection

	reject := func(cand models.MatchCandidate, reason string) {
		rejected = append(rejected, models.Rejection{AdID: cand.AdID, CampaignID: cand.CampaignID, Stage: models.StageAdmission, Reason: reason})
		c.metrics.IncrementRejections(models.StageAdmission, reason)
		c.metrics.IncrementAdmissions(reason)
	}

	for i, cand := range ranked {
		if len(admitted) >= limit {
			break
		}
		if ctx.Err() != nil {
			for _, rest := range ranked[i:] {
				reject(rest, models.ReasonDeadline)
			}
			break
		}
		ad, ok := cat.Ad(cand.AdID)
		if !ok {
			reject(cand, models.ReasonUnknownAd)
			continue
		}
		camp, ok := cat.Campaign(ad.CampaignID)
		if !ok {
			reject(cand, models.ReasonUnknownAd)
			continue
		}

		budget, paced := DailyLimit(camp, now)
		outcome, err := c.store.Reserve(ctx, Reservation{
			Subject:    subject,
			AdID:       ad.ID,
			CampaignID: camp.ID,
			Cap:        camp.FrequencyCapOr(c.opts.DefaultCap),
			Cost:       camp.CostOr(c.opts.DefaultCost),
			Limit:      budget,
			Now:        now,
		})
		if err != nil {
			switch {
			case errors.Is(err, logic.ErrStateConflict):
				c.logger.Debug("admission lost race", zap.String("ad_id", ad.ID), zap.Error(err))
				reject(cand, models.ReasonStateConflict)
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				reject(cand, models.ReasonDeadline)
			default:
				c.logger.Warn("admission state error", zap.String("ad_id", ad.ID), zap.Error(err))
				reject(cand, models.ReasonStateError)
			}
			continue
		}

		switch outcome {
		case FrequencyCapped:
			reject(cand, models.ReasonFrequencyCapped)
		case OverBudget:
			if paced {
				reject(cand, models.ReasonPacing)
			} else {
				reject(cand, models.ReasonBudgetExhausted)
			}
		case Admitted:
			cand.CampaignID = camp.ID
			cand.Variant = AssignVariant(subject, camp.ID, ad)
			admitted = append(admitted, cand)
			c.metrics.IncrementAdmissions(Admitted.String())
		}
	}
	return admitted, rejected
}

// AdmitWithTrace runs Admit and records the admitted candidates in tr.
func (c *Controller) AdmitWithTrace(ctx context.Context, cat *models.Catalog, ranked []models.MatchCandidate, q models.Query, now time.Time, limit int, tr *models.Trace) ([]models.MatchCandidate, []models.Rejection) {
	start := time.Now()
	out, rejected := c.Admit(ctx, cat, ranked, q, now, limit)
	tr.AddStep(models.StageAdmission, out, time.Since(start))
	return out, rejected
}

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"journey_backend/internal/model"
	"journey_backend/internal/util"
	"journey_backend/pkg/logger"
	"journey_backend/pkg/monitoring"
	"strings"

	"go.uber.org/zap"
)

const DefaultRatingTries = 5

// RatingOutcome is the rating used for a gating decision. Defaulted marks a rating
// that was not produced by the model but fell back to the step's pass mark after
// every try failed.
type RatingOutcome struct {
	Rate      int
	Followup  bool
	Defaulted bool
	Tries     int
}

func ParsedRating(rate int, followup bool, tries int) RatingOutcome {
	return RatingOutcome{Rate: rate, Followup: followup, Tries: tries}
}

func DefaultedRating(ratePass, tries int) RatingOutcome {
	return RatingOutcome{Rate: ratePass, Defaulted: true, Tries: tries}
}

var errRatingFormat = errors.New("rating output is not a valid rating object")

type ratingPayload struct {
	Rate     *int  `json:"rate"`
	Followup *bool `json:"followup"`
}

// ParseRating extracts {"rate": 1-5, "followup": bool?} from raw model output.
// Markdown code fences and text around the object are tolerated.
func ParseRating(raw string) (rate int, followup bool, err error) {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return 0, false, errRatingFormat
	}

	var p ratingPayload
	if err := json.Unmarshal([]byte(text[start:end+1]), &p); err != nil {
		return 0, false, fmt.Errorf("%w: %v", errRatingFormat, err)
	}
	if p.Rate == nil {
		return 0, false, fmt.Errorf("%w: missing rate", errRatingFormat)
	}
	if *p.Rate < util.MinStepRating || *p.Rate > util.MaxStepRating {
		return 0, false, fmt.Errorf("%w: rate %d out of range", errRatingFormat, *p.Rate)
	}
	if p.Followup != nil {
		followup = *p.Followup
	}
	return *p.Rate, followup, nil
}

// Rater asks the model for a rating, retrying on transport and format errors.
type Rater struct {
	AI    AIClient
	Tries int
}

func NewRater(ai AIClient, tries int) *Rater {
	if tries <= 0 {
		tries = DefaultRatingTries
	}
	return &Rater{AI: ai, Tries: tries}
}

// Rate never fails: after Tries unsuccessful calls it returns the step pass mark.
func (r *Rater) Rate(ctx context.Context, messages []AIChatMessage, step *model.JourneyStep, pl *PromptLogger, ref promptLogRef) RatingOutcome {
	for try := 1; try <= r.Tries; try++ {
		if ctx.Err() != nil {
			logger.Log.Warn("Rating aborted by context", zap.Error(ctx.Err()), zap.Uint("attemptId", ref.AttemptID))
			return r.fallback(step, try-1)
		}
		comp, err := completeAndLog(ctx, r.AI, pl, ref, messages, CompletionOptions{Purpose: model.PromptActionRate, JSON: true})
		if err != nil {
			monitoring.RatingTryCounter.WithLabelValues("unavailable").Inc()
			logger.Log.Warn("Rating call failed", zap.Error(err), zap.Int("try", try), zap.Uint("attemptId", ref.AttemptID))
			continue
		}
		rate, followup, err := ParseRating(comp.Content)
		if err != nil {
			monitoring.RatingTryCounter.WithLabelValues("invalid").Inc()
			logger.Log.Warn("Rating output rejected", zap.Error(err), zap.Int("try", try),
				zap.Uint("attemptId", ref.AttemptID), zap.String("raw", truncate(comp.Content, 200)))
			continue
		}
		monitoring.RatingTryCounter.WithLabelValues("ok").Inc()
		return ParsedRating(rate, followup, try)
	}
	return r.fallback(step, r.Tries)
}

func (r *Rater) fallback(step *model.JourneyStep, tries int) RatingOutcome {
	monitoring.RatingDefaultedCounter.Inc()
	logger.Log.Warn("Rating defaulted to pass mark", zap.Uint("stepId", step.ID), zap.Int("ratePass", step.RatePass), zap.Int("tries", tries))
	return DefaultedRating(step.RatePass, tries)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

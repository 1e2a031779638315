// Package advisor generates SMS-sized agronomic recommendations from soil and weather data.
//
// Three fixed prompts (crop suggestions, crop suitability check, fertilizer advice) share
// a single generation primitive that adds the agronomist system instruction, retries
// rate-limited calls and degrades to a fixed fallback text on any other failure.
package advisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/SoilPipe/internal/metrics"
	"github.com/BTreeMap/SoilPipe/internal/models"
	"github.com/BTreeMap/SoilPipe/internal/retry"
	"github.com/BTreeMap/SoilPipe/internal/weather"
	"github.com/openai/openai-go"
)

// FallbackText is returned whenever generation fails for a reason other than cancellation.
const FallbackText = "AI service temporarily unavailable. Please try again later."

// SystemPrompt is the agronomist role instruction sent with every request.
const SystemPrompt = `You are an expert agricultural advisor specializing in East African farming,
particularly Uganda. You provide practical, actionable advice to smallholder farmers based on
soil test data and weather conditions.

Your responses must be:
1. SHORT and SMS-friendly (max 160 characters per message)
2. Written in simple English that farmers understand
3. Practical and immediately actionable
4. Focused on crops suitable for Uganda
5. Consider local context (budget, resources, climate)

Common crops in Uganda: Maize, Beans, Coffee, Cassava, Bananas, Tomatoes, Sweet Potatoes,
Groundnuts, Sorghum, Millet.

When giving advice, consider:
- Soil pH, moisture, nutrients (N, P, K)
- Current weather and forecast
- Seasonal timing
- Local availability of inputs
- Budget constraints of smallholder farmers`

// Completer issues a single chat completion.
type Completer interface {
	GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error)
}

// Option configures an Advisor.
type Option func(*Advisor)

// WithRetryPolicy replaces the default rate-limit retry policy.
func WithRetryPolicy(p *retry.Policy) Option {
	return func(a *Advisor) { a.policy = p }
}

// Advisor is the recommendation generator.
type Advisor struct {
	completer Completer
	policy    *retry.Policy
}

// New creates an Advisor. A nil completer makes every call return FallbackText.
func New(completer Completer, opts ...Option) *Advisor {
	a := &Advisor{completer: completer}
	for _, opt := range opts {
		opt(a)
	}
	if a.policy == nil {
		a.policy = DefaultRetryPolicy()
	}
	return a
}

// DefaultRetryPolicy retries rate-limited calls: 3 attempts, 1s then 2s apart.
func DefaultRetryPolicy(opts ...retry.Option) *retry.Policy {
	base := []retry.Option{
		retry.WithMaxAttempts(retry.DefaultMaxAttempts),
		retry.WithBackoff(time.Second, 2),
		retry.WithRetryable(IsRateLimited),
		retry.WithNotify(func(err error, wait time.Duration) {
			metrics.GenAIRetriesTotal.Inc()
			slog.Warn("Advisor: rate limited, backing off", "wait", wait, "error", err)
		}),
	}
	return retry.New(append(base, opts...)...)
}

// IsRateLimited reports whether err signals backend rate limiting.
func IsRateLimited(err error) bool {
	return errors.Is(err, models.ErrRateLimited)
}

// CropSuggestions asks for the top 3 crops with a score and a one-line reason each.
func (a *Advisor) CropSuggestions(ctx context.Context, soil models.SoilProperties, w weather.Summary) (string, error) {
	prompt := fmt.Sprintf(`Based on this data, recommend the TOP 3 crops for this farmer:

%s

WEATHER (Next 5 days):
- %s
- Average temp: %s°C
- Total rainfall: %smm
- Location: %s

Respond in this EXACT format (max 160 chars total):
1. CROP1 (score/100): reason
2. CROP2 (score/100): reason
3. CROP3 (score/100): reason

Keep each line under 50 characters!`,
		soilBlock(soil, true),
		w.Forecast.Summary,
		num(w.Forecast.AvgTemperature),
		num(w.Forecast.TotalRainfallMM),
		w.Location)
	return a.generate(ctx, "crop_suggestions", prompt)
}

// CheckCrop asks for a suitability verdict on one crop plus up to 3 advice points.
func (a *Advisor) CheckCrop(ctx context.Context, cropName string, soil models.SoilProperties, w weather.Summary) (string, error) {
	crop := strings.ToUpper(strings.TrimSpace(cropName))
	prompt := fmt.Sprintf(`A farmer wants to grow %s. Analyze if it's suitable:

%s

WEATHER:
- %s

Respond in this format (max 2 SMS = 320 chars total):
✓/✗ %s is SUITABLE/NOT SUITABLE (score/100)

ADVICE:
- Point 1
- Point 2
- Point 3

Be specific about fertilizers, lime, irrigation needs. Use simple language!`,
		crop,
		soilBlock(soil, true),
		w.Forecast.Summary,
		crop)
	return a.generate(ctx, "check_crop", prompt)
}

// FertilizerAdvice asks for a product or ratio, a quantity per acre and an application method.
// targetCrop may be empty.
func (a *Advisor) FertilizerAdvice(ctx context.Context, soil models.SoilProperties, targetCrop string) (string, error) {
	cropContext := "generally"
	if targetCrop != "" {
		cropContext = "for growing " + targetCrop
	}
	prompt := fmt.Sprintf(`Give fertilizer recommendations %s:

%s

Respond in max 160 characters:
FERTILIZER NEEDED:
- [specific product or NPK ratio]
- [quantity per acre]
- [application method]

Be specific! Use locally available products in Uganda!`,
		cropContext,
		soilBlock(soil, false))
	return a.generate(ctx, "fertilizer_advice", prompt)
}

// generate is the shared primitive. It only returns an error when ctx ends; every
// backend failure becomes FallbackText.
func (a *Advisor) generate(ctx context.Context, kind, prompt string) (string, error) {
	if a.completer == nil {
		slog.Warn("Advisor.generate: no generation backend configured", "kind", kind)
		metrics.GenAIRequestsTotal.WithLabelValues("unconfigured").Inc()
		return FallbackText, nil
	}

	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(SystemPrompt),
		openai.UserMessage(prompt),
	}

	start := time.Now()
	var text string
	err := a.policy.Do(ctx, func(ctx context.Context) error {
		out, err := a.completer.GenerateWithMessages(ctx, messages)
		if err != nil {
			return err
		}
		text = out
		return nil
	})
	metrics.GenAIRequestDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			metrics.GenAIRequestsTotal.WithLabelValues("cancelled").Inc()
			return "", fmt.Errorf("generation %s aborted: %w", kind, ctxErr)
		}
		outcome := "failed"
		if IsRateLimited(err) {
			outcome = "rate_limited"
		}
		metrics.GenAIRequestsTotal.WithLabelValues(outcome).Inc()
		slog.Error("Advisor.generate: generation failed, using fallback", "kind", kind, "error", err)
		return FallbackText, nil
	}

	metrics.GenAIRequestsTotal.WithLabelValues("ok").Inc()
	slog.Debug("Advisor.generate: recommendation generated", "kind", kind, "length", len(text))
	return strings.TrimSpace(text), nil
}

func soilBlock(soil models.SoilProperties, withMoisture bool) string {
	var b strings.Builder
	b.WriteString("SOIL DATA:\n")
	fmt.Fprintf(&b, "- pH: %s\n", num(soil.PH))
	if withMoisture {
		fmt.Fprintf(&b, "- Moisture: %s%%\n", num(soil.Moisture))
		fmt.Fprintf(&b, "- Temperature: %s°C\n", num(soil.Temperature))
	}
	fmt.Fprintf(&b, "- Nitrogen: %s mg/kg\n", num(soil.Nitrogen))
	fmt.Fprintf(&b, "- Phosphorus: %s mg/kg\n", num(soil.Phosphorus))
	fmt.Fprintf(&b, "- Potassium: %s mg/kg", num(soil.Potassium))
	return b.String()
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Package oracle wraps the LLM providers behind a single Generate call.
// Callers never talk to a provider SDK directly: they hand the oracle a
// system prompt and a user prompt and get text back, with transport
// failures retried a bounded number of times before ErrUnavailable.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"go.opentelemetry.io/otel/metric"

	"github.com/aegis-soc/aegis/internal/config"
	aegisotel "github.com/aegis-soc/aegis/internal/otel"
)

// ErrUnavailable is returned once transport retries are exhausted.
// Callers map it to the oracle_unavailable failure class.
var ErrUnavailable = errors.New("oracle unavailable")

// Oracle is the LLM abstraction used by the planner, analyst and synthesizer.
type Oracle interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

const (
	defaultMaxAttempts = 3
	baseBackoff        = 500 * time.Millisecond
)

// GenkitOracle is the production Oracle, backed by Genkit.
// Supports: google (Gemini), anthropic (Claude), openai (GPT), openai_compatible.
type GenkitOracle struct {
	g           *genkit.Genkit
	cfg         config.LLMConfig
	modelName   string
	llmOn       bool
	maxAttempts int
	metrics     *aegisotel.Metrics
	logger      *slog.Logger
}

// SetMetrics attaches metric instruments. Safe to skip; a nil receiver
// field disables recording.
func (o *GenkitOracle) SetMetrics(m *aegisotel.Metrics) {
	o.metrics = m
}

// NewGenkitOracle initializes Genkit with the configured provider.
// A missing API key does not fail construction; Generate then returns
// ErrUnavailable so the caller can surface oracle_unavailable.
func NewGenkitOracle(ctx context.Context, cfg config.LLMConfig, apiKey string, logger *slog.Logger) *GenkitOracle {
	if logger == nil {
		logger = slog.Default()
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	apiKey = strings.TrimSpace(apiKey)

	var g *genkit.Genkit
	llmOn := false

	switch provider {
	case "anthropic":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			}))
			llmOn = true
		} else {
			g = genkit.Init(ctx)
			logger.Warn("Anthropic API key missing; oracle calls will fail")
		}

	case "openai":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			}))
			llmOn = true
		} else {
			g = genkit.Init(ctx)
			logger.Warn("OpenAI API key missing; oracle calls will fail")
		}

	case "openai_compatible":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: cfg.OpenAICompatibleProvider,
				APIKey:   apiKey,
				BaseURL:  cfg.OpenAICompatibleBaseURL,
			}))
			llmOn = true
		} else {
			g = genkit.Init(ctx)
			logger.Warn("OpenAI compatible API key missing; oracle calls will fail")
		}

	case "google":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
			llmOn = true
		} else {
			g = genkit.Init(ctx)
			logger.Warn("Google API key missing; oracle calls will fail")
		}

	default:
		g = genkit.Init(ctx)
		logger.Warn("unknown LLM provider; oracle calls will fail", "provider", provider)
	}

	if llmOn {
		logger.Info("oracle initialized", "provider", provider, "model", cfg.Model)
	}

	return &GenkitOracle{
		g:           g,
		cfg:         cfg,
		modelName:   modelNameForProvider(provider, cfg.Model),
		llmOn:       llmOn,
		maxAttempts: defaultMaxAttempts,
		logger:      logger,
	}
}

func modelNameForProvider(provider, model string) string {
	model = strings.TrimSpace(model)
	switch provider {
	case "anthropic":
		if model == "" {
			model = "claude-sonnet-4-5"
		}
		return "anthropic/" + model
	case "openai":
		if model == "" {
			model = "gpt-4o"
		}
		return "openai/" + model
	case "openai_compatible":
		return model
	default:
		if model == "" {
			model = "gemini-2.0-flash"
		}
		return "googleai/" + model
	}
}

// Generate produces one completion. Transport failures are retried with
// jittered backoff up to maxAttempts, then mapped to ErrUnavailable.
// Context cancellation aborts the retry loop immediately.
func (o *GenkitOracle) Generate(ctx context.Context, system, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", fmt.Errorf("empty prompt")
	}
	if !o.llmOn {
		return "", fmt.Errorf("%w: no API key configured", ErrUnavailable)
	}

	// Escape % characters to prevent fmt corruption inside ai.WithSystem.
	system = strings.ReplaceAll(strings.TrimSpace(system), "%", "%%")

	opts := []ai.GenerateOption{
		ai.WithModelName(o.modelName),
		ai.WithPrompt(prompt),
	}
	if system != "" {
		opts = append(opts, ai.WithSystem(system))
	}

	started := time.Now()
	var lastErr error
	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		resp, err := genkit.Generate(ctx, o.g, opts...)
		if err == nil {
			if o.metrics != nil {
				o.metrics.OracleCallDuration.Record(ctx, time.Since(started).Seconds(),
					metric.WithAttributes(aegisotel.AttrModel.String(o.modelName)))
			}
			return resp.Text(), nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		}
		o.logger.Warn("oracle generate failed",
			"attempt", attempt, "max_attempts", o.maxAttempts, "error", err)
		if attempt < o.maxAttempts {
			backoff := time.Duration(attempt) * baseBackoff
			backoff += time.Duration(rand.Int64N(int64(baseBackoff)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
			}
		}
	}
	return "", fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

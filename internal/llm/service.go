package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/RichardoC/confessional/internal/config"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/openai"
)

// ErrStreamConsumed is yielded when a reply stream is ranged over twice.
var ErrStreamConsumed = errors.New("reply stream already consumed")

// Backend opens conversations with a hosted model.
type Backend interface {
	NewSession(ctx context.Context, systemInstruction string) (Session, error)
}

// Session is one running conversation. It keeps the exchange history and
// sends it along with every new message.
type Session interface {
	// SendStream starts a reply to text. The returned sequence yields text
	// fragments as they arrive; a non-nil error ends it. The sequence can be
	// ranged over once. History is extended only when the reply completes.
	SendStream(ctx context.Context, text string) (iter.Seq2[string, error], error)
}

// New builds the backend selected by cfg.Provider.
func New(ctx context.Context, cfg config.BackendConfig) (Backend, error) {
	switch cfg.Provider {
	case config.ProviderGenAI:
		return NewGenAI(ctx, cfg.APIKey, cfg.Model)

	case config.ProviderGoogleAI:
		model, err := googleai.New(ctx,
			googleai.WithAPIKey(cfg.APIKey),
			googleai.WithDefaultModel(cfg.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize googleai: %w", err)
		}
		return NewLangChain(model), nil

	case config.ProviderOpenAI:
		opts := []openai.Option{
			openai.WithToken(cfg.APIKey),
			openai.WithModel(cfg.Model),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		model, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize openai: %w", err)
		}
		return NewLangChain(model), nil

	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownProvider, cfg.Provider)
	}
}

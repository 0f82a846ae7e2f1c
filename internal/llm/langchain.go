package llm

import (
	"context"
	"iter"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tmc/langchaingo/llms"
)

// LangChain adapts any langchaingo model. The model only offers a callback
// for streamed chunks, so each reply runs on its own goroutine and the
// chunks are handed to the consumer over a channel.
type LangChain struct {
	llm llms.Model
}

func NewLangChain(model llms.Model) *LangChain {
	return &LangChain{llm: model}
}

func (l *LangChain) NewSession(_ context.Context, systemInstruction string) (Session, error) {
	s := &langChainSession{llm: l.llm}
	if systemInstruction != "" {
		s.history = append(s.history, llms.TextParts(llms.ChatMessageTypeSystem, systemInstruction))
	}
	return s, nil
}

type langChainSession struct {
	llm llms.Model

	mu      sync.Mutex
	history []llms.MessageContent
}

type generateResult struct {
	resp *llms.ContentResponse
	err  error
}

func (s *langChainSession) SendStream(ctx context.Context, text string) (iter.Seq2[string, error], error) {
	s.mu.Lock()
	messages := append(slices.Clone(s.history), llms.TextParts(llms.ChatMessageTypeHuman, text))
	s.mu.Unlock()

	var used atomic.Bool
	return func(yield func(string, error) bool) {
		if !used.CompareAndSwap(false, true) {
			yield("", ErrStreamConsumed)
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		chunks := make(chan string)
		done := make(chan generateResult, 1)

		go func() {
			defer close(chunks)
			resp, err := s.llm.GenerateContent(ctx, messages, llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
				select {
				case chunks <- string(chunk):
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			}))
			done <- generateResult{resp: resp, err: err}
		}()

		var reply strings.Builder
		streamed := false
		for chunk := range chunks {
			streamed = true
			reply.WriteString(chunk)
			if !yield(chunk, nil) {
				cancel()
				for range chunks {
				}
				return
			}
		}

		res := <-done
		if res.err != nil {
			yield("", res.err)
			return
		}

		// Some providers skip the callback and only fill the response.
		if !streamed && res.resp != nil && len(res.resp.Choices) > 0 && res.resp.Choices[0].Content != "" {
			content := res.resp.Choices[0].Content
			reply.WriteString(content)
			if !yield(content, nil) {
				return
			}
		}

		s.mu.Lock()
		s.history = append(s.history,
			llms.TextParts(llms.ChatMessageTypeHuman, text),
			llms.TextParts(llms.ChatMessageTypeAI, reply.String()),
		)
		s.mu.Unlock()
	}, nil
}

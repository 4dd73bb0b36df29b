package provider

import (
	"context"
	"encoding/json"

	"chatrelay/internal/models"
	"chatrelay/internal/toolpolicy"
)

// Provider defines the behaviour every upstream adapter implements.
type Provider interface {
	Name() string
	ListModels(ctx context.Context) ([]models.ModelConfig, error)
	Complete(ctx context.Context, call Call) (*models.Completion, error)
	// Stream returns raw text fragments. The channel carries zero or more
	// Text chunks followed by exactly one chunk with Final or Err set, and is
	// closed afterwards.
	Stream(ctx context.Context, call Call) (<-chan Chunk, error)
}

// ToolExecutor runs a server-side tool requested by a model. args is the raw
// JSON argument object produced by the model.
type ToolExecutor interface {
	Execute(ctx context.Context, tool string, args json.RawMessage) (string, error)
}

// Call is everything an adapter needs for one completion.
type Call struct {
	Request  models.CompletionRequest
	Model    models.ModelConfig
	APIKey   string
	Policies toolpolicy.Map
	Tools    ToolExecutor
}

// Chunk is one element of a provider stream.
type Chunk struct {
	Text  string
	Err   error
	Final *models.Completion
}

// EmitFunc forwards a text fragment downstream. It returns false once the
// consumer is gone and the adapter should stop.
type EmitFunc func(text string) bool

// TurnFunc runs a whole completion, streaming fragments through emit when
// the upstream call is a streaming one.
type TurnFunc func(ctx context.Context, streaming bool, emit EmitFunc) (*models.Completion, error)

// RunStream drives run in its own goroutine and adapts it to the Stream
// channel contract. When streaming is false the upstream call is a plain
// completion and its whole content is yielded as a single fragment.
func RunStream(ctx context.Context, streaming bool, run TurnFunc) <-chan Chunk {
	out := make(chan Chunk, 16)

	send := func(c Chunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer close(out)

		emit := func(text string) bool {
			if text == "" {
				return ctx.Err() == nil
			}
			return send(Chunk{Text: text})
		}
		if !streaming {
			emit = func(string) bool { return ctx.Err() == nil }
		}

		completion, err := run(ctx, streaming, emit)
		if err != nil {
			send(Chunk{Err: err})
			return
		}
		if !streaming && completion.Content != "" {
			if !send(Chunk{Text: completion.Content}) {
				return
			}
		}
		send(Chunk{Final: completion})
	}()

	return out
}

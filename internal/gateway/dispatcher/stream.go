package dispatcher

import (
	"context"
	"errors"
	"io"

	"github.com/sashabaranov/go-openai"

	"github.com/cfx-platform/cfx-router/internal/gateway/circuit"
	"github.com/cfx-platform/cfx-router/internal/gateway/providers"
)

// Stream is a committed upstream stream. Chunks arrive in provider order on
// an unbuffered channel that is closed when the upstream finishes, fails or
// is cancelled. Err and Usage are valid once the channel is closed.
type Stream struct {
	Model        string
	Provider     string
	FallbackUsed bool
	Attempts     []Attempt

	chunks chan openai.ChatCompletionStreamResponse
	done   chan struct{}
	cancel context.CancelFunc

	err   error
	usage *openai.Usage
}

// Chunks delivers every chunk that carries at least one choice
func (s *Stream) Chunks() <-chan openai.ChatCompletionStreamResponse {
	return s.chunks
}

// Err is nil after a clean end of stream, the context error after
// cancellation, or the upstream failure
func (s *Stream) Err() error {
	<-s.done
	return s.err
}

// Usage is the provider-reported usage, if any
func (s *Stream) Usage() *openai.Usage {
	<-s.done
	return s.usage
}

// Close aborts the upstream call and waits for the producer to exit. It is
// safe to call more than once.
func (s *Stream) Close() {
	s.cancel()
	<-s.done
}

func (s *Stream) run(ctx context.Context, reader providers.StreamReader, first openai.ChatCompletionStreamResponse, permit *circuit.Permit) {
	defer close(s.done)
	defer close(s.chunks)
	defer reader.Close()
	defer s.cancel()

	chunk := first
	for {
		if chunk.Usage != nil {
			u := *chunk.Usage
			s.usage = &u
		}
		if len(chunk.Choices) > 0 {
			chunk.Model = s.Model
			select {
			case s.chunks <- chunk:
			case <-ctx.Done():
				permit.Cancel()
				s.err = ctx.Err()
				return
			}
		}

		var err error
		chunk, err = reader.Recv()
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			permit.Success()
			return
		case ctx.Err() != nil:
			permit.Cancel()
			s.err = ctx.Err()
			return
		default:
			permit.Failure()
			s.err = err
			return
		}
	}
}

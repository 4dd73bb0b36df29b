package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"chatrelay/internal/clause"
	"chatrelay/internal/metrics"
	"chatrelay/internal/models"
	"chatrelay/internal/voice"
)

// voiceWorker synthesizes clauses one at a time, in the order they were
// queued, so voice chunks never overtake each other. The first synthesis
// failure turns voice off for the rest of the stream.
type voiceWorker struct {
	synth    voice.Synthesizer
	streamID string
	emit     func(Event) bool
	logger   *zap.Logger

	mu      sync.Mutex
	queue   []clause.Clause
	closed  bool
	wake    chan struct{}
	done    chan struct{}
	clips   []models.AudioClip
	errored bool
}

func startVoiceWorker(ctx context.Context, synth voice.Synthesizer, streamID string, emit func(Event) bool, logger *zap.Logger) *voiceWorker {
	w := &voiceWorker{
		synth:    synth,
		streamID: streamID,
		emit:     emit,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go w.run(ctx)
	return w
}

// enqueue never blocks the text path.
func (w *voiceWorker) enqueue(clauses ...clause.Clause) {
	if len(clauses) == 0 {
		return
	}
	w.mu.Lock()
	w.queue = append(w.queue, clauses...)
	w.mu.Unlock()
	w.signal()
}

// finish lets the worker drain its queue and waits for it. The returned
// clips are the ones synthesized successfully, in clause order.
func (w *voiceWorker) finish() []models.AudioClip {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.signal()
	<-w.done
	return w.clips
}

func (w *voiceWorker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *voiceWorker) next() (clause.Clause, bool, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) > 0 {
		c := w.queue[0]
		w.queue = w.queue[1:]
		return c, true, false
	}
	return clause.Clause{}, false, w.closed
}

func (w *voiceWorker) run(ctx context.Context) {
	defer close(w.done)

	for {
		c, ok, closed := w.next()
		if !ok {
			if closed {
				return
			}
			select {
			case <-w.wake:
				continue
			case <-ctx.Done():
				return
			}
		}

		// No synthesis starts after the caller went away.
		if ctx.Err() != nil {
			return
		}
		if w.errored {
			metrics.ObserveVoice(metrics.OutcomeSkipped, 1)
			continue
		}

		clipID := fmt.Sprintf("%s-%d", w.streamID, c.ID)
		clips, err := w.synth.Synthesize(ctx, []voice.Request{{ID: clipID, Text: c.Text}})
		if err != nil {
			w.errored = true
			metrics.ObserveVoice(metrics.OutcomeError, 1)
			w.logger.Warn("voice synthesis failed, voice disabled for this stream",
				zap.String("clip_id", clipID), zap.Error(err))
			continue
		}

		metrics.ObserveVoice(metrics.OutcomeOK, len(clips))
		for _, clip := range clips {
			w.clips = append(w.clips, clip)
			if !w.emit(deltaEvent(models.VoiceChunk(clip))) {
				return
			}
		}
	}
}

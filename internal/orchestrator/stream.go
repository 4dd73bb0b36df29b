package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatrelay/internal/clause"
	"chatrelay/internal/fence"
	"chatrelay/internal/metrics"
	"chatrelay/internal/models"
	"chatrelay/internal/provider"
)

const eventBuffer = 32

// errStreamCancelled is recorded in metadata when the caller went away.
var errStreamCancelled = errors.New("stream cancelled by client")

// Stream starts a streaming completion. Configuration problems are returned
// directly; once the channel is returned every outcome, including upstream
// failures, is reported through it. The channel carries deltas, then
// voice_end when voice mode is on, then exactly one done or error event,
// and is closed afterwards. After ctx is cancelled no further event is
// sent, but the reply produced so far is still persisted.
func (o *Orchestrator) Stream(ctx context.Context, req models.CompletionRequest) (<-chan Event, error) {
	p, err := o.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	chunks, err := p.adapter.Stream(ctx, p.call)
	if err != nil {
		p.enter(StateFailed)
		return nil, fmt.Errorf("stream with %s: %w", p.model.ID, err)
	}

	out := make(chan Event, eventBuffer)
	go o.runStream(ctx, p, chunks, out)
	return out, nil
}

func (o *Orchestrator) runStream(ctx context.Context, p *plan, chunks <-chan provider.Chunk, out chan<- Event) {
	defer close(out)
	p.enter(StateStreaming)

	emit := func(ev Event) bool {
		if ctx.Err() != nil {
			return false
		}
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	streamID := uuid.NewString()
	voiceMode := p.req.Metadata.VoiceMode && o.voice != nil
	var (
		segmenter *clause.Segmenter
		worker    *voiceWorker
	)
	if voiceMode {
		segmenter = clause.NewSegmenter()
		worker = startVoiceWorker(ctx, o.voice, streamID, emit, p.logger.With(zap.String("stream_id", streamID)))
	}

	parser := fence.NewParser()
	var raw strings.Builder

	forward := func(deltas []models.StreamDelta) {
		for _, d := range deltas {
			if !emit(deltaEvent(d)) {
				return
			}
			if segmenter != nil && d.Kind == models.DeltaText {
				worker.enqueue(segmenter.Feed(d.Text)...)
			}
		}
	}

	var (
		final     *models.Completion
		streamErr error
	)
	for chunk := range chunks {
		switch {
		case chunk.Err != nil:
			streamErr = chunk.Err
		case chunk.Final != nil:
			final = chunk.Final
		default:
			raw.WriteString(chunk.Text)
			forward(parser.Process(chunk.Text))
		}
		if ctx.Err() != nil {
			break
		}
	}

	forward(parser.Flush())
	if segmenter != nil {
		if c, ok := segmenter.Flush(); ok && ctx.Err() == nil {
			worker.enqueue(c)
		}
	}

	o.finalizeStream(ctx, p, raw.String(), final, streamErr, worker, emit)
}

func (o *Orchestrator) finalizeStream(ctx context.Context, p *plan, content string, final *models.Completion, streamErr error, worker *voiceWorker, emit func(Event) bool) {
	var clips []models.AudioClip
	if worker != nil {
		clips = worker.finish()
	}
	if p.req.Metadata.VoiceMode {
		emit(Event{Type: EventVoiceEnd})
	}

	p.enter(StateFinalizing)
	fctx := context.WithoutCancel(ctx)

	failure := streamErr
	outcome := metrics.OutcomeOK
	switch {
	case streamErr != nil:
		outcome = metrics.OutcomeError
	case ctx.Err() != nil || final == nil:
		failure = errStreamCancelled
		outcome = metrics.OutcomeCancelled
	}

	summaries := o.saveClips(fctx, p, clips)
	meta := o.metadata(p, final, content, summaries, failure)
	o.persist(fctx, p, content, meta)
	metrics.ObserveCompletion(p.model.Provider, "stream", outcome, time.Since(p.started))

	if streamErr != nil {
		p.enter(StateFailed)
		p.logger.Warn("stream failed", zap.Error(streamErr))
		emit(Event{Type: EventError, Content: content, Metadata: &meta, Error: streamErr})
		return
	}
	if failure != nil {
		p.enter(StateFailed)
		p.logger.Info("stream cancelled", zap.Int("content_bytes", len(content)))
		return
	}
	p.enter(StateDone)
	emit(Event{Type: EventDone, Content: content, Metadata: &meta})
}

// saveClips uploads clips to the audio store. A failed upload keeps the
// clip in metadata without a URL.
func (o *Orchestrator) saveClips(ctx context.Context, p *plan, clips []models.AudioClip) []models.ClipSummary {
	if len(clips) == 0 {
		return nil
	}
	summaries := make([]models.ClipSummary, 0, len(clips))
	for _, clip := range clips {
		summary := clip.Summary()
		if o.audio != nil {
			uctx, cancel := context.WithTimeout(ctx, finalizeTimeout)
			url, err := o.audio.SaveAudioClip(uctx, clip.Audio, clip.ClipID, clip.MimeType)
			cancel()
			if err != nil {
				p.logger.Warn("save audio clip", zap.String("clip_id", clip.ClipID), zap.Error(err))
			} else {
				summary.URL = url
			}
		}
		summaries = append(summaries, summary)
	}
	return summaries
}

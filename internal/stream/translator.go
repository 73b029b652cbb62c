// Package stream relays an upstream completion event stream as OpenAI-style
// chat.completion.chunk frames.
//
// A Translator walks INIT -> STREAMING -> DONE|ERROR. Every path that starts
// writing ends with the [DONE] sentinel; only a client disconnect leaves the
// stream open, since nobody is left to read it.
package stream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"sgproxy/internal/metrics"
	"sgproxy/internal/translator"
)

const (
	eventStreamType   = "text/event-stream"
	dataPrefix        = "data:"
	systemFingerprint = "fp_44709d6fcb"

	finishStop  = "stop"
	finishError = "error"

	maxErrorBody = 64 * 1024
	maxLineBytes = 4 << 20
)

// Opener starts the upstream call. The context it receives is cancelled when
// the client goes away or the idle read timeout fires.
type Opener func(ctx context.Context) (*http.Response, error)

// Translator converts one upstream response into outgoing frames. It is
// single use.
type Translator struct {
	header      translator.ChunkHeader
	readTimeout time.Duration
	now         func() time.Time
}

// New returns a translator for a single response stream. A zero readTimeout
// disables the idle timeout.
func New(model string, readTimeout time.Duration) *Translator {
	return &Translator{
		header: translator.ChunkHeader{
			ID:                "chatcmpl-" + uuid.NewString(),
			Model:             model,
			SystemFingerprint: systemFingerprint,
		},
		readTimeout: readTimeout,
		now:         time.Now,
	}
}

// ID returns the chunk id shared by every frame of this stream.
func (t *Translator) ID() string {
	return t.header.ID
}

// Run opens the upstream call and sends frames on out until a terminal state
// is reached. It does not close out. The returned outcome is one of the
// metrics.Outcome* labels.
func (t *Translator) Run(ctx context.Context, open Opener, out chan<- Frame) string {
	upstreamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	resp, err := open(upstreamCtx)
	if err != nil {
		if ctx.Err() != nil {
			return metrics.OutcomeCanceled
		}
		slog.Error("upstream request failed", "id", t.header.ID, "err", err)
		t.finish(ctx, out, errorBlock(err.Error()))
		return metrics.OutcomeTransport
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		slog.Warn("upstream returned error status", "id", t.header.ID, "status", resp.StatusCode)

		content := fmt.Sprintf("# Error %d\n\nGot the following response:\n\n```\n%s\n```\n",
			resp.StatusCode, strings.TrimSpace(string(body)))
		chunk := translator.ContentChunk(t.header, t.now().Unix(), content)
		if !t.emit(ctx, out, Frame{Chunk: &chunk}) {
			return metrics.OutcomeCanceled
		}
		t.finish(ctx, out, finishError)
		return metrics.OutcomeUpstreamError
	}

	contentType := resp.Header.Get("Content-Type")
	if !isEventStream(contentType) {
		slog.Warn("upstream returned unexpected content type", "id", t.header.ID, "content_type", contentType)
		t.finish(ctx, out, fmt.Sprintf("# Error\n\nUnexpected content type: `%s`\n", contentType))
		return metrics.OutcomeContentType
	}

	return t.consume(ctx, cancel, resp.Body, out)
}

func (t *Translator) consume(ctx context.Context, cancel context.CancelFunc, body io.Reader, out chan<- Frame) string {
	var timedOut atomic.Bool
	var idle *time.Timer
	if t.readTimeout > 0 {
		idle = time.AfterFunc(t.readTimeout, func() {
			timedOut.Store(true)
			cancel()
		})
		defer idle.Stop()
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for {
		if idle != nil {
			idle.Reset(t.readTimeout)
		}
		if !scanner.Scan() {
			break
		}
		// Time spent waiting on the client does not count as upstream idle.
		if idle != nil {
			idle.Stop()
		}
		if ctx.Err() != nil {
			return metrics.OutcomeCanceled
		}

		payload, ok := strings.CutPrefix(scanner.Text(), dataPrefix)
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == "" {
			continue
		}

		created := t.now().Unix()
		event, err := translator.DecodeEvent([]byte(payload))
		if err != nil {
			slog.Warn("malformed upstream event", "id", t.header.ID, "err", err, "data", truncate(payload, 200))
			t.finishAt(ctx, out, created, errorBlock(err.Error()))
			return metrics.OutcomeDecodeError
		}

		switch event.Kind {
		case translator.EventDeltaText:
			chunk := translator.ContentChunk(t.header, created, event.Text)
			if !t.emit(ctx, out, Frame{Chunk: &chunk}) {
				return metrics.OutcomeCanceled
			}
		case translator.EventEndTurn:
			t.finishAt(ctx, out, created, finishStop)
			return metrics.OutcomeStop
		default:
			slog.Debug("ignoring upstream event", "id", t.header.ID, "data", truncate(payload, 200))
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return metrics.OutcomeCanceled
		}
		msg := err.Error()
		if timedOut.Load() {
			msg = fmt.Sprintf("no data received from upstream for %s", t.readTimeout)
		}
		slog.Error("upstream stream read failed", "id", t.header.ID, "err", msg)
		t.finish(ctx, out, errorBlock(msg))
		return metrics.OutcomeReadError
	}

	// Upstream closed without end_turn: terminate with the bare sentinel.
	t.emit(ctx, out, Frame{Final: true})
	return metrics.OutcomeEndOfInput
}

func (t *Translator) finish(ctx context.Context, out chan<- Frame, reason string) bool {
	return t.finishAt(ctx, out, t.now().Unix(), reason)
}

func (t *Translator) finishAt(ctx context.Context, out chan<- Frame, created int64, reason string) bool {
	chunk := translator.FinishChunk(t.header, created, reason)
	return t.emit(ctx, out, Frame{Chunk: &chunk, Final: true})
}

// emit hands a frame to the writer, giving up when the client is gone.
func (t *Translator) emit(ctx context.Context, out chan<- Frame, f Frame) bool {
	if f.Chunk != nil {
		slog.Debug("outgoing chunk", "id", t.header.ID, "final", f.Final, "finish_reason", finishReason(f.Chunk))
	}
	select {
	case out <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

func errorBlock(msg string) string {
	return fmt.Sprintf("# Error\n\n```\n%s\n```\n", msg)
}

func isEventStream(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == eventStreamType
}

func finishReason(c *translator.ChatCompletionChunk) string {
	if len(c.Choices) == 0 || c.Choices[0].FinishReason == nil {
		return ""
	}
	return *c.Choices[0].FinishReason
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

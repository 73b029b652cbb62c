package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sgproxy/internal/metrics"
	"sgproxy/internal/translator"
)

var fixedNow = time.Unix(1700000000, 0)

func newTestTranslator(readTimeout time.Duration) *Translator {
	tr := New("anthropic::claude-3", readTimeout)
	tr.now = func() time.Time { return fixedNow }
	return tr
}

func eventStreamResponse(body io.Reader) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/event-stream"}},
		Body:       io.NopCloser(body),
	}
}

func openResponse(resp *http.Response) Opener {
	return func(context.Context) (*http.Response, error) {
		return resp, nil
	}
}

// collectFrames runs the translator and returns every frame it produced.
func collectFrames(t *testing.T, tr *Translator, open Opener) ([]Frame, string) {
	t.Helper()
	ch := make(chan Frame, 1)
	var outcome string

	go func() {
		defer close(ch)
		outcome = tr.Run(context.Background(), open, ch)
	}()

	var frames []Frame
	for f := range ch {
		frames = append(frames, f)
	}
	return frames, outcome
}

func encodeAll(t *testing.T, frames []Frame) string {
	t.Helper()
	var sb strings.Builder
	for _, f := range frames {
		data, err := Encode(f)
		require.NoError(t, err)
		sb.Write(data)
	}
	return sb.String()
}

func finish(f Frame) *string {
	return f.Chunk.Choices[0].FinishReason
}

func content(f Frame) string {
	if f.Chunk.Choices[0].Delta.Content == nil {
		return ""
	}
	return *f.Chunk.Choices[0].Delta.Content
}

func TestRunTextDeltasThenEndTurn(t *testing.T) {
	body := strings.Join([]string{
		`event: completion`,
		`data: {"deltaText":"Hello"}`,
		``,
		`event: completion`,
		`data: {"deltaText":" world"}`,
		``,
		`data: {"stopReason":"end_turn"}`,
		``,
		`data: {"deltaText":"never sent"}`,
		``,
	}, "\n")

	frames, outcome := collectFrames(t, newTestTranslator(0), openResponse(eventStreamResponse(strings.NewReader(body))))

	assert.Equal(t, metrics.OutcomeStop, outcome)
	require.Len(t, frames, 3)

	assert.Equal(t, "Hello", content(frames[0]))
	assert.Equal(t, "assistant", frames[0].Chunk.Choices[0].Delta.Role)
	assert.Nil(t, finish(frames[0]))
	assert.False(t, frames[0].Final)

	assert.Equal(t, " world", content(frames[1]))
	assert.False(t, frames[1].Final)

	require.NotNil(t, finish(frames[2]))
	assert.Equal(t, "stop", *finish(frames[2]))
	assert.Equal(t, translator.Delta{}, frames[2].Chunk.Choices[0].Delta)
	assert.True(t, frames[2].Final)

	wire := encodeAll(t, frames)
	assert.Equal(t, 4, strings.Count(wire, "data: "))
	assert.True(t, strings.HasSuffix(wire, "data: [DONE]\n\n"))
	assert.NotContains(t, wire, "never sent")
}

func TestRunChunksShareIdentity(t *testing.T) {
	body := "data: {\"deltaText\":\"a\"}\ndata: {\"deltaText\":\"b\"}\ndata: {\"stopReason\":\"end_turn\"}\n"
	tr := newTestTranslator(0)

	frames, _ := collectFrames(t, tr, openResponse(eventStreamResponse(strings.NewReader(body))))

	require.Len(t, frames, 3)
	assert.True(t, strings.HasPrefix(tr.ID(), "chatcmpl-"))
	for _, f := range frames {
		assert.Equal(t, tr.ID(), f.Chunk.ID)
		assert.Equal(t, "fp_44709d6fcb", f.Chunk.SystemFingerprint)
		assert.Equal(t, "anthropic::claude-3", f.Chunk.Model)
		assert.Equal(t, "chat.completion.chunk", f.Chunk.Object)
		assert.Equal(t, fixedNow.Unix(), f.Chunk.Created)
	}

	other := New("m", 0)
	assert.NotEqual(t, tr.ID(), other.ID())
}

func TestRunUpstreamErrorStatus(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusServiceUnavailable,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       io.NopCloser(strings.NewReader("overloaded\n")),
	}

	frames, outcome := collectFrames(t, newTestTranslator(0), openResponse(resp))

	assert.Equal(t, metrics.OutcomeUpstreamError, outcome)
	require.Len(t, frames, 2)

	assert.Equal(t, "# Error 503\n\nGot the following response:\n\n```\noverloaded\n```\n", content(frames[0]))
	assert.Equal(t, "assistant", frames[0].Chunk.Choices[0].Delta.Role)
	assert.Nil(t, finish(frames[0]))
	assert.False(t, frames[0].Final)

	require.NotNil(t, finish(frames[1]))
	assert.Equal(t, "error", *finish(frames[1]))
	assert.Equal(t, translator.Delta{}, frames[1].Chunk.Choices[0].Delta)
	assert.True(t, frames[1].Final)
}

func TestRunUnexpectedContentType(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/html; charset=utf-8"}},
		Body:       io.NopCloser(strings.NewReader("<html>sign in</html>")),
	}

	frames, outcome := collectFrames(t, newTestTranslator(0), openResponse(resp))

	assert.Equal(t, metrics.OutcomeContentType, outcome)
	require.Len(t, frames, 1)
	require.NotNil(t, finish(frames[0]))
	assert.Equal(t, "# Error\n\nUnexpected content type: `text/html; charset=utf-8`\n", *finish(frames[0]))
	assert.Equal(t, translator.Delta{}, frames[0].Chunk.Choices[0].Delta)
	assert.True(t, frames[0].Final)
}

func TestRunAcceptsEventStreamWithParameters(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/event-stream; charset=utf-8"}},
		Body:       io.NopCloser(strings.NewReader("data: {\"stopReason\":\"end_turn\"}\n")),
	}

	frames, outcome := collectFrames(t, newTestTranslator(0), openResponse(resp))

	assert.Equal(t, metrics.OutcomeStop, outcome)
	require.Len(t, frames, 1)
}

func TestRunDecodeErrorStopsConsumption(t *testing.T) {
	body := "data: {\"deltaText\":\"Hi\"}\ndata: not-json\ndata: {\"deltaText\":\"after\"}\ndata: {\"stopReason\":\"end_turn\"}\n"

	frames, outcome := collectFrames(t, newTestTranslator(0), openResponse(eventStreamResponse(strings.NewReader(body))))

	assert.Equal(t, metrics.OutcomeDecodeError, outcome)
	require.Len(t, frames, 2)
	assert.Equal(t, "Hi", content(frames[0]))

	require.NotNil(t, finish(frames[1]))
	reason := *finish(frames[1])
	assert.True(t, strings.HasPrefix(reason, "# Error\n\n```\n"))
	assert.Contains(t, reason, "invalid character")
	assert.True(t, frames[1].Final)

	assert.NotContains(t, encodeAll(t, frames), "after")
}

func TestRunOnlyDecodeError(t *testing.T) {
	frames, outcome := collectFrames(t, newTestTranslator(0), openResponse(eventStreamResponse(strings.NewReader("data: not-json\n"))))

	assert.Equal(t, metrics.OutcomeDecodeError, outcome)
	require.Len(t, frames, 1)
	assert.True(t, frames[0].Final)
}

func TestRunIgnoresUnknownLines(t *testing.T) {
	body := strings.Join([]string{
		`: keep-alive comment`,
		`event: completion`,
		`data:`,
		`data:    `,
		`data: {"stopReason":"max_tokens"}`,
		`data: {"completion":"legacy shape"}`,
		`data:{"deltaText":"tight"}`,
		`data: {"stopReason":"end_turn"}`,
	}, "\n")

	frames, outcome := collectFrames(t, newTestTranslator(0), openResponse(eventStreamResponse(strings.NewReader(body))))

	assert.Equal(t, metrics.OutcomeStop, outcome)
	require.Len(t, frames, 2)
	assert.Equal(t, "tight", content(frames[0]))
	assert.Equal(t, "stop", *finish(frames[1]))
}

func TestRunEndOfInputWritesSentinel(t *testing.T) {
	body := "data: {\"deltaText\":\"partial\"}\n"

	frames, outcome := collectFrames(t, newTestTranslator(0), openResponse(eventStreamResponse(strings.NewReader(body))))

	assert.Equal(t, metrics.OutcomeEndOfInput, outcome)
	require.Len(t, frames, 2)
	assert.Equal(t, "partial", content(frames[0]))
	assert.Nil(t, frames[1].Chunk)
	assert.True(t, frames[1].Final)

	wire := encodeAll(t, frames)
	assert.Equal(t, 1, strings.Count(wire, "finish_reason"))
	assert.True(t, strings.HasSuffix(wire, "}\n\ndata: [DONE]\n\n"))
}

func TestRunTransportError(t *testing.T) {
	open := func(context.Context) (*http.Response, error) {
		return nil, errors.New("dial tcp: connection refused")
	}

	frames, outcome := collectFrames(t, newTestTranslator(0), open)

	assert.Equal(t, metrics.OutcomeTransport, outcome)
	require.Len(t, frames, 1)
	assert.Equal(t, "# Error\n\n```\ndial tcp: connection refused\n```\n", *finish(frames[0]))
	assert.True(t, frames[0].Final)
}

func TestRunReadErrorMidStream(t *testing.T) {
	body := io.MultiReader(
		strings.NewReader("data: {\"deltaText\":\"Hi\"}\n"),
		&failingReader{err: errors.New("connection reset by peer")},
	)

	frames, outcome := collectFrames(t, newTestTranslator(0), openResponse(eventStreamResponse(body)))

	assert.Equal(t, metrics.OutcomeReadError, outcome)
	require.Len(t, frames, 2)
	assert.Equal(t, "Hi", content(frames[0]))
	assert.Contains(t, *finish(frames[1]), "connection reset by peer")
	assert.True(t, frames[1].Final)
}

func TestRunIdleTimeout(t *testing.T) {
	open := func(ctx context.Context) (*http.Response, error) {
		pr, pw := io.Pipe()
		go func() {
			_, _ = pw.Write([]byte("data: {\"deltaText\":\"Hi\"}\n"))
			<-ctx.Done()
			_ = pw.CloseWithError(ctx.Err())
		}()
		return eventStreamResponse(pr), nil
	}

	frames, outcome := collectFrames(t, newTestTranslator(50*time.Millisecond), open)

	assert.Equal(t, metrics.OutcomeReadError, outcome)
	require.Len(t, frames, 2)
	assert.Equal(t, "Hi", content(frames[0]))
	assert.Contains(t, *finish(frames[1]), "no data received from upstream for 50ms")
}

func TestRunClientCancelClosesUpstream(t *testing.T) {
	closed := make(chan struct{})
	open := func(context.Context) (*http.Response, error) {
		pr, pw := io.Pipe()
		go func() {
			for {
				if _, err := pw.Write([]byte("data: {\"deltaText\":\"tick\"}\n")); err != nil {
					close(closed)
					return
				}
			}
		}()
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"text/event-stream"}},
			Body:       pr,
		}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan Frame, 1)
	done := make(chan string, 1)
	go func() {
		defer close(ch)
		done <- New("m", 0).Run(ctx, open, ch)
	}()

	<-ch
	cancel()
	for range ch {
	}

	select {
	case outcome := <-done:
		assert.Equal(t, metrics.OutcomeCanceled, outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("translator did not stop after cancellation")
	}

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream body was not closed")
	}
}

func TestRunFramesAreValidJSON(t *testing.T) {
	body := "data: {\"deltaText\":\"quote \\\" and \\n newline\"}\ndata: {\"stopReason\":\"end_turn\"}\n"

	frames, _ := collectFrames(t, newTestTranslator(0), openResponse(eventStreamResponse(strings.NewReader(body))))

	for _, line := range strings.Split(encodeAll(t, frames), "\n") {
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok || payload == "[DONE]" {
			continue
		}
		var chunk translator.ChatCompletionChunk
		require.NoError(t, json.Unmarshal([]byte(payload), &chunk))
	}
	assert.Equal(t, "quote \" and \n newline", content(frames[0]))
}

type failingReader struct {
	err error
}

func (f *failingReader) Read([]byte) (int, error) {
	return 0, f.err
}

package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"sgproxy/internal/stream"
)

// writeStream relays frames to the client, flushing after each one. On a write
// failure it cancels the producer and drains the channel until it closes.
func (s *Server) writeStream(c echo.Context, cancel context.CancelFunc, frames <-chan stream.Frame) error {
	writer := c.Response().Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		slog.Error("http writer does not support flushing")
		cancel()
		for range frames {
		}
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: "server does not support streaming responses",
			Type:    "server_error",
		}
	}

	// Clear any server-wide write deadline for this response.
	_ = http.NewResponseController(writer).SetWriteDeadline(time.Time{})

	header := c.Response().Header()
	header.Set(echo.HeaderContentType, "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")

	c.Response().WriteHeader(http.StatusOK)
	flusher.Flush()

	var writeErr error
	for frame := range frames {
		if writeErr != nil {
			continue
		}
		data, err := stream.Encode(frame)
		if err != nil {
			slog.Error("failed to encode frame", "err", err)
			writeErr = err
			cancel()
			continue
		}
		if _, err := c.Response().Write(data); err != nil {
			slog.Warn("client write failed", "err", err)
			writeErr = err
			cancel()
			continue
		}
		flusher.Flush()
		if frame.Chunk != nil {
			s.metrics.ChunksWritten.Inc()
		}
	}
	return nil
}

package stream

import (
	"bytes"
	"encoding/json"
	"fmt"

	"sgproxy/internal/translator"
)

// DoneSentinel terminates every response stream.
const DoneSentinel = "data: [DONE]\n\n"

// Frame is one unit handed from the translator to the HTTP writer. A final
// frame carries the terminal sentinel after its chunk; a final frame without a
// chunk encodes to the sentinel alone.
type Frame struct {
	Chunk *translator.ChatCompletionChunk
	Final bool
}

// Encode renders a frame in the outbound event-stream framing.
func Encode(f Frame) ([]byte, error) {
	var buf bytes.Buffer
	if f.Chunk != nil {
		data, err := json.Marshal(f.Chunk)
		if err != nil {
			return nil, fmt.Errorf("marshal chunk: %w", err)
		}
		buf.Grow(len(data) + len("data: \n\n") + len(DoneSentinel))
		buf.WriteString("data: ")
		buf.Write(data)
		buf.WriteString("\n\n")
	}
	if f.Final {
		buf.WriteString(DoneSentinel)
	}
	return buf.Bytes(), nil
}

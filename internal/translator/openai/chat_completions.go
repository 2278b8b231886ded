// Package openai renders Kimi text fragments as OpenAI Chat Completions objects:
// a single chat.completion for non-streaming calls and chat.completion.chunk frames
// for streaming ones.
package openai

import (
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"
)

const (
	completionTemplate = `{"id":"","object":"chat.completion","created":0,"model":"","choices":[{"index":0,"message":{"role":"assistant","content":""},"finish_reason":"stop"}],"usage":{"prompt_tokens":0,"completion_tokens":0,"total_tokens":0}}`
	chunkTemplate      = `{"id":"","object":"chat.completion.chunk","created":0,"model":"","choices":[{"index":0,"delta":{},"finish_reason":null}]}`
)

// NewCompletionID returns an id of the form chatcmpl-<uuid>, shared by every frame
// of one response.
func NewCompletionID() string {
	return "chatcmpl-" + uuid.NewString()
}

// BuildCompletion renders the complete non-streaming response. Usage is always zero.
func BuildCompletion(id, model, content string, created int64) []byte {
	out := []byte(completionTemplate)
	out, _ = sjson.SetBytes(out, "id", id)
	out, _ = sjson.SetBytes(out, "created", created)
	out, _ = sjson.SetBytes(out, "model", model)
	out, _ = sjson.SetBytes(out, "choices.0.message.content", content)
	return out
}

// BuildContentChunk renders one streaming chunk carrying text in delta.content.
func BuildContentChunk(id, model, text string, created int64) []byte {
	out := newChunk(id, model, created)
	out, _ = sjson.SetBytes(out, "choices.0.delta.content", text)
	return out
}

// BuildStopChunk renders the terminal chunk: empty delta and finish_reason "stop".
func BuildStopChunk(id, model string, created int64) []byte {
	out := newChunk(id, model, created)
	out, _ = sjson.SetBytes(out, "choices.0.finish_reason", "stop")
	return out
}

func newChunk(id, model string, created int64) []byte {
	out := []byte(chunkTemplate)
	out, _ = sjson.SetBytes(out, "id", id)
	out, _ = sjson.SetBytes(out, "created", created)
	out, _ = sjson.SetBytes(out, "model", model)
	return out
}

// Accumulator joins fragments for the non-streaming path.
type Accumulator struct {
	b strings.Builder
}

// Add appends one fragment.
func (a *Accumulator) Add(text string) {
	a.b.WriteString(text)
}

// Content returns the concatenation of every fragment in order.
func (a *Accumulator) Content() string {
	return a.b.String()
}

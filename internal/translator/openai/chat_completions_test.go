package openai

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestNewCompletionID(t *testing.T) {
	a := NewCompletionID()
	b := NewCompletionID()
	assert.True(t, strings.HasPrefix(a, "chatcmpl-"))
	assert.Len(t, a, len("chatcmpl-")+36)
	assert.NotEqual(t, a, b)
}

func TestBuildCompletion(t *testing.T) {
	out := BuildCompletion("chatcmpl-1", "kimi-k2", "Hello \"world\"\n", 1700000000)
	require.True(t, gjson.ValidBytes(out))

	r := gjson.ParseBytes(out)
	assert.Equal(t, "chatcmpl-1", r.Get("id").String())
	assert.Equal(t, "chat.completion", r.Get("object").String())
	assert.Equal(t, int64(1700000000), r.Get("created").Int())
	assert.Equal(t, "kimi-k2", r.Get("model").String())
	assert.Equal(t, int64(1), r.Get("choices.#").Int())
	assert.Equal(t, int64(0), r.Get("choices.0.index").Int())
	assert.Equal(t, "assistant", r.Get("choices.0.message.role").String())
	assert.Equal(t, "Hello \"world\"\n", r.Get("choices.0.message.content").String())
	assert.Equal(t, "stop", r.Get("choices.0.finish_reason").String())
	for _, key := range []string{"prompt_tokens", "completion_tokens", "total_tokens"} {
		assert.True(t, r.Get("usage."+key).Exists(), key)
		assert.Equal(t, int64(0), r.Get("usage."+key).Int(), key)
	}
}

func TestBuildContentChunk(t *testing.T) {
	out := BuildContentChunk("chatcmpl-1", "kimi-k2", "你好", 42)
	r := gjson.ParseBytes(out)

	assert.Equal(t, "chat.completion.chunk", r.Get("object").String())
	assert.Equal(t, "chatcmpl-1", r.Get("id").String())
	assert.Equal(t, int64(42), r.Get("created").Int())
	assert.Equal(t, "你好", r.Get("choices.0.delta.content").String())
	assert.Equal(t, gjson.Null, r.Get("choices.0.finish_reason").Type)
	assert.True(t, r.Get("choices.0.finish_reason").Exists())
}

func TestBuildStopChunk(t *testing.T) {
	out := BuildStopChunk("chatcmpl-1", "kimi-k2", 42)
	r := gjson.ParseBytes(out)

	assert.Equal(t, "{}", r.Get("choices.0.delta").Raw)
	assert.Equal(t, "stop", r.Get("choices.0.finish_reason").String())
	assert.Equal(t, "kimi-k2", r.Get("model").String())
}

func TestAccumulator(t *testing.T) {
	var acc Accumulator
	assert.Equal(t, "", acc.Content())
	for _, s := range []string{"Hel", "lo", ", ", "世界"} {
		acc.Add(s)
	}
	assert.Equal(t, "Hello, 世界", acc.Content())
}

package kimi

import (
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectEvents(t *testing.T, d *Decoder) ([]Event, error) {
	t.Helper()
	var events []Event
	for i := 0; i < 1000; i++ {
		ev, err := d.Next()
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	t.Fatal("decoder did not terminate")
	return nil, nil
}

func texts(events []Event) []string {
	var out []string
	for _, ev := range events {
		if ev.Kind == EventTextDelta {
			out = append(out, ev.Text)
		}
	}
	return out
}

const basicStream = "data: {\"event\":\"cmpl\",\"text\":\"Hel\"}\n\n" +
	"data: {\"event\":\"rename\",\"text\":\"Greeting\"}\n\n" +
	"data: {\"event\":\"cmpl\",\"text\":\"lo\"}\n\n" +
	"data: {\"event\":\"all_done\"}\n\n"

func TestDecoder_BasicSequence(t *testing.T) {
	d := NewDecoder(strings.NewReader(basicStream))
	events, err := collectEvents(t, d)
	require.ErrorIs(t, err, io.EOF)

	kinds := make([]EventKind, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []EventKind{EventTextDelta, EventRename, EventTextDelta, EventDone}, kinds)
	assert.Equal(t, []string{"Hel", "lo"}, texts(events))

	_, err = d.Next()
	assert.ErrorIs(t, err, io.EOF, "decoder stays exhausted")
}

func TestDecoder_ChunkBoundaryInvariance(t *testing.T) {
	stream := "data: {\"event\":\"cmpl\",\"text\":\"你好\"}\n" +
		"data: {\"event\":\"cmpl\",\"text\":\"，世界🌏\"}\n" +
		"data: {\"event\":\"all_done\"}\n"

	readers := map[string]io.Reader{
		"whole":      strings.NewReader(stream),
		"one byte":   iotest.OneByteReader(strings.NewReader(stream)),
		"half":       iotest.HalfReader(strings.NewReader(stream)),
		"data error": iotest.DataErrReader(strings.NewReader(stream)),
	}
	for name, r := range readers {
		t.Run(name, func(t *testing.T) {
			events, err := collectEvents(t, NewDecoder(r))
			require.ErrorIs(t, err, io.EOF)
			assert.Equal(t, []string{"你好", "，世界🌏"}, texts(events))
		})
	}
}

func TestDecoder_DiscardsUnterminatedTail(t *testing.T) {
	stream := "data: {\"event\":\"cmpl\",\"text\":\"a\"}\ndata: {\"event\":\"cmpl\",\"text\":\"b\"}"
	events, err := collectEvents(t, NewDecoder(strings.NewReader(stream)))
	require.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []string{"a"}, texts(events))
}

func TestDecoder_SkipsNoise(t *testing.T) {
	stream := ": keep-alive\n" +
		"event: message\n" +
		"id: 7\n" +
		"data:\n" +
		"data:    \n" +
		"data: {not json\n" +
		"data:{\"event\":\"cmpl\",\"text\":\"x\"}\r\n" +
		"data: {\"event\":\"all_done\"}\n"
	events, err := collectEvents(t, NewDecoder(strings.NewReader(stream)))
	require.ErrorIs(t, err, io.EOF)
	require.Len(t, events, 2)
	assert.Equal(t, EventTextDelta, events[0].Kind)
	assert.Equal(t, "x", events[0].Text)
	assert.Equal(t, EventDone, events[1].Kind)
}

func TestDecoder_ClassifiesOtherEvents(t *testing.T) {
	stream := "data: {\"event\":\"cmpl\",\"text\":\"\"}\n" +
		"data: {\"event\":\"cmpl\",\"text\":0}\n" +
		"data: {\"event\":\"cmpl\",\"text\":false}\n" +
		"data: {\"event\":\"cmpl\",\"text\":null}\n" +
		"data: {\"event\":\"cmpl\"}\n" +
		"data: {\"event\":\"req\",\"id\":\"1\"}\n" +
		"data: {\"text\":\"no event\"}\n"
	events, err := collectEvents(t, NewDecoder(strings.NewReader(stream)))
	require.ErrorIs(t, err, io.EOF)
	require.Len(t, events, 7)
	for _, ev := range events {
		assert.Equal(t, EventUnknown, ev.Kind)
		assert.NotEmpty(t, ev.Raw)
	}
}

func TestDecoder_StopsReadingAfterDone(t *testing.T) {
	errBoom := errors.New("boom")
	r := io.MultiReader(
		strings.NewReader("data: {\"event\":\"cmpl\",\"text\":\"a\"}\ndata: {\"event\":\"all_done\"}\n"),
		iotest.ErrReader(errBoom),
	)
	events, err := collectEvents(t, NewDecoder(r))
	require.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []string{"a"}, texts(events))
}

func TestDecoder_PropagatesReadError(t *testing.T) {
	errBoom := errors.New("boom")
	r := io.MultiReader(
		strings.NewReader("data: {\"event\":\"cmpl\",\"text\":\"a\"}\n"),
		iotest.ErrReader(errBoom),
	)
	d := NewDecoder(r)

	ev, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, "a", ev.Text)

	_, err = d.Next()
	assert.ErrorIs(t, err, errBoom)

	_, err = d.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestEventKind_String(t *testing.T) {
	assert.Equal(t, "text_delta", EventTextDelta.String())
	assert.Equal(t, "rename", EventRename.String())
	assert.Equal(t, "done", EventDone.String())
	assert.Equal(t, "unknown", EventUnknown.String())
}

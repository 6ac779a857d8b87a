package pipeline

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testStops = []string{"[End]", "[end]", "<|im_start|>", "<|im_end|>"}

func TestWordStreamTruncatesAtStopWord(t *testing.T) {
	src := NewSliceSource("The answer ", "is 42<|im_end|>", " more text")
	ws := NewWordStream(src, testStops, "")

	got := ws.Collect()
	assert.Equal(t, []string{"The ", "answer ", "is ", "42", EndOfStream}, got)
	assert.Equal(t, 1, src.Remaining(), "chunk after the stop word must not be read")
	assert.NoError(t, ws.Err())
}

func TestWordStreamFlushesRemainderAtEOF(t *testing.T) {
	ws := NewWordStream(NewSliceSource("Hel", "lo wor", "ld"), testStops, "")
	assert.Equal(t, []string{"Hello ", "world", EndOfStream}, ws.Collect())
}

func TestWordStreamSplitsOnNewlines(t *testing.T) {
	ws := NewWordStream(NewSliceSource("line one\nline", " two"), nil, "")
	assert.Equal(t, []string{"line ", "one\n", "line ", "two", EndOfStream}, ws.Collect())
}

func TestWordStreamStopAcrossChunks(t *testing.T) {
	ws := NewWordStream(NewSliceSource("done <|im_", "end|> trailing"), testStops, "")
	assert.Equal(t, []string{"done ", EndOfStream}, ws.Collect())
}

func TestWordStreamEmitsSingleSentinel(t *testing.T) {
	ws := NewWordStream(NewSliceSource("a [End] b [end] c"), testStops, "")
	got := ws.Collect()
	n := 0
	for _, s := range got {
		if s == EndOfStream {
			n++
		}
	}
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"a ", EndOfStream}, got)
}

func TestWordStreamPrimeSkipsOneEmptyItem(t *testing.T) {
	ws := NewWordStream(NewSliceSource("", "Hi ", "there"), testStops, "")
	require.NoError(t, ws.Prime())
	assert.Equal(t, []string{"Hi ", "there", EndOfStream}, ws.Collect())
}

func TestWordStreamPrimeRejectsTwoEmptyItems(t *testing.T) {
	src := NewSliceSource("", "", "late")
	ws := NewWordStream(src, testStops, "")
	assert.ErrorIs(t, ws.Prime(), ErrEmptyStream)
	assert.Empty(t, ws.Collect())
	assert.Equal(t, 1, src.Remaining())
}

func TestWordStreamPrimeOnEmptySource(t *testing.T) {
	ws := NewWordStream(NewSliceSource(), testStops, "")
	assert.ErrorIs(t, ws.Prime(), ErrEmptyStream)
}

type failingSource struct {
	items []string
	err   error
}

func (f *failingSource) Next() (string, error) {
	if len(f.items) == 0 {
		return "", f.err
	}
	s := f.items[0]
	f.items = f.items[1:]
	return s, nil
}

func (f *failingSource) Close() error { return nil }

func TestWordStreamReaderSurfacesUpstreamError(t *testing.T) {
	boom := errors.New("backend reset")
	ws := NewWordStream(&failingSource{items: []string{"partial words "}, err: boom}, nil, "")
	require.NoError(t, ws.Prime())
	b, err := io.ReadAll(ws.Reader())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "partial words ", string(b))
}

func TestWordStreamReader(t *testing.T) {
	ws := NewWordStream(NewSliceSource("The answer ", "is 42<|im_end|>", " more text"), testStops, "")
	b, err := io.ReadAll(ws.Reader())
	require.NoError(t, err)
	assert.Equal(t, "The answer is 42"+EndOfStream, string(b))
}

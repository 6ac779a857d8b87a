package pipeline

import (
	"errors"
	"io"
	"strings"
)

// EndOfStream terminates every streamed submission.
const EndOfStream = "[DONE]"

// ErrEmptyStream means the backend produced no data in its first two items.
var ErrEmptyStream = errors.New("no initial data received from stream")

// WordStream re-chunks a token stream into whole words, stops at the first
// stop sequence and always ends with a single EndOfStream sentinel. It is
// lazy and can be consumed once.
type WordStream struct {
	src   TokenSource
	stops []string
	eos   string

	buf      string
	ready    []string
	finished bool
	primed   bool
	err      error
}

// NewWordStream wraps src. An empty eos selects EndOfStream.
func NewWordStream(src TokenSource, stops []string, eos string) *WordStream {
	if eos == "" {
		eos = EndOfStream
	}
	return &WordStream{src: src, stops: stops, eos: eos}
}

// Prime reads from the source until the first non-empty item. An empty first
// item allows one more read; two empty items make the stream non-viable.
func (w *WordStream) Prime() error {
	if w.primed {
		return nil
	}
	w.primed = true
	for attempt := 0; attempt < 2; attempt++ {
		chunk, err := w.src.Next()
		if err != nil {
			w.finish()
			if errors.Is(err, io.EOF) {
				w.err = ErrEmptyStream
			} else {
				w.err = err
			}
			return w.err
		}
		if chunk != "" {
			w.feed(chunk)
			return nil
		}
	}
	w.finish()
	w.err = ErrEmptyStream
	return w.err
}

// Next returns the next word or sentinel. ok is false once the stream is exhausted.
func (w *WordStream) Next() (string, bool) {
	if !w.primed {
		if err := w.Prime(); err != nil {
			return "", false
		}
	}
	for len(w.ready) == 0 && !w.finished {
		chunk, err := w.src.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if w.buf != "" {
					w.ready = append(w.ready, w.buf)
					w.buf = ""
				}
				w.ready = append(w.ready, w.eos)
			} else {
				w.err = err
			}
			w.finish()
			break
		}
		w.feed(chunk)
	}
	if len(w.ready) == 0 {
		return "", false
	}
	out := w.ready[0]
	w.ready = w.ready[1:]
	return out, true
}

// Err returns the upstream error that ended the stream, if any.
func (w *WordStream) Err() error { return w.err }

// Collect drains the stream into a slice.
func (w *WordStream) Collect() []string {
	var out []string
	for {
		s, ok := w.Next()
		if !ok {
			return out
		}
		out = append(out, s)
	}
}

func (w *WordStream) feed(chunk string) {
	w.buf += chunk
	cut, stopped := w.stopIndex()
	if stopped {
		w.buf = w.buf[:cut]
	}
	if i := strings.LastIndexAny(w.buf, " \n"); i >= 0 {
		w.ready = append(w.ready, splitWords(w.buf[:i+1])...)
		w.buf = w.buf[i+1:]
	}
	if stopped {
		if w.buf != "" {
			w.ready = append(w.ready, w.buf)
			w.buf = ""
		}
		w.ready = append(w.ready, w.eos)
		w.finish()
	}
}

// stopIndex returns the earliest stop sequence position in the buffer.
func (w *WordStream) stopIndex() (int, bool) {
	best := -1
	for _, s := range w.stops {
		if s == "" {
			continue
		}
		if i := strings.Index(w.buf, s); i >= 0 && (best < 0 || i < best) {
			best = i
		}
	}
	return best, best >= 0
}

func (w *WordStream) finish() {
	if w.finished {
		return
	}
	w.finished = true
	_ = w.src.Close()
}

// splitWords splits s after every space or newline. s must end with a separator.
func splitWords(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' || s[i] == '\n' {
			out = append(out, s[start:i+1])
			start = i + 1
		}
	}
	return out
}

// Reader exposes the stream as an io.Reader suitable for a streaming HTTP body.
// An upstream failure surfaces as a read error so the upload aborts.
func (w *WordStream) Reader() io.Reader { return &wordReader{ws: w} }

type wordReader struct {
	ws  *WordStream
	cur []byte
}

func (r *wordReader) Read(p []byte) (int, error) {
	for len(r.cur) == 0 {
		s, ok := r.ws.Next()
		if !ok {
			if err := r.ws.Err(); err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
		r.cur = []byte(s)
	}
	n := copy(p, r.cur)
	r.cur = r.cur[n:]
	return n, nil
}

// SliceSource is a TokenSource over a fixed list of fragments.
type SliceSource struct {
	items  []string
	closed bool
}

func NewSliceSource(items ...string) *SliceSource { return &SliceSource{items: items} }

func (s *SliceSource) Next() (string, error) {
	if s.closed || len(s.items) == 0 {
		return "", io.EOF
	}
	out := s.items[0]
	s.items = s.items[1:]
	return out, nil
}

func (s *SliceSource) Close() error {
	s.closed = true
	return nil
}

// Remaining reports how many fragments were never read.
func (s *SliceSource) Remaining() int { return len(s.items) }

package capture

import "strings"

// DefaultSentinel is the marker benchmark applications print when they
// finish.
const DefaultSentinel = "Benchmark Over"

// Watcher accumulates output and reports when the sentinel first
// appears in it, including when the sentinel is split across fragments.
// Each call searches only the text that could contain a new match, so
// the cost of a call is proportional to the fragment.
type Watcher struct {
	marker string
	text   strings.Builder
	found  bool
	pos    int
}

func NewWatcher(marker string) *Watcher {
	return &Watcher{marker: marker, pos: -1}
}

// Feed appends fragment and reports the sentinel's byte offset the
// first time it is present in the accumulated text. Once the sentinel
// has been found, Feed ignores further input and returns (-1, false).
func (w *Watcher) Feed(fragment string) (int, bool) {
	if w.found {
		return -1, false
	}
	prev := w.text.Len()
	w.text.WriteString(fragment)
	if w.marker == "" {
		w.found, w.pos = true, 0
		return 0, true
	}

	from := max(0, prev-len(w.marker)+1)
	i := strings.Index(w.text.String()[from:], w.marker)
	if i < 0 {
		return -1, false
	}
	w.found, w.pos = true, from+i
	return w.pos, true
}

// Found reports whether the sentinel has been seen.
func (w *Watcher) Found() bool { return w.found }

// Position returns the sentinel offset, or -1.
func (w *Watcher) Position() int { return w.pos }

// Text returns everything fed so far.
func (w *Watcher) Text() string { return w.text.String() }

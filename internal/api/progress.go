package api

import (
	"io"
	"math"
	"sync"
)

// Progress reports how much of a request body has been transmitted.
type Progress struct {
	Loaded     int64
	Total      int64
	Percentage int
}

// progressTracker reports a high-water mark so that a retried request,
// which re-sends its body from the start, never makes progress go backwards.
type progressTracker struct {
	mu       sync.Mutex
	callback func(Progress)
	total    int64
	reported int64
}

func newProgressTracker(callback func(Progress), total int) *progressTracker {
	if callback == nil || total <= 0 {
		return nil
	}

	return &progressTracker{callback: callback, total: int64(total), reported: -1}
}

func (t *progressTracker) wrap(reader io.Reader) io.Reader {
	if t == nil {
		return reader
	}

	return &progressReader{reader: reader, tracker: t}
}

func (t *progressTracker) report(loaded int64) {
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if loaded > t.total {
		loaded = t.total
	}

	if loaded <= t.reported {
		return
	}

	t.reported = loaded
	t.callback(Progress{
		Loaded:     loaded,
		Total:      t.total,
		Percentage: int(math.Round(float64(loaded) * 100 / float64(t.total))),
	})
}

// complete marks the whole body as sent once the server has answered.
func (t *progressTracker) complete() {
	if t == nil {
		return
	}

	t.report(t.total)
}

type progressReader struct {
	reader  io.Reader
	tracker *progressTracker
	loaded  int64
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		r.loaded += int64(n)
		r.tracker.report(r.loaded)
	}

	return n, err
}

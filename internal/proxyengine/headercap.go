package proxyengine

import (
	"errors"
	"io"
)

// errHeaderSectionTooLarge is returned once a request's header section
// has consumed more than its configured byte cap without completing.
// http.ReadRequest has no size ceiling of its own: net/textproto's
// ReadMIMEHeader path is called with unlimited line and header budgets,
// and bufio.Reader.ReadLine silently swallows its own ErrBufferFull and
// keeps accumulating an over-long line instead of failing. headerCapReader
// enforces the limit itself, one byte counter at a time, so it is never
// subject to either of those stdlib behaviors.
var errHeaderSectionTooLarge = errors.New("l7: header section exceeds configured cap")

// headerCapReader wraps a connection's persistent reader and counts
// bytes consumed through it, failing once a request's header section
// exceeds limit. Reused across the lifetime of one connection: reset
// before each request's header parse and disabled immediately after,
// so the cap never applies to a request or response body.
type headerCapReader struct {
	r        io.Reader
	limit    int
	read     int
	disabled bool
}

func newHeaderCapReader(r io.Reader, limit int) *headerCapReader {
	return &headerCapReader{r: r, limit: limit}
}

func (h *headerCapReader) Read(p []byte) (int, error) {
	if h.disabled {
		return h.r.Read(p)
	}
	if h.read >= h.limit {
		return 0, errHeaderSectionTooLarge
	}
	if remaining := h.limit - h.read; len(p) > remaining {
		p = p[:remaining]
	}
	n, err := h.r.Read(p)
	h.read += n
	return n, err
}

// reset re-arms the cap ahead of the next request's header parse.
func (h *headerCapReader) reset() {
	h.read = 0
	h.disabled = false
}

// disable lets body and pipelined-request bytes pass through uncounted
// once header parsing for the current request has completed.
func (h *headerCapReader) disable() {
	h.disabled = true
}

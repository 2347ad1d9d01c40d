package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

var errNotRanged = errors.New("container: remote source does not support ranges")

// remoteBody is one response of a remote source, starting at the requested
// offset.
type remoteBody struct {
	io.ReadCloser
	// size is the total length of the resource, or -1 when unknown.
	size int64
	// ranged reports whether the server honours start offsets.
	ranged bool
}

// rangeOpener fetches a remote resource from off onwards.
type rangeOpener func(ctx context.Context, off int64) (*remoteBody, error)

// rangeReader is an io.ReadSeeker over a remote resource. Seeking drops
// the current response and the next Read reopens at the new offset.
type rangeReader struct {
	ctx     context.Context
	cancel  context.CancelFunc
	open    rangeOpener
	body    io.ReadCloser
	off     int64
	size    int64
	ranged  bool
	onClose func() error
}

func newRangeReader(ctx context.Context, open rangeOpener) (*rangeReader, error) {
	ctx, cancel := context.WithCancel(ctx)
	b, err := open(ctx, 0)
	if err != nil {
		cancel()
		return nil, err
	}
	return &rangeReader{
		ctx:    ctx,
		cancel: cancel,
		open:   open,
		body:   b.ReadCloser,
		size:   b.size,
		ranged: b.ranged && b.size > 0,
	}, nil
}

func (r *rangeReader) Read(p []byte) (int, error) {
	if r.body == nil {
		if r.size >= 0 && r.off >= r.size {
			return 0, io.EOF
		}
		b, err := r.open(r.ctx, r.off)
		if err != nil {
			return 0, err
		}
		r.body = b.ReadCloser
	}
	n, err := r.body.Read(p)
	r.off += int64(n)
	return n, err
}

func (r *rangeReader) Seek(offset int64, whence int) (int64, error) {
	abs := offset
	switch whence {
	case io.SeekCurrent:
		abs += r.off
	case io.SeekEnd:
		if r.size < 0 {
			return 0, errNotRanged
		}
		abs += r.size
	}
	if abs < 0 {
		return 0, fmt.Errorf("container: negative offset %d", abs)
	}
	if abs == r.off {
		return abs, nil
	}
	if !r.ranged {
		return 0, errNotRanged
	}
	if r.body != nil {
		r.body.Close()
		r.body = nil
	}
	r.off = abs
	return abs, nil
}

// interrupt aborts the pending request.
func (r *rangeReader) interrupt() { r.cancel() }

func (r *rangeReader) Close() error {
	r.cancel()
	var err error
	if r.body != nil {
		err = r.body.Close()
		r.body = nil
	}
	if r.onClose != nil {
		err = errors.Join(err, r.onClose())
	}
	return err
}

// httpOpener issues GET requests with a Range header for non-zero offsets.
func httpOpener(client *http.Client, uri string) rangeOpener {
	return func(ctx context.Context, off int64) (*remoteBody, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
		if err != nil {
			return nil, fmt.Errorf("container: %w", err)
		}
		if off > 0 {
			req.Header.Set("Range", "bytes="+strconv.FormatInt(off, 10)+"-")
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("container: GET %s: %w", uri, err)
		}

		switch {
		case off > 0 && resp.StatusCode == http.StatusPartialContent:
			return &remoteBody{ReadCloser: resp.Body, size: contentRangeSize(resp.Header.Get("Content-Range")), ranged: true}, nil
		case off == 0 && resp.StatusCode == http.StatusOK:
			ranged := strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes")
			return &remoteBody{ReadCloser: resp.Body, size: resp.ContentLength, ranged: ranged}, nil
		default:
			resp.Body.Close()
			return nil, fmt.Errorf("container: GET %s at %d: unexpected status %s", uri, off, resp.Status)
		}
	}
}

// contentRangeSize extracts the complete length from "bytes a-b/size".
func contentRangeSize(v string) int64 {
	i := strings.LastIndexByte(v, '/')
	if i < 0 {
		return -1
	}
	n, err := strconv.ParseInt(v[i+1:], 10, 64)
	if err != nil {
		return -1
	}
	return n
}

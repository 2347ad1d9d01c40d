package container

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	srtgo "github.com/zsiec/srtgo"
)

// srtLatency is the SRT receive latency in nanoseconds (120ms).
const srtLatency = 120_000_000

// srtReadSize is seven TS packets, the usual SRT payload.
const srtReadSize = 1316

// srtStreamID picks the stream id from the "streamid" query parameter, or
// falls back to the URL path.
func srtStreamID(u *url.URL) string {
	if id := u.Query().Get("streamid"); id != "" {
		return id
	}
	return strings.TrimPrefix(u.Path, "/")
}

// openSRT dials an SRT listener in caller mode. The connection carries a
// live transport stream and cannot seek.
func openSRT(ctx context.Context, u *url.URL, opts Options) (Source, error) {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatency
	cfg.StreamID = srtStreamID(u)

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(u.Host, cfg)
		ch <- dialResult{conn, err}
	}()

	// A dial that loses the race is closed once it completes.
	abandon := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()

	var conn *srtgo.Conn
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("container: SRT dial %s: %w", u.Host, res.err)
		}
		conn = res.conn
	case <-dialCtx.Done():
		abandon()
		return nil, fmt.Errorf("container: SRT dial %s: %w", u.Host, dialCtx.Err())
	}

	opts.Logger.Info("SRT connected", "address", u.Host, "stream_id", cfg.StreamID)
	r := &srtReader{conn: conn, buf: make([]byte, srtReadSize*10)}
	src, err := newTSSource(r, opts, func() { r.Close() })
	if err != nil {
		r.Close()
		return nil, err
	}
	return src, nil
}

// srtReader adapts message-oriented SRT reads to a byte stream.
type srtReader struct {
	conn      *srtgo.Conn
	buf       []byte
	rest      []byte
	closeOnce sync.Once
	closeErr  error
}

func (r *srtReader) Read(p []byte) (int, error) {
	if len(r.rest) == 0 {
		n, err := r.conn.Read(r.buf)
		if n == 0 {
			return 0, err
		}
		r.rest = r.buf[:n]
	}
	n := copy(p, r.rest)
	r.rest = r.rest[n:]
	return n, nil
}

func (r *srtReader) Close() error {
	r.closeOnce.Do(func() { r.closeErr = r.conn.Close() })
	return r.closeErr
}

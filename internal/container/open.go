package container

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/quic-go/quic-go/http3"
)

// Open opens uri. Plain paths and file:// URLs open local files; srt://,
// quic://, http://, https:// and h3:// (HTTPS over HTTP/3) open network
// sources.
func Open(ctx context.Context, uri string, opts Options) (Source, error) {
	opts = opts.withDefaults()
	u, err := url.Parse(uri)
	if err != nil || len(u.Scheme) <= 1 {
		return OpenFile(uri, opts)
	}

	switch u.Scheme {
	case "file":
		return OpenFile(u.Path, opts)
	case "http", "https":
		return openHTTP(ctx, uri, opts.HTTPClient, opts, nil)
	case "h3":
		return openH3(ctx, u, opts)
	case "quic":
		return openQUIC(ctx, u, opts)
	case "srt":
		return openSRT(ctx, u, opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

// OpenFile opens a transport stream file.
func OpenFile(path string, opts Options) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("container: %w", err)
	}
	src, err := NewTSSource(f, opts)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("container: %s: %w", path, err)
	}
	return src, nil
}

func openHTTP(ctx context.Context, uri string, client *http.Client, opts Options, onClose func() error) (Source, error) {
	rr, err := newRangeReader(ctx, httpOpener(client, uri))
	if err != nil {
		if onClose != nil {
			onClose()
		}
		return nil, err
	}
	rr.onClose = onClose
	src, err := newTSSource(rr, opts, rr.interrupt)
	if err != nil {
		rr.Close()
		return nil, err
	}
	return src, nil
}

// openH3 fetches an https URL over HTTP/3.
func openH3(ctx context.Context, u *url.URL, opts Options) (Source, error) {
	tr := &http3.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: opts.InsecureTLS},
		QUICConfig:      quicConfig(),
	}
	target := *u
	target.Scheme = "https"
	client := &http.Client{Transport: tr}
	return openHTTP(ctx, target.String(), client, opts, tr.Close)
}

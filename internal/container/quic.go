package container

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/quicvarint"
)

// ALPN is the application protocol negotiated by quic:// sources.
//
// Each request runs on its own bidirectional stream. The client sends
// varint(len(path)) path varint(offset); the server answers varint(status)
// varint(size) and then streams the resource from offset until it closes
// its side. A size of 0 marks a live resource that cannot be ranged.
const ALPN = "reel-ts"

const (
	quicStatusOK       = 0
	quicStatusNotFound = 1
	quicStatusBadRange = 2

	maxQUICPath = 4096
)

// quicErrNormal is the application error code used for orderly closes.
const quicErrNormal quic.ApplicationErrorCode = 0

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}
}

// openQUIC dials u.Host and reads the resource named by u.Path.
func openQUIC(ctx context.Context, u *url.URL, opts Options) (Source, error) {
	tlsConf := &tls.Config{
		NextProtos:         []string{ALPN},
		InsecureSkipVerify: opts.InsecureTLS,
		ServerName:         u.Hostname(),
	}
	dialCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	conn, err := quic.DialAddr(dialCtx, u.Host, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("container: QUIC dial %s: %w", u.Host, err)
	}

	path := u.Path
	rr, err := newRangeReader(ctx, quicOpener(conn, path))
	if err != nil {
		conn.CloseWithError(quicErrNormal, "")
		return nil, err
	}
	rr.onClose = func() error { return conn.CloseWithError(quicErrNormal, "") }

	src, err := newTSSource(rr, opts, rr.interrupt)
	if err != nil {
		rr.Close()
		return nil, err
	}
	return src, nil
}

type quicBody struct {
	quic.Stream
}

func (b quicBody) Close() error {
	b.CancelRead(quic.StreamErrorCode(quicErrNormal))
	return b.Stream.Close()
}

func quicOpener(conn quic.Connection, path string) rangeOpener {
	return func(ctx context.Context, off int64) (*remoteBody, error) {
		str, err := conn.OpenStreamSync(ctx)
		if err != nil {
			return nil, fmt.Errorf("container: QUIC open stream: %w", err)
		}
		req := quicvarint.Append(nil, uint64(len(path)))
		req = append(req, path...)
		req = quicvarint.Append(req, uint64(off))
		if _, err := str.Write(req); err != nil {
			str.CancelRead(quic.StreamErrorCode(quicErrNormal))
			return nil, fmt.Errorf("container: QUIC request: %w", err)
		}
		if err := str.Close(); err != nil {
			return nil, fmt.Errorf("container: QUIC request: %w", err)
		}

		br := quicvarint.NewReader(str)
		status, err := quicvarint.Read(br)
		if err == nil && status != quicStatusOK {
			err = fmt.Errorf("status %d", status)
		}
		var size uint64
		if err == nil {
			size, err = quicvarint.Read(br)
		}
		if err != nil {
			str.CancelRead(quic.StreamErrorCode(quicErrNormal))
			return nil, fmt.Errorf("container: QUIC %s at %d: %w", path, off, err)
		}
		if size == 0 {
			return &remoteBody{ReadCloser: quicBody{str}, size: -1}, nil
		}
		return &remoteBody{ReadCloser: quicBody{str}, size: int64(size), ranged: true}, nil
	}
}

// QUICServer serves the files of Root to quic:// sources.
type QUICServer struct {
	Root fs.FS
	Log  *slog.Logger
}

// TLSConfig returns a server TLS configuration for cert with the reel ALPN.
func TLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{ALPN}}
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *QUICServer) ListenAndServe(ctx context.Context, addr string, tlsConf *tls.Config) error {
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return fmt.Errorf("container: QUIC listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then closes ln.
func (s *QUICServer) Serve(ctx context.Context, ln *quic.Listener) error {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "quic-server")
	log.Info("listening", "addr", ln.Addr())

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("container: QUIC accept: %w", err)
		}
		go s.handleConn(ctx, conn, log.With("remote", conn.RemoteAddr()))
	}
}

func (s *QUICServer) handleConn(ctx context.Context, conn quic.Connection, log *slog.Logger) {
	defer conn.CloseWithError(quicErrNormal, "")
	for {
		str, err := conn.AcceptStream(ctx)
		if err != nil {
			var appErr *quic.ApplicationError
			if ctx.Err() == nil && !errors.As(err, &appErr) {
				log.Debug("accept stream", "error", err)
			}
			return
		}
		go s.handleStream(str, log)
	}
}

func (s *QUICServer) handleStream(str quic.Stream, log *slog.Logger) {
	defer str.Close()

	br := quicvarint.NewReader(str)
	n, err := quicvarint.Read(br)
	if err != nil || n > maxQUICPath {
		str.CancelRead(quic.StreamErrorCode(quicErrNormal))
		return
	}
	name := make([]byte, n)
	if _, err := io.ReadFull(br, name); err != nil {
		return
	}
	off, err := quicvarint.Read(br)
	if err != nil {
		return
	}

	path := strings.TrimPrefix(string(name), "/")
	f, err := s.Root.Open(path)
	if err != nil {
		log.Debug("not found", "path", path)
		str.Write(quicvarint.Append(nil, quicStatusNotFound))
		return
	}
	defer f.Close()

	var size int64
	if info, err := f.Stat(); err == nil && info.Mode().IsRegular() {
		size = info.Size()
	}
	if off > 0 {
		seeker, ok := f.(io.Seeker)
		if !ok || size == 0 || int64(off) > size {
			str.Write(quicvarint.Append(nil, quicStatusBadRange))
			return
		}
		if _, err := seeker.Seek(int64(off), io.SeekStart); err != nil {
			str.Write(quicvarint.Append(nil, quicStatusBadRange))
			return
		}
	}

	hdr := quicvarint.Append(nil, quicStatusOK)
	hdr = quicvarint.Append(hdr, uint64(size))
	if _, err := str.Write(hdr); err != nil {
		return
	}
	written, err := io.Copy(str, f)
	log.Debug("served", "path", path, "offset", off, "bytes", written, "error", err)
}

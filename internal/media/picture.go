package media

import (
	"fmt"
	"sync"
	"time"
)

// PixelFormat is the memory layout of a decoded picture.
type PixelFormat int

const (
	PixelYUV420P PixelFormat = iota
	PixelYUYV422
	PixelRGB24
)

func (f PixelFormat) String() string {
	switch f {
	case PixelYUV420P:
		return "yuv420p"
	case PixelYUYV422:
		return "yuyv422"
	case PixelRGB24:
		return "rgb24"
	default:
		return fmt.Sprintf("pixfmt(%d)", int(f))
	}
}

// ParsePixelFormat maps a format name to a PixelFormat.
func ParsePixelFormat(s string) (PixelFormat, error) {
	switch s {
	case "yuv420p", "YUV420P":
		return PixelYUV420P, nil
	case "yuyv422", "YUYV422":
		return PixelYUYV422, nil
	case "rgb24", "RGB24":
		return PixelRGB24, nil
	}
	return 0, fmt.Errorf("media: unknown pixel format %q", s)
}

// PlaneSizes returns the tightly packed stride and byte length of each plane
// for a picture of the given dimensions.
func (f PixelFormat) PlaneSizes(w, h int) (strides, sizes []int) {
	switch f {
	case PixelYUV420P:
		cw, ch := (w+1)/2, (h+1)/2
		return []int{w, cw, cw}, []int{w * h, cw * ch, cw * ch}
	case PixelYUYV422:
		stride := ((w + 1) / 2) * 4
		return []int{stride}, []int{stride * h}
	case PixelRGB24:
		return []int{w * 3}, []int{w * 3 * h}
	}
	return nil, nil
}

// Picture is one decoded, displayable image. A picture has a single owner
// at a time: the decoder, the frame queue, or the presentation sink.
type Picture struct {
	Format  PixelFormat
	Width   int
	Height  int
	Planes  [][]byte
	Strides []int

	// PTS is the presentation time relative to the start of the container.
	PTS time.Duration
	// Ticks is PTS in the video stream's time base.
	Ticks  int64
	Serial uint64

	// EOS marks the end of the video stream.
	EOS bool
}

// Size is the number of pixel bytes held by the picture.
func (p *Picture) Size() int {
	n := 0
	for _, pl := range p.Planes {
		n += len(pl)
	}
	return n
}

// PicturePool recycles picture buffers by format and dimensions.
type PicturePool struct {
	mu    sync.Mutex
	pools map[pictureKey]*sync.Pool
}

type pictureKey struct {
	format PixelFormat
	w, h   int
}

// NewPicturePool returns an empty pool.
func NewPicturePool() *PicturePool {
	return &PicturePool{pools: make(map[pictureKey]*sync.Pool)}
}

// Get returns a picture with tightly packed planes allocated for the given
// format and size. Timestamp fields are zeroed.
func (pp *PicturePool) Get(f PixelFormat, w, h int) *Picture {
	pool := pp.pool(pictureKey{f, w, h})
	pic := pool.Get().(*Picture)
	pic.PTS, pic.Ticks, pic.Serial, pic.EOS = 0, 0, 0, false
	return pic
}

// Put returns pic to the pool. EOS markers and nil pictures are ignored.
func (pp *PicturePool) Put(pic *Picture) {
	if pic == nil || pic.EOS || len(pic.Planes) == 0 {
		return
	}
	pp.pool(pictureKey{pic.Format, pic.Width, pic.Height}).Put(pic)
}

func (pp *PicturePool) pool(k pictureKey) *sync.Pool {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	p, ok := pp.pools[k]
	if !ok {
		p = &sync.Pool{New: func() any {
			strides, sizes := k.format.PlaneSizes(k.w, k.h)
			planes := make([][]byte, len(sizes))
			for i, n := range sizes {
				planes[i] = make([]byte, n)
			}
			return &Picture{Format: k.format, Width: k.w, Height: k.h, Planes: planes, Strides: strides}
		}}
		pp.pools[k] = p
	}
	return p
}

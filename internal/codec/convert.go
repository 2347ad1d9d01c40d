package codec

import (
	"fmt"

	"github.com/zsiec/reel/internal/media"
)

// Convert writes src into dst, converting pixel format. Both pictures must
// have the same dimensions and tightly packed planes. Conversions use
// BT.601 limited range integer arithmetic; chroma is averaged over the
// subsampled block.
func Convert(dst, src *media.Picture) error {
	if dst.Width != src.Width || dst.Height != src.Height {
		return fmt.Errorf("codec: convert %dx%d to %dx%d: size mismatch", src.Width, src.Height, dst.Width, dst.Height)
	}
	if dst.Format == src.Format {
		for i := range dst.Planes {
			copy(dst.Planes[i], src.Planes[i])
		}
		return nil
	}
	yuv, err := toYUV444(src)
	if err != nil {
		return err
	}
	return fromYUV444(dst, yuv)
}

// yuv444 is a full-resolution intermediate: one Y, U, V triple per pixel.
type yuv444 struct {
	w, h    int
	y, u, v []byte
}

func toYUV444(p *media.Picture) (*yuv444, error) {
	w, h := p.Width, p.Height
	out := &yuv444{w: w, h: h, y: make([]byte, w*h), u: make([]byte, w*h), v: make([]byte, w*h)}
	switch p.Format {
	case media.PixelYUV420P:
		cs := p.Strides[1]
		for y := range h {
			for x := range w {
				i := y*w + x
				c := (y/2)*cs + x/2
				out.y[i] = p.Planes[0][y*p.Strides[0]+x]
				out.u[i] = p.Planes[1][c]
				out.v[i] = p.Planes[2][c]
			}
		}
	case media.PixelYUYV422:
		s := p.Strides[0]
		for y := range h {
			for x := range w {
				i := y*w + x
				base := y*s + (x/2)*4
				out.y[i] = p.Planes[0][base+(x%2)*2]
				out.u[i] = p.Planes[0][base+1]
				out.v[i] = p.Planes[0][base+3]
			}
		}
	case media.PixelRGB24:
		s := p.Strides[0]
		for y := range h {
			for x := range w {
				o := y*s + x*3
				i := y*w + x
				out.y[i], out.u[i], out.v[i] = rgbToYUV(p.Planes[0][o], p.Planes[0][o+1], p.Planes[0][o+2])
			}
		}
	default:
		return nil, fmt.Errorf("codec: convert from %s: %w", p.Format, ErrUnsupported)
	}
	return out, nil
}

func fromYUV444(p *media.Picture, s *yuv444) error {
	w, h := s.w, s.h
	switch p.Format {
	case media.PixelYUV420P:
		for y := range h {
			copy(p.Planes[0][y*p.Strides[0]:], s.y[y*w:(y+1)*w])
		}
		cs := p.Strides[1]
		for cy := range (h + 1) / 2 {
			for cx := range (w + 1) / 2 {
				u, v := s.average(cx*2, cy*2, 2, 2)
				p.Planes[1][cy*cs+cx] = u
				p.Planes[2][cy*cs+cx] = v
			}
		}
	case media.PixelYUYV422:
		st := p.Strides[0]
		for y := range h {
			for cx := range (w + 1) / 2 {
				x := cx * 2
				u, v := s.average(x, y, 2, 1)
				o := y*st + cx*4
				p.Planes[0][o] = s.y[y*w+x]
				p.Planes[0][o+1] = u
				if x+1 < w {
					p.Planes[0][o+2] = s.y[y*w+x+1]
				} else {
					p.Planes[0][o+2] = s.y[y*w+x]
				}
				p.Planes[0][o+3] = v
			}
		}
	case media.PixelRGB24:
		st := p.Strides[0]
		for y := range h {
			for x := range w {
				i := y*w + x
				o := y*st + x*3
				p.Planes[0][o], p.Planes[0][o+1], p.Planes[0][o+2] = yuvToRGB(s.y[i], s.u[i], s.v[i])
			}
		}
	default:
		return fmt.Errorf("codec: convert to %s: %w", p.Format, ErrUnsupported)
	}
	return nil
}

// average returns the mean chroma of the bw x bh block at (x, y), clipped
// to the picture.
func (s *yuv444) average(x, y, bw, bh int) (u, v byte) {
	var su, sv, n int
	for dy := range bh {
		for dx := range bw {
			px, py := x+dx, y+dy
			if px >= s.w || py >= s.h {
				continue
			}
			i := py*s.w + px
			su += int(s.u[i])
			sv += int(s.v[i])
			n++
		}
	}
	return byte((su + n/2) / n), byte((sv + n/2) / n)
}

func clamp8(v int) byte {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	}
	return byte(v)
}

func rgbToYUV(r, g, b byte) (y, u, v byte) {
	R, G, B := int(r), int(g), int(b)
	y = clamp8((66*R+129*G+25*B+128)>>8 + 16)
	u = clamp8((-38*R-74*G+112*B+128)>>8 + 128)
	v = clamp8((112*R-94*G-18*B+128)>>8 + 128)
	return y, u, v
}

func yuvToRGB(y, u, v byte) (r, g, b byte) {
	c := int(y) - 16
	d := int(u) - 128
	e := int(v) - 128
	r = clamp8((298*c + 409*e + 128) >> 8)
	g = clamp8((298*c - 100*d - 208*e + 128) >> 8)
	b = clamp8((298*c + 516*d + 128) >> 8)
	return r, g, b
}

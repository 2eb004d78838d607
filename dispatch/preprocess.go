package dispatch

import (
	"bytes"
	"image"
	"image/jpeg"
	"net/http"

	"github.com/bep/imagemeta"
	xdraw "golang.org/x/image/draw"

	"github.com/anatolykoptev/go-imageguard/fingerprint"
)

const (
	DefaultMaxDimension = 1024
	DefaultTargetBytes  = 256 * 1024
	defaultJPEGQuality  = 85
)

var fallbackQualities = []int{70, 60, 50}

// Preprocessor shrinks images before they are sent to providers. It never
// touches the bytes used for fingerprints; callers fingerprint first.
type Preprocessor struct {
	MaxDimension int // longest side after scaling; default DefaultMaxDimension
	TargetBytes  int // soft cap on the encoded size; default DefaultTargetBytes
	Quality      int // first JPEG quality tried; default 85
}

func (p *Preprocessor) defaults() {
	if p.MaxDimension <= 0 {
		p.MaxDimension = DefaultMaxDimension
	}
	if p.TargetBytes <= 0 {
		p.TargetBytes = DefaultTargetBytes
	}
	if p.Quality <= 0 || p.Quality > 100 {
		p.Quality = defaultJPEGQuality
	}
}

// Apply returns a JPEG rendition of img that is upright, at most MaxDimension
// on its longest side and, when reachable, at most TargetBytes. Small JPEGs
// that already fit are returned unchanged, as is anything that fails to
// decode or encode.
func (p Preprocessor) Apply(img Image) Image {
	p.defaults()
	if img.MIMEType == "" {
		img.MIMEType = http.DetectContentType(img.Data)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(img.Data))
	if err != nil {
		return img
	}
	if format == "jpeg" && len(img.Data) <= p.TargetBytes && max(cfg.Width, cfg.Height) <= p.MaxDimension {
		return img
	}

	src, _, err := fingerprint.Decode(img.Data)
	if err != nil {
		return img
	}
	if format == "jpeg" {
		src = applyOrientation(src, exifOrientation(img.Data))
	}
	src = downscale(src, p.MaxDimension)

	out, err := encodeJPEG(src, p.Quality)
	if err != nil {
		return img
	}
	for _, q := range fallbackQualities {
		if len(out) <= p.TargetBytes || q >= p.Quality {
			break
		}
		if smaller, err := encodeJPEG(src, q); err == nil {
			out = smaller
		}
	}

	img.Data = out
	img.MIMEType = "image/jpeg"
	return img
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func downscale(src image.Image, maxDim int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	longest := max(w, h)
	if longest <= maxDim {
		return src
	}
	nw := max(1, w*maxDim/longest)
	nh := max(1, h*maxDim/longest)
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, b, xdraw.Over, nil)
	return dst
}

// exifOrientation returns the EXIF orientation (1..8), or 1 when absent.
func exifOrientation(data []byte) int {
	orientation := 1
	_, err := imagemeta.Decode(imagemeta.Options{
		R:       bytes.NewReader(data),
		Sources: imagemeta.EXIF,
		ShouldHandleTag: func(ti imagemeta.TagInfo) bool {
			return ti.Tag == "Orientation"
		},
		HandleTag: func(ti imagemeta.TagInfo) error {
			if v, ok := toInt(ti.Value); ok && v >= 1 && v <= 8 {
				orientation = v
			}
			return nil
		},
	})
	if err != nil {
		return 1
	}
	return orientation
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint8:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// applyOrientation rotates/flips src so that it displays upright.
func applyOrientation(src image.Image, o int) image.Image {
	if o <= 1 || o > 8 {
		return src
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dw, dh := w, h
	if o >= 5 {
		dw, dh = h, w
	}
	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var dx, dy int
			switch o {
			case 2: // mirror horizontal
				dx, dy = w-1-x, y
			case 3: // rotate 180
				dx, dy = w-1-x, h-1-y
			case 4: // mirror vertical
				dx, dy = x, h-1-y
			case 5: // transpose
				dx, dy = y, x
			case 6: // rotate 90 cw
				dx, dy = h-1-y, x
			case 7: // transverse
				dx, dy = h-1-y, w-1-x
			case 8: // rotate 270 cw
				dx, dy = y, w-1-x
			}
			dst.Set(dx, dy, src.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}

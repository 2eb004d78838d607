package fingerprint

import (
	"bytes"
	"errors"
	"image"
)

// MaxPixels caps width*height of any image this module decodes. Decoders
// allocate from header dimensions before reading pixel data, so a few bytes
// can otherwise claim gigabytes.
const MaxPixels = 40_000_000

// ErrTooManyPixels is returned by Decode for images above MaxPixels.
var ErrTooManyPixels = errors.New("fingerprint: image exceeds pixel cap")

// WithinPixelCap reports whether a w x h image (times frames) may be decoded.
func WithinPixelCap(w, h, frames int) bool {
	if w < 0 || h < 0 || frames < 1 {
		return false
	}
	return int64(w)*int64(h)*int64(frames) <= MaxPixels
}

// Decode decodes the first frame of data after checking its header
// dimensions against MaxPixels.
func Decode(data []byte) (image.Image, string, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", err
	}
	if !WithinPixelCap(cfg.Width, cfg.Height, 1) {
		return nil, "", ErrTooManyPixels
	}
	return image.Decode(bytes.NewReader(data))
}

// gifFrameCount walks the GIF block structure without decoding pixels and
// returns the logical screen size and the number of image descriptors.
// ok is false for anything that is not a well-formed GIF stream.
func gifFrameCount(data []byte) (w, h, frames int, ok bool) {
	if len(data) < 13 || (string(data[:6]) != "GIF87a" && string(data[:6]) != "GIF89a") {
		return 0, 0, 0, false
	}
	w = int(data[6]) | int(data[7])<<8
	h = int(data[8]) | int(data[9])<<8
	pos := 13
	if data[10]&0x80 != 0 {
		pos += 3 << (int(data[10]&0x07) + 1)
	}

	// skipSubBlocks advances past a chain of length-prefixed sub-blocks.
	skipSubBlocks := func() bool {
		for pos < len(data) {
			n := int(data[pos])
			pos++
			if n == 0 {
				return true
			}
			pos += n
		}
		return false
	}

	for pos < len(data) {
		switch data[pos] {
		case 0x21: // extension
			pos += 2
			if !skipSubBlocks() {
				return w, h, frames, false
			}
		case 0x2C: // image descriptor
			if pos+10 > len(data) {
				return w, h, frames, false
			}
			flags := data[pos+9]
			pos += 10
			if flags&0x80 != 0 {
				pos += 3 << (int(flags&0x07) + 1)
			}
			pos++ // LZW minimum code size
			if !skipSubBlocks() {
				return w, h, frames, false
			}
			frames++
		case 0x3B: // trailer
			return w, h, frames, true
		default:
			return w, h, frames, false
		}
	}
	return w, h, frames, frames > 0
}

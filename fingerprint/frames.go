package fingerprint

import (
	"bytes"
	"image"
	"image/draw"
	"image/gif"

	"github.com/corona10/goimagehash"
)

// DefaultMaxFrames is the number of animation frames sampled by MultiFrame.
const DefaultMaxFrames = 6

// MultiFrame returns difference hashes (16 hex chars each) for up to maxFrames
// frames of an animated GIF, sampled evenly across the animation. Other
// formats are hashed as a single frame. Duplicates are dropped, first
// occurrence wins. Undecodable input yields an empty slice.
func MultiFrame(data []byte, maxFrames int) []string {
	if maxFrames <= 0 {
		maxFrames = DefaultMaxFrames
	}

	frames := gifFrames(data, maxFrames)
	if frames == nil {
		img, _, err := Decode(data)
		if err != nil {
			return []string{}
		}
		frames = []image.Image{img}
	}

	out := make([]string, 0, len(frames))
	seen := make(map[string]struct{}, len(frames))
	for _, fr := range frames {
		h, err := goimagehash.DifferenceHash(fr)
		if err != nil {
			continue
		}
		s := formatHash(h.GetHash())
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// gifFrames composites GIF frames onto a full-size canvas and returns the
// sampled ones. Returns nil when data is not a multi-frame GIF or when all
// its frames together exceed MaxPixels.
func gifFrames(data []byte, maxFrames int) []image.Image {
	w, h, n, ok := gifFrameCount(data)
	if !ok || n < 2 || !WithinPixelCap(w, h, n) {
		return nil
	}
	g, err := gif.DecodeAll(bytes.NewReader(data))
	if err != nil || len(g.Image) < 2 {
		return nil
	}

	w, h = g.Config.Width, g.Config.Height
	if w <= 0 || h <= 0 {
		b := g.Image[0].Bounds()
		w, h = b.Dx(), b.Dy()
	}

	pick := sampleIndexes(len(g.Image), maxFrames)
	canvas := image.NewRGBA(image.Rect(0, 0, w, h))
	out := make([]image.Image, 0, len(pick))
	next := 0
	for i, fr := range g.Image {
		draw.Draw(canvas, fr.Bounds(), fr, fr.Bounds().Min, draw.Over)
		if next < len(pick) && pick[next] == i {
			snap := image.NewRGBA(canvas.Bounds())
			copy(snap.Pix, canvas.Pix)
			out = append(out, snap)
			next++
		}
	}
	return out
}

// sampleIndexes returns up to k increasing indexes spread evenly over [0, n).
func sampleIndexes(n, k int) []int {
	if n <= k {
		idx := make([]int, n)
		for i := range idx {
			idx[i] = i
		}
		return idx
	}
	idx := make([]int, 0, k)
	last := -1
	for i := 0; i < k; i++ {
		j := 0
		if k > 1 {
			j = i * (n - 1) / (k - 1)
		}
		if j != last {
			idx = append(idx, j)
			last = j
		}
	}
	return idx
}

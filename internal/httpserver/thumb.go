package httpserver

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	// decoders
	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const thumbSize = 256

// maxThumbPixels bounds the decoded size of a source image.
var maxThumbPixels = 64 << 20

var errTooLarge = errors.New("image too large to thumbnail")

func makeThumb(absPath string, max int) ([]byte, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ic, _, err := image.DecodeConfig(f)
	if err != nil {
		return nil, err
	}
	if ic.Width <= 0 || ic.Height <= 0 || ic.Width*ic.Height > maxThumbPixels {
		return nil, fmt.Errorf("%w: %dx%d", errTooLarge, ic.Width, ic.Height)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	src, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, os.ErrInvalid
	}
	if max <= 0 {
		max = thumbSize
	}

	nw, nh := w, h
	if w > h {
		if w > max {
			nw = max
			nh = int(float64(h) * (float64(max) / float64(w)))
		}
	} else {
		if h > max {
			nh = max
			nw = int(float64(w) * (float64(max) / float64(h)))
		}
	}
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	// JPEG has no alpha; paint transparent areas white rather than black.
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: 82}); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// thumbCache stores encoded thumbnails on disk, keyed by file name and
// modification time so an edited image gets a fresh thumbnail.
type thumbCache struct {
	dir string
}

func (c thumbCache) key(name string, mtime int64) string {
	return fmt.Sprintf("%s-%d.jpg", safeName(name), mtime)
}

func safeName(name string) string {
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(name)
}

func (c thumbCache) get(name string, mtime int64) ([]byte, bool) {
	if c.dir == "" {
		return nil, false
	}
	b, err := os.ReadFile(filepath.Join(c.dir, c.key(name, mtime)))
	if err != nil {
		return nil, false
	}
	return b, true
}

func (c thumbCache) put(name string, mtime int64, b []byte) error {
	if c.dir == "" {
		return errors.New("thumbnail cache disabled")
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(c.dir, ".thumb-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	key := c.key(name, mtime)
	if err := os.Rename(tmp.Name(), filepath.Join(c.dir, key)); err != nil {
		return err
	}
	c.prune(name, key)
	return nil
}

// prune drops thumbnails of earlier versions of name.
func (c thumbCache) prune(name, keep string) {
	ents, err := os.ReadDir(c.dir)
	if err != nil {
		return
	}
	prefix := safeName(name) + "-"
	for _, e := range ents {
		n := e.Name()
		if n == keep || !strings.HasPrefix(n, prefix) || !strings.HasSuffix(n, ".jpg") {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(n, prefix), ".jpg")
		if _, err := strconv.ParseInt(stamp, 10, 64); err != nil {
			continue
		}
		_ = os.Remove(filepath.Join(c.dir, n))
	}
}

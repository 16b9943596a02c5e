package httpserver

import (
	"bytes"
	"errors"
	"image"
	"os"
	"path/filepath"
	"testing"
)

func TestMakeThumbKeepsAspect(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		w, h         int
		wantW, wantH int
	}{
		{1000, 500, 256, 128},
		{300, 900, 85, 256},
		{100, 40, 100, 40},
	}
	for _, tc := range tests {
		p := filepath.Join(dir, "img.png")
		if err := os.WriteFile(p, pngBytes(t, tc.w, tc.h), 0o644); err != nil {
			t.Fatal(err)
		}
		b, err := makeThumb(p, 0)
		if err != nil {
			t.Fatalf("makeThumb %dx%d: %v", tc.w, tc.h, err)
		}
		cfg, format, err := image.DecodeConfig(bytes.NewReader(b))
		if err != nil {
			t.Fatal(err)
		}
		if format != "jpeg" || cfg.Width != tc.wantW || cfg.Height != tc.wantH {
			t.Errorf("%dx%d -> %s %dx%d, want jpeg %dx%d", tc.w, tc.h, format, cfg.Width, cfg.Height, tc.wantW, tc.wantH)
		}
	}
}

func TestMakeThumbRejectsGarbage(t *testing.T) {
	p := filepath.Join(t.TempDir(), "x.png")
	if err := os.WriteFile(p, []byte("nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := makeThumb(p, 64); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestThumbCache(t *testing.T) {
	c := thumbCache{dir: filepath.Join(t.TempDir(), "thumbs")}
	if _, ok := c.get("a.png", 1); ok {
		t.Fatal("hit on empty cache")
	}
	if err := c.put("a.png", 1, []byte("jpg")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if b, ok := c.get("a.png", 1); !ok || string(b) != "jpg" {
		t.Fatalf("get = %q %v", b, ok)
	}
	if _, ok := c.get("a.png", 2); ok {
		t.Error("stale mtime served from cache")
	}
	if k := c.key("../x.png", 5); filepath.Base(k) != k {
		t.Errorf("key %q escapes the cache dir", k)
	}

	var off thumbCache
	if err := off.put("a.png", 1, []byte("jpg")); err == nil {
		t.Error("disabled cache accepted a write")
	}
}

func TestMakeThumbRejectsHugeImages(t *testing.T) {
	old := maxThumbPixels
	maxThumbPixels = 100 * 100
	t.Cleanup(func() { maxThumbPixels = old })

	p := filepath.Join(t.TempDir(), "big.png")
	if err := os.WriteFile(p, pngBytes(t, 200, 100), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := makeThumb(p, 64); !errors.Is(err, errTooLarge) {
		t.Fatalf("err = %v, want errTooLarge", err)
	}
}

func TestThumbCachePrunesOldVersions(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "thumbs")
	c := thumbCache{dir: dir}
	for _, put := range []struct {
		name  string
		mtime int64
	}{
		{"a.png", 1},
		{"a-2.png", 1},
		{"a.png", 2},
		{"a.png", 3},
	} {
		if err := c.put(put.name, put.mtime, []byte("jpg")); err != nil {
			t.Fatal(err)
		}
	}

	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range ents {
		names = append(names, e.Name())
	}
	if len(names) != 2 || names[0] != "a-2.png-1.jpg" || names[1] != "a.png-3.jpg" {
		t.Fatalf("cache = %v", names)
	}
}

package parser

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"github.com/aluiziolira/gitbook2pdf/models"
)

func TestResolverOrderAndDedup(t *testing.T) {
	r, err := NewResolver(8)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}

	page := &models.PageContent{
		URL: "https://book.example.com/docs/intro.html",
		AssetURLs: []string{
			"img/a.png",
			"https://book.example.com/docs/img/a.png",
			"../shared/b.JPEG",
			"",
		},
	}

	refs := r.Resolve(page)
	if len(refs) != 2 {
		t.Fatalf("refs = %+v, want 2", refs)
	}
	if refs[0].URL != "https://book.example.com/docs/img/a.png" || refs[1].URL != "https://book.example.com/shared/b.JPEG" {
		t.Fatalf("unexpected order: %+v", refs)
	}
	if !strings.HasSuffix(refs[1].LocalID, ".jpg") {
		t.Fatalf("local id = %q, want .jpg suffix", refs[1].LocalID)
	}

	again := r.Resolve(page)
	if len(again) != len(refs) || again[0] != refs[0] || again[1] != refs[1] {
		t.Fatalf("resolve must be idempotent: %+v vs %+v", again, refs)
	}

	again[0].LocalID = "mutated"
	if r.Resolve(page)[0].LocalID == "mutated" {
		t.Fatal("cached refs must not be shared with callers")
	}
}

func TestLocalIDStable(t *testing.T) {
	a := LocalID("https://cdn.example.org/x/logo.png?v=1")
	b := LocalID("https://cdn.example.org/x/logo.png?v=1")
	c := LocalID("https://cdn.example.org/x/logo.png?v=2")

	if a != b {
		t.Fatalf("ids differ for the same url: %q %q", a, b)
	}
	if a == c {
		t.Fatalf("ids collide for different urls: %q", a)
	}
	if !strings.HasPrefix(a, AssetDir+"/") || !strings.HasSuffix(a, ".png") {
		t.Fatalf("unexpected id %q", a)
	}
	if id := LocalID("https://x/img/noext"); strings.Contains(id, ".") {
		t.Fatalf("id without extension = %q", id)
	}
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestValidateAsset(t *testing.T) {
	mime, err := ValidateAsset(pngBytes(t))
	if err != nil {
		t.Fatalf("validate png: %v", err)
	}
	if mime != "image/png" || ImageType(mime) != "PNG" {
		t.Fatalf("mime = %q type = %q", mime, ImageType(mime))
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"html", []byte("<html>not an image</html>")},
		{"truncated", pngBytes(t)[:20]},
		{"empty", nil},
	}
	for _, tt := range tests {
		if _, err := ValidateAsset(tt.data); !errors.Is(err, ErrUnsupportedAsset) {
			t.Errorf("%s: expected ErrUnsupportedAsset, got %v", tt.name, err)
		}
	}
}

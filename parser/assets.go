package parser

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register decoder
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aluiziolira/gitbook2pdf/models"
)

// AssetDir is the storage prefix for downloaded images.
const AssetDir = "assets"

// ErrUnsupportedAsset is returned when downloaded bytes are not an image the
// renderer can embed.
var ErrUnsupportedAsset = errors.New("unsupported asset")

var extPattern = regexp.MustCompile(`^\.[a-z0-9]{1,5}$`)

var embeddable = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
}

// Resolver maps the images of a page to local identifiers. Results are
// memoised per page URL.
type Resolver struct {
	cache *lru.Cache[string, []models.AssetRef]
}

// NewResolver builds a resolver that remembers up to size pages.
func NewResolver(size int) (*Resolver, error) {
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[string, []models.AssetRef](size)
	if err != nil {
		return nil, fmt.Errorf("create resolver cache: %w", err)
	}
	return &Resolver{cache: cache}, nil
}

// Resolve returns one AssetRef per distinct image on the page, in the order
// the images first appear.
func (r *Resolver) Resolve(p *models.PageContent) []models.AssetRef {
	if p == nil {
		return nil
	}
	if refs, ok := r.cache.Get(p.URL); ok {
		return cloneRefs(refs)
	}

	base, err := url.Parse(p.URL)
	if err != nil {
		return nil
	}

	seen := make(map[string]struct{}, len(p.AssetURLs))
	refs := make([]models.AssetRef, 0, len(p.AssetURLs))
	for _, raw := range p.AssetURLs {
		abs, ok := Absolute(base, raw)
		if !ok {
			continue
		}
		if _, dup := seen[abs]; dup {
			continue
		}
		seen[abs] = struct{}{}
		refs = append(refs, models.AssetRef{URL: abs, LocalID: LocalID(abs)})
	}

	r.cache.Add(p.URL, refs)
	return cloneRefs(refs)
}

func cloneRefs(refs []models.AssetRef) []models.AssetRef {
	out := make([]models.AssetRef, len(refs))
	copy(out, refs)
	return out
}

// LocalID derives a stable storage identifier from an asset URL.
func LocalID(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	name := hex.EncodeToString(sum[:])[:16]

	ext := ""
	if u, err := url.Parse(rawURL); err == nil {
		ext = strings.ToLower(path.Ext(u.Path))
	}
	if ext == ".jpeg" {
		ext = ".jpg"
	}
	if !extPattern.MatchString(ext) {
		ext = ""
	}
	return AssetDir + "/" + name + ext
}

// ValidateAsset checks that data is a PNG, JPEG or GIF image that decodes.
// It returns the detected MIME type.
func ValidateAsset(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty body", ErrUnsupportedAsset)
	}

	mtype := mimetype.Detect(data)
	if _, ok := embeddable[mtype.String()]; !ok {
		return mtype.String(), fmt.Errorf("%w: %s", ErrUnsupportedAsset, mtype.String())
	}
	if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil {
		return mtype.String(), fmt.Errorf("%w: %v", ErrUnsupportedAsset, err)
	}
	return mtype.String(), nil
}

// ImageType returns the fpdf image type for a MIME type ("PNG", "JPG",
// "GIF"), or an empty string.
func ImageType(mime string) string {
	ext, ok := embeddable[mime]
	if !ok {
		return ""
	}
	return strings.ToUpper(strings.TrimPrefix(ext, "."))
}

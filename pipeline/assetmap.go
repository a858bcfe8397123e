package pipeline

import (
	"sync"
	"sync/atomic"

	"github.com/aluiziolira/gitbook2pdf/models"
)

type assetEntry struct {
	localID string
	once    sync.Once
	done    chan struct{}
	err     error
}

// AssetMap records which remote assets have been claimed for download. The
// first caller to claim a URL owns the fetch; later callers are told to skip.
type AssetMap struct {
	entries      sync.Map // url -> *assetEntry
	count        atomic.Int64
	deduplicated atomic.Int64
}

// NewAssetMap returns an empty map.
func NewAssetMap() *AssetMap {
	return &AssetMap{}
}

// Claim marks url as in flight under localID. It returns true only for the
// first caller; any later caller gets false and the identifier chosen by the
// winner.
func (m *AssetMap) Claim(url, localID string) (string, bool) {
	entry := &assetEntry{localID: localID, done: make(chan struct{})}
	actual, loaded := m.entries.LoadOrStore(url, entry)
	if loaded {
		m.deduplicated.Add(1)
		return actual.(*assetEntry).localID, false
	}
	m.count.Add(1)
	return localID, true
}

// Complete records the outcome of a claimed download. Only the first call
// for a URL has any effect.
func (m *AssetMap) Complete(url string, err error) {
	v, ok := m.entries.Load(url)
	if !ok {
		return
	}
	entry := v.(*assetEntry)
	entry.once.Do(func() {
		entry.err = err
		close(entry.done)
	})
}

// Lookup returns the local identifier of a successfully stored asset.
func (m *AssetMap) Lookup(url string) (string, bool) {
	v, ok := m.entries.Load(url)
	if !ok {
		return "", false
	}
	entry := v.(*assetEntry)
	select {
	case <-entry.done:
		if entry.err != nil {
			return "", false
		}
		return entry.localID, true
	default:
		return "", false
	}
}

// Len returns the number of distinct claimed URLs.
func (m *AssetMap) Len() int {
	return int(m.count.Load())
}

// Deduplicated returns how many claims were short-circuited.
func (m *AssetMap) Deduplicated() int {
	return int(m.deduplicated.Load())
}

var _ models.AssetLookup = (*AssetMap)(nil)

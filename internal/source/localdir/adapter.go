// Package localdir offers the image files under a directory tree as a source.
package localdir

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/Abhinav-Prajapati/pixal-judge/internal/source"
	"github.com/spf13/afero"
)

// Adapter implements the Source interface for a local directory.
type Adapter struct {
	fs    afero.Fs
	root  string
	exts  map[string]struct{}
	items []source.Item
	// loaded is set once the tree has been walked; later batches page the cached listing.
	loaded bool
}

// NewAdapter creates an adapter over root on the OS filesystem. Only files whose
// extension is in exts are offered; an empty exts offers everything.
func NewAdapter(root string, exts []string) *Adapter {
	return NewAdapterFs(afero.NewOsFs(), root, exts)
}

// NewAdapterFs creates an adapter over root on fs.
func NewAdapterFs(fs afero.Fs, root string, exts []string) *Adapter {
	set := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		set[strings.ToLower(ext)] = struct{}{}
	}
	return &Adapter{fs: fs, root: root, exts: set}
}

// GetSourceID returns the unique identifier for this source.
func (a *Adapter) GetSourceID() string {
	return "localdir:" + filepath.Clean(a.root)
}

// GetDisplayName returns a human-readable name for this source.
func (a *Adapter) GetDisplayName() string {
	return fmt.Sprintf("Directory (%s)", a.root)
}

// FetchBatch returns up to limit files in path order. The cursor is an index string.
func (a *Adapter) FetchBatch(ctx context.Context, cursor string, limit int) ([]source.Item, string, error) {
	if !a.loaded {
		if err := a.loadItems(ctx); err != nil {
			return nil, "", fmt.Errorf("failed to list %s: %w", a.root, err)
		}
		a.loaded = true
	}

	start := 0
	if cursor != "" {
		var err error
		start, err = strconv.Atoi(cursor)
		if err != nil || start < 0 {
			return nil, "", fmt.Errorf("invalid cursor %q", cursor)
		}
	}
	if start >= len(a.items) {
		return nil, "", nil
	}
	end := start + limit
	if limit <= 0 || end > len(a.items) {
		end = len(a.items)
	}

	next := ""
	if end < len(a.items) {
		next = strconv.Itoa(end)
	}
	return a.items[start:end], next, nil
}

func (a *Adapter) loadItems(ctx context.Context) error {
	a.items = nil
	err := afero.Walk(a.fs, a.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if info.IsDir() {
			if path != a.root && strings.HasPrefix(info.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(info.Name(), ".") || !a.accepts(info.Name()) {
			return nil
		}
		rel, err := filepath.Rel(a.root, path)
		if err != nil {
			rel = path
		}
		p := path
		a.items = append(a.items, source.Item{
			SourceID: filepath.ToSlash(rel),
			Name:     info.Name(),
			Size:     info.Size(),
			Open:     func() (io.ReadCloser, error) { return a.fs.Open(p) },
		})
		return nil
	})
	if err != nil {
		return err
	}
	sort.Slice(a.items, func(i, j int) bool {
		return a.items[i].SourceID < a.items[j].SourceID
	})
	return nil
}

func (a *Adapter) accepts(name string) bool {
	if len(a.exts) == 0 {
		return true
	}
	_, ok := a.exts[strings.ToLower(filepath.Ext(name))]
	return ok
}

// Package scanner walks the local media root and reports album directories
// and their media files. Paths handed out are always relative to the root.
package scanner

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jtarkowski/albumforge/internal/model"
)

var photoExtensions = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {},
	".webp": {}, ".bmp": {}, ".tif": {}, ".tiff": {},
}

var videoExtensions = map[string]struct{}{
	".mp4": {}, ".mov": {}, ".avi": {}, ".mkv": {}, ".webm": {}, ".m4v": {},
}

// KindOf classifies a file name as photo or video by extension.
func KindOf(name string) (model.AssetKind, bool) {
	ext := strings.ToLower(filepath.Ext(name))
	if _, ok := photoExtensions[ext]; ok {
		return model.KindPhoto, true
	}
	if _, ok := videoExtensions[ext]; ok {
		return model.KindVideo, true
	}
	return "", false
}

// FileInfo describes one media file inside an album directory.
type FileInfo struct {
	Name    string
	Kind    model.AssetKind
	Size    int64
	ModTime time.Time
}

// MediaCount holds per-directory photo/video counts.
type MediaCount struct {
	Photos int
	Videos int
}

// Scanner walks a local media root.
type Scanner struct {
	root string
}

// New constructs a Scanner rooted at the given directory.
func New(root string) *Scanner {
	return &Scanner{root: filepath.Clean(root)}
}

// Root returns the media root directory.
func (s *Scanner) Root() string { return s.root }

// Abs resolves an album-relative path against the root, rejecting paths that
// escape it.
func (s *Scanner) Abs(rel string) (string, error) {
	rel = filepath.Clean("/" + rel)[1:] // strip any leading ../ segments
	full := filepath.Join(s.root, rel)
	if full != s.root && !strings.HasPrefix(full, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes media root", rel)
	}
	return full, nil
}

// ListAlbumPaths walks the root and returns the relative path of every
// directory that directly contains at least one media file, sorted.
func (s *Scanner) ListAlbumPaths() ([]string, error) {
	seen := make(map[string]struct{})
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != s.root {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		if _, ok := KindOf(d.Name()); !ok {
			return nil
		}
		rel, err := filepath.Rel(s.root, filepath.Dir(path))
		if err != nil {
			return err
		}
		seen[filepath.ToSlash(rel)] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk media root: %w", err)
	}
	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

// ListFiles returns the media files directly inside the album directory,
// sorted by name.
func (s *Scanner) ListFiles(rel string) ([]FileInfo, error) {
	full, err := s.Abs(rel)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, fmt.Errorf("read album dir %s: %w", rel, err)
	}
	var out []FileInfo
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		kind, ok := KindOf(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// File vanished between ReadDir and Stat; skip it, the next
			// sync pass will see the final state.
			continue
		}
		out = append(out, FileInfo{
			Name:    entry.Name(),
			Kind:    kind,
			Size:    info.Size(),
			ModTime: info.ModTime().UTC(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CountMedia returns the photo/video counts for the album directory.
func (s *Scanner) CountMedia(rel string) (MediaCount, error) {
	files, err := s.ListFiles(rel)
	if err != nil {
		return MediaCount{}, err
	}
	var c MediaCount
	for _, f := range files {
		switch f.Kind {
		case model.KindPhoto:
			c.Photos++
		case model.KindVideo:
			c.Videos++
		}
	}
	return c, nil
}

package scanner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jtarkowski/albumforge/internal/model"
)

func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestListAlbumPaths(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "trips", "lisbon", "a.jpg"))
	writeFile(t, filepath.Join(root, "trips", "lisbon", "notes.txt"))
	writeFile(t, filepath.Join(root, "family", "b.png"))
	writeFile(t, filepath.Join(root, "family", "clip.mp4"))
	writeFile(t, filepath.Join(root, ".hidden", "c.jpg"))
	writeFile(t, filepath.Join(root, "empty", "readme.md"))

	s := New(root)
	paths, err := s.ListAlbumPaths()
	if err != nil {
		t.Fatalf("list album paths: %v", err)
	}
	want := []string{"family", "trips/lisbon"}
	if len(paths) != len(want) {
		t.Fatalf("expected %v, got %v", want, paths)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, paths)
		}
	}
}

func TestListFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "album", "z.jpg"))
	writeFile(t, filepath.Join(root, "album", "a.jpg"))
	writeFile(t, filepath.Join(root, "album", "clip.mov"))
	writeFile(t, filepath.Join(root, "album", ".DS_Store"))
	writeFile(t, filepath.Join(root, "album", "ignore.txt"))

	s := New(root)
	files, err := s.ListFiles("album")
	if err != nil {
		t.Fatalf("list files: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("expected 3 media files, got %d: %+v", len(files), files)
	}
	if files[0].Name != "a.jpg" || files[1].Name != "clip.mov" || files[2].Name != "z.jpg" {
		t.Fatalf("expected sorted output, got %+v", files)
	}
	if files[0].Kind != model.KindPhoto || files[1].Kind != model.KindVideo {
		t.Fatalf("kind classification wrong: %+v", files)
	}
	if files[0].Size != 4 {
		t.Fatalf("expected size 4, got %d", files[0].Size)
	}
}

func TestCountMedia(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "album", "a.jpg"))
	writeFile(t, filepath.Join(root, "album", "b.webp"))
	writeFile(t, filepath.Join(root, "album", "clip.mkv"))

	s := New(root)
	count, err := s.CountMedia("album")
	if err != nil {
		t.Fatalf("count media: %v", err)
	}
	if count.Photos != 2 || count.Videos != 1 {
		t.Fatalf("expected 2 photos / 1 video, got %+v", count)
	}
}

func TestAbsRejectsEscapes(t *testing.T) {
	root := t.TempDir()
	s := New(root)

	full, err := s.Abs("album/a.jpg")
	if err != nil {
		t.Fatalf("abs: %v", err)
	}
	if full != filepath.Join(root, "album", "a.jpg") {
		t.Fatalf("unexpected resolution: %s", full)
	}

	// Leading parent segments are stripped rather than escaping the root.
	full, err = s.Abs("../../etc/passwd")
	if err != nil {
		t.Fatalf("abs: %v", err)
	}
	if full != filepath.Join(root, "etc", "passwd") {
		t.Fatalf("escape not contained: %s", full)
	}
}

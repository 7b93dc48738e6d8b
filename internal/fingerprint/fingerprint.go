// Package fingerprint computes the deterministic album change-detection
// summary used to short-circuit re-scans of unchanged directories.
package fingerprint

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/jtarkowski/albumforge/internal/scanner"
)

// version prefixes the serialized form. Anything that does not parse as the
// current version is treated as "no previous fingerprint".
const version = "v1"

// FileEntry is one file's contribution to the fingerprint.
type FileEntry struct {
	Name    string
	Size    int64
	ModTime int64 // unix seconds, UTC
}

// Fingerprint is a deterministic summary of an album's file list and display
// metadata. Two scans of an unchanged directory with unchanged metadata
// produce byte-identical serialized fingerprints.
type Fingerprint struct {
	Name        string
	Description string
	Files       []FileEntry
}

// Diff is the result of comparing two fingerprints.
type Diff struct {
	Changed bool
	Reason  string
}

// Compute builds a Fingerprint from scanner output and album metadata. The
// file list is sorted so enumeration order never leaks into the result.
func Compute(files []scanner.FileInfo, name, description string) Fingerprint {
	fp := Fingerprint{Name: name, Description: description}
	for _, f := range files {
		fp.Files = append(fp.Files, FileEntry{
			Name:    f.Name,
			Size:    f.Size,
			ModTime: f.ModTime.Unix(),
		})
	}
	sort.Slice(fp.Files, func(i, j int) bool { return fp.Files[i].Name < fp.Files[j].Name })
	return fp
}

// String serializes the fingerprint to the flat storage form:
//
//	v1|<name>|<description>|<file>:<size>:<mtime>;...
//
// Name, description and file names are query-escaped so the delimiters stay
// unambiguous.
func (f Fingerprint) String() string {
	var b strings.Builder
	b.WriteString(version)
	b.WriteByte('|')
	b.WriteString(url.QueryEscape(f.Name))
	b.WriteByte('|')
	b.WriteString(url.QueryEscape(f.Description))
	b.WriteByte('|')
	for i, entry := range f.Files {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(url.QueryEscape(entry.Name))
		b.WriteByte(':')
		b.WriteString(strconv.FormatInt(entry.Size, 10))
		b.WriteByte(':')
		b.WriteString(strconv.FormatInt(entry.ModTime, 10))
	}
	return b.String()
}

// Parse reads a serialized fingerprint back. ok is false for corrupt or
// legacy input, which callers must treat as "no previous fingerprint" and
// fall through to a full re-scan.
func Parse(s string) (Fingerprint, bool) {
	parts := strings.SplitN(s, "|", 4)
	if len(parts) != 4 || parts[0] != version {
		return Fingerprint{}, false
	}
	name, err := url.QueryUnescape(parts[1])
	if err != nil {
		return Fingerprint{}, false
	}
	desc, err := url.QueryUnescape(parts[2])
	if err != nil {
		return Fingerprint{}, false
	}
	fp := Fingerprint{Name: name, Description: desc}
	if parts[3] == "" {
		return fp, true
	}
	for _, raw := range strings.Split(parts[3], ";") {
		fields := strings.Split(raw, ":")
		if len(fields) != 3 {
			return Fingerprint{}, false
		}
		fname, err := url.QueryUnescape(fields[0])
		if err != nil {
			return Fingerprint{}, false
		}
		size, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return Fingerprint{}, false
		}
		mtime, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return Fingerprint{}, false
		}
		fp.Files = append(fp.Files, FileEntry{Name: fname, Size: size, ModTime: mtime})
	}
	return fp, true
}

// Compare reports whether current differs from previous, with a
// human-readable reason for the audit log. The first difference found wins.
func Compare(current, previous Fingerprint) Diff {
	if current.Name != previous.Name {
		return Diff{Changed: true, Reason: fmt.Sprintf("album name changed (%q -> %q)", previous.Name, current.Name)}
	}
	if current.Description != previous.Description {
		return Diff{Changed: true, Reason: "album description changed"}
	}
	prev := make(map[string]FileEntry, len(previous.Files))
	for _, entry := range previous.Files {
		prev[entry.Name] = entry
	}
	for _, entry := range current.Files {
		old, ok := prev[entry.Name]
		if !ok {
			return Diff{Changed: true, Reason: fmt.Sprintf("file added: %s", entry.Name)}
		}
		if old.Size != entry.Size {
			return Diff{Changed: true, Reason: fmt.Sprintf("file changed: %s (size %d -> %d)", entry.Name, old.Size, entry.Size)}
		}
		if old.ModTime != entry.ModTime {
			return Diff{Changed: true, Reason: fmt.Sprintf("file changed: %s (mtime)", entry.Name)}
		}
		delete(prev, entry.Name)
	}
	if len(prev) > 0 {
		removed := make([]string, 0, len(prev))
		for name := range prev {
			removed = append(removed, name)
		}
		sort.Strings(removed)
		return Diff{Changed: true, Reason: fmt.Sprintf("file removed: %s", removed[0])}
	}
	return Diff{}
}

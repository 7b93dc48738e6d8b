package fingerprint

import (
	"testing"
	"time"

	"github.com/jtarkowski/albumforge/internal/model"
	"github.com/jtarkowski/albumforge/internal/scanner"
)

func sampleFiles() []scanner.FileInfo {
	return []scanner.FileInfo{
		{Name: "b.jpg", Kind: model.KindPhoto, Size: 200, ModTime: time.Unix(1700000100, 0).UTC()},
		{Name: "a.jpg", Kind: model.KindPhoto, Size: 100, ModTime: time.Unix(1700000000, 0).UTC()},
	}
}

func TestComputeIsDeterministic(t *testing.T) {
	first := Compute(sampleFiles(), "Holiday", "Two weeks in Lisbon")

	// Same content, reversed enumeration order.
	reversed := sampleFiles()
	reversed[0], reversed[1] = reversed[1], reversed[0]
	second := Compute(reversed, "Holiday", "Two weeks in Lisbon")

	if first.String() != second.String() {
		t.Fatalf("enumeration order leaked into the fingerprint:\n%s\n%s", first.String(), second.String())
	}
}

func TestRoundTrip(t *testing.T) {
	fp := Compute(sampleFiles(), "Holiday | 2026", "semi;colons:and|pipes")
	parsed, ok := Parse(fp.String())
	if !ok {
		t.Fatalf("failed to parse own serialization %q", fp.String())
	}
	if diff := Compare(fp, parsed); diff.Changed {
		t.Fatalf("round trip changed the fingerprint: %s", diff.Reason)
	}
}

func TestCompareDetectsChanges(t *testing.T) {
	base := Compute(sampleFiles(), "Holiday", "desc")

	cases := []struct {
		name  string
		build func() Fingerprint
	}{
		{"renamed album", func() Fingerprint {
			return Compute(sampleFiles(), "Renamed", "desc")
		}},
		{"description change", func() Fingerprint {
			return Compute(sampleFiles(), "Holiday", "new desc")
		}},
		{"file added", func() Fingerprint {
			files := append(sampleFiles(), scanner.FileInfo{Name: "c.jpg", Size: 1, ModTime: time.Unix(1700000200, 0)})
			return Compute(files, "Holiday", "desc")
		}},
		{"file removed", func() Fingerprint {
			return Compute(sampleFiles()[:1], "Holiday", "desc")
		}},
		{"size change", func() Fingerprint {
			files := sampleFiles()
			files[0].Size = 999
			return Compute(files, "Holiday", "desc")
		}},
		{"mtime change", func() Fingerprint {
			files := sampleFiles()
			files[1].ModTime = files[1].ModTime.Add(time.Minute)
			return Compute(files, "Holiday", "desc")
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			diff := Compare(tc.build(), base)
			if !diff.Changed {
				t.Fatalf("expected a change to be detected")
			}
			if diff.Reason == "" {
				t.Fatalf("expected a human-readable reason")
			}
		})
	}

	if diff := Compare(Compute(sampleFiles(), "Holiday", "desc"), base); diff.Changed {
		t.Fatalf("identical fingerprints reported changed: %s", diff.Reason)
	}
}

func TestParseRejectsCorruptInput(t *testing.T) {
	cases := []string{
		"",
		"garbage",
		"v0|name|desc|a.jpg:1:2",     // unknown version
		"v1|name|desc|a.jpg:1",       // wrong field count
		"v1|name|desc|a.jpg:x:2",     // non-numeric size
		"v1|name|desc|a.jpg:1:y",     // non-numeric mtime
		"v1|%zz|desc|a.jpg:1:2",      // bad escaping
	}
	for _, raw := range cases {
		if _, ok := Parse(raw); ok {
			t.Fatalf("expected %q to be rejected", raw)
		}
	}

	// Empty file list is still a valid fingerprint.
	empty := Compute(nil, "Empty", "")
	if _, ok := Parse(empty.String()); !ok {
		t.Fatalf("empty album fingerprint should round-trip")
	}
}

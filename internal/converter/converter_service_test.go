package converter

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"docxpdf/internal/domain"
)

// fakeRenderer пишет <base>.pdf или ведет себя согласно behaviours[имя исходника]
type fakeRenderer struct {
	unavailable bool
	behaviours  map[string]string
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (f *fakeRenderer) Name() string { return "fake" }

func (f *fakeRenderer) Available() error {
	if f.unavailable {
		return domain.ErrToolUnavailable
	}
	return nil
}

func (f *fakeRenderer) Render(ctx context.Context, src, outDir string) error {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxInFlight.Load()
		if n <= m || f.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}

	base := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	switch f.behaviours[filepath.Base(src)] {
	case "hang":
		<-ctx.Done()
		return ctx.Err()
	case "password":
		return domain.ErrPasswordProtect
	case "crash":
		return domain.ErrRenderFailure
	case "no-output":
		return nil
	case "tool-missing":
		return domain.ErrToolUnavailable
	}
	time.Sleep(5 * time.Millisecond)
	return os.WriteFile(filepath.Join(outDir, base+".pdf"), []byte("%PDF-1.4 fake"), 0o644)
}

type fakePages struct {
	pages map[string]int
}

func (f fakePages) PageCount(path string) (int, error) {
	n, ok := f.pages[filepath.Base(filepath.Dir(path))]
	if !ok {
		return 0, errors.New("broken pdf")
	}
	return n, nil
}

func writeDocs(t *testing.T, names ...string) ([]domain.Document, string) {
	t.Helper()
	dir := t.TempDir()
	inDir := filepath.Join(dir, "in")
	if err := os.MkdirAll(inDir, 0o755); err != nil {
		t.Fatal(err)
	}
	docs := make([]domain.Document, 0, len(names))
	for i, name := range names {
		path := filepath.Join(inDir, filepath.Base(name))
		if err := os.WriteFile(path, []byte("doc"), 0o644); err != nil {
			t.Fatal(err)
		}
		docs = append(docs, domain.Document{Name: name, SizeBytes: int64(100 * (i + 1)), Path: path})
	}
	return docs, filepath.Join(dir, "out")
}

func TestConvertPreservesOrderAndCountsPages(t *testing.T) {
	docs, out := writeDocs(t, "a.docx", "b.docx", "c.docx", "d.docx")
	renderer := &fakeRenderer{}
	adapter := NewAdapter(renderer, fakePages{pages: map[string]int{"0": 1, "1": 2, "2": 3, "3": 4}}, Config{Workers: 2}, nil)

	results, err := adapter.Convert(context.Background(), docs, out)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if len(results) != len(docs) {
		t.Fatalf("got %d results for %d docs", len(results), len(docs))
	}
	for i, r := range results {
		if !r.Success || r.SourceName != docs[i].Name || r.PageCount != i+1 {
			t.Fatalf("result %d = %+v", i, r)
		}
		if r.OutputName != strings.TrimSuffix(docs[i].Name, ".docx")+".pdf" {
			t.Fatalf("output name %q", r.OutputName)
		}
	}
	if renderer.maxInFlight.Load() > 2 {
		t.Fatalf("worker limit exceeded: %d", renderer.maxInFlight.Load())
	}
}

func TestConvertClassifiesFailuresPerDocument(t *testing.T) {
	docs, out := writeDocs(t, "ok.docx", "locked.docx", "broken.docx", "empty.docx", "notes.txt")
	renderer := &fakeRenderer{behaviours: map[string]string{
		"locked.docx": "password",
		"broken.docx": "crash",
		"empty.docx":  "no-output",
	}}
	adapter := NewAdapter(renderer, fakePages{pages: map[string]int{"0": 2}}, Config{}, nil)

	results, err := adapter.Convert(context.Background(), docs, out)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}

	want := []domain.FailureKind{
		domain.FailureNone,
		domain.FailurePasswordProtected,
		domain.FailureRender,
		domain.FailureOutputMissing,
		domain.FailureUnsupportedFormat,
	}
	for i, kind := range want {
		if results[i].FailureKind != kind {
			t.Fatalf("result %d kind = %q, want %q", i, results[i].FailureKind, kind)
		}
		if kind != domain.FailureNone && (results[i].Success || results[i].Message == "") {
			t.Fatalf("failed result %d lacks a message: %+v", i, results[i])
		}
	}
}

func TestConvertTimeoutIsPerDocument(t *testing.T) {
	docs, out := writeDocs(t, "slow.docx", "fast.docx")
	renderer := &fakeRenderer{behaviours: map[string]string{"slow.docx": "hang"}}
	adapter := NewAdapter(renderer, fakePages{pages: map[string]int{"1": 1}}, Config{Timeout: 50 * time.Millisecond}, nil)

	results, err := adapter.Convert(context.Background(), docs, out)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if results[0].FailureKind != domain.FailureTimeout {
		t.Fatalf("slow doc: %+v", results[0])
	}
	if !results[1].Success {
		t.Fatalf("fast doc: %+v", results[1])
	}
}

func TestConvertToolUnavailableAbortsBatch(t *testing.T) {
	docs, out := writeDocs(t, "a.docx")

	adapter := NewAdapter(&fakeRenderer{unavailable: true}, nil, Config{}, nil)
	if _, err := adapter.Convert(context.Background(), docs, out); !errors.Is(err, domain.ErrToolUnavailable) {
		t.Fatalf("expected ErrToolUnavailable, got %v", err)
	}

	docs, out = writeDocs(t, "a.docx", "b.docx")
	renderer := &fakeRenderer{behaviours: map[string]string{"b.docx": "tool-missing"}}
	adapter = NewAdapter(renderer, fakePages{}, Config{Workers: 1}, nil)
	if _, err := adapter.Convert(context.Background(), docs, out); !errors.Is(err, domain.ErrToolUnavailable) {
		t.Fatalf("expected ErrToolUnavailable mid batch, got %v", err)
	}
}

func TestConvertPageCountFailureIsWarning(t *testing.T) {
	docs, out := writeDocs(t, "a.docx")
	adapter := NewAdapter(&fakeRenderer{}, fakePages{}, Config{}, nil)

	results, err := adapter.Convert(context.Background(), docs, out)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if !results[0].Success || results[0].PageCount != 0 || results[0].Warning == "" {
		t.Fatalf("result = %+v", results[0])
	}
}

func TestAllowedExtensions(t *testing.T) {
	adapter := NewAdapter(&fakeRenderer{}, nil, Config{Extensions: []string{"docx", ".ODT"}}, nil)
	for name, want := range map[string]bool{
		"a.docx":   true,
		"B.DOCX":   true,
		"c.odt":    true,
		"d.doc":    false,
		"e":        false,
		"f.docx.x": false,
	} {
		if got := adapter.Allowed(name); got != want {
			t.Fatalf("Allowed(%q) = %v", name, got)
		}
	}
}

func TestCalculateNewDimensions(t *testing.T) {
	w, h := calculateNewDimensions(2000, 1000, 1024)
	if w != 1024 || h != 512 {
		t.Fatalf("landscape = %dx%d", w, h)
	}
	w, h = calculateNewDimensions(800, 1600, 1024)
	if w != 512 || h != 1024 {
		t.Fatalf("portrait = %dx%d", w, h)
	}
}

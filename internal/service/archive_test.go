package service

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"docxpdf/internal/domain"
	"docxpdf/internal/service/s3"
)

func writePDF(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestBuildArchiveDeduplicatesNamesAndSkipsFailures(t *testing.T) {
	dir := t.TempDir()
	results := []domain.ConversionResult{
		{OutputName: "report.pdf", OutputPath: writePDF(t, dir, "0/report.pdf", "one"), Success: true},
		{SourceName: "broken.docx", FailureKind: domain.FailureRender},
		{OutputName: "report.pdf", OutputPath: writePDF(t, dir, "2/report.pdf", "two"), Success: true},
		{OutputName: "report (2).pdf", OutputPath: writePDF(t, dir, "3/report (2).pdf", "three"), Success: true},
	}

	dest := filepath.Join(dir, ArchiveName)
	size, err := BuildArchive(results, dest)
	if err != nil {
		t.Fatalf("build archive: %v", err)
	}
	if size <= 0 {
		t.Fatalf("size = %d", size)
	}

	zr, err := zip.OpenReader(dest)
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	defer zr.Close()

	got := map[string]string{}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatal(err)
		}
		b, _ := io.ReadAll(rc)
		rc.Close()
		got[f.Name] = string(b)
	}
	want := map[string]string{"report.pdf": "one", "report (2).pdf": "two", "report (2) (2).pdf": "three"}
	if len(got) != len(want) {
		t.Fatalf("entries = %v", got)
	}
	for name, content := range want {
		if got[name] != content {
			t.Fatalf("entry %q = %q, want %q (all: %v)", name, got[name], content, got)
		}
	}
}

func TestBuildArchiveFlattensClientPaths(t *testing.T) {
	dir := t.TempDir()
	results := []domain.ConversionResult{
		{OutputName: `..\..\x.pdf`, OutputPath: writePDF(t, dir, "0/x.pdf", "one"), Success: true},
		{OutputName: "../y.pdf", OutputPath: writePDF(t, dir, "1/y.pdf", "two"), Success: true},
		{OutputName: `..\`, OutputPath: writePDF(t, dir, "2/z.pdf", "three"), Success: true},
	}

	dest := filepath.Join(dir, ArchiveName)
	if _, err := BuildArchive(results, dest); err != nil {
		t.Fatalf("build archive: %v", err)
	}

	zr, err := zip.OpenReader(dest)
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	defer zr.Close()

	var names []string
	for _, f := range zr.File {
		if strings.ContainsAny(f.Name, `/\`) {
			t.Fatalf("entry %q escapes archive root", f.Name)
		}
		names = append(names, f.Name)
	}
	if fmt.Sprint(names) != "[x.pdf y.pdf document.pdf]" {
		t.Fatalf("entries = %v", names)
	}
}

func TestBuildArchiveWithoutSuccesses(t *testing.T) {
	dest := filepath.Join(t.TempDir(), ArchiveName)
	_, err := BuildArchive([]domain.ConversionResult{{SourceName: "a.docx"}}, dest)
	if !errors.Is(err, domain.ErrNothingConverted) {
		t.Fatalf("expected ErrNothingConverted, got %v", err)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Fatalf("archive created for empty batch")
	}
}

func TestBuildArchiveRemovesPartialFile(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, ArchiveName)
	_, err := BuildArchive([]domain.ConversionResult{
		{OutputName: "gone.pdf", OutputPath: filepath.Join(dir, "missing.pdf"), Success: true},
	}, dest)
	if err == nil {
		t.Fatalf("expected error for missing pdf")
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Fatalf("partial archive left behind")
	}
}

func TestLocalArchiveStore(t *testing.T) {
	ctx := context.Background()
	path := writePDF(t, t.TempDir(), ArchiveName, "zip-bytes")

	var store LocalArchiveStore
	ref, err := store.Put(ctx, path)
	if err != nil || ref != path {
		t.Fatalf("put = %q, %v", ref, err)
	}
	body, size, err := store.Open(ctx, ref)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	data, _ := io.ReadAll(body)
	body.Close()
	if string(data) != "zip-bytes" || size != int64(len(data)) {
		t.Fatalf("body = %q size = %d", data, size)
	}

	os.Remove(path)
	if _, _, err := store.Open(ctx, ref); !errors.Is(err, domain.ErrSessionGone) {
		t.Fatalf("expected ErrSessionGone, got %v", err)
	}
}

type memObject struct {
	io.Reader
	size int64
}

func (o *memObject) Close() error         { return nil }
func (o *memObject) ContentLength() int64 { return o.size }
func (o *memObject) ContentType() string  { return "application/zip" }

type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memStorage) UploadFile(_ context.Context, key, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *memStorage) GetObject(_ context.Context, key string) (s3.S3Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", s3.ErrObjectNotFound, key)
	}
	return &memObject{Reader: bytes.NewReader(data), size: int64(len(data))}, nil
}

func (m *memStorage) DeleteObject(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func TestS3ArchiveStoreMirrorsArchive(t *testing.T) {
	ctx := context.Background()
	storage := &memStorage{objects: map[string][]byte{}}
	store := NewS3ArchiveStore(storage, "archives/", nil)
	path := writePDF(t, t.TempDir(), ArchiveName, "zip-bytes")

	ref, err := store.Put(ctx, path)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if !strings.HasPrefix(ref, "archives/rcpt_") || !strings.HasSuffix(ref, "/"+ArchiveName) {
		t.Fatalf("unexpected key %q", ref)
	}

	body, size, err := store.Open(ctx, ref)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	data, _ := io.ReadAll(body)
	body.Close()
	if string(data) != "zip-bytes" || size != 9 {
		t.Fatalf("body = %q size = %d", data, size)
	}

	if err := store.Remove(ctx, ref); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, _, err := store.Open(ctx, ref); !errors.Is(err, domain.ErrSessionGone) {
		t.Fatalf("expected ErrSessionGone after remove, got %v", err)
	}
}

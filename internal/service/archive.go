package service

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"go.uber.org/zap"

	"docxpdf/internal/domain"
	"docxpdf/internal/service/s3"
)

// ArchiveName - имя архива, которое получает клиент
const ArchiveName = "converted.zip"

// BuildArchive упаковывает успешные результаты в zip по пути dest.
// Совпадающие имена PDF получают суффикс " (2)", " (3)" и т.д.
func BuildArchive(results []domain.ConversionResult, dest string) (int64, error) {
	ok := domain.Succeeded(results)
	if len(ok) == 0 {
		return 0, domain.ErrNothingConverted
	}

	f, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("failed to create archive: %w", err)
	}

	zw := zip.NewWriter(f)
	names := make(map[string]int, len(ok))
	for _, r := range ok {
		if err := addToArchive(zw, uniqueName(names, r.OutputName), r.OutputPath); err != nil {
			zw.Close()
			f.Close()
			os.Remove(dest)
			return 0, err
		}
	}

	if err := zw.Close(); err != nil {
		f.Close()
		os.Remove(dest)
		return 0, fmt.Errorf("failed to finalize archive: %w", err)
	}
	info, err := f.Stat()
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dest)
		return 0, fmt.Errorf("failed to close archive: %w", err)
	}
	return info.Size(), nil
}

func addToArchive(zw *zip.Writer, name, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer in.Close()

	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return fmt.Errorf("failed to add %s: %w", name, err)
	}
	if _, err := io.Copy(w, in); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

func uniqueName(seen map[string]int, name string) string {
	name = domain.CleanFileName(name)
	if name == "" {
		name = "document.pdf"
	}
	seen[name]++
	n := seen[name]
	if n == 1 {
		return name
	}
	ext := path.Ext(name)
	candidate := fmt.Sprintf("%s (%d)%s", strings.TrimSuffix(name, ext), n, ext)
	if _, taken := seen[candidate]; taken {
		return uniqueName(seen, candidate)
	}
	seen[candidate] = 1
	return candidate
}

// ArchiveStore хранит собранные архивы до истечения сессии
type ArchiveStore interface {
	// Put сохраняет локальный архив и возвращает ссылку на него
	Put(ctx context.Context, localPath string) (string, error)
	Open(ctx context.Context, ref string) (io.ReadCloser, int64, error)
	Remove(ctx context.Context, ref string) error
}

// LocalArchiveStore оставляет архив в рабочей директории сессии
type LocalArchiveStore struct{}

func (LocalArchiveStore) Put(_ context.Context, localPath string) (string, error) {
	return localPath, nil
}

func (LocalArchiveStore) Open(_ context.Context, ref string) (io.ReadCloser, int64, error) {
	f, err := os.Open(ref)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, domain.ErrSessionGone
		}
		return nil, 0, fmt.Errorf("failed to open archive: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("failed to stat archive: %w", err)
	}
	return f, info.Size(), nil
}

// Remove ничего не делает: файл удаляется вместе с рабочей директорией
func (LocalArchiveStore) Remove(context.Context, string) error {
	return nil
}

// S3ArchiveStore зеркалирует архивы в S3 и отдает их оттуда
type S3ArchiveStore struct {
	storage s3.Storage
	prefix  string
	log     *zap.Logger
}

func NewS3ArchiveStore(storage s3.Storage, prefix string, log *zap.Logger) *S3ArchiveStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &S3ArchiveStore{storage: storage, prefix: prefix, log: log.Named("archive.s3")}
}

func (s *S3ArchiveStore) Put(ctx context.Context, localPath string) (string, error) {
	// ключ случайный и не связан с токеном сессии
	key := path.Join(s.prefix, newReceipt(), ArchiveName)
	if err := s.storage.UploadFile(ctx, key, localPath); err != nil {
		return "", fmt.Errorf("failed to mirror archive: %w", err)
	}
	return key, nil
}

func (s *S3ArchiveStore) Open(ctx context.Context, ref string) (io.ReadCloser, int64, error) {
	obj, err := s.storage.GetObject(ctx, ref)
	if err != nil {
		if errors.Is(err, s3.ErrObjectNotFound) {
			return nil, 0, domain.ErrSessionGone
		}
		return nil, 0, err
	}
	return obj, obj.ContentLength(), nil
}

func (s *S3ArchiveStore) Remove(ctx context.Context, ref string) error {
	if err := s.storage.DeleteObject(ctx, ref); err != nil {
		s.log.Warn("failed to delete mirrored archive", zap.String("key", ref), zap.Error(err))
		return err
	}
	return nil
}

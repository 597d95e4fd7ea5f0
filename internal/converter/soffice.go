package converter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"docxpdf/internal/domain"
)

// Renderer превращает исходный документ в <base>.pdf внутри outDir
type Renderer interface {
	Name() string
	// Available возвращает domain.ErrToolUnavailable, если рендерер не может быть запущен
	Available() error
	Render(ctx context.Context, src, outDir string) error
}

// SofficeRenderer конвертирует документы через LibreOffice в headless режиме.
// Каждый вызов получает собственный профиль, поэтому параллельные запуски не конфликтуют.
type SofficeRenderer struct {
	binary string
	log    *zap.Logger
}

func NewSofficeRenderer(binary string, log *zap.Logger) *SofficeRenderer {
	if binary == "" {
		binary = "soffice"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SofficeRenderer{binary: binary, log: log.Named("soffice")}
}

func (r *SofficeRenderer) Name() string {
	return r.binary
}

func (r *SofficeRenderer) Available() error {
	if _, err := exec.LookPath(r.binary); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrToolUnavailable, r.binary, err)
	}
	return nil
}

func (r *SofficeRenderer) Render(ctx context.Context, src, outDir string) error {
	profile, err := os.MkdirTemp(filepath.Dir(outDir), "profile-*")
	if err != nil {
		return fmt.Errorf("failed to create soffice profile: %w", err)
	}
	defer os.RemoveAll(profile)

	cmd := exec.CommandContext(ctx, r.binary,
		"-env:UserInstallation=file://"+filepath.ToSlash(profile),
		"--headless",
		"--norestore",
		"--convert-to", "pdf:writer_pdf_Export",
		"--outdir", outDir,
		src,
	)
	cmd.Env = append(os.Environ(),
		"HOME="+profile,
		"TMPDIR="+profile,
	)
	cmd.WaitDelay = 5 * time.Second

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err = cmd.Run()
	diag := strings.TrimSpace(output.String())

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		r.log.Warn("conversion timed out", zap.String("source", filepath.Base(src)))
		return domain.ErrTimeout
	case ctx.Err() != nil:
		return ctx.Err()
	case err != nil && (errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission)):
		return fmt.Errorf("%w: %v", domain.ErrToolUnavailable, err)
	case mentionsPassword(diag):
		r.log.Info("document is password protected", zap.String("source", filepath.Base(src)))
		return domain.ErrPasswordProtect
	case err != nil:
		r.log.Warn("soffice failed",
			zap.String("source", filepath.Base(src)),
			zap.Error(err),
			zap.String("output", diag),
		)
		return fmt.Errorf("%w: %v", domain.ErrRenderFailure, err)
	}

	r.log.Debug("soffice finished", zap.String("source", filepath.Base(src)), zap.String("output", diag))
	return nil
}

func mentionsPassword(diag string) bool {
	return strings.Contains(strings.ToLower(diag), "password")
}

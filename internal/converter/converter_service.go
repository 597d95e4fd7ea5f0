// Package converter конвертирует документы пакета в PDF и классифицирует ошибки по каждому документу
package converter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"docxpdf/internal/domain"
)

const (
	defaultTimeout = 60 * time.Second
	defaultWorkers = 2
)

var defaultExtensions = []string{".docx", ".doc", ".odt", ".rtf"}

type Config struct {
	Timeout    time.Duration
	Workers    int
	Extensions []string
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if len(c.Extensions) == 0 {
		c.Extensions = defaultExtensions
	}
	return c
}

// Adapter конвертирует документы независимо друг от друга.
// Ошибка одного документа попадает в его результат, пакет прерывает только недоступный рендерер.
type Adapter struct {
	renderer Renderer
	pages    PageCounter
	cfg      Config
	allowed  map[string]struct{}
	log      *zap.Logger
}

func NewAdapter(renderer Renderer, pages PageCounter, cfg Config, log *zap.Logger) *Adapter {
	cfg = cfg.withDefaults()
	if pages == nil {
		pages = PDFPageCounter{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	allowed := make(map[string]struct{}, len(cfg.Extensions))
	for _, ext := range cfg.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[ext] = struct{}{}
	}
	return &Adapter{
		renderer: renderer,
		pages:    pages,
		cfg:      cfg,
		allowed:  allowed,
		log:      log.Named("converter"),
	}
}

// Allowed сообщает, поддерживается ли расширение файла
func (a *Adapter) Allowed(name string) bool {
	_, ok := a.allowed[strings.ToLower(filepath.Ext(name))]
	return ok
}

// Convert возвращает ровно один результат на каждый документ в исходном порядке
func (a *Adapter) Convert(ctx context.Context, docs []domain.Document, outDir string) ([]domain.ConversionResult, error) {
	if err := a.renderer.Available(); err != nil {
		a.log.Error("renderer unavailable", zap.String("renderer", a.renderer.Name()), zap.Error(err))
		return nil, err
	}

	results := make([]domain.ConversionResult, len(docs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Workers)

	for i, doc := range docs {
		g.Go(func() error {
			res, err := a.convertOne(gctx, doc, filepath.Join(outDir, strconv.Itoa(i)))
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

func (a *Adapter) convertOne(ctx context.Context, doc domain.Document, outDir string) (domain.ConversionResult, error) {
	if _, ok := a.allowed[doc.Ext()]; !ok {
		return domain.Failed(doc, domain.FailureUnsupportedFormat), nil
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return domain.ConversionResult{}, fmt.Errorf("failed to create output dir: %w", err)
	}

	rctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	started := time.Now()
	err := a.renderer.Render(rctx, doc.Path, outDir)
	cancel()

	if err != nil {
		switch {
		case errors.Is(err, domain.ErrToolUnavailable):
			return domain.ConversionResult{}, err
		case ctx.Err() != nil:
			// отменен весь пакет, а не только этот документ
			return domain.ConversionResult{}, ctx.Err()
		}
		kind := classify(err)
		a.log.Info("document not converted",
			zap.String("document", doc.Name),
			zap.String("kind", string(kind)),
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(err),
		)
		return domain.Failed(doc, kind), nil
	}

	base := strings.TrimSuffix(filepath.Base(doc.Path), filepath.Ext(doc.Path))
	pdfPath := filepath.Join(outDir, base+".pdf")
	info, err := os.Stat(pdfPath)
	if err != nil || info.Size() == 0 {
		a.log.Warn("renderer produced no output", zap.String("document", doc.Name), zap.String("expected", pdfPath))
		return domain.Failed(doc, domain.FailureOutputMissing), nil
	}

	res := domain.ConversionResult{
		SourceName: doc.Name,
		SourceSize: doc.SizeBytes,
		OutputName: doc.BaseName() + ".pdf",
		OutputPath: pdfPath,
		OutputSize: info.Size(),
		Success:    true,
	}

	pages, err := a.pages.PageCount(pdfPath)
	if err != nil {
		a.log.Warn("failed to count pages", zap.String("document", doc.Name), zap.Error(err))
		res.Warning = "page count unavailable"
	} else {
		res.PageCount = pages
	}

	a.log.Debug("document converted",
		zap.String("document", doc.Name),
		zap.Int("pages", res.PageCount),
		zap.Duration("elapsed", time.Since(started)),
	)
	return res, nil
}

func classify(err error) domain.FailureKind {
	switch {
	case errors.Is(err, domain.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return domain.FailureTimeout
	case errors.Is(err, domain.ErrPasswordProtect):
		return domain.FailurePasswordProtected
	case errors.Is(err, domain.ErrOutputMissing):
		return domain.FailureOutputMissing
	default:
		return domain.FailureRender
	}
}

package converter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/h2non/bimg"

	"docxpdf/internal/domain"
)

const (
	maxImageSize     = 1024 // размер превью по умолчанию в пикселях
	jpegQuality      = 85
	thumbnailTimeout = 30 * time.Second
)

// Thumbnailer рендерит первую страницу PDF в JPEG
type Thumbnailer struct {
	binary string
}

func NewThumbnailer(binary string) *Thumbnailer {
	if binary == "" {
		binary = "pdftoppm"
	}
	return &Thumbnailer{binary: binary}
}

// FirstPage возвращает JPEG первой страницы, вписанный в квадрат maxSize
func (t *Thumbnailer) FirstPage(ctx context.Context, pdfPath string, maxSize int) ([]byte, error) {
	if maxSize <= 0 || maxSize > maxImageSize {
		maxSize = maxImageSize
	}
	if _, err := exec.LookPath(t.binary); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrToolUnavailable, t.binary, err)
	}

	tmpPath, err := os.MkdirTemp("", "preview-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpPath)

	ctx, cancel := context.WithTimeout(ctx, thumbnailTimeout)
	defer cancel()

	outputPath := filepath.Join(tmpPath, "output")
	cmd := exec.CommandContext(ctx, t.binary,
		"-jpeg",
		"-f", "1",
		"-l", "1",
		"-scale-to", strconv.Itoa(maxSize),
		"-singlefile",
		pdfPath,
		outputPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, domain.ErrTimeout
		}
		return nil, fmt.Errorf("%w: %v (stderr: %s)", domain.ErrRenderFailure, err, stderr.String())
	}

	imgData, err := os.ReadFile(outputPath + ".jpg")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read converted image: %v", domain.ErrOutputMissing, err)
	}

	return optimizeImage(imgData, maxSize)
}

// optimizeImage ужимает изображение до нужного размера
func optimizeImage(data []byte, maxSize int) ([]byte, error) {
	image := bimg.NewImage(data)

	size, err := image.Size()
	if err != nil {
		return nil, fmt.Errorf("failed to get image size: %w", err)
	}

	width, height := calculateNewDimensions(size.Width, size.Height, maxSize)

	processed, err := image.Process(bimg.Options{
		Width:   width,
		Height:  height,
		Quality: jpegQuality,
		Type:    bimg.JPEG,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to process image: %w", err)
	}

	return processed, nil
}

// calculateNewDimensions вычисляет новые размеры с сохранением пропорций
func calculateNewDimensions(width, height, maxSize int) (newWidth, newHeight int) {
	if width <= 0 || height <= 0 {
		return maxSize, maxSize
	}
	if width > height {
		newWidth = maxSize
		newHeight = (height * maxSize) / width
	} else {
		newHeight = maxSize
		newWidth = (width * maxSize) / height
	}
	return
}

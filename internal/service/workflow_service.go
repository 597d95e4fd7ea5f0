package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"docxpdf/internal/clock"
	"docxpdf/internal/domain"
	"docxpdf/internal/logger"
	"docxpdf/internal/metrics"
	"docxpdf/internal/session"
)

const (
	StatusReady           = "ready"
	StatusPaymentRequired = "payment_required"

	defaultMaxBatchFiles  = 20
	defaultMaxUploadBytes = 100 * 1024 * 1024
	defaultSweepInterval  = 30 * time.Second

	batchDirPrefix = "batch-"

	// превью неоплаченной сессии заметно меньше, чтобы не заменять собой скачивание
	previewFullSize   = 1024
	previewLockedSize = 200
)

// Converter конвертирует пакет документов в PDF
type Converter interface {
	Convert(ctx context.Context, docs []domain.Document, outDir string) ([]domain.ConversionResult, error)
	Allowed(name string) bool
}

// Thumbnails рендерит превью первой страницы PDF, вписанное в квадрат maxSize
type Thumbnails interface {
	FirstPage(ctx context.Context, pdfPath string, maxSize int) ([]byte, error)
}

type WorkflowConfig struct {
	WorkDir        string
	MaxBatchFiles  int
	MaxUploadBytes int64
	PriceAmount    int64
	Currency       string
	SweepInterval  time.Duration
}

func (c WorkflowConfig) withDefaults() WorkflowConfig {
	if c.WorkDir == "" {
		c.WorkDir = os.TempDir()
	}
	if c.MaxBatchFiles <= 0 {
		c.MaxBatchFiles = defaultMaxBatchFiles
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = defaultMaxUploadBytes
	}
	if c.Currency == "" {
		c.Currency = "INR"
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	return c
}

// WorkflowDeps - зависимости оркестратора
type WorkflowDeps struct {
	Converter  Converter
	Quota      *QuotaEvaluator
	Broker     OrderBroker
	Verifier   *PaymentVerifier
	Store      session.Store
	Archives   ArchiveStore
	Ledger     Ledger
	Thumbnails Thumbnails
	Metrics    *metrics.Metrics
	Clock      clock.Clock
	Logger     *zap.Logger
}

// WorkflowService проводит пакет через конвертацию, проверку квоты, оплату и выдачу архива
type WorkflowService struct {
	cfg        WorkflowConfig
	converter  Converter
	quota      *QuotaEvaluator
	broker     OrderBroker
	verifier   *PaymentVerifier
	store      session.Store
	archives   ArchiveStore
	ledger     Ledger
	thumbnails Thumbnails
	metrics    *metrics.Metrics
	clock      clock.Clock
	log        *zap.Logger
}

func NewWorkflowService(cfg WorkflowConfig, deps WorkflowDeps) *WorkflowService {
	w := &WorkflowService{
		cfg:        cfg.withDefaults(),
		converter:  deps.Converter,
		quota:      deps.Quota,
		broker:     deps.Broker,
		verifier:   deps.Verifier,
		store:      deps.Store,
		archives:   deps.Archives,
		ledger:     deps.Ledger,
		thumbnails: deps.Thumbnails,
		metrics:    deps.Metrics,
		clock:      deps.Clock,
		log:        deps.Logger,
	}
	if w.quota == nil {
		w.quota = NewQuotaEvaluator(domain.QuotaLimits{})
	}
	if w.archives == nil {
		w.archives = LocalArchiveStore{}
	}
	if w.ledger == nil {
		w.ledger = NopLedger{}
	}
	if w.clock == nil {
		w.clock = clock.SystemClock{}
	}
	if w.log == nil {
		w.log = zap.NewNop()
	}
	w.log = w.log.Named("workflow")
	return w
}

// NewReleaser возвращает хук, освобождающий ресурсы уничтоженной сессии
func NewReleaser(archives ArchiveStore, m *metrics.Metrics, log *zap.Logger) session.ReleaseFunc {
	if archives == nil {
		archives = LocalArchiveStore{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("release")
	return func(s domain.Session) {
		if s.ArchiveRef != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := archives.Remove(ctx, s.ArchiveRef); err != nil {
				log.Warn("failed to remove archive", logger.Token(s.Token), zap.Error(err))
			}
			cancel()
		}
		if s.WorkDir != "" {
			if err := os.RemoveAll(s.WorkDir); err != nil {
				log.Warn("failed to remove work dir", logger.Token(s.Token), zap.Error(err))
			}
		}
		m.SessionExpired()
	}
}

type UploadRequest struct {
	Files []domain.UploadedFile
	// PaidOrder и PaidToken - заказ и токен ранее оплаченной и еще не скачанной сессии.
	// Заказ без токена своей сессии не принимается.
	PaidOrder string
	PaidToken string
}

type UploadResult struct {
	Status    string
	Token     string
	Results   []domain.ConversionResult
	ExpiresAt time.Time
	Decision  domain.QuotaDecision
	Order     *domain.PaymentOrder
	KeyID     string
}

// Upload сохраняет и конвертирует пакет, затем создает бесплатную сессию или сессию с заказом
func (w *WorkflowService) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	if err := w.validate(req.Files); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(w.cfg.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to prepare work dir: %w", err)
	}
	workDir, err := os.MkdirTemp(w.cfg.WorkDir, batchDirPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	owned := false
	defer func() {
		if !owned {
			if err := os.RemoveAll(workDir); err != nil {
				w.log.Warn("failed to release work dir", zap.Error(err))
			}
		}
	}()

	docs, err := w.persist(req.Files, workDir)
	if err != nil {
		return nil, err
	}
	w.log.Debug("batch received", zap.Int("files", docs.Count()), zap.Int64("bytes", docs.TotalSize()))

	results, err := w.converter.Convert(ctx, docs, filepath.Join(workDir, "out"))
	if err != nil {
		return nil, fmt.Errorf("failed to convert batch: %w", err)
	}
	for _, r := range results {
		if r.Success {
			w.metrics.Conversion("success")
		} else {
			w.metrics.Conversion(string(r.FailureKind))
		}
	}

	batch := domain.MetricsFromResults(results)
	if batch.FileCount == 0 {
		w.log.Info("batch rejected, nothing converted", zap.Int("files", docs.Count()))
		return nil, &domain.BatchError{Results: results}
	}

	decision := w.quota.Evaluate(batch, false)
	if !decision.Allowed && req.PaidOrder != "" && w.redeem(ctx, req.PaidOrder, req.PaidToken) {
		decision = w.quota.Evaluate(batch, true)
	}
	w.metrics.QuotaDecision(decision.Allowed)

	if decision.Allowed {
		sess, err := w.store.Create(ctx, domain.NewSession{
			State:     domain.StateFreeAllowed,
			Artifacts: results,
			WorkDir:   workDir,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create session: %w", err)
		}
		owned = true
		w.metrics.SessionCreated()

		w.log.Info("batch ready",
			logger.Token(sess.Token),
			zap.Int("converted", batch.FileCount),
			zap.Int("pages", batch.TotalPages()),
		)
		return &UploadResult{
			Status:    StatusReady,
			Token:     sess.Token,
			Results:   results,
			ExpiresAt: sess.ExpiresAt,
			Decision:  decision,
		}, nil
	}

	if w.broker == nil || !w.broker.Configured() {
		w.log.Error("payment required but provider is not configured", zap.Strings("reasons", decision.Reasons))
		return nil, domain.ErrProviderNotConfigured
	}

	sess, err := w.store.Create(ctx, domain.NewSession{
		State:     domain.StatePaymentPending,
		Artifacts: results,
		WorkDir:   workDir,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	owned = true
	w.metrics.SessionCreated()

	order, err := w.broker.CreateOrder(ctx, w.cfg.PriceAmount, w.cfg.Currency, newReceipt())
	if err != nil {
		w.metrics.Order("failed")
		w.store.Expire(ctx, sess.Token)
		w.log.Warn("failed to create payment order", logger.Token(sess.Token), zap.Error(err))
		return nil, err
	}
	w.metrics.Order("created")

	if err := w.store.BindOrder(ctx, sess.Token, order.OrderID); err != nil {
		w.store.Expire(ctx, sess.Token)
		return nil, fmt.Errorf("failed to bind order: %w", err)
	}
	if err := w.ledger.RecordOrder(ctx, order, batch.FileCount); err != nil {
		w.log.Warn("failed to record order", zap.String("order_id", order.OrderID), zap.Error(err))
	}

	w.log.Info("payment required",
		logger.Token(sess.Token),
		zap.String("order_id", order.OrderID),
		zap.Strings("reasons", decision.Reasons),
	)
	return &UploadResult{
		Status:    StatusPaymentRequired,
		Token:     sess.Token,
		Results:   results,
		ExpiresAt: sess.ExpiresAt,
		Decision:  decision,
		Order:     &order,
		KeyID:     w.broker.KeyID(),
	}, nil
}

func (w *WorkflowService) validate(files []domain.UploadedFile) error {
	if len(files) == 0 {
		return domain.BadInput("no files uploaded")
	}
	if len(files) > w.cfg.MaxBatchFiles {
		return domain.BadInput("too many files: max %d per request", w.cfg.MaxBatchFiles)
	}

	var total int64
	for _, f := range files {
		name := domain.CleanFileName(f.Name)
		if name == "" {
			return domain.BadInput("file without a name")
		}
		if !w.converter.Allowed(name) {
			return domain.BadInput("unsupported file type: %s", name)
		}
		if f.Size <= 0 {
			return domain.BadInput("file %s is empty", name)
		}
		if f.Open == nil {
			return domain.BadInput("file %s is unreadable", name)
		}
		total += f.Size
	}
	if total > w.cfg.MaxUploadBytes {
		return domain.BadInput("upload too large: max %s", formatMB(w.cfg.MaxUploadBytes))
	}
	return nil
}

// persist сохраняет входные файлы в <workDir>/in под безопасными именами
func (w *WorkflowService) persist(files []domain.UploadedFile, workDir string) (domain.Batch, error) {
	inDir := filepath.Join(workDir, "in")
	if err := os.MkdirAll(inDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create input dir: %w", err)
	}

	docs := make(domain.Batch, 0, len(files))
	for i, f := range files {
		name := domain.CleanFileName(f.Name)
		path := filepath.Join(inDir, strconv.Itoa(i)+"_"+sanitizeName(name))

		size, err := saveUpload(f, path, w.cfg.MaxUploadBytes)
		if err != nil {
			return nil, err
		}
		if size == 0 {
			return nil, domain.BadInput("file %s is empty", name)
		}
		docs = append(docs, domain.Document{Name: name, SizeBytes: size, Path: path})
	}
	return docs, nil
}

func saveUpload(f domain.UploadedFile, path string, limit int64) (int64, error) {
	src, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("failed to open upload: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create input file: %w", err)
	}
	size, err := io.Copy(dst, io.LimitReader(src, limit+1))
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("failed to save upload: %w", err)
	}
	if size > limit {
		return 0, domain.BadInput("upload too large: max %s", formatMB(limit))
	}
	return size, nil
}

func sanitizeName(name string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	if len(clean) > 100 {
		clean = clean[len(clean)-100:]
	}
	return clean
}

// redeem погашает подтвержденный и еще не скачанный заказ как разовое право на пакет без лимитов.
// Токен должен принадлежать сессии заказа, иначе ничего не погашается.
func (w *WorkflowService) redeem(ctx context.Context, orderID, token string) bool {
	owner, err := w.store.ResolveOrder(ctx, orderID)
	if err != nil {
		w.log.Info("paid order proof rejected", zap.String("order_id", orderID), zap.Error(err))
		return false
	}
	if token == "" || subtle.ConstantTimeCompare([]byte(owner), []byte(token)) != 1 {
		w.log.Warn("paid order proof rejected",
			zap.String("reason", "token mismatch"),
			zap.String("order_id", orderID),
		)
		return false
	}
	sess, err := w.store.Consume(ctx, owner)
	if err != nil || sess.State != domain.StateVerified {
		w.log.Info("paid order proof rejected", zap.String("order_id", orderID), zap.Error(err))
		return false
	}
	w.store.Expire(ctx, owner)
	w.log.Info("paid order redeemed", zap.String("order_id", orderID))
	return true
}

type VerifyRequest struct {
	Token     string
	OrderID   string
	PaymentID string
	Signature string
}

type VerifyResult struct {
	Token           string
	AlreadyVerified bool
}

// Verify подтверждает оплату. Любое несоответствие дает одну и ту же ошибку ErrForgeryRejected.
func (w *WorkflowService) Verify(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	if req.Token == "" || req.OrderID == "" || req.PaymentID == "" || req.Signature == "" {
		return nil, domain.BadInput("token, order_id, payment_id and signature are required")
	}

	reject := func(reason string) error {
		w.metrics.Verification("rejected")
		w.log.Warn("payment verification rejected",
			zap.String("reason", reason),
			zap.String("order_id", req.OrderID),
			logger.Token(req.Token),
		)
		return domain.ErrForgeryRejected
	}

	token, err := w.store.ResolveOrder(ctx, req.OrderID)
	if errors.Is(err, session.ErrOrderExpired) {
		w.metrics.Verification("expired")
		w.log.Info("payment verification for expired session", zap.String("order_id", req.OrderID))
		return nil, domain.ErrSessionGone
	}
	if err != nil {
		return nil, reject("unknown order")
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(req.Token)) != 1 {
		return nil, reject("token mismatch")
	}
	if !w.verifier.Verify(req.OrderID, req.PaymentID, req.Signature) {
		return nil, reject("bad signature")
	}

	_, err = w.store.MarkPaid(ctx, token, req.OrderID, req.PaymentID)
	switch {
	case errors.Is(err, session.ErrAlreadyPaid):
		w.metrics.Verification("repeat")
		return &VerifyResult{Token: token, AlreadyVerified: true}, nil
	case errors.Is(err, session.ErrNotFound):
		return nil, domain.ErrSessionGone
	case errors.Is(err, session.ErrOrderMismatch):
		return nil, reject("order mismatch")
	case err != nil:
		return nil, fmt.Errorf("failed to mark session paid: %w", err)
	}

	w.metrics.Verification("verified")
	if err := w.ledger.RecordPayment(ctx, req.OrderID, req.PaymentID, w.clock.Now()); err != nil {
		w.log.Warn("failed to record payment", zap.String("order_id", req.OrderID), zap.Error(err))
	}
	w.log.Info("payment verified", logger.Token(token), zap.String("order_id", req.OrderID))
	return &VerifyResult{Token: token}, nil
}

// Download - архив для выдачи клиенту. Body закрывает вызывающий.
type Download struct {
	Name  string
	Body  io.ReadCloser
	Size  int64
	Retry bool
}

// Download собирает архив один раз и выдает его; повтор в пределах grace period получает тот же архив
func (w *WorkflowService) Download(ctx context.Context, token string) (*Download, error) {
	sess, err := w.store.Package(ctx, token, func(s domain.Session) (string, error) {
		return w.buildArchive(ctx, s)
	})
	if err != nil {
		return nil, sessionErr(err)
	}

	retry := false
	if _, err := w.store.Consume(ctx, token); err != nil {
		if !errors.Is(err, session.ErrAlreadyConsumed) {
			return nil, sessionErr(err)
		}
		retry = true
	}

	body, size, err := w.archives.Open(ctx, sess.ArchiveRef)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}

	if retry {
		w.metrics.Download("retry")
	} else {
		w.metrics.Download("first")
	}
	w.log.Info("archive delivered", logger.Token(token), zap.Bool("retry", retry), zap.Int64("size", size))
	return &Download{Name: ArchiveName, Body: body, Size: size, Retry: retry}, nil
}

func (w *WorkflowService) buildArchive(ctx context.Context, s domain.Session) (string, error) {
	dest := filepath.Join(s.WorkDir, ArchiveName)
	if _, err := BuildArchive(s.Artifacts, dest); err != nil {
		return "", err
	}
	ref, err := w.archives.Put(ctx, dest)
	if err != nil {
		return "", err
	}
	return ref, nil
}

// Status возвращает снимок сессии
func (w *WorkflowService) Status(ctx context.Context, token string) (domain.Session, error) {
	sess, err := w.store.Get(ctx, token)
	if err != nil {
		return domain.Session{}, sessionErr(err)
	}
	return sess, nil
}

// Preview рендерит первую страницу сконвертированного документа с номером index
func (w *WorkflowService) Preview(ctx context.Context, token string, index int) ([]byte, error) {
	sess, err := w.store.Get(ctx, token)
	if err != nil {
		return nil, sessionErr(err)
	}
	if index < 0 || index >= len(sess.Artifacts) {
		return nil, domain.BadInput("no document with index %d", index)
	}
	art := sess.Artifacts[index]
	if !art.Success {
		return nil, domain.BadInput("document %d was not converted", index)
	}
	if w.thumbnails == nil {
		return nil, domain.ErrToolUnavailable
	}
	size := previewFullSize
	if !sess.Payable() {
		size = previewLockedSize
	}
	img, err := w.thumbnails.FirstPage(ctx, art.OutputPath, size)
	if err != nil {
		w.log.Warn("failed to render preview", logger.Token(token), zap.Int("index", index), zap.Error(err))
		return nil, err
	}
	return img, nil
}

// QuotaInfo описывает бесплатный тариф и цену оплаты
func (w *WorkflowService) QuotaInfo() domain.QuotaInfo {
	limits := w.quota.Limits()
	return domain.QuotaInfo{
		MaxFiles:    limits.MaxFiles,
		MaxTotalMB:  limits.MaxTotalBytes / bytesPerMB,
		MaxPages:    limits.MaxPages,
		PriceAmount: w.cfg.PriceAmount,
		Currency:    w.cfg.Currency,
	}
}

// StartSweeper периодически уничтожает истекшие сессии до отмены ctx
func (w *WorkflowService) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(w.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := w.store.Sweep(w.clock.Now()); n > 0 {
					w.log.Info("expired sessions reclaimed", zap.Int("count", n), zap.Int("live", w.store.Len()))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// ReclaimStale удаляет рабочие директории пакетов, оставшиеся после аварийного завершения процесса.
// Вызывается до приема запросов, пока в хранилище нет живых сессий.
func (w *WorkflowService) ReclaimStale() (int, error) {
	if n := w.store.Len(); n > 0 {
		return 0, fmt.Errorf("cannot reclaim work dirs with %d live sessions", n)
	}

	entries, err := os.ReadDir(w.cfg.WorkDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read work dir: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), batchDirPrefix) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(w.cfg.WorkDir, e.Name())); err != nil {
			w.log.Warn("failed to remove stale work dir", zap.String("dir", e.Name()), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		w.log.Info("stale work dirs reclaimed", zap.Int("count", removed))
	}
	return removed, nil
}

// Shutdown уничтожает все живые сессии и освобождает их ресурсы
func (w *WorkflowService) Shutdown(ctx context.Context) int {
	n := w.store.ExpireAll(ctx)
	w.log.Info("sessions released on shutdown", zap.Int("count", n))
	return n
}

func sessionErr(err error) error {
	if errors.Is(err, session.ErrNotFound) {
		return domain.ErrSessionGone
	}
	return err
}

func newReceipt() string {
	return "rcpt_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

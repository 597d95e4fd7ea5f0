package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"docxpdf/internal/clock"
	"docxpdf/internal/domain"
	"docxpdf/internal/logger"
)

type entry struct {
	mu        sync.Mutex
	sess      domain.Session
	destroyed bool
}

// MemoryStore - хранилище сессий в памяти процесса.
// Каждая сессия защищена своим мьютексом, общей блокировки на все хранилище нет.
type MemoryStore struct {
	sessions sync.Map // token -> *entry
	orders   sync.Map // orderID -> token
	live     atomic.Int64

	cfg     Config
	clock   clock.Clock
	release ReleaseFunc
	sched   *scheduler
	log     *zap.Logger
}

// NewMemoryStore создает хранилище. release вызывается после уничтожения каждой сессии.
func NewMemoryStore(cfg Config, clk clock.Clock, release ReleaseFunc, log *zap.Logger) *MemoryStore {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &MemoryStore{
		cfg:     cfg.withDefaults(),
		clock:   clk,
		release: release,
		sched:   newScheduler(),
		log:     log.Named("session.store"),
	}
}

func (s *MemoryStore) Create(_ context.Context, ns domain.NewSession) (domain.Session, error) {
	now := s.clock.Now()
	for attempt := 0; attempt < 3; attempt++ {
		token, err := NewToken()
		if err != nil {
			return domain.Session{}, err
		}

		e := &entry{sess: domain.Session{
			Token:     token,
			State:     ns.State,
			Artifacts: append([]domain.ConversionResult(nil), ns.Artifacts...),
			WorkDir:   ns.WorkDir,
			CreatedAt: now,
			ExpiresAt: now.Add(s.cfg.TTL),
		}}
		if _, loaded := s.sessions.LoadOrStore(token, e); loaded {
			continue
		}

		s.live.Add(1)
		s.sched.schedule(token, e.sess.ExpiresAt)
		s.log.Debug("session created", logger.Token(token), zap.String("state", string(ns.State)))
		return snapshot(e.sess), nil
	}
	return domain.Session{}, fmt.Errorf("failed to allocate unique session token")
}

func (s *MemoryStore) Get(ctx context.Context, token string) (domain.Session, error) {
	var out domain.Session
	err := s.with(token, func(e *entry) error {
		out = snapshot(e.sess)
		return nil
	})
	return out, err
}

func (s *MemoryStore) BindOrder(_ context.Context, token, orderID string) error {
	if orderID == "" {
		return ErrOrderMismatch
	}
	return s.with(token, func(e *entry) error {
		if e.sess.OrderID != "" {
			return ErrOrderAlreadyBound
		}
		if e.sess.State != domain.StatePaymentPending {
			return ErrOrderMismatch
		}
		if owner, loaded := s.orders.LoadOrStore(orderID, token); loaded && owner.(string) != token {
			return ErrOrderConflict
		}
		e.sess.OrderID = orderID
		return nil
	})
}

func (s *MemoryStore) ResolveOrder(ctx context.Context, orderID string) (string, error) {
	v, ok := s.orders.Load(orderID)
	if !ok {
		return "", ErrNotFound
	}
	token := v.(string)
	if _, err := s.Get(ctx, token); err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrOrderExpired
		}
		return "", err
	}
	return token, nil
}

func (s *MemoryStore) MarkPaid(_ context.Context, token, orderID, paymentID string) (domain.Session, error) {
	var out domain.Session
	err := s.with(token, func(e *entry) error {
		if e.sess.OrderID == "" || subtle.ConstantTimeCompare([]byte(e.sess.OrderID), []byte(orderID)) != 1 {
			return ErrOrderMismatch
		}
		switch e.sess.State {
		case domain.StateVerified:
			out = snapshot(e.sess)
			return ErrAlreadyPaid
		case domain.StatePaymentPending:
		default:
			return ErrOrderMismatch
		}
		e.sess.State = domain.StateVerified
		e.sess.PaymentID = paymentID
		out = snapshot(e.sess)
		return nil
	})
	return out, err
}

func (s *MemoryStore) Package(_ context.Context, token string, build func(domain.Session) (string, error)) (domain.Session, error) {
	var out domain.Session
	err := s.with(token, func(e *entry) error {
		if !e.sess.Payable() {
			return domain.ErrPaymentRequired
		}
		if e.sess.ArchiveRef == "" {
			ref, err := build(snapshot(e.sess))
			if err != nil {
				return err
			}
			e.sess.ArchiveRef = ref
		}
		out = snapshot(e.sess)
		return nil
	})
	return out, err
}

func (s *MemoryStore) Consume(_ context.Context, token string) (domain.Session, error) {
	var out domain.Session
	err := s.with(token, func(e *entry) error {
		if !e.sess.Payable() {
			return domain.ErrPaymentRequired
		}
		if e.sess.Consumed {
			out = snapshot(e.sess)
			return ErrAlreadyConsumed
		}

		now := s.clock.Now()
		e.sess.Consumed = true
		e.sess.ConsumedAt = &now
		if graceEnd := now.Add(s.cfg.Grace); graceEnd.Before(e.sess.ExpiresAt) {
			e.sess.ExpiresAt = graceEnd
			s.sched.schedule(token, graceEnd)
		}
		out = snapshot(e.sess)
		return nil
	})
	return out, err
}

func (s *MemoryStore) Expire(_ context.Context, token string) bool {
	v, ok := s.sessions.Load(token)
	if !ok {
		return false
	}
	e := v.(*entry)

	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return false
	}
	dead := s.destroyLocked(e)
	e.mu.Unlock()

	s.finish(dead)
	return true
}

// Sweep уничтожает все сессии, срок которых истек к моменту now
func (s *MemoryStore) Sweep(now time.Time) int {
	expired := 0
	for _, d := range s.sched.due(now) {
		v, ok := s.sessions.Load(d.token)
		if !ok {
			continue
		}
		e := v.(*entry)

		e.mu.Lock()
		if e.destroyed || now.Before(e.sess.ExpiresAt) {
			e.mu.Unlock()
			continue
		}
		dead := s.destroyLocked(e)
		e.mu.Unlock()

		s.finish(dead)
		expired++
	}
	return expired
}

// ExpireAll уничтожает все живые сессии, используется при остановке сервиса
func (s *MemoryStore) ExpireAll(ctx context.Context) int {
	expired := 0
	s.sessions.Range(func(key, _ any) bool {
		if s.Expire(ctx, key.(string)) {
			expired++
		}
		return ctx.Err() == nil
	})
	return expired
}

func (s *MemoryStore) Len() int {
	return int(s.live.Load())
}

// with выполняет fn под блокировкой сессии; истекшая сессия уничтожается при обращении
func (s *MemoryStore) with(token string, fn func(e *entry) error) error {
	v, ok := s.sessions.Load(token)
	if !ok {
		return ErrNotFound
	}
	e := v.(*entry)

	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return ErrNotFound
	}
	if !s.clock.Now().Before(e.sess.ExpiresAt) {
		dead := s.destroyLocked(e)
		e.mu.Unlock()
		s.finish(dead)
		return ErrNotFound
	}
	err := fn(e)
	e.mu.Unlock()
	return err
}

func (s *MemoryStore) destroyLocked(e *entry) domain.Session {
	e.destroyed = true
	s.sessions.Delete(e.sess.Token)
	if e.sess.OrderID != "" {
		s.orders.CompareAndDelete(e.sess.OrderID, e.sess.Token)
	}
	s.live.Add(-1)
	return snapshot(e.sess)
}

func (s *MemoryStore) finish(dead domain.Session) {
	s.log.Debug("session destroyed", logger.Token(dead.Token), zap.Bool("consumed", dead.Consumed))
	if s.release != nil {
		s.release(dead)
	}
}

func snapshot(s domain.Session) domain.Session {
	s.Artifacts = append([]domain.ConversionResult(nil), s.Artifacts...)
	if s.ConsumedAt != nil {
		at := *s.ConsumedAt
		s.ConsumedAt = &at
	}
	return s
}

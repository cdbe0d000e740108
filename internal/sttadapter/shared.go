package sttadapter

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrNoActiveSession is returned by SendAudio when the shared handle has no
// open backend session (e.g. it was closed by the watchdog and hasn't been
// re-acquired yet).
var ErrNoActiveSession = errors.New("sttadapter: no active backend session")

const (
	minRestartBackoff = time.Second
	maxRestartBackoff = 30 * time.Second
)

// Shared is a reference-counted, lazily-started STT session. Multiple
// followers of the same event share one backend connection: the first
// Acquire opens it, the last Release lets the watchdog close it after
// StaleWindow of inactivity, and a dropped backend connection is
// transparently restarted with exponential backoff while at least one
// subscriber remains, mirroring the reconnect loop a streaming pipeline
// runs around a flaky upstream.
type Shared struct {
	provider        Provider
	cfg             StreamConfig
	staleWindow     time.Duration
	restartCooldown time.Duration
	logger          *slog.Logger

	mu               sync.Mutex
	refCount         int
	session          SessionHandle
	lastActivity     time.Time
	lastAudioAt      time.Time
	lastTranscriptAt time.Time
	lastRestartAt    time.Time
	lastErr          error
	subs             map[int]chan Transcript
	nextSubID        int
	pumpCancel       context.CancelFunc
	watchdogOnce     sync.Once
	stopCh           chan struct{}
}

// NewShared builds a Shared handle. The backend session is not started
// until the first Acquire.
func NewShared(provider Provider, cfg StreamConfig, staleWindow, restartCooldown time.Duration, logger *slog.Logger) *Shared {
	if logger == nil {
		logger = slog.Default()
	}
	return &Shared{
		provider:        provider,
		cfg:             cfg,
		staleWindow:     staleWindow,
		restartCooldown: restartCooldown,
		logger:          logger,
		subs:            make(map[int]chan Transcript),
		stopCh:          make(chan struct{}),
	}
}

// Shutdown stops the watchdog and closes the live backend session, if any.
// Call when the event this handle serves is torn down permanently.
func (s *Shared) Shutdown() {
	s.mu.Lock()
	sess := s.session
	cancel := s.pumpCancel
	s.session = nil
	s.pumpCancel = nil
	s.mu.Unlock()

	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	if cancel != nil {
		cancel()
	}
	if sess != nil {
		_ = sess.Close()
	}
}

// Acquire registers a new subscriber and, if this is the first one,
// lazily opens the backend session. The returned channel emits every
// transcript the shared backend produces until Release is called with the
// returned id.
func (s *Shared) Acquire(ctx context.Context) (id int, out <-chan Transcript, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refCount == 0 {
		pumpCtx, cancel := context.WithCancel(context.Background())
		sess, startErr := s.provider.StartStream(ctx, s.cfg)
		if startErr != nil {
			cancel()
			return 0, nil, startErr
		}
		s.session = sess
		s.pumpCancel = cancel
		now := time.Now()
		s.lastActivity = now
		s.lastRestartAt = now
		s.lastAudioAt = time.Time{}
		s.lastTranscriptAt = time.Time{}
		go s.pump(pumpCtx, sess)
		s.startWatchdog()
	}

	s.nextSubID++
	id = s.nextSubID
	ch := make(chan Transcript, 32)
	s.subs[id] = ch
	s.refCount++
	return id, ch, nil
}

// Release unregisters subscriber id. The backend session is not closed
// immediately; the watchdog reaps it after StaleWindow once refCount
// reaches zero, so a brief reconnect (e.g. a page reload) reuses the same
// still-warm backend connection.
func (s *Shared) Release(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(ch)
		s.refCount--
	}
}

// SendAudio forwards a chunk to the live backend session.
func (s *Shared) SendAudio(chunk []byte) error {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess == nil {
		return ErrNoActiveSession
	}
	if err := sess.SendAudio(chunk); err != nil {
		return err
	}
	s.mu.Lock()
	now := time.Now()
	s.lastActivity = now
	s.lastAudioAt = now
	s.mu.Unlock()
	return nil
}

// LastErr returns the most recent backend error observed by the pump, if
// any, for surfacing as STT_ERROR.
func (s *Shared) LastErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Shared) pump(ctx context.Context, sess SessionHandle) {
	backoff := s.restartCooldown
	if backoff <= 0 {
		backoff = minRestartBackoff
	}
	for {
		for t := range sess.Transcripts() {
			s.fanOut(t)
		}
		if ctx.Err() != nil {
			return
		}
		err := sess.Err()
		s.mu.Lock()
		s.lastErr = err
		stillWanted := s.refCount > 0
		s.mu.Unlock()
		if err == nil || !stillWanted {
			return
		}

		s.logger.Warn("stt session ended, restarting", "error", err, "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff = min(backoff*2, maxRestartBackoff)

		newSess, startErr := s.provider.StartStream(ctx, s.cfg)
		if startErr != nil {
			s.logger.Error("stt restart failed", "error", startErr)
			s.mu.Lock()
			s.lastErr = startErr
			s.mu.Unlock()
			continue
		}
		s.mu.Lock()
		now := time.Now()
		s.session = newSess
		s.lastActivity = now
		s.lastRestartAt = now
		s.lastAudioAt = time.Time{}
		s.lastTranscriptAt = time.Time{}
		s.mu.Unlock()
		sess = newSess
		backoff = minRestartBackoff
	}
}

func (s *Shared) fanOut(t Transcript) {
	s.mu.Lock()
	now := time.Now()
	s.lastActivity = now
	s.lastTranscriptAt = now
	targets := make([]chan Transcript, 0, len(s.subs))
	for _, ch := range s.subs {
		targets = append(targets, ch)
	}
	s.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- t:
		default:
			// Subscriber's buffer is full; drop rather than stall the
			// shared backend for every follower.
		}
	}
}

func (s *Shared) startWatchdog() {
	s.watchdogOnce.Do(func() {
		go s.watchdogLoop()
	})
}

// watchdogLoop polls for two distinct stale conditions: a session nobody
// is subscribed to any more (idle, reaped outright), and a session still
// in active use whose backend has stopped producing transcripts despite
// audio continuing to arrive (stale, torn down and re-created in place).
func (s *Shared) watchdogLoop() {
	ticker := time.NewTicker(s.staleWindow / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		}
		now := time.Now()

		s.mu.Lock()
		idle := s.refCount == 0 && s.session != nil && now.Sub(s.lastActivity) > s.staleWindow
		staleWhileActive := !idle && s.refCount > 0 && s.session != nil &&
			!s.lastAudioAt.IsZero() && now.Sub(s.lastAudioAt) <= s.staleWindow &&
			now.Sub(s.lastTranscriptAt) > s.staleWindow &&
			now.Sub(s.lastRestartAt) >= s.restartCooldown

		var toClose SessionHandle
		var cancel context.CancelFunc
		switch {
		case idle:
			toClose = s.session
			cancel = s.pumpCancel
			s.session = nil
			s.pumpCancel = nil
		case staleWhileActive:
			toClose = s.session
			cancel = s.pumpCancel
		}
		s.mu.Unlock()

		if toClose == nil {
			continue
		}
		if cancel != nil {
			cancel()
		}
		_ = toClose.Close()

		if idle {
			s.logger.Info("stt watchdog closing idle session")
			continue
		}

		s.logger.Warn("stt watchdog restarting stale session", "stale_window", s.staleWindow)
		s.restart()
	}
}

// restart tears down and re-creates the backend session in place, used
// when the watchdog detects audio is flowing but no transcript has come
// back for StaleWindow. A no-op if every subscriber released in the
// meantime.
func (s *Shared) restart() {
	s.mu.Lock()
	if s.refCount == 0 {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	pumpCtx, cancel := context.WithCancel(context.Background())
	sess, err := s.provider.StartStream(pumpCtx, s.cfg)
	if err != nil {
		cancel()
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		s.logger.Error("stt watchdog restart failed", "error", err)
		return
	}

	s.mu.Lock()
	now := time.Now()
	s.session = sess
	s.pumpCancel = cancel
	s.lastActivity = now
	s.lastRestartAt = now
	s.lastAudioAt = time.Time{}
	s.lastTranscriptAt = time.Time{}
	s.mu.Unlock()

	go s.pump(pumpCtx, sess)
}

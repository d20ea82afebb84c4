package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"herbtrace/internal/codec"
	"herbtrace/pkg/domain"
)

// State is a scan session lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateRequesting State = "requesting"
	StateStreaming  State = "streaming"
	StateDecoding   State = "decoding"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
	StateClosed     State = "closed"
)

// Terminal reports whether s is an outcome state.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

func (s State) active() bool {
	return s == StateRequesting || s == StateStreaming || s == StateDecoding
}

var (
	// ErrSessionActive is returned by Start when the session already started.
	ErrSessionActive = errors.New("scan session already started")
	// ErrSessionClosed is returned when operating on a closed session.
	ErrSessionClosed = errors.New("scan session closed")
	// ErrNotActive is returned by Cancel before Start or after Close.
	ErrNotActive = errors.New("scan session not active")
)

// Transition is delivered to observers on every state change.
type Transition struct {
	From State
	To   State
	Err  error
}

// Observer receives transitions. It runs while the session lock is held; it
// may call State but no other session method.
type Observer func(Transition)

// Outcome is the result of a finished session.
type Outcome struct {
	State   State
	BatchID domain.BatchID
	Err     error
}

// Logger is the structured logger used by sessions.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

type options struct {
	facing        Facing
	accessTimeout time.Duration
	decodeTimeout time.Duration
	frameInterval time.Duration
	logger        Logger
	observers     []Observer
}

// Option configures a Session.
type Option func(*options)

// WithFacing overrides the preferred camera direction.
func WithFacing(f Facing) Option { return func(o *options) { o.facing = f } }

// WithAccessTimeout bounds the camera access request. Zero means no limit.
func WithAccessTimeout(d time.Duration) Option { return func(o *options) { o.accessTimeout = d } }

// WithDecodeTimeout bounds each frame decode attempt. Zero means no limit.
func WithDecodeTimeout(d time.Duration) Option { return func(o *options) { o.decodeTimeout = d } }

// WithFrameInterval sets the pause between frames that held no code.
func WithFrameInterval(d time.Duration) Option { return func(o *options) { o.frameInterval = d } }

// WithLogger sets the session logger.
func WithLogger(l Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithObserver registers a transition observer.
func WithObserver(fn Observer) Option {
	return func(o *options) {
		if fn != nil {
			o.observers = append(o.observers, fn)
		}
	}
}

// Session owns one scanning attempt. All state changes happen under mu; the
// stream is only touched by the run loop while active and released under mu.
type Session struct {
	device  Device
	decoder FrameDecoder
	opts    options

	state atomic.Value // State

	mu       sync.Mutex
	stream   Stream
	released bool
	outcome  Outcome
	cancel   context.CancelFunc
	done     chan struct{}
	doneOnce sync.Once
}

// NewSession constructs an idle session.
func NewSession(device Device, decoder FrameDecoder, opts ...Option) *Session {
	o := options{facing: FacingEnvironment, frameInterval: 100 * time.Millisecond, logger: noopLogger{}}
	for _, opt := range opts {
		opt(&o)
	}
	s := &Session{device: device, decoder: decoder, opts: o, done: make(chan struct{})}
	s.state.Store(StateIdle)
	return s
}

// State returns the current state. Safe to call from observers.
func (s *Session) State() State { return s.state.Load().(State) }

// Start requests the camera and begins decoding frames in the background.
// ctx bounds the whole session; its expiry cancels the session.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.State() {
	case StateIdle:
	case StateClosed:
		return ErrSessionClosed
	default:
		return ErrSessionActive
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.setLocked(StateRequesting, nil)
	go s.run(runCtx)
	return nil
}

// Wait blocks until the session reaches an outcome or ctx ends.
func (s *Session) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Cancel stops an active session. It is a no-op once an outcome exists.
func (s *Session) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.State()
	switch {
	case st == StateIdle || st == StateClosed:
		return ErrNotActive
	case st.Terminal():
		return nil
	}
	s.finishLocked(StateCancelled, context.Canceled, "")
	return nil
}

// Close releases everything and makes the session terminal. Repeated calls are no-ops.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.State()
	if st == StateClosed {
		return nil
	}
	if st.active() {
		s.finishLocked(StateCancelled, context.Canceled, "")
	}
	s.closeLocked()
	return nil
}

// Scan runs a full session and closes it, returning the scanned identifier.
func Scan(ctx context.Context, device Device, decoder FrameDecoder, opts ...Option) (domain.BatchID, error) {
	s := NewSession(device, decoder, opts...)
	defer func() { _ = s.Close() }()
	if err := s.Start(ctx); err != nil {
		return "", err
	}
	out, err := s.Wait(context.Background())
	if err != nil {
		return "", err
	}
	if out.State != StateSucceeded {
		return "", fmt.Errorf("scan %s: %w", out.State, out.Err)
	}
	return out.BatchID, nil
}

func (s *Session) run(ctx context.Context) {
	stream, err := s.requestAccess(ctx)
	s.mu.Lock()
	if s.State() != StateRequesting {
		s.mu.Unlock()
		if stream != nil {
			s.releaseOrphan(stream)
		}
		return
	}
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			s.finishLocked(StateCancelled, err, "")
		} else {
			s.finishLocked(StateFailed, fmt.Errorf("%w: %v", domain.ErrCameraAccessDenied, err), "")
			s.closeLocked()
		}
		s.mu.Unlock()
		return
	}
	s.stream = stream
	s.setLocked(StateStreaming, nil)
	s.mu.Unlock()

	for {
		state, id, err := s.step(ctx, stream)
		if state == "" {
			if !s.pause(ctx) {
				s.finish(StateCancelled, ctx.Err(), "")
				return
			}
			continue
		}
		s.finish(state, err, id)
		return
	}
}

func (s *Session) requestAccess(ctx context.Context) (Stream, error) {
	if s.opts.accessTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.accessTimeout)
		defer cancel()
	}
	return s.device.RequestAccess(ctx, s.opts.facing)
}

// step reads and decodes one frame. An empty state means retry.
func (s *Session) step(ctx context.Context, stream Stream) (State, domain.BatchID, error) {
	frame, err := stream.ReadFrame(ctx)
	switch {
	case errors.Is(err, ErrNoFrame):
		return "", "", nil
	case ctx.Err() != nil:
		return StateCancelled, "", ctx.Err()
	case err != nil:
		return StateFailed, "", err
	}
	if !s.transition(StateStreaming, StateDecoding) {
		return StateCancelled, "", context.Canceled
	}
	decodeCtx := ctx
	if s.opts.decodeTimeout > 0 {
		var cancel context.CancelFunc
		decodeCtx, cancel = context.WithTimeout(ctx, s.opts.decodeTimeout)
		defer cancel()
	}
	text, err := s.decoder.Decode(decodeCtx, frame)
	switch {
	case errors.Is(err, ErrNoCode):
		s.opts.logger.Debug("no code in frame")
		if !s.transition(StateDecoding, StateStreaming) {
			return StateCancelled, "", context.Canceled
		}
		return "", "", nil
	case decodeCtx.Err() != nil:
		return StateCancelled, "", decodeCtx.Err()
	case err != nil:
		return StateFailed, "", err
	}
	id, err := codec.Decode(text)
	if err != nil {
		return StateFailed, "", err
	}
	return StateSucceeded, id, nil
}

func (s *Session) pause(ctx context.Context) bool {
	if s.opts.frameInterval <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(s.opts.frameInterval)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Session) transition(from, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != from {
		return false
	}
	s.setLocked(to, nil)
	return true
}

func (s *Session) finish(state State, err error, id domain.BatchID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishLocked(state, err, id)
}

// finishLocked releases the stream, then records and advertises the outcome.
// It does nothing if an outcome already exists.
func (s *Session) finishLocked(state State, err error, id domain.BatchID) {
	if !s.State().active() {
		return
	}
	s.releaseLocked()
	if s.cancel != nil {
		s.cancel()
	}
	s.outcome = Outcome{State: state, BatchID: id, Err: err}
	s.setLocked(state, err)
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Session) closeLocked() {
	s.releaseLocked()
	if s.cancel != nil {
		s.cancel()
	}
	if s.outcome.State == "" {
		s.outcome = Outcome{State: StateClosed, Err: ErrSessionClosed}
	}
	s.setLocked(StateClosed, nil)
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Session) releaseLocked() {
	if s.stream == nil || s.released {
		return
	}
	s.released = true
	s.decoder.Reset()
	if err := s.stream.Release(); err != nil {
		s.opts.logger.Warn("release capture stream", "error", err)
	}
}

// releaseOrphan frees a stream granted after the session already ended.
func (s *Session) releaseOrphan(stream Stream) {
	if err := stream.Release(); err != nil {
		s.opts.logger.Warn("release late capture stream", "error", err)
	}
}

func (s *Session) setLocked(to State, err error) {
	from := s.State()
	s.state.Store(to)
	for _, fn := range s.opts.observers {
		fn(Transition{From: from, To: to, Err: err})
	}
}

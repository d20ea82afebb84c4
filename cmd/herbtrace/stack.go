package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"herbtrace/internal/core"
	"herbtrace/internal/infra/cache"
	"herbtrace/internal/infra/events/amqp"
	"herbtrace/internal/infra/telemetry"
)

const closeTimeout = 5 * time.Second

// stack is an opened service with everything it depends on.
type stack struct {
	svc     *core.Service
	closers []func(context.Context) error
}

// openStack opens storage, the optional cache, audit sink and tracers named by
// the configuration and builds the service over them. extra options are
// applied last.
func (a *app) openStack(ctx context.Context, extra ...core.Option) (_ *stack, err error) {
	st := &stack{}
	defer func() {
		if err != nil {
			_ = st.Close()
		}
	}()

	engine := core.NewDefaultRulesEngine()
	store, err := core.OpenPersistentStore(a.cfg.Storage.Options(), engine)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if c, ok := store.(io.Closer); ok {
		st.closers = append(st.closers, func(context.Context) error { return c.Close() })
	}
	cached, closeCache, err := cache.Wrap(ctx, store, a.cfg.Cache, a.logger)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	st.closers = append(st.closers, func(context.Context) error { return closeCache() })

	opts := []core.Option{core.WithLogger(a.logger)}
	if a.cfg.Audit.AMQPURL != "" {
		pub, err := amqp.Dial(amqp.Config{URL: a.cfg.Audit.AMQPURL, Exchange: a.cfg.Audit.Exchange}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("open audit sink: %w", err)
		}
		st.closers = append(st.closers, pub.Close)
		opts = append(opts, core.WithAuditRecorder(pub))
	}
	var tracers core.Tracers
	if a.cfg.Telemetry.Enabled() {
		tp, err := telemetry.NewProvider(ctx, a.cfg.Telemetry.Config)
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, tp.Shutdown)
		tracers = append(tracers, telemetry.NewTracer(tp))
	}
	if path := a.cfg.Telemetry.TraceFile; path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open trace file: %w", err)
		}
		st.closers = append(st.closers, func(context.Context) error { return f.Close() })
		tracers = append(tracers, core.NewSpanLog(f))
	}
	switch len(tracers) {
	case 0:
	case 1:
		opts = append(opts, core.WithTracer(tracers[0]))
	default:
		opts = append(opts, core.WithTracer(tracers))
	}
	st.svc = core.NewService(cached, append(opts, extra...)...)
	return st, nil
}

// Close releases resources in reverse order of acquisition.
func (s *stack) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// withStack opens a stack for the duration of fn.
func (a *app) withStack(ctx context.Context, fn func(*core.Service) error) (err error) {
	st, err := a.openStack(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := st.Close(); err == nil {
			err = cerr
		}
	}()
	if a.cfg.Demo.Seed {
		if err := seedDemo(ctx, st.svc); err != nil {
			return err
		}
	}
	return fn(st.svc)
}

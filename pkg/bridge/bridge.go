// Package bridge binds every configured queue and runs its loop.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/takehaya/nfqbridge/pkg/config"
	"github.com/takehaya/nfqbridge/pkg/iface"
	"github.com/takehaya/nfqbridge/pkg/logger"
	"github.com/takehaya/nfqbridge/pkg/metrics"
	"github.com/takehaya/nfqbridge/pkg/nfqueue"
	"github.com/takehaya/nfqbridge/pkg/policy"
	"github.com/takehaya/nfqbridge/pkg/server"
	"github.com/takehaya/nfqbridge/pkg/transport"
)

// Opener creates the kernel channel for one queue.
type Opener func(q config.QueueConfig, netns string) (nfqueue.Transport, error)

// OpenSocket is the default Opener.
func OpenSocket(q config.QueueConfig, netns string) (nfqueue.Transport, error) {
	s, err := transport.Open(transport.Config{NetNS: netns, ReceiveBuffer: q.SocketBuffer()})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Options overrides collaborators, mostly for tests.
type Options struct {
	Opener Opener
	Names  policy.Namer
	// Decide replaces the configured policy.
	Decide nfqueue.DecideFunc
}

type Bridge struct {
	cfg      *config.Config
	logger   *zap.Logger
	opener   Opener
	decide   nfqueue.DecideFunc
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	events   nfqueue.EventSink
	resolver *iface.Resolver

	mu      sync.Mutex
	handles []*nfqueue.Handle
	runners map[uint16]*nfqueue.Runner
}

func NewBridge(cfg *config.Config, lg *zap.Logger, opts Options) (*Bridge, error) {
	if lg == nil {
		lg = zap.NewNop()
	}
	b := &Bridge{
		cfg:      cfg,
		logger:   lg,
		opener:   opts.Opener,
		decide:   opts.Decide,
		registry: prometheus.NewRegistry(),
		events:   logger.NewEventSink(lg),
		runners:  make(map[uint16]*nfqueue.Runner),
	}
	if b.opener == nil {
		b.opener = OpenSocket
	}
	b.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(b.registry)
	if err != nil {
		return nil, fmt.Errorf("fail to register metrics: %w", err)
	}
	b.metrics = m

	if b.decide == nil {
		names := opts.Names
		if names == nil && needsNames(cfg.Setting.Policy) {
			r, err := iface.NewResolver(cfg.InternalConfig.NetNS)
			if err != nil {
				return nil, fmt.Errorf("fail to open interface resolver: %w", err)
			}
			b.resolver = r
			names = r
		}
		engine, err := policy.Compile(cfg.Setting.Policy, names, lg)
		if err != nil {
			b.closeResolver()
			return nil, fmt.Errorf("fail to compile policy: %w", err)
		}
		b.decide = engine.Decide
	}
	return b, nil
}

func needsNames(p config.PolicyConfig) bool {
	for _, r := range p.Rules {
		if r.InDev != "" || r.OutDev != "" {
			return true
		}
	}
	return false
}

// Bind opens and binds every configured queue. Either all queues end up
// bound or none are.
func (b *Bridge) Bind(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range b.cfg.Setting.Queues {
		opts, err := q.Options()
		if err != nil {
			b.closeHandlesLocked(ctx)
			return fmt.Errorf("queue %d: %w", q.Number, err)
		}
		tr, err := b.opener(q, b.cfg.InternalConfig.NetNS)
		if err != nil {
			b.closeHandlesLocked(ctx)
			return fmt.Errorf("fail to open queue %d socket: %w", q.Number, err)
		}
		h, err := nfqueue.Bind(ctx, tr, q.Number, opts, b.logger)
		if err != nil {
			_ = tr.Close()
			b.closeHandlesLocked(ctx)
			return fmt.Errorf("fail to bind queue %d: %w", q.Number, err)
		}
		b.handles = append(b.handles, h)
		b.runners[q.Number] = nfqueue.NewRunner(h, b.decide, nfqueue.RunnerOptions{
			Logger:   b.logger,
			Events:   b.events,
			Observer: b.metrics,
			Recovery: q.RecoveryOptions(),
		})
		b.metrics.StateChanged(q.Number, nfqueue.StateBound)
	}
	return nil
}

// Run serves every bound queue until ctx is cancelled or one queue fails.
// A failed queue cancels the others, which drain and unbind.
func (b *Bridge) Run(ctx context.Context) error {
	b.mu.Lock()
	runners := make([]*nfqueue.Runner, 0, len(b.runners))
	for _, r := range b.runners {
		runners = append(runners, r)
	}
	b.mu.Unlock()
	if len(runners) == 0 {
		return nfqueue.ErrNotBound
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range runners {
		g.Go(func() error {
			return r.Run(gctx)
		})
	}

	if b.cfg.InternalConfig.Server.Listen != "" {
		ln, err := net.Listen("tcp", b.cfg.InternalConfig.Server.Listen)
		if err != nil {
			b.logger.Error("fail to start health server", zap.Error(err))
		} else {
			srv := server.NewServer(b.cfg.InternalConfig.Server, b, b.registry, b.logger)
			srv.Setup()
			serveErr := make(chan error, 1)
			go func() { serveErr <- srv.Serve(ln) }()
			g.Go(func() error {
				select {
				case <-gctx.Done():
				case err := <-serveErr:
					if !errors.Is(err, http.ErrServerClosed) {
						b.logger.Warn("health server stopped", zap.Error(err))
					}
					return nil
				}
				sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.InternalConfig.Server.ShutdownTimeout)
				defer cancel()
				return srv.Shutdown(sctx)
			})
		}
	}
	return g.Wait()
}

// QueueStates implements server.StatusSource.
func (b *Bridge) QueueStates() map[uint16]nfqueue.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[uint16]nfqueue.State, len(b.runners))
	for q, r := range b.runners {
		out[q] = r.State()
	}
	return out
}

// Queues returns the bound queue numbers in ascending order.
func (b *Bridge) Queues() []uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]uint16, 0, len(b.runners))
	for q := range b.runners {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Runner returns the runner of queue q, for releasing stolen packets.
func (b *Bridge) Runner(q uint16) (*nfqueue.Runner, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.runners[q]
	return r, ok
}

// Registry is the prometheus registry behind /metrics.
func (b *Bridge) Registry() *prometheus.Registry { return b.registry }

// Close unbinds queues whose runner never ran and releases resources.
// Calling it after Run returns is safe.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.closeHandlesLocked(ctx)
	b.closeResolver()
	return err
}

func (b *Bridge) closeHandlesLocked(ctx context.Context) error {
	var errs []error
	for _, h := range b.handles {
		if err := h.Close(ctx); err != nil && !errors.Is(err, transport.ErrClosed) {
			errs = append(errs, fmt.Errorf("queue %d: %w", h.Queue(), err))
		}
	}
	b.handles = nil
	b.runners = make(map[uint16]*nfqueue.Runner)
	return errors.Join(errs...)
}

func (b *Bridge) closeResolver() {
	if b.resolver != nil {
		b.resolver.Close()
		b.resolver = nil
	}
}

package business

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pitabwire/util"
)

// Defaults for admission control and background maintenance.
const (
	DefaultMaxConnections  = 5000
	DefaultSetupTimeout    = 30 * time.Second
	DefaultSweepInterval   = 5 * time.Minute
	DefaultDrainWindow     = 2 * time.Second
	DefaultMetricsInterval = time.Minute
)

// AcceptorOptions carries the admission and maintenance tunables.
type AcceptorOptions struct {
	MaxConnections  int
	SetupTimeout    time.Duration
	SweepInterval   time.Duration
	DrainWindow     time.Duration
	MetricsInterval time.Duration
	Connection      ConnectionOptions
}

func (o AcceptorOptions) withDefaults() AcceptorOptions {
	if o.MaxConnections <= 0 {
		o.MaxConnections = DefaultMaxConnections
	}
	if o.SetupTimeout <= 0 {
		o.SetupTimeout = DefaultSetupTimeout
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.DrainWindow <= 0 {
		o.DrainWindow = DefaultDrainWindow
	}
	if o.MetricsInterval <= 0 {
		o.MetricsInterval = DefaultMetricsInterval
	}
	return o
}

// AcceptorStats is the cumulative acceptor counter snapshot.
type AcceptorStats struct {
	Accepted      int64 `json:"accepted"`
	Rejected      int64 `json:"rejected"`
	SetupFailures int64 `json:"setup_failures"`
	Disconnected  int64 `json:"disconnected"`
}

// Acceptor owns the full connection lifecycle: admission control, the setup
// watchdog, registration, the session loop and the disconnect path. It is the
// only component that constructs, cleans up and closes connections; the
// registry merely indexes them in between.
type Acceptor struct {
	registry   *Registry
	verifier   TokenVerifier
	directory  UserDirectory
	sink       EventSink
	msgHandler MessageHandler
	opts       AcceptorOptions

	shuttingDown atomic.Bool
	shutdownCh   chan struct{}
	closeOnce    sync.Once
	wg           sync.WaitGroup

	mu         sync.Mutex
	transports map[string]Transport

	accepted      atomic.Int64
	rejected      atomic.Int64
	setupFailures atomic.Int64
	disconnected  atomic.Int64
}

func NewAcceptor(
	registry *Registry,
	verifier TokenVerifier,
	directory UserDirectory,
	sink EventSink,
	msgHandler MessageHandler,
	opts AcceptorOptions,
) *Acceptor {
	return &Acceptor{
		registry:   registry,
		verifier:   verifier,
		directory:  directory,
		sink:       sink,
		msgHandler: msgHandler,
		opts:       opts.withDefaults(),
		shutdownCh: make(chan struct{}),
		transports: make(map[string]Transport),
	}
}

// Start launches the background sweep and metrics loops. They run until
// CloseServer.
func (a *Acceptor) Start(ctx context.Context) {
	a.wg.Add(2)
	go a.sweepLoop(ctx)
	go a.metricsLoop(ctx)
}

// HandleSocket drives one accepted transport through its whole lifetime and
// blocks until the session ends. The caller closes the transport afterwards;
// every return path here leaves the registry free of the connection.
func (a *Acceptor) HandleSocket(ctx context.Context, tr Transport) error {
	log := util.Log(ctx).WithFields(map[string]any{
		"connection_id": tr.ID(),
		"remote_addr":   tr.RemoteAddr(),
	})

	if a.shuttingDown.Load() {
		a.rejected.Add(1)
		a.rejectTransport(tr, "server is shutting down", CodeShuttingDown)
		log.Info("rejected connection during shutdown")
		return ErrShuttingDown
	}

	if total := a.registry.Stats().TotalConnections; total >= a.opts.MaxConnections {
		a.rejected.Add(1)
		a.rejectTransport(tr, "connection capacity exceeded", CodeCapacityExceeded)
		log.WithFields(map[string]any{
			"total": total,
			"limit": a.opts.MaxConnections,
		}).Warn("rejected connection at capacity")
		return ErrCapacityExceeded
	}

	a.trackTransport(tr)
	defer a.untrackTransport(tr.ID())

	conn, err := a.setupConnection(ctx, tr)
	if err != nil {
		a.setupFailures.Add(1)
		if errors.Is(err, ErrSetupTimeout) {
			a.rejectTransport(tr, "connection setup timed out", CodeSetupTimeout)
		}
		log.WithError(err).Info("connection setup failed")
		return err
	}
	a.accepted.Add(1)

	user := conn.User()
	a.sink.Publish(ctx, LifecycleEvent{
		Kind:         LifecycleConnected,
		UserID:       user.ID,
		ConnectionID: conn.ID(),
		Meta: map[string]string{
			"remote_addr": tr.RemoteAddr(),
			"user_agent":  tr.UserAgent(),
		},
		OccurredAt: time.Now(),
	})

	defer a.disconnect(ctx, conn, user.ID)

	log.WithField("user_id", user.ID).Info("connection established")

	runErr := conn.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.WithError(runErr).Debug("session loop ended")
	}
	return nil
}

// setupConnection runs authentication and registration under the setup
// watchdog. A connection that cannot complete setup within the window is
// abandoned with SetupTimeout.
func (a *Acceptor) setupConnection(ctx context.Context, tr Transport) (*Connection, error) {
	setupCtx, cancel := context.WithTimeout(ctx, a.opts.SetupTimeout)
	defer cancel()

	conn := NewConnection(tr, a.verifier, a.directory, a.opts.Connection)
	conn.SetMessageHandler(a.msgHandler)

	if err := conn.Authenticate(setupCtx); err != nil {
		if errors.Is(setupCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w", ErrSetupTimeout, err)
		}
		return nil, err
	}

	if err := a.registry.Register(setupCtx, conn); err != nil {
		conn.Cleanup(ctx)
		return nil, err
	}
	return conn, nil
}

// disconnect is the single teardown path for an established session: cleanup,
// unconditional unregistration and the lifecycle event. Unregister runs even
// when the registry already self-healed the entry away.
func (a *Acceptor) disconnect(ctx context.Context, conn *Connection, userID string) {
	a.disconnected.Add(1)

	conn.Cleanup(ctx)
	a.registry.Unregister(ctx, conn.ID())

	a.sink.Publish(ctx, LifecycleEvent{
		Kind:         LifecycleDisconnected,
		UserID:       userID,
		ConnectionID: conn.ID(),
		OccurredAt:   time.Now(),
	})

	util.Log(ctx).WithFields(map[string]any{
		"connection_id": conn.ID(),
		"user_id":       userID,
	}).Info("connection closed")
}

// rejectTransport pushes a best-effort error frame before the caller closes
// the raw transport.
func (a *Acceptor) rejectTransport(tr Transport, message, code string) {
	frame, err := encodeFrame(EventError, errorPayload{Message: message, Code: code})
	if err != nil {
		return
	}
	_ = tr.Send(frame)
}

func (a *Acceptor) trackTransport(tr Transport) {
	a.mu.Lock()
	a.transports[tr.ID()] = tr
	a.mu.Unlock()
}

func (a *Acceptor) untrackTransport(id string) {
	a.mu.Lock()
	delete(a.transports, id)
	a.mu.Unlock()
}

func (a *Acceptor) sweepLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.shutdownCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.registry.SweepStale(ctx)
		}
	}
}

func (a *Acceptor) metricsLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.opts.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.shutdownCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := a.registry.Stats()
			counters := a.Stats()
			util.Log(ctx).WithFields(map[string]any{
				"total_connections": stats.TotalConnections,
				"online_users":      stats.OnlineUserCount,
				"accepted":          counters.Accepted,
				"rejected":          counters.Rejected,
				"setup_failures":    counters.SetupFailures,
				"disconnected":      counters.Disconnected,
			}).Info("connection metrics")

			a.sink.Publish(ctx, LifecycleEvent{
				Kind: LifecycleStatus,
				Meta: map[string]string{
					"total_connections": strconv.Itoa(stats.TotalConnections),
					"online_users":      strconv.Itoa(stats.OnlineUserCount),
				},
				OccurredAt: time.Now(),
			})
		}
	}
}

// Stats returns the cumulative counter snapshot.
func (a *Acceptor) Stats() AcceptorStats {
	return AcceptorStats{
		Accepted:      a.accepted.Load(),
		Rejected:      a.rejected.Load(),
		SetupFailures: a.setupFailures.Load(),
		Disconnected:  a.disconnected.Load(),
	}
}

// ShuttingDown reports whether CloseServer has begun.
func (a *Acceptor) ShuttingDown() bool {
	return a.shuttingDown.Load()
}

// CloseServer performs the orderly drain: stop admitting, notify every live
// peer, give them the drain window to hang up on their own, then force-close
// whatever remains and shut the registry. Safe to call more than once.
func (a *Acceptor) CloseServer(ctx context.Context) {
	a.closeOnce.Do(func() {
		a.shuttingDown.Store(true)
		close(a.shutdownCh)

		a.mu.Lock()
		remaining := make([]Transport, 0, len(a.transports))
		for _, tr := range a.transports {
			remaining = append(remaining, tr)
		}
		a.mu.Unlock()

		util.Log(ctx).WithField("connections", len(remaining)).
			Info("server shutdown initiated, notifying clients")

		frame, err := encodeFrame(EventServerShutdown, map[string]any{
			"message": "server is shutting down",
		})
		if err == nil {
			for _, tr := range remaining {
				_ = tr.Send(frame)
			}
		}

		select {
		case <-time.After(a.opts.DrainWindow):
		case <-ctx.Done():
		}

		a.mu.Lock()
		forced := len(a.transports)
		for _, tr := range a.transports {
			_ = tr.Close()
		}
		a.mu.Unlock()

		a.registry.Close(ctx)
		a.wg.Wait()

		util.Log(ctx).WithField("force_closed", forced).Info("server shutdown completed")
	})
}

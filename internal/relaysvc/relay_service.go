// Package relaysvc relays device events to a single connected consumer and manages
// the accept, relay and teardown cycle of its connections.
package relaysvc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/neuroplastio/neio-relay/internal/detect"
	"github.com/neuroplastio/neio-relay/internal/transport"
	"github.com/neuroplastio/neio-relay/pkg/bus"
	"github.com/neuroplastio/neio-relay/pkg/devevent"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Source is the event source adapter a session subscribes to.
type Source interface {
	Inventory
	Subscribe(handler detect.Handler) error
	Unsubscribe()
}

var defaultOptions = serviceOptions{
	pollInterval: 1 * time.Second,
	queueSize:    64,
	joinTimeout:  5 * time.Second,
	writeTimeout: 5 * time.Second,
	filter:       allowAll{},
}

type serviceOptions struct {
	pollInterval time.Duration
	queueSize    int
	joinTimeout  time.Duration
	writeTimeout time.Duration
	hook         InitHook
	filter       Filter
}

type Option func(*serviceOptions)

// WithPollInterval sets how often the snapshot poller runs and the detection worker checks for stop.
func WithPollInterval(d time.Duration) Option {
	return func(o *serviceOptions) {
		o.pollInterval = d
	}
}

func WithQueueSize(n int) Option {
	return func(o *serviceOptions) {
		o.queueSize = n
	}
}

// WithJoinTimeout bounds how long teardown waits for the session workers to stop.
func WithJoinTimeout(d time.Duration) Option {
	return func(o *serviceOptions) {
		o.joinTimeout = d
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(o *serviceOptions) {
		o.writeTimeout = d
	}
}

func WithInitHook(hook InitHook) Option {
	return func(o *serviceOptions) {
		o.hook = hook
	}
}

func WithFilter(filter Filter) Option {
	return func(o *serviceOptions) {
		o.filter = filter
	}
}

const (
	reasonPeerClosed = "peer closed"
	reasonSendFailed = "send failed"
	reasonShutdown   = "shutdown"
)

type Service struct {
	log      *zap.Logger
	options  serviceOptions
	now      func() time.Time
	acceptor transport.Acceptor
	source   Source

	state   *atomic.Uint32
	notices *NoticeBus

	// mu guards session and its ready flag. A send checks ready and writes while holding it.
	mu      sync.Mutex
	session *session

	closeOnce sync.Once
}

func New(log *zap.Logger, acceptor transport.Acceptor, source Source, now func() time.Time, opts ...Option) *Service {
	options := defaultOptions
	for _, opt := range opts {
		opt(&options)
	}
	if options.hook == nil {
		options.hook = LogInitHook{Log: log.Named("hook")}
	}
	if options.filter == nil {
		options.filter = allowAll{}
	}
	if now == nil {
		now = time.Now
	}
	return &Service{
		log:      log,
		options:  options,
		now:      now,
		acceptor: acceptor,
		source:   source,
		state:    atomic.NewUint32(uint32(StateIdle)),
		notices:  bus.NewBus[NoticeType, Notice](log.Named("notices"), 256),
	}
}

func (s *Service) State() State {
	return State(s.state.Load())
}

// Session returns the session that is currently ready to receive events.
func (s *Service) Session() (SessionInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil || !s.session.ready {
		return SessionInfo{}, false
	}
	return s.session.info, true
}

// Subscribe returns lifecycle notices of the given types, or all of them when none is given.
func (s *Service) Subscribe(ctx context.Context, types ...NoticeType) <-chan NoticeMessage {
	return s.notices.Subscribe(ctx, types...)
}

// Start runs the relay cycle until ctx is done. It only returns an error when the listening
// endpoint fails, every other failure ends the current session and the relay waits for the next peer.
func (s *Service) Start(ctx context.Context) error {
	err := s.notices.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start notice bus: %w", err)
	}
	defer s.Close()
	s.log.Info("Relay started", zap.String("addr", s.acceptor.Addr()))
	for {
		s.setState(StateAwaitingConnection)
		s.log.Info("Waiting for connection", zap.String("addr", s.acceptor.Addr()))
		conn, err := s.acceptor.Accept(ctx)
		switch {
		case ctx.Err() != nil:
			if conn != nil {
				conn.Close()
			}
			return nil
		case errors.Is(err, transport.ErrClosed):
			s.log.Info("Listening endpoint closed")
			return nil
		case err != nil:
			s.log.Error("Listening endpoint failed", zap.Error(err))
			return fmt.Errorf("relay accept failed: %w", err)
		}
		s.runSession(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Close releases the listening endpoint and moves the relay to STOPPED. It is safe to call more than once.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.acceptor.Close()
		s.setState(StateStopped)
		s.log.Info("Relay stopped")
	})
	return err
}

func (s *Service) setState(to State) {
	from := State(s.state.Swap(uint32(to)))
	if from == to {
		return
	}
	s.log.Info("State changed", zap.Stringer("from", from), zap.Stringer("to", to))
	s.publish(NoticeStateChanged, Notice{From: from, To: to})
}

func (s *Service) publish(t NoticeType, n Notice) {
	n.Time = s.now()
	s.notices.Publish(context.Background(), t, n)
}

func (s *Service) runSession(ctx context.Context, conn transport.Conn) {
	sess := newSession(uuid.NewString(), conn, s.now())
	log := s.log.With(zap.String("session", sess.info.ID), zap.String("peer", sess.info.Peer))

	s.setState(StateConnectedInit)
	s.mu.Lock()
	s.session = sess
	sess.ready = true
	s.mu.Unlock()
	log.Info("Connected")
	s.publish(NoticeSessionOpened, Notice{Session: sess.info})

	// the stop signal of this session's detection worker, never reused across sessions
	sessCtx, stop := context.WithCancel(ctx)
	queue := newHandoff(s.options.queueSize)

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		s.watchPeer(log, sess)
	}()

	subscribed := make(chan error, 1)
	detectDone := make(chan struct{})
	go func() {
		defer close(detectDone)
		s.detect(sessCtx, log, sess, s.eventHandler(sessCtx, log, sess, queue), subscribed)
	}()

	reason, cause := s.relay(sessCtx, log, sess, queue, subscribed)
	s.teardown(log, sess, stop, queue, detectDone, readerDone, reason, cause)
}

// relay forwards queued events until the session fails or ctx is done.
// The queue is only read once the subscription succeeded and the state is RELAYING.
func (s *Service) relay(ctx context.Context, log *zap.Logger, sess *session, queue *handoff, subscribed <-chan error) (string, error) {
	var events <-chan devevent.DeviceEvent
	for {
		select {
		case <-ctx.Done():
			return reasonShutdown, nil
		case err := <-sess.failed:
			if errors.Is(err, ErrPeerClosed) {
				return reasonPeerClosed, err
			}
			return reasonSendFailed, err
		case err := <-subscribed:
			subscribed = nil
			if err != nil {
				log.Error("Device detection unavailable for this session", zap.Error(err))
				s.publish(NoticeInitFailed, Notice{Session: sess.info, Err: err})
				continue
			}
			s.setState(StateRelaying)
			events = queue.C()
		case event := <-events:
			if err := s.send(log, sess, event.Line()); err != nil {
				s.dropped(log, sess, event, "send failed")
				return reasonSendFailed, err
			}
		}
	}
}

// eventHandler is invoked from the detection engine. It only enqueues.
func (s *Service) eventHandler(ctx context.Context, log *zap.Logger, sess *session, queue *handoff) detect.Handler {
	return func(event devevent.DeviceEvent) {
		switch event.Kind() {
		case devevent.EventTypeDisconnected:
			log.Info("Device disconnected", zap.Stringer("event", event))
			s.publish(NoticeDeviceDisconnected, Notice{Session: sess.info, Event: event})
		case devevent.EventTypeConnected:
			log.Info("Device connected", zap.Stringer("event", event))
			s.publish(NoticeDeviceConnected, Notice{Session: sess.info, Event: event})
		default:
			log.Debug("Generated event", zap.Stringer("event", event))
		}
		if ctx.Err() != nil {
			s.dropped(log, sess, event, "no ready session")
			return
		}
		if !s.options.filter.Allow(event) {
			s.dropped(log, sess, event, "vendor ignored")
			return
		}
		for _, evicted := range queue.Push(event) {
			s.dropped(log, sess, evicted, "queue full")
		}
	}
}

func (s *Service) dropped(log *zap.Logger, sess *session, event devevent.DeviceEvent, reason string) {
	sess.dropped.Inc()
	log.Warn("Dropped event", zap.String("reason", reason), zap.Stringer("event", event))
}

// send writes line to sess if it is still ready. Checking and writing happen under one lock,
// so a teardown never races an in-flight write.
func (s *Service) send(log *zap.Logger, sess *session, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !sess.ready || s.session != sess {
		return &SendFailure{SessionID: sess.info.ID, Line: line, Err: errors.New("session not ready")}
	}
	if s.options.writeTimeout > 0 {
		if err := sess.conn.SetWriteDeadline(s.now().Add(s.options.writeTimeout)); err != nil {
			log.Debug("Failed to set write deadline", zap.Error(err))
		}
	}
	_, err := io.WriteString(sess.conn, line)
	if err != nil {
		sess.ready = false
		failure := &SendFailure{SessionID: sess.info.ID, Line: line, Err: err}
		log.Warn("Error sending data", zap.Error(err))
		sess.fail(failure)
		return failure
	}
	sess.relayed.Inc()
	return nil
}

// watchPeer reads from the connection only to notice when the peer goes away. Inbound data is discarded.
func (s *Service) watchPeer(log *zap.Logger, sess *session) {
	buf := make([]byte, 512)
	for {
		n, err := sess.conn.Read(buf)
		if n > 0 {
			log.Debug("Discarded inbound data", zap.Int("bytes", n))
		}
		if err != nil {
			sess.fail(fmt.Errorf("%w: %v", ErrPeerClosed, err))
			return
		}
	}
}

// detect is the detection worker of one session. It owns the source subscription and
// runs the snapshot poller until ctx is done.
func (s *Service) detect(ctx context.Context, log *zap.Logger, sess *session, handler detect.Handler, subscribed chan<- error) {
	log.Info("Device detection thread started")
	defer log.Info("Device detection thread stopping")

	err := s.source.Subscribe(handler)
	subscribed <- err
	if err != nil {
		<-ctx.Done()
		return
	}
	defer s.source.Unsubscribe()

	poller := newSnapshotPoller(log.Named("snapshot"), s.source, s.options.hook)
	send := func(line string) error {
		return s.send(log, sess, line)
	}
	ticker := time.NewTicker(s.options.pollInterval)
	defer ticker.Stop()
	for {
		if !poller.Initialized() {
			if dev, ok := poller.Poll(ctx, sess.info, send); ok {
				s.publish(NoticeSessionInitialized, Notice{Session: sess.info, Device: dev})
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) teardown(log *zap.Logger, sess *session, stop context.CancelFunc, queue *handoff, detectDone, readerDone <-chan struct{}, reason string, cause error) {
	s.setState(StateTearingDown)
	if cause != nil {
		log.Warn("Tearing down session", zap.String("reason", reason), zap.Error(cause))
	} else {
		log.Info("Tearing down session", zap.String("reason", reason))
	}

	s.mu.Lock()
	sess.ready = false
	s.mu.Unlock()

	stop()
	if !s.join(detectDone) {
		log.Warn("Device detection thread did not stop in time", zap.Duration("timeout", s.options.joinTimeout))
	}
	if err := sess.close(); err != nil {
		log.Debug("Failed to close connection", zap.Error(err))
	}
	if !s.join(readerDone) {
		log.Warn("Connection reader did not stop in time", zap.Duration("timeout", s.options.joinTimeout))
	}

	s.mu.Lock()
	s.session = nil
	s.mu.Unlock()

	queue.Drain(func(event devevent.DeviceEvent) {
		s.dropped(log, sess, event, "session closed")
	})

	relayed, dropped := sess.relayed.Load(), sess.dropped.Load()
	log.Info("Disconnected", zap.Int64("relayed", relayed), zap.Int64("dropped", dropped))
	s.publish(NoticeSessionClosed, Notice{
		Session: sess.info,
		Reason:  reason,
		Err:     cause,
		Relayed: relayed,
		Dropped: dropped,
	})
}

func (s *Service) join(done <-chan struct{}) bool {
	t := time.NewTimer(s.options.joinTimeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}

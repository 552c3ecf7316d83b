package hub

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/hay-kot/lrmq/internal/core/config"
	"github.com/hay-kot/lrmq/internal/core/messaging"
	"github.com/hay-kot/lrmq/internal/core/wire"
	"github.com/hay-kot/lrmq/internal/metrics"
	"github.com/hay-kot/lrmq/internal/transport"
)

// finishTimeout bounds how long teardown waits for a transport to close.
const finishTimeout = 10 * time.Second

// signalToken is the decoded value an agent sends to wake its own blocked
// wait_msg without issuing a command.
const signalToken = "-"

// Session is one connected agent and its command-processing state machine.
type Session struct {
	hub       *Hub
	name      string
	cfg       config.AgentConfig
	transport transport.Transport
	queue     *messaging.Queue
	wake      chan struct{} // a message was queued
	poke      chan struct{} // the agent sent the signal token
	log       zerolog.Logger
	logFile   io.Closer

	// Requests are numbered from 1 in arrival order. serving is the request
	// serve is handling, served the last one answered and pokeFor the
	// blocking wait_msg the latest signal token belongs to.
	serving uint64
	served  atomic.Uint64
	pokeFor atomic.Uint64

	mu    sync.Mutex
	state State
	subs  []int
}

func newSession(h *Hub, name string, cfg config.AgentConfig, t transport.Transport) *Session {
	return &Session{
		hub:       h,
		name:      name,
		cfg:       cfg,
		transport: t,
		queue:     messaging.NewQueue(),
		wake:      make(chan struct{}, 1),
		poke:      make(chan struct{}, 1),
		log:       h.log.With().Str("agent", name).Logger(),
	}
}

// Name is the session's configured or generated name.
func (s *Session) Name() string {
	return s.name
}

// Identity is the transport-derived identity, empty until the transport is
// open.
func (s *Session) Identity() string {
	return s.transport.Identity()
}

// Config returns the descriptor the session was launched from.
func (s *Session) Config() config.AgentConfig {
	return s.cfg
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// deliver runs on the pushing goroutine and must not touch the session logger.
func (s *Session) deliver(msg messaging.Message) {
	s.queue.Push(msg)
	s.signal()
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) expire(now time.Time) []messaging.Message {
	return s.queue.Expire(now)
}

func (s *Session) queued() int {
	return s.queue.Len()
}

func (s *Session) addSub(id int) {
	s.mu.Lock()
	s.subs = append(s.subs, id)
	s.mu.Unlock()
}

func (s *Session) takeSubs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.subs
	s.subs = nil
	return subs
}

// sendEvent publishes a lifecycle event on the system topic and, when the
// descriptor maps the event to a custom topic, there as well.
func (s *Session) sendEvent(event string) {
	metrics.LifecycleEvents.WithLabelValues(event).Inc()
	id := nullable(s.Identity())

	if err := s.hub.Push(LifecycleTopic(event, s.name), map[string]any{"agentid": id}, nil); err != nil {
		s.log.Warn().Err(err).Str("lifecycle", event).Msg("publish lifecycle event")
	}

	topic, ok := s.cfg.Events[event]
	if !ok || topic == "" {
		return
	}
	err := s.hub.Push(topic, map[string]any{
		"agentid": id,
		"name":    s.name,
		"event":   event,
	}, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("lifecycle", event).Str("topic", topic).Msg("publish custom lifecycle event")
	}
}

func (s *Session) run(ctx context.Context) {
	defer s.setState(StateStopped)

	s.setState(StatePreparing)
	r, w, err := s.prepare(ctx)
	if err != nil {
		s.log.Error().Err(err).Str("event", evAgentError).Msg("prepare failed")
		s.sendEvent(EventError)
		s.finish(ctx, nil)
		return
	}

	// Closing the transport is the only way to abandon a blocked read.
	stop := context.AfterFunc(ctx, func() {
		_ = s.transport.Finish(context.Background())
	})
	defer stop()

	s.log.Debug().Str("event", evAgentNew).Str("agentid", s.Identity()).Msg("agent started")
	s.sendEvent(EventNew)

	s.setState(StateNegotiating)
	reader := bufio.NewReader(r)
	writer := bufio.NewWriter(w)

	codec, err := wire.Negotiate(reader, writer, s.hub.opts.Registry)
	switch {
	case errors.Is(err, wire.ErrNoSelection):
		s.setState(StateLost)
		s.log.Debug().Str("event", evAgentLost).Msg("agent channel lost before negotiation")
		s.sendEvent(EventLost)
		s.drainStray(reader)
		s.teardown(ctx, nil)
		return
	case err != nil:
		s.log.Error().Err(err).Str("event", evAgentError).Msg("negotiation failed")
		s.sendEvent(EventError)
		s.finish(ctx, nil)
		return
	}

	s.log.Debug().Str("event", evAgentProtocol).Str("codec", codec.Label()).Msg("codec selected")
	s.setState(StateRunning)

	var (
		cmds     = make(chan map[string]any, 1)
		quit     = make(chan struct{})
		lost     = make(chan struct{})
		recvDone = make(chan struct{})
	)
	go s.receive(reader, codec, cmds, quit, lost, recvDone)

	s.serve(ctx, cmds, lost, writer, codec)

	close(quit)
	s.teardown(ctx, recvDone)
}

// prepare publishes the prepare event, attaches the session's log sink and
// opens the transport.
func (s *Session) prepare(ctx context.Context) (io.Reader, io.Writer, error) {
	s.log.Debug().Str("event", evAgentPrepare).Msg("preparing agent")
	s.sendEvent(EventPrepare)

	if err := s.openLog(); err != nil {
		return nil, nil, err
	}
	return s.transport.Open(ctx)
}

// openLog applies the descriptor's log file and level to the session logger.
func (s *Session) openLog() error {
	level := s.log.GetLevel()
	if s.cfg.LogLevel != "" {
		parsed, err := zerolog.ParseLevel(s.cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("%w: agent loglevel: %w", ErrConfiguration, err)
		}
		level = parsed
	}

	if s.cfg.Log == "" {
		s.log = s.log.Level(level)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.cfg.Log), 0o755); err != nil {
		return fmt.Errorf("create agent log directory: %w", err)
	}
	f, err := os.OpenFile(s.cfg.Log, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open agent log: %w", err)
	}
	s.logFile = f
	s.log = zerolog.New(f).With().Timestamp().Str("agent", s.name).Logger().Level(level)
	return nil
}

func (s *Session) closeLog() {
	if s.logFile != nil {
		_ = s.logFile.Close()
		s.logFile = nil
	}
}

// drainStray copies whatever the agent still writes into the diagnostics
// sink until the stream ends.
func (s *Session) drainStray(r *bufio.Reader) {
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			s.log.Debug().Str("event", evAgentStray).Bytes("line", line).Msg("agent output after lost channel")
			_, _ = s.hub.opts.Diagnostics.Write(line)
		}
		if err != nil {
			return
		}
	}
}

// receive decodes requests into cmds until the stream ends. A nil request
// tells serve that the transport is gone.
func (s *Session) receive(r *bufio.Reader, codec wire.Codec, cmds chan<- map[string]any, quit, lost chan struct{}, done chan<- struct{}) {
	defer close(done)

	// seq numbers forwarded requests; lastWait is seq when that request was
	// a blocking wait_msg.
	var seq, lastWait uint64
	for {
		v, err := codec.Decode(r)

		var req map[string]any
		switch {
		case errors.Is(err, wire.ErrMalformed):
			s.log.Error().Err(err).Str("event", evAgentReadError).Msg("read error")
			req = map[string]any{"cmd": cmdError, "msg": err.Error()}
		case err != nil:
			s.log.Debug().Err(err).Str("event", evAgentLost).Msg("end of stream")
			close(lost)
			select {
			case cmds <- nil:
			case <-quit:
			}
			return
		case v == signalToken:
			s.signalWait(lastWait)
			continue
		default:
			req = normalize(v)
		}

		seq++
		lastWait = 0
		if req["cmd"] == "wait_msg" && truthy(req["block"]) {
			lastWait = seq
		}

		s.log.Debug().Str("event", evAgentRead).Interface("req", req).Msg("read")
		select {
		case cmds <- req:
		case <-quit:
			return
		}
	}
}

// signalWait wakes the blocking wait_msg numbered wait if it has not been
// answered yet. A token with no such wait is dropped.
func (s *Session) signalWait(wait uint64) {
	if wait == 0 || s.served.Load() >= wait {
		s.log.Debug().Str("event", evAgentSignal).Msg("signal without a waiting request")
		return
	}
	s.log.Debug().Str("event", evAgentSignal).Uint64("request", wait).Msg("signal")

	s.pokeFor.Store(wait)
	select {
	case <-s.poke:
	default:
	}
	select {
	case s.poke <- struct{}{}:
	default:
	}
}

// normalize turns anything that is not a mapping with a string "cmd" into a
// synthetic error command.
func normalize(v any) map[string]any {
	req, ok := v.(map[string]any)
	if !ok {
		return map[string]any{"cmd": cmdError, "msg": fmt.Sprintf("%v: bad command request", ErrProtocol)}
	}
	if _, ok := req["cmd"].(string); !ok {
		return map[string]any{"cmd": cmdError, "msg": fmt.Sprintf("%v: command is not a string", ErrProtocol)}
	}
	return req
}

// serve answers requests one at a time, in arrival order, until the agent
// exits, the stream is lost or ctx is cancelled.
func (s *Session) serve(ctx context.Context, cmds <-chan map[string]any, lost <-chan struct{}, w *bufio.Writer, codec wire.Codec) {
	for s.State() == StateRunning {
		var req map[string]any
		select {
		case req = <-cmds:
		case <-ctx.Done():
			s.setState(StateExiting)
			return
		}

		if req == nil {
			s.log.Debug().Str("event", evAgentLost).Msg("agent lost")
			s.setState(StateLost)
			s.sendEvent(EventLost)
			return
		}

		s.serving++
		ans := s.answer(ctx, req, lost)
		if id, ok := req["id"]; ok && id != nil {
			ans["id"] = id
		}
		s.served.Store(s.serving)

		s.log.Debug().Str("event", evAgentWrite).Interface("ans", ans).Msg("write")
		if err := s.respond(w, codec, ans); err != nil {
			s.log.Warn().Err(err).Str("event", evAgentLost).Msg("write failed")
			s.setState(StateLost)
			s.sendEvent(EventLost)
			return
		}
	}
}

func (s *Session) respond(w *bufio.Writer, codec wire.Codec, ans map[string]any) error {
	err := codec.Encode(w, ans)
	if errors.Is(err, wire.ErrUnencodable) {
		fallback := map[string]any{"answer": "error", "msg": err.Error()}
		if id, ok := ans["id"]; ok {
			fallback["id"] = id
		}
		err = codec.Encode(w, fallback)
	}
	if err == nil {
		err = w.Flush()
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransportLost, err)
	}
	return nil
}

// teardown releases subscriptions, publishes the exit event and finishes the
// transport.
func (s *Session) teardown(ctx context.Context, recvDone <-chan struct{}) {
	s.log.Debug().Str("event", evAgentFinish).Msg("finishing agent")

	for _, id := range s.takeSubs() {
		s.hub.Unsubscribe(id)
	}
	s.sendEvent(EventExit)
	s.finish(ctx, recvDone)
}

// finish closes the transport and waits, bounded, for the receiver to stop.
func (s *Session) finish(ctx context.Context, recvDone <-chan struct{}) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	if err := s.transport.Finish(fctx); err != nil {
		s.log.Warn().Err(err).Msg("transport finish")
	}

	if recvDone != nil {
		select {
		case <-recvDone:
		case <-fctx.Done():
			s.log.Warn().Msg("receiver still blocked after finish")
		}
	}
	s.closeLog()
}

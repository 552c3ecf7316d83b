package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hay-kot/lrmq/internal/core/messaging"
)

// sysFunc implements one function of the system RPC surface.
type sysFunc func(ctx context.Context, args any, sender string) (any, error)

// systemSession is the hub's internal pseudo-agent. It drives the heartbeat
// and serves calls pushed to SystemCallTopic. It has no transport.
type systemSession struct {
	hub    *Hub
	log    zerolog.Logger
	queue  *messaging.Queue
	wake   chan struct{}
	stopCh chan struct{}
	once   sync.Once
	funcs  map[string]sysFunc

	mu    sync.Mutex
	state State
}

func newSystemSession(h *Hub) *systemSession {
	s := &systemSession{
		hub:    h,
		log:    h.log.With().Str("agent", SystemName).Logger(),
		queue:  messaging.NewQueue(),
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
	s.funcs = map[string]sysFunc{
		"exit_code": s.rpcExitCode,
		"agents":    s.rpcAgents,
	}

	if _, err := h.Subscribe(SystemCallTopic, s); err != nil {
		panic(fmt.Sprintf("hub: subscribe %s: %v", SystemCallTopic, err))
	}
	return s
}

func (s *systemSession) Name() string     { return SystemName }
func (s *systemSession) Identity() string { return SystemName }

func (s *systemSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *systemSession) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *systemSession) deliver(msg messaging.Message) {
	s.queue.Push(msg)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *systemSession) expire(now time.Time) []messaging.Message {
	return s.queue.Expire(now)
}

func (s *systemSession) queued() int {
	return s.queue.Len()
}

// stop ends run after it has served every call already queued.
func (s *systemSession) stop() {
	s.once.Do(func() { close(s.stopCh) })
}

func (s *systemSession) run(ctx context.Context) {
	s.setState(StateRunning)
	defer s.setState(StateStopped)

	ticker := time.NewTicker(s.hub.opts.Heartbeat)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			s.process(ctx)
			return
		case <-s.stopCh:
			s.process(ctx)
			return
		case <-ticker.C:
			tick++
			s.hub.pulse(tick)
		case <-s.wake:
			s.process(ctx)
		}
	}
}

func (s *systemSession) process(ctx context.Context) {
	for {
		batch := s.queue.Drain(messaging.DefaultBatch)
		if len(batch) == 0 {
			return
		}
		for _, msg := range batch {
			s.handle(ctx, msg)
		}
	}
}

// handle serves one call and pushes the answer to "<from>/ret". The answer
// carries the call's correlation options so the hub closes the call.
func (s *systemSession) handle(ctx context.Context, msg messaging.Message) {
	if msg.Topic != SystemCallTopic {
		s.log.Debug().Str("event", evSystemUnprocessed).Str("topic", msg.Topic).Msg("unprocessed message to system")
		return
	}

	call, _ := msg.Payload.(map[string]any)
	fn, _ := call["fn"].(string)
	from, _ := call["from"].(string)
	reqid := call["reqid"]

	s.log.Debug().Str("event", evSystemCall).Str("fn", fn).Str("from", from).Interface("reqid", reqid).Msg("system call")

	ans := s.call(ctx, fn, call["args"], from)
	if reqid != nil {
		ans["reqid"] = reqid
	}

	// Correlation is keyed on the push options, which may differ from the
	// payload when a caller sets only one of them.
	if v, ok := msg.Options["from"].(string); ok && v != "" {
		from = v
	}
	if v, ok := msg.Options["reqid"]; ok {
		reqid = v
	}

	if from == "" {
		s.log.Warn().Str("fn", fn).Msg("system call without sender, answer dropped")
		return
	}

	opts := map[string]any{"check": "call", "from": from, "reqid": reqid}
	if err := s.hub.Push(from+ReturnSuffix, ans, opts); err != nil {
		s.log.Warn().Err(err).Str("fn", fn).Msg("push system call answer")
	}
}

func (s *systemSession) call(ctx context.Context, fn string, args any, sender string) (ans map[string]any) {
	f, ok := s.funcs[fn]
	if !ok {
		return map[string]any{"answer": "error", "msg": fmt.Sprintf("no function %q", fn)}
	}

	defer func() {
		if r := recover(); r != nil {
			ans = map[string]any{"answer": "error", "msg": fmt.Sprintf("internal error: %v", r)}
		}
	}()

	ret, err := f(ctx, args, sender)
	if err != nil {
		return errorAnswer(err)
	}
	return map[string]any{"answer": "ok", "ret": ret}
}

func (s *systemSession) rpcExitCode(_ context.Context, args any, sender string) (any, error) {
	code, err := toInt(args)
	if err != nil {
		return nil, fmt.Errorf("exit code: %w", err)
	}

	s.log.Info().Str("event", evSystemExitCode).Str("from", sender).Int("code", code).Msg("exit code set")
	s.hub.SetExitCode(code)
	return nil, nil
}

func (s *systemSession) rpcAgents(_ context.Context, _ any, _ string) (any, error) {
	agents := s.hub.Agents()
	out := make([]any, len(agents))
	for i, a := range agents {
		out[i] = a.Map()
	}
	return out, nil
}

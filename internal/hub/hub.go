// Package hub routes messages between agent sessions and schedules them
// alongside the system heartbeat.
package hub

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"regexp"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hay-kot/lrmq/internal/core/config"
	"github.com/hay-kot/lrmq/internal/core/messaging"
	"github.com/hay-kot/lrmq/internal/core/wire"
	"github.com/hay-kot/lrmq/internal/metrics"
	"github.com/hay-kot/lrmq/internal/transport"
)

// Options tunes the hub.
type Options struct {
	Heartbeat  time.Duration
	SweepEvery int
	PulseTTL   time.Duration
	Registry   *wire.Registry

	// Diagnostics receives whatever an agent writes after failing to pick a
	// codec.
	Diagnostics io.Writer

	Now func() time.Time
}

// DefaultOptions returns the stock heartbeat, sweep and codec settings.
func DefaultOptions() Options {
	return Options{
		Heartbeat:   5 * time.Second,
		SweepEvery:  12,
		PulseTTL:    30 * time.Second,
		Registry:    wire.DefaultRegistry(),
		Diagnostics: os.Stdout,
		Now:         time.Now,
	}
}

// OptionsFromConfig applies the hub options found in cfg to the defaults.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := DefaultOptions()
	if cfg.Heartbeat > 0 {
		opts.Heartbeat = cfg.Heartbeat
	}
	if cfg.SweepEvery > 0 {
		opts.SweepEvery = cfg.SweepEvery
	}
	if cfg.PulseTTL > 0 {
		opts.PulseTTL = cfg.PulseTTL
	}
	return opts
}

// TransportFactory builds the transport for an agent descriptor.
type TransportFactory interface {
	New(cfg config.AgentConfig) (transport.Transport, error)
}

// member is anything the hub schedules and delivers to.
type member interface {
	Name() string
	Identity() string
	State() State
	run(ctx context.Context)
	deliver(msg messaging.Message)
	expire(now time.Time) []messaging.Message
	queued() int
}

type subscription struct {
	id    int
	mask  string
	re    *regexp.Regexp
	owner member
}

type callKey struct {
	from  string
	reqid string
}

type callEntry struct {
	prefix    string
	createdAt time.Time
}

// Hub is the message router.
type Hub struct {
	opts       Options
	transports TransportFactory
	log        zerolog.Logger
	runID      string
	system     *systemSession

	wake     chan struct{}
	exitCode atomic.Int64

	mu        sync.Mutex
	subs      []subscription
	nextSubID int
	calls     map[callKey]callEntry
	nameSeq   int
	pending   []member
	running   []member
	stopped   []member
	finished  map[member]bool
}

// New creates a hub. Zero-valued options fall back to DefaultOptions.
func New(opts Options, transports TransportFactory, logger zerolog.Logger) *Hub {
	defaults := DefaultOptions()
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaults.Heartbeat
	}
	if opts.SweepEvery <= 0 {
		opts.SweepEvery = defaults.SweepEvery
	}
	if opts.PulseTTL <= 0 {
		opts.PulseTTL = defaults.PulseTTL
	}
	if opts.Registry == nil {
		opts.Registry = defaults.Registry
	}
	if opts.Diagnostics == nil {
		opts.Diagnostics = defaults.Diagnostics
	}
	if opts.Now == nil {
		opts.Now = defaults.Now
	}

	h := &Hub{
		opts:       opts,
		transports: transports,
		runID:      uuid.NewString(),
		wake:       make(chan struct{}, 1),
		calls:      make(map[callKey]callEntry),
		finished:   make(map[member]bool),
	}
	h.log = logger.With().Str("component", "hub").Str("run_id", h.runID).Logger()

	h.system = newSystemSession(h)
	h.pending = append(h.pending, h.system)

	return h
}

// RunID identifies this hub instance in logs and status output.
func (h *Hub) RunID() string {
	return h.runID
}

// Signal asks the scheduler to rescan its session sets.
func (h *Hub) Signal() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// ExitCode is the process exit status requested through the system RPC
// surface. It defaults to zero.
func (h *Hub) ExitCode() int {
	return int(h.exitCode.Load())
}

// SetExitCode overrides the eventual exit status.
func (h *Hub) SetExitCode(code int) {
	h.exitCode.Store(int64(code))
}

// Subscribe registers mask for owner. Masks must match a topic in full.
func (h *Hub) Subscribe(mask string, owner member) (int, error) {
	// The mask must parse on its own; an unbalanced group could otherwise
	// close the anchoring group and leave an alternative unanchored.
	if _, err := regexp.Compile(mask); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPattern, err)
	}
	re, err := regexp.Compile(`^(?:` + mask + `)$`)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPattern, err)
	}

	h.mu.Lock()
	id := h.nextSubID
	h.nextSubID++
	h.subs = append(h.subs, subscription{id: id, mask: mask, re: re, owner: owner})
	h.mu.Unlock()

	h.log.Debug().Str("event", evSubscribe).Int("subid", id).Str("mask", mask).Str("agent", owner.Name()).Msg("subscribed")
	return id, nil
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs = slices.DeleteFunc(h.subs, func(s subscription) bool { return s.id == id })
}

// Push fans a message out to every subscription whose mask matches topic.
// With opts["check"] == "call" the push also takes part in RPC correlation:
// call topics must reach at least one subscriber and return topics close the
// matching call. A correlation error never prevents delivery to the
// subscribers that matched.
func (h *Hub) Push(topic string, payload any, opts map[string]any) error {
	check := ""
	if raw, ok := opts["check"]; ok && raw != nil {
		s, ok := raw.(string)
		if !ok {
			return fmt.Errorf("%w: check must be a string, got %T", ErrConfiguration, raw)
		}
		check = s
	}

	now := h.opts.Now()
	h.log.Debug().
		Str("event", evMessage).
		Str("topic", topic).
		Interface("payload", payload).
		Interface("opts", opts).
		Msg("push")
	metrics.MessagesPushed.Inc()

	h.mu.Lock()
	var targets []subscription
	for _, sub := range h.subs {
		if sub.re.MatchString(topic) {
			targets = append(targets, sub)
		}
	}
	h.mu.Unlock()

	// The call entry must exist before a subscriber can answer it.
	var corrErr error
	if check == "call" {
		corrErr = h.correlate(topic, opts, len(targets) > 0, now)
	} else if len(targets) == 0 {
		metrics.MessagesUnrouted.Inc()
		h.log.Debug().Str("event", evMessageUnrouted).Str("topic", topic).Msg("message matched no subscription")
	}

	expires := messaging.New(topic, payload, opts, now).ExpiresAt
	for _, sub := range targets {
		nopts := maps.Clone(opts)
		if nopts == nil {
			nopts = make(map[string]any, 1)
		}
		nopts["subid"] = sub.id
		h.deliver(sub, messaging.Message{Topic: topic, Payload: payload, Options: nopts, ExpiresAt: expires})
	}
	metrics.MessagesDelivered.Add(float64(len(targets)))

	return corrErr
}

func (h *Hub) deliver(sub subscription, msg messaging.Message) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().
				Str("event", evDeliverFailed).
				Int("subid", sub.id).
				Str("agent", sub.owner.Name()).
				Interface("panic", r).
				Msg("delivery failed")
		}
	}()
	sub.owner.deliver(msg)
}

func (h *Hub) correlate(topic string, opts map[string]any, matched bool, now time.Time) error {
	from, _ := opts["from"].(string)
	if from == "" {
		return fmt.Errorf("%w: call sender must be specified", ErrConfiguration)
	}
	key := callKey{from: from, reqid: fmt.Sprint(opts["reqid"])}

	switch {
	case strings.HasSuffix(topic, CallSuffix):
		if !matched {
			return fmt.Errorf("%w: %s", ErrRPCServerNotFound, topic)
		}
		h.mu.Lock()
		h.calls[key] = callEntry{prefix: strings.TrimSuffix(topic, CallSuffix), createdAt: now}
		pending := len(h.calls)
		h.mu.Unlock()

		metrics.IncRPC(metrics.RPCCall)
		metrics.PendingCalls.Set(float64(pending))

	case strings.HasSuffix(topic, ReturnSuffix):
		h.mu.Lock()
		_, ok := h.calls[key]
		delete(h.calls, key)
		pending := len(h.calls)
		h.mu.Unlock()

		metrics.PendingCalls.Set(float64(pending))
		if !ok {
			metrics.IncRPC(metrics.RPCOrphan)
			h.log.Debug().Str("event", evMessageNoRet).Str("topic", topic).Str("from", from).Str("reqid", key.reqid).Msg("return without pending call")
			return nil
		}
		metrics.IncRPC(metrics.RPCReturn)

	default:
		metrics.IncRPC(metrics.RPCBadCall)
		h.log.Debug().Str("event", evMessageBadCall).Str("topic", topic).Msg("call check on a topic without call or return suffix")
		return fmt.Errorf("%w: %s is neither a call nor a return topic", ErrRouting, topic)
	}

	return nil
}

// PendingCalls returns the number of calls waiting for a return.
func (h *Hub) PendingCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

// Spawn validates cfg, builds its transport and queues a new session for the
// scheduler. It returns the session name.
func (h *Hub) Spawn(cfg config.AgentConfig) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if h.transports == nil {
		return "", fmt.Errorf("%w: no transport factory", ErrConfiguration)
	}

	t, err := h.transports.New(cfg)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	s := h.Attach(cfg, t)
	h.log.Info().Str("event", evHubSpawn).Str("agent", s.Name()).Str("cmd", cfg.Cmd).Strs("args", cfg.Args).Msg("agent queued")
	return s.Name(), nil
}

// Attach queues a session running over an already built transport.
func (h *Hub) Attach(cfg config.AgentConfig, t transport.Transport) *Session {
	h.mu.Lock()
	name := cfg.Name
	if name == "" {
		name = fmt.Sprintf("agent%d", h.nameSeq)
		h.nameSeq++
	}
	s := newSession(h, name, cfg, t)
	h.pending = append(h.pending, s)
	h.mu.Unlock()

	h.Signal()
	return s
}

// AgentStatus is a point-in-time view of one session.
type AgentStatus struct {
	Name          string `json:"name"`
	Identity      string `json:"identity,omitempty"`
	State         string `json:"state"`
	Queued        int    `json:"queued"`
	Subscriptions int    `json:"subscriptions"`
}

// Map returns the status in its wire form.
func (a AgentStatus) Map() map[string]any {
	return map[string]any{
		"name":          a.Name,
		"identity":      a.Identity,
		"state":         a.State,
		"queued":        a.Queued,
		"subscriptions": a.Subscriptions,
	}
}

// Agents lists every session the hub knows about: pending, running, then
// stopped.
func (h *Hub) Agents() []AgentStatus {
	h.mu.Lock()
	members := make([]member, 0, len(h.pending)+len(h.running)+len(h.stopped))
	members = append(members, h.pending...)
	members = append(members, h.running...)
	members = append(members, h.stopped...)
	subs := make(map[member]int)
	for _, s := range h.subs {
		subs[s.owner]++
	}
	h.mu.Unlock()

	out := make([]AgentStatus, 0, len(members))
	for _, m := range members {
		out = append(out, AgentStatus{
			Name:          m.Name(),
			Identity:      m.Identity(),
			State:         m.State().String(),
			Queued:        m.queued(),
			Subscriptions: subs[m],
		})
	}
	return out
}

// pulse pushes the liveness message into every running session and, on every
// SweepEvery-th tick, removes expired messages from every queue.
func (h *Hub) pulse(tick int) {
	now := h.opts.Now()

	h.mu.Lock()
	members := append([]member(nil), h.running...)
	h.mu.Unlock()

	opts := map[string]any{"ttl": h.opts.PulseTTL.Seconds()}
	for _, m := range members {
		if m == member(h.system) {
			continue
		}
		m.deliver(messaging.New(PulseTopic, nil, maps.Clone(opts), now))
	}
	h.log.Debug().Str("event", evSystemPulse).Int("tick", tick).Int("agents", len(members)).Msg("pulse")

	if tick%h.opts.SweepEvery != 0 {
		return
	}

	removed := 0
	for _, m := range members {
		for _, msg := range m.expire(now) {
			removed++
			h.removed(m, msg)
		}
	}
	h.log.Debug().Str("event", evSystemSweep).Int("removed", removed).Msg("expiration sweep")
}

// removed reports an expired message. Pulses and loss notifications are not
// reported again.
func (h *Hub) removed(m member, msg messaging.Message) {
	metrics.MessagesExpired.Inc()
	h.log.Debug().
		Str("event", evMessageRemoved).
		Str("agent", m.Name()).
		Str("topic", msg.Topic).
		Interface("payload", msg.Payload).
		Interface("opts", msg.Options).
		Msg("message expired")

	if msg.Topic == PulseTopic || strings.HasPrefix(msg.Topic, MsgLostPrefix) {
		return
	}

	err := h.Push(MsgLostPrefix+m.Name(), map[string]any{
		"name":    msg.Topic,
		"msg":     msg.Payload,
		"opts":    msg.Options,
		"agentid": nullable(m.Identity()),
	}, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("topic", msg.Topic).Msg("report expired message")
	}
}

// nullable maps an empty identity to nil so it encodes as null.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

package hub

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/hay-kot/lrmq/internal/core/config"
	"github.com/hay-kot/lrmq/internal/core/messaging"
	"github.com/hay-kot/lrmq/internal/metrics"
)

// cmdError is the synthetic command the receiver substitutes for requests it
// could not decode.
const cmdError = "!"

type handler func(ctx context.Context, s *Session, req map[string]any, lost <-chan struct{}) (map[string]any, error)

var commands = map[string]handler{
	"ping":        cmdPing,
	"getid":       cmdGetID,
	"exit":        cmdExit,
	"sub":         cmdSub,
	"wait_msg":    cmdWaitMsg,
	"start_agent": cmdStartAgent,
	"push":        cmdPush,
}

// answer dispatches req and always produces a response. Handler errors and
// panics become error answers.
func (s *Session) answer(ctx context.Context, req map[string]any, lost <-chan struct{}) (ans map[string]any) {
	cmd, _ := req["cmd"].(string)
	label := cmd

	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("event", evAgentPanic).Str("cmd", cmd).Interface("panic", r).Msg("command panicked")
			ans = errorAnswer(fmt.Errorf("internal error: %v", r))
		}
		answer, _ := ans["answer"].(string)
		metrics.IncCommand(label, answer)
	}()

	if cmd == cmdError {
		ans = maps.Clone(req)
		delete(ans, "cmd")
		ans["answer"] = "error"
		return ans
	}

	h, ok := commands[cmd]
	if !ok {
		label = "unknown"
		return errorAnswer(fmt.Errorf("%w %q from %q", ErrUnknownCommand, cmd, s.Identity()))
	}

	res, err := h(ctx, s, req, lost)
	if err != nil {
		return errorAnswer(err)
	}
	return res
}

func errorAnswer(err error) map[string]any {
	return map[string]any{"answer": "error", "msg": err.Error()}
}

func cmdPing(_ context.Context, _ *Session, req map[string]any, _ <-chan struct{}) (map[string]any, error) {
	return map[string]any{"answer": "pong", "_req": req}, nil
}

func cmdGetID(_ context.Context, s *Session, req map[string]any, _ <-chan struct{}) (map[string]any, error) {
	ans := map[string]any{"answer": "ok", "agentid": nullable(s.Identity())}
	if truthy(req["cfg"]) {
		ans["cfg"] = s.cfg.Map()
	}
	return ans, nil
}

func cmdExit(_ context.Context, s *Session, _ map[string]any, _ <-chan struct{}) (map[string]any, error) {
	s.setState(StateExiting)
	return map[string]any{"answer": "ok", "msg": "bye!"}, nil
}

func cmdSub(_ context.Context, s *Session, req map[string]any, _ <-chan struct{}) (map[string]any, error) {
	mask, ok := req["mask"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: mask must be a string", ErrPattern)
	}

	id, err := s.hub.Subscribe(mask, s)
	if err != nil {
		return nil, err
	}
	s.addSub(id)

	return map[string]any{"answer": "ok", "subid": id}, nil
}

func cmdWaitMsg(ctx context.Context, s *Session, req map[string]any, lost <-chan struct{}) (map[string]any, error) {
	batch := s.waitMessages(ctx, truthy(req["block"]), lost)

	msgs := make([]any, len(batch))
	for i, m := range batch {
		msgs[i] = m.Tuple()
	}
	return map[string]any{"answer": "ok", "msgs": msgs, "empty": s.queue.Len() == 0}, nil
}

// waitMessages drains up to one batch. With block set and nothing queued it
// waits until a message arrives or the agent signals this request.
func (s *Session) waitMessages(ctx context.Context, block bool, lost <-chan struct{}) []messaging.Message {
	batch := s.queue.Drain(messaging.DefaultBatch)
	if len(batch) > 0 || !block {
		return batch
	}

	for {
		select {
		case <-s.wake:
			// A wake-up can be left over from a message drained earlier.
			if batch := s.queue.Drain(messaging.DefaultBatch); len(batch) > 0 {
				return batch
			}
		case <-s.poke:
			// Tokens for earlier requests are stale.
			if s.pokeFor.Load() == s.serving {
				return s.queue.Drain(messaging.DefaultBatch)
			}
		case <-lost:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func cmdStartAgent(_ context.Context, s *Session, req map[string]any, _ <-chan struct{}) (map[string]any, error) {
	cfg, err := config.ParseAgent(req["cfg"])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	name, err := s.hub.Spawn(cfg)
	if err != nil {
		return nil, err
	}
	return map[string]any{"answer": "ok", "name": name}, nil
}

func cmdPush(_ context.Context, s *Session, req map[string]any, _ <-chan struct{}) (map[string]any, error) {
	topic, ok := req["name"].(string)
	if !ok || topic == "" {
		return nil, fmt.Errorf("%w: push needs a topic name", ErrProtocol)
	}

	var opts map[string]any
	switch v := req["opts"].(type) {
	case nil:
	case map[string]any:
		opts = v
	default:
		return nil, fmt.Errorf("%w: opts must be a mapping", ErrProtocol)
	}

	if err := s.hub.Push(topic, req["msg"], opts); err != nil {
		return nil, err
	}
	return map[string]any{"answer": "ok"}, nil
}

// truthy follows the loose boolean rules agents expect: true, non-zero
// numbers and non-empty strings.
func truthy(v any) bool {
	switch b := v.(type) {
	case nil:
		return false
	case bool:
		return b
	case float64:
		return b != 0
	case int:
		return b != 0
	case int64:
		return b != 0
	case uint64:
		return b != 0
	case string:
		return b != ""
	default:
		return true
	}
}

// toInt converts a decoded numeric value to an int. Fractional numbers are
// rejected.
func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return int(n), nil
	default:
		return 0, errors.New("not a number")
	}
}

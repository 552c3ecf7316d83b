// Package agentio is a small synchronous client for the agent side of the
// hub's wire protocol.
package agentio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"

	"github.com/hay-kot/lrmq/internal/core/wire"
)

// ErrAnswer is wrapped by every error the hub reports in an answer.
var ErrAnswer = errors.New("hub answered with error")

// Message is one message handed out by wait_msg.
type Message struct {
	Topic   string
	Payload any
	Options map[string]any
}

// Client speaks to the hub over a negotiated codec. It is not safe for
// concurrent use.
type Client struct {
	r     *bufio.Reader
	w     *bufio.Writer
	codec wire.Codec

	nextID  int
	agentID string
	retSub  bool
	backlog []Message
}

// Connect reads the hub's codec proposal from r, answers on w with the first
// of prefer the hub offered (or the hub's first choice) and returns a client
// bound to that codec.
func Connect(r io.Reader, w io.Writer, prefer ...string) (*Client, error) {
	c := &Client{r: bufio.NewReader(r), w: bufio.NewWriter(w)}

	codec, err := wire.Select(c.r, c.w, wire.DefaultRegistry(), prefer...)
	if err != nil {
		return nil, fmt.Errorf("negotiate: %w", err)
	}
	c.codec = codec
	return c, nil
}

// Codec returns the negotiated codec label.
func (c *Client) Codec() string {
	return c.codec.Label()
}

// Request sends cmd with extra fields and returns the answer. Answers with
// "answer": "error" are returned as errors wrapping ErrAnswer.
func (c *Client) Request(cmd string, fields map[string]any) (map[string]any, error) {
	c.nextID++
	id := c.nextID

	req := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		req[k] = v
	}
	req["cmd"] = cmd
	req["id"] = id

	if err := c.Send(req); err != nil {
		return nil, err
	}

	v, err := c.codec.Decode(c.r)
	if err != nil {
		return nil, fmt.Errorf("read answer: %w", err)
	}
	ans, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("read answer: unexpected %T", v)
	}

	if got, ok := toInt(ans["id"]); !ok || got != id {
		return ans, fmt.Errorf("answer id %v does not match request id %d", ans["id"], id)
	}
	if ans["answer"] == "error" {
		return ans, fmt.Errorf("%w: %v", ErrAnswer, ans["msg"])
	}
	return ans, nil
}

// Send writes a raw value without waiting for an answer.
func (c *Client) Send(v any) error {
	if err := c.codec.Encode(c.w, v); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	if err := c.w.Flush(); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// Signal wakes the agent's own blocked wait_msg. No answer is sent back.
func (c *Client) Signal() error {
	return c.Send("-")
}

// Ping checks the hub is answering.
func (c *Client) Ping() error {
	ans, err := c.Request("ping", nil)
	if err != nil {
		return err
	}
	if ans["answer"] != "pong" {
		return fmt.Errorf("ping: unexpected answer %v", ans["answer"])
	}
	return nil
}

// GetID returns the agent's identity as the hub sees it and, when withCfg is
// set, its launch configuration.
func (c *Client) GetID(withCfg bool) (string, map[string]any, error) {
	fields := map[string]any{}
	if withCfg {
		fields["cfg"] = true
	}
	ans, err := c.Request("getid", fields)
	if err != nil {
		return "", nil, err
	}
	id, _ := ans["agentid"].(string)
	c.agentID = id
	cfg, _ := ans["cfg"].(map[string]any)
	return id, cfg, nil
}

// Subscribe registers a mask and returns the subscription id.
func (c *Client) Subscribe(mask string) (int, error) {
	ans, err := c.Request("sub", map[string]any{"mask": mask})
	if err != nil {
		return 0, err
	}
	id, ok := toInt(ans["subid"])
	if !ok {
		return 0, fmt.Errorf("sub: bad subid %v", ans["subid"])
	}
	return id, nil
}

// Push publishes a message.
func (c *Client) Push(topic string, payload any, opts map[string]any) error {
	fields := map[string]any{"name": topic, "msg": payload}
	if opts != nil {
		fields["opts"] = opts
	}
	_, err := c.Request("push", fields)
	return err
}

// WaitMsg fetches the next batch of messages. With block set it waits for at
// least one delivery or a signal. empty reports whether the hub-side queue
// was drained.
func (c *Client) WaitMsg(block bool) (msgs []Message, empty bool, err error) {
	if len(c.backlog) > 0 {
		msgs, c.backlog = c.backlog, nil
		return msgs, false, nil
	}

	ans, err := c.Request("wait_msg", map[string]any{"block": block})
	if err != nil {
		return nil, false, err
	}

	raw, _ := ans["msgs"].([]any)
	for _, item := range raw {
		tuple, ok := item.([]any)
		if !ok || len(tuple) != 3 {
			return nil, false, fmt.Errorf("wait_msg: bad message %v", item)
		}
		topic, _ := tuple[0].(string)
		opts, _ := tuple[2].(map[string]any)
		msgs = append(msgs, Message{Topic: topic, Payload: tuple[1], Options: opts})
	}
	empty, _ = ans["empty"].(bool)
	return msgs, empty, nil
}

// StartAgent asks the hub to launch another agent. cfg is a descriptor
// mapping or a path to a descriptor file.
func (c *Client) StartAgent(cfg any) (string, error) {
	ans, err := c.Request("start_agent", map[string]any{"cfg": cfg})
	if err != nil {
		return "", err
	}
	name, _ := ans["name"].(string)
	return name, nil
}

// Exit ends the session.
func (c *Client) Exit() error {
	_, err := c.Request("exit", nil)
	return err
}

// Call invokes fn on the hub's system RPC surface and waits for the return.
// Messages that arrive while waiting are kept for the next WaitMsg.
func (c *Client) Call(fn string, args any) (any, error) {
	if c.agentID == "" {
		if _, _, err := c.GetID(false); err != nil {
			return nil, err
		}
	}
	retTopic := c.agentID + "/ret"
	if !c.retSub {
		if _, err := c.Subscribe(regexp.QuoteMeta(retTopic)); err != nil {
			return nil, err
		}
		c.retSub = true
	}

	c.nextID++
	reqid := c.nextID
	payload := map[string]any{"fn": fn, "args": args, "reqid": reqid, "from": c.agentID}
	opts := map[string]any{"check": "call", "from": c.agentID, "reqid": reqid}
	if err := c.Push("system/call", payload, opts); err != nil {
		return nil, err
	}

	for {
		ans, err := c.Request("wait_msg", map[string]any{"block": true})
		if err != nil {
			return nil, err
		}

		var (
			found   bool
			ret     any
			callErr error
		)
		raw, _ := ans["msgs"].([]any)
		for _, item := range raw {
			tuple, ok := item.([]any)
			if !ok || len(tuple) != 3 {
				continue
			}
			topic, _ := tuple[0].(string)
			body, _ := tuple[1].(map[string]any)
			if !found && topic == retTopic && body != nil {
				if got, ok := toInt(body["reqid"]); ok && got == reqid {
					found = true
					if body["answer"] == "error" {
						callErr = fmt.Errorf("%w: %v", ErrAnswer, body["msg"])
					}
					ret = body["ret"]
					continue
				}
			}
			opts, _ := tuple[2].(map[string]any)
			c.backlog = append(c.backlog, Message{Topic: topic, Payload: tuple[1], Options: opts})
		}

		if found {
			return ret, callErr
		}
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

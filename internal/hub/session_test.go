package hub

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hay-kot/lrmq/internal/core/config"
	"github.com/hay-kot/lrmq/internal/core/wire"
	"github.com/hay-kot/lrmq/internal/transport"
	"github.com/hay-kot/lrmq/pkg/agentio"
	"github.com/hay-kot/lrmq/pkg/executil"
)

const testTimeout = 5 * time.Second

type runResult struct {
	code int
	err  error
}

func agentCfg(name string) config.AgentConfig {
	return config.AgentConfig{Name: name, Type: "pipe"}
}

// attach queues a pipe-backed session and returns the agent's end.
func attach(t *testing.T, h *Hub, cfg config.AgentConfig) (*Session, net.Conn) {
	t.Helper()

	tr, conn := transport.NewPipe(cfg.Name)
	require.NoError(t, conn.SetDeadline(time.Now().Add(testTimeout)))
	t.Cleanup(func() { _ = conn.Close() })

	return h.Attach(cfg, tr), conn
}

func connect(t *testing.T, conn net.Conn, prefer ...string) *agentio.Client {
	t.Helper()

	c, err := agentio.Connect(conn, conn, prefer...)
	require.NoError(t, err)
	return c
}

func runHub(t *testing.T, h *Hub) <-chan runResult {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan runResult, 1)
	go func() {
		code, err := h.Run(ctx)
		done <- runResult{code: code, err: err}
	}()
	return done
}

func waitRun(t *testing.T, done <-chan runResult) runResult {
	t.Helper()

	select {
	case res := <-done:
		return res
	case <-time.After(testTimeout):
		t.Fatal("hub did not finish")
		return runResult{}
	}
}

// collect reads messages until one arrives on topic and returns every topic
// seen on the way, pulses excluded.
func collect(t *testing.T, c *agentio.Client, until string) ([]string, []agentio.Message) {
	t.Helper()

	var (
		topics []string
		msgs   []agentio.Message
	)
	for !slices.Contains(topics, until) {
		batch, _, err := c.WaitMsg(true)
		require.NoError(t, err)
		for _, m := range batch {
			if m.Topic == PulseTopic {
				continue
			}
			topics = append(topics, m.Topic)
			msgs = append(msgs, m)
		}
	}
	return topics, msgs
}

func TestSession_PublishSubscribe(t *testing.T) {
	h, _ := newTestHub(t)
	_, connA := attach(t, h, agentCfg("a"))
	_, connB := attach(t, h, agentCfg("b"))
	done := runHub(t, h)

	a := connect(t, connA)
	b := connect(t, connB, "jnl")
	assert.Equal(t, "4bj", a.Codec())
	assert.Equal(t, "jnl", b.Codec())

	subid, err := a.Subscribe("demo/.*")
	require.NoError(t, err)

	require.NoError(t, b.Push("demo/hello", map[string]any{"x": 1}, nil))
	require.NoError(t, b.Push("other/hello", "ignored", nil))

	msgs, empty, err := a.WaitMsg(true)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "demo/hello", msgs[0].Topic)
	assert.Equal(t, map[string]any{"x": float64(1)}, msgs[0].Payload)
	assert.Equal(t, map[string]any{"subid": float64(subid)}, msgs[0].Options)
	assert.True(t, empty)

	msgs, empty, err = a.WaitMsg(false)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.True(t, empty)

	require.NoError(t, a.Exit())
	require.NoError(t, b.Exit())

	res := waitRun(t, done)
	require.NoError(t, res.err)
	assert.Equal(t, 0, res.code)
}

func TestSession_CBORCodec(t *testing.T) {
	h, _ := newTestHub(t)
	_, conn := attach(t, h, agentCfg("a"))
	done := runHub(t, h)

	c := connect(t, conn, "4bc")
	assert.Equal(t, "4bc", c.Codec())

	_, err := c.Subscribe("self")
	require.NoError(t, err)
	require.NoError(t, c.Push("self", []any{"a", uint64(2)}, map[string]any{"ttl": 60}))

	msgs, _, err := c.WaitMsg(true)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []any{"a", uint64(2)}, msgs[0].Payload)

	require.NoError(t, c.Exit())
	require.NoError(t, waitRun(t, done).err)
}

func TestSession_BatchesMessages(t *testing.T) {
	h, _ := newTestHub(t)
	_, conn := attach(t, h, agentCfg("a"))
	done := runHub(t, h)

	c := connect(t, conn)
	_, err := c.Subscribe("n/.*")
	require.NoError(t, err)

	for i := range 12 {
		require.NoError(t, c.Push("n/"+string(rune('a'+i)), i, nil))
	}

	first, empty, err := c.WaitMsg(false)
	require.NoError(t, err)
	assert.Len(t, first, 10)
	assert.False(t, empty)
	assert.Equal(t, "n/a", first[0].Topic)

	rest, empty, err := c.WaitMsg(false)
	require.NoError(t, err)
	assert.Len(t, rest, 2)
	assert.True(t, empty)
	assert.Equal(t, "n/l", rest[1].Topic)

	require.NoError(t, c.Exit())
	waitRun(t, done)
}

func TestSession_ExitClosesStream(t *testing.T) {
	h, _ := newTestHub(t)
	s, conn := attach(t, h, agentCfg("a"))
	done := runHub(t, h)

	c := connect(t, conn)
	require.NoError(t, c.Exit())

	buf := make([]byte, 1)
	_, err := conn.Read(buf)
	require.ErrorIs(t, err, io.EOF)

	waitRun(t, done)
	assert.Equal(t, StateStopped, s.State())
}

func TestSession_Commands(t *testing.T) {
	h, _ := newTestHub(t)
	_, conn := attach(t, h, agentCfg("a"))
	done := runHub(t, h)

	c := connect(t, conn)

	t.Run("unknown command", func(t *testing.T) {
		_, err := c.Request("bogus", nil)
		require.ErrorIs(t, err, agentio.ErrAnswer)
		assert.Contains(t, err.Error(), "unknown command")
	})

	t.Run("ping echoes request", func(t *testing.T) {
		ans, err := c.Request("ping", map[string]any{"extra": "x"})
		require.NoError(t, err)
		assert.Equal(t, "pong", ans["answer"])
		req, ok := ans["_req"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "x", req["extra"])
	})

	t.Run("getid", func(t *testing.T) {
		id, cfg, err := c.GetID(false)
		require.NoError(t, err)
		assert.Equal(t, "pipe-a", id)
		assert.Nil(t, cfg)
	})

	t.Run("getid with config", func(t *testing.T) {
		_, cfg, err := c.GetID(true)
		require.NoError(t, err)
		assert.Equal(t, "a", cfg["name"])
		assert.Equal(t, "pipe", cfg["type"])
	})

	t.Run("invalid mask", func(t *testing.T) {
		_, err := c.Subscribe("demo/(")
		require.ErrorIs(t, err, agentio.ErrAnswer)
		assert.Contains(t, err.Error(), "invalid pattern")
	})

	t.Run("push without topic", func(t *testing.T) {
		_, err := c.Request("push", map[string]any{"msg": 1})
		require.ErrorIs(t, err, agentio.ErrAnswer)
	})

	t.Run("push with bad opts", func(t *testing.T) {
		_, err := c.Request("push", map[string]any{"name": "t", "opts": "x"})
		require.ErrorIs(t, err, agentio.ErrAnswer)
	})

	t.Run("call without server", func(t *testing.T) {
		err := c.Push("svc/call", nil, map[string]any{"check": "call", "from": "pipe-a"})
		require.ErrorIs(t, err, agentio.ErrAnswer)
		assert.Contains(t, err.Error(), "rpc server not found")
	})

	t.Run("still running", func(t *testing.T) {
		require.NoError(t, c.Ping())
	})

	require.NoError(t, c.Exit())
	waitRun(t, done)
}

func TestSession_RawProtocol(t *testing.T) {
	h, _ := newTestHub(t)
	_, conn := attach(t, h, agentCfg("a"))
	done := runHub(t, h)

	r := bufio.NewReader(conn)
	codec, err := wire.Select(r, conn, wire.DefaultRegistry(), "4bj")
	require.NoError(t, err)

	read := func() map[string]any {
		v, err := codec.Decode(r)
		require.NoError(t, err)
		ans, ok := v.(map[string]any)
		require.True(t, ok, "answer is %T", v)
		return ans
	}

	t.Run("malformed frame", func(t *testing.T) {
		body := []byte("{bad")
		hdr := make([]byte, 4)
		binary.BigEndian.PutUint32(hdr, uint32(len(body)))
		_, err := conn.Write(append(hdr, body...))
		require.NoError(t, err)

		ans := read()
		assert.Equal(t, "error", ans["answer"])
		assert.NotEmpty(t, ans["msg"])
		assert.NotContains(t, ans, "cmd")
	})

	t.Run("request is not a mapping", func(t *testing.T) {
		require.NoError(t, codec.Encode(conn, []any{"ping"}))
		ans := read()
		assert.Equal(t, "error", ans["answer"])
		assert.Contains(t, ans["msg"], "bad command request")
	})

	t.Run("command is not a string", func(t *testing.T) {
		require.NoError(t, codec.Encode(conn, map[string]any{"cmd": 5}))
		ans := read()
		assert.Equal(t, "error", ans["answer"])
	})

	t.Run("id is echoed", func(t *testing.T) {
		require.NoError(t, codec.Encode(conn, map[string]any{"cmd": "ping", "id": "abc"}))
		ans := read()
		assert.Equal(t, "pong", ans["answer"])
		assert.Equal(t, "abc", ans["id"])
	})

	t.Run("signal wakes blocked wait", func(t *testing.T) {
		require.NoError(t, codec.Encode(conn, map[string]any{"cmd": "wait_msg", "block": true, "id": 1}))
		require.NoError(t, codec.Encode(conn, "-"))

		ans := read()
		assert.Equal(t, "ok", ans["answer"])
		assert.Equal(t, float64(1), ans["id"])
		assert.Empty(t, ans["msgs"])
		assert.Equal(t, true, ans["empty"])
	})

	t.Run("signal without waiting request is dropped", func(t *testing.T) {
		require.NoError(t, codec.Encode(conn, map[string]any{"cmd": "sub", "mask": "raw/late", "id": 2}))
		assert.Equal(t, "ok", read()["answer"])

		require.NoError(t, codec.Encode(conn, "-"))
		require.NoError(t, codec.Encode(conn, map[string]any{"cmd": "wait_msg", "block": true, "id": 3}))

		// Give a wrongly woken wait the chance to answer empty first.
		time.Sleep(50 * time.Millisecond)
		require.NoError(t, h.Push("raw/late", "x", nil))

		ans := read()
		assert.Equal(t, float64(3), ans["id"])
		msgs, ok := ans["msgs"].([]any)
		require.True(t, ok)
		require.Len(t, msgs, 1)
		assert.Equal(t, "raw/late", msgs[0].([]any)[0])
		assert.Equal(t, "x", msgs[0].([]any)[1])
	})

	require.NoError(t, codec.Encode(conn, map[string]any{"cmd": "exit"}))
	assert.Equal(t, "bye!", read()["msg"])
	waitRun(t, done)
}

func TestSession_LifecycleEvents(t *testing.T) {
	h, _ := newTestHub(t)
	_, connW := attach(t, h, agentCfg("watcher"))
	done := runHub(t, h)

	w := connect(t, connW)
	_, err := w.Subscribe("system/.*_agent/d|demo/d-up")
	require.NoError(t, err)

	cfg := agentCfg("d")
	cfg.Events = map[string]string{"new": "demo/d-up"}
	_, connD := attach(t, h, cfg)

	d := connect(t, connD)
	require.NoError(t, d.Exit())

	topics, msgs := collect(t, w, LifecycleTopic(EventExit, "d"))
	assert.Equal(t, []string{
		"system/prepare_agent/d",
		"system/new_agent/d",
		"demo/d-up",
		"system/exit_agent/d",
	}, topics)

	assert.Equal(t, map[string]any{"agentid": nil}, msgs[0].Payload)
	assert.Equal(t, map[string]any{"agentid": "pipe-d"}, msgs[1].Payload)
	assert.Equal(t, map[string]any{"agentid": "pipe-d", "name": "d", "event": "new"}, msgs[2].Payload)

	require.NoError(t, w.Exit())
	waitRun(t, done)
}

func TestSession_LostBeforeNegotiation(t *testing.T) {
	tests := []struct {
		name      string
		peer      func(t *testing.T, conn net.Conn)
		wantStray string
	}{
		{
			name: "peer closes",
			peer: func(t *testing.T, conn net.Conn) {
				require.NoError(t, conn.Close())
			},
		},
		{
			name: "empty selection then output",
			peer: func(t *testing.T, conn net.Conn) {
				_, err := io.WriteString(conn, "\n")
				require.NoError(t, err)
				_, err = io.WriteString(conn, "stray output\n")
				require.NoError(t, err)
				require.NoError(t, conn.Close())
			},
			wantStray: "stray output\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diag := &lockedBuffer{}
			h, _ := newTestHub(t, func(o *Options) { o.Diagnostics = diag })
			_, connW := attach(t, h, agentCfg("watcher"))
			done := runHub(t, h)

			w := connect(t, connW)
			_, err := w.Subscribe("system/.*_agent/l")
			require.NoError(t, err)

			s, connL := attach(t, h, agentCfg("l"))
			proposal, err := bufio.NewReader(connL).ReadString('\n')
			require.NoError(t, err)
			assert.Equal(t, "4bj|4bc|jnl\n", proposal)

			tt.peer(t, connL)

			topics, _ := collect(t, w, LifecycleTopic(EventExit, "l"))
			assert.Equal(t, []string{
				"system/prepare_agent/l",
				"system/new_agent/l",
				"system/lost_agent/l",
				"system/exit_agent/l",
			}, topics)

			require.NoError(t, w.Exit())
			waitRun(t, done)

			assert.Equal(t, StateStopped, s.State())
			assert.Equal(t, tt.wantStray, diag.String())
		})
	}
}

func TestSession_UnknownCodecIsError(t *testing.T) {
	h, _ := newTestHub(t)
	_, connW := attach(t, h, agentCfg("watcher"))
	done := runHub(t, h)

	w := connect(t, connW)
	_, err := w.Subscribe("system/.*_agent/x")
	require.NoError(t, err)

	_, conn := attach(t, h, agentCfg("x"))
	r := bufio.NewReader(conn)
	_, err = r.ReadString('\n')
	require.NoError(t, err)
	_, err = io.WriteString(conn, "xml\n")
	require.NoError(t, err)

	topics, _ := collect(t, w, LifecycleTopic(EventError, "x"))
	assert.Equal(t, []string{
		"system/prepare_agent/x",
		"system/new_agent/x",
		"system/error_agent/x",
	}, topics)

	require.NoError(t, w.Exit())
	waitRun(t, done)
}

func TestSession_StartAgent(t *testing.T) {
	h, exec := newTestHub(t)

	ids := make(chan string, 1)
	exec.Handlers = map[string]executil.Handler{
		"child": func(stdin io.Reader, stdout io.Writer) error {
			c, err := agentio.Connect(stdin, stdout, "jnl")
			if err != nil {
				return err
			}
			id, _, err := c.GetID(false)
			if err != nil {
				return err
			}
			ids <- id
			return c.Exit()
		},
	}

	_, conn := attach(t, h, agentCfg("parent"))
	done := runHub(t, h)
	p := connect(t, conn)

	t.Run("invalid descriptor", func(t *testing.T) {
		_, err := p.StartAgent(42)
		require.ErrorIs(t, err, agentio.ErrAnswer)

		_, err = p.StartAgent(map[string]any{"type": "socket", "cmd": "x"})
		require.ErrorIs(t, err, agentio.ErrAnswer)
	})

	name, err := p.StartAgent(map[string]any{
		"type": "stdio",
		"cmd":  "child",
		"args": []any{"--fast"},
		"name": "kid",
	})
	require.NoError(t, err)
	assert.Equal(t, "kid", name)

	select {
	case id := <-ids:
		assert.Equal(t, "stdio-1001-child", id)
	case <-time.After(testTimeout):
		t.Fatal("child never connected")
	}

	require.Equal(t, []executil.RecordedCommand{{Cmd: "child", Args: []string{"--fast"}}}, exec.Started())

	require.NoError(t, p.Exit())
	require.NoError(t, waitRun(t, done).err)

	for _, a := range h.Agents() {
		if a.Name == "kid" {
			assert.Equal(t, "stdio-<lost>-child", a.Identity)
			assert.Equal(t, StateStopped.String(), a.State)
		}
	}
}

package agentio

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hay-kot/lrmq/internal/core/wire"
)

// scriptedHub plays the hub end: it proposes the default codecs and answers
// each request with reply.
func scriptedHub(t *testing.T, reply func(req map[string]any) any) net.Conn {
	t.Helper()

	hubSide, agentSide := net.Pipe()
	_ = hubSide.SetDeadline(time.Now().Add(5 * time.Second))
	_ = agentSide.SetDeadline(time.Now().Add(5 * time.Second))
	t.Cleanup(func() {
		_ = hubSide.Close()
		_ = agentSide.Close()
	})

	go func() {
		r := bufio.NewReader(hubSide)
		w := bufio.NewWriter(hubSide)

		codec, err := wire.Negotiate(r, w, wire.DefaultRegistry())
		if err != nil {
			return
		}
		for {
			v, err := codec.Decode(r)
			if err != nil {
				return
			}
			req, _ := v.(map[string]any)
			if err := codec.Encode(w, reply(req)); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	}()

	return agentSide
}

func echoID(req map[string]any, fields map[string]any) map[string]any {
	ans := map[string]any{"id": req["id"]}
	for k, v := range fields {
		ans[k] = v
	}
	return ans
}

func TestConnect_PrefersOfferedCodec(t *testing.T) {
	tests := []struct {
		name   string
		prefer []string
		want   string
	}{
		{name: "hub first choice", want: "4bj"},
		{name: "preferred", prefer: []string{"jnl"}, want: "jnl"},
		{name: "skips unknown preference", prefer: []string{"xml", "4bc"}, want: "4bc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := scriptedHub(t, func(req map[string]any) any {
				return echoID(req, map[string]any{"answer": "pong"})
			})

			c, err := Connect(conn, conn, tt.prefer...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Codec())
			require.NoError(t, c.Ping())
		})
	}
}

func TestConnect_NothingOffered(t *testing.T) {
	conn := scriptedHub(t, func(map[string]any) any { return nil })

	_, err := Connect(conn, conn, "xml")
	require.ErrorIs(t, err, wire.ErrUnknownCodec)
}

func TestRequest_Answers(t *testing.T) {
	tests := []struct {
		name    string
		reply   func(req map[string]any) any
		wantErr error
		errText string
	}{
		{
			name:  "ok",
			reply: func(req map[string]any) any { return echoID(req, map[string]any{"answer": "ok"}) },
		},
		{
			name: "error answer",
			reply: func(req map[string]any) any {
				return echoID(req, map[string]any{"answer": "error", "msg": "boom"})
			},
			wantErr: ErrAnswer,
			errText: "boom",
		},
		{
			name: "mismatched id",
			reply: func(map[string]any) any {
				return map[string]any{"answer": "ok", "id": 99}
			},
			errText: "does not match",
		},
		{
			name:    "not a mapping",
			reply:   func(map[string]any) any { return "hello" },
			errText: "unexpected string",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := scriptedHub(t, tt.reply)
			c, err := Connect(conn, conn)
			require.NoError(t, err)

			_, err = c.Request("noop", nil)
			if tt.errText == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			}
			assert.Contains(t, err.Error(), tt.errText)
		})
	}
}

func TestWaitMsg_ParsesTuples(t *testing.T) {
	conn := scriptedHub(t, func(req map[string]any) any {
		return echoID(req, map[string]any{
			"answer": "ok",
			"empty":  true,
			"msgs": []any{
				[]any{"demo/hello", map[string]any{"x": 1}, map[string]any{"subid": 4}},
			},
		})
	})

	c, err := Connect(conn, conn)
	require.NoError(t, err)

	msgs, empty, err := c.WaitMsg(false)
	require.NoError(t, err)
	assert.True(t, empty)
	require.Len(t, msgs, 1)
	assert.Equal(t, "demo/hello", msgs[0].Topic)
	assert.Equal(t, map[string]any{"x": float64(1)}, msgs[0].Payload)
	assert.Equal(t, float64(4), msgs[0].Options["subid"])
}

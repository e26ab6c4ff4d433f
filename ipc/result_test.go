package ipc

import (
	"encoding/json"
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, r Result) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(r.String()), &out))
	return out
}

func TestDataResultEnvelope(t *testing.T) {
	msg := ParseMessage("ipc://ping?seq=7&value=1", true)
	r := DataResult(&msg, msg.Value)

	out := decode(t, r)
	require.Equal(t, "7", out["seq"])
	require.Equal(t, "1", out["data"])
	require.Equal(t, "ping", out["source"])
	require.Nil(t, out["token"])
	require.Equal(t, strconv.FormatUint(r.ID, 10), out["id"])
	require.NotContains(t, out, "err")
}

func TestResultToken(t *testing.T) {
	msg := ParseMessage("ipc://ping?seq=1&ipc-token=secret", true)
	out := decode(t, DataResult(&msg, "pong"))
	require.Equal(t, "secret", out["token"])
}

func TestErrResultShapes(t *testing.T) {
	msg := ParseMessage("ipc://fs.stat?seq=2", true)

	out := decode(t, ErrResult(&msg, "boom"))
	require.Equal(t, map[string]any{"message": "boom"}, out["err"])
	require.NotContains(t, out, "data")

	out = decode(t, ErrResult(&msg, NewError(NotFoundError, "missing")))
	require.Equal(t, map[string]any{"type": NotFoundError, "message": "missing"}, out["err"])

	out = decode(t, ErrResult(&msg, errors.New("wrapped")))
	require.Equal(t, "wrapped", out["err"].(map[string]any)["message"])

	out = decode(t, ErrResult(&msg, ValidateParams(&msg, "path")))
	require.Equal(t, TypeError, out["err"].(map[string]any)["type"])
}

func TestResultPromotesNestedIdentity(t *testing.T) {
	msg := ParseMessage("ipc://child_process.spawn?seq=3", true)
	r := DataResult(&msg, map[string]any{"id": "99", "source": "child_process.exec", "pid": 12})

	out := decode(t, r)
	require.Equal(t, "99", out["id"])
	require.Equal(t, "child_process.exec", out["source"])
	require.Nil(t, out["token"])
}

func TestValueResult(t *testing.T) {
	msg := ParseMessage("ipc://forward?seq=4&ipc-token=tok", true)

	r := NewResult(&msg, map[string]any{"source": "other", "data": 1, "id": "1"})
	out := decode(t, r)
	require.Equal(t, "forward", out["source"], "enveloped values are re-stamped")
	require.Equal(t, "tok", out["token"])
	require.Equal(t, strconv.FormatUint(r.ID, 10), out["id"])

	r = NewResult(&msg, map[string]any{"plain": true})
	require.Equal(t, `{"plain":true}`, r.String())

	r = NewResult(&msg, "text")
	require.Equal(t, `"text"`, r.String())
}

func TestPostResult(t *testing.T) {
	msg := ParseMessage("ipc://fs.read?seq=5&runtime-worker-id=w1", true)
	post := &Post{ID: 1, Body: []byte("bytes"), Headers: map[string][]string{"Content-Type": {"application/octet-stream"}}}
	r := NewPostResult(&msg, nil, post)

	require.Same(t, post, r.Post)
	require.Equal(t, "w1", post.WorkerID)
	require.Equal(t, "application/octet-stream", r.Headers.Get("Content-Type"))
}

func TestRand64NonZero(t *testing.T) {
	seen := map[uint64]bool{}
	for i := 0; i < 1000; i++ {
		n := Rand64()
		require.NotZero(t, n)
		require.False(t, seen[n])
		seen[n] = true
	}
}

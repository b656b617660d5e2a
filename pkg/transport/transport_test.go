package transport

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFramingRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	frames := [][]byte{[]byte("1.4.0"), []byte("START_STREAM"), []byte(`[["h",6000,1]]`)}

	require.NoError(t, WriteFrames(&buf, frames))

	got, err := ReadFrames(&buf)
	require.NoError(t, err)
	require.Equal(t, frames, got)
}

func TestReplyServerEchoesSignal(t *testing.T) {
	srv, err := ListenReply("127.0.0.1:0", func(frames [][]byte) [][]byte {
		return [][]byte{frames[1]}
	})
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	reply, err := Call(ctx, srv.Addr(), [][]byte{[]byte("1.4.0"), []byte("GET_VERSION"), []byte("[]")})
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("GET_VERSION")}, reply)
}

func TestPushPullDeliversInOrder(t *testing.T) {
	received := make(chan []byte, 10)
	srv, err := ListenPull("127.0.0.1:0", func(frames [][]byte) {
		received <- frames[0]
	})
	require.NoError(t, err)
	defer srv.Close()

	client, err := DialPush(srv.Addr())
	require.NoError(t, err)
	defer client.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, client.Send([][]byte{[]byte{byte(i)}}))
	}

	for i := 0; i < 3; i++ {
		select {
		case got := <-received:
			require.Equal(t, []byte{byte(i)}, got)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for message")
		}
	}
}

func TestPubSubBroadcast(t *testing.T) {
	pub, err := ListenPub("127.0.0.1:0")
	require.NoError(t, err)
	defer pub.Close()

	received := make(chan []byte, 1)
	sub, err := DialSub(pub.Addr(), func(frames [][]byte) {
		received <- frames[0]
	})
	require.NoError(t, err)
	defer sub.Close()

	// Give the subscriber a moment to be registered by the accept loop.
	time.Sleep(50 * time.Millisecond)
	pub.Publish([][]byte{[]byte("sub/dir/file.cbf")})

	select {
	case got := <-received:
		require.Equal(t, []byte("sub/dir/file.cbf"), got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

package courier

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConnEntry_Pause(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	entry := newConnEntry(client, false)
	entry.pause(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, entry.write(ctx, []byte("x")), context.DeadlineExceeded)

	t.Run("writes resume once the pause is over", func(t *testing.T) {
		entry.pause(50 * time.Millisecond)

		read := make(chan []byte, 1)
		go func() {
			buf := make([]byte, 1)
			if _, err := io.ReadFull(server, buf); err == nil {
				read <- buf
			}
		}()

		start := time.Now()
		require.NoError(t, entry.write(context.Background(), []byte("y")))
		require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
		require.Equal(t, []byte("y"), <-read)
	})
}

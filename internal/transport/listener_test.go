package transport

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenerAcceptAndExchange(t *testing.T) {
	t.Parallel()

	ln, err := ListenTCP(0, nil)
	if err != nil {
		t.Skipf("dual-stack listener unavailable: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan *TCP, 1)
	go func() {
		c, err := ln.Accept(ctx)
		if err == nil {
			accepted <- c
		}
		close(accepted)
	}()

	addr := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), ln.Addr().Port())
	client, err := DialTCP(ctx, addr, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	server := <-accepted
	require.NotNil(t, server)
	t.Cleanup(func() { server.Close() })

	require.NoError(t, client.Send([][]byte{[]byte("ping")}))
	require.NoError(t, server.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		p, err := server.ReceiveRaw()
		require.NoError(t, err)
		if !p.Empty() {
			assert.Equal(t, "ping", string(p.Bytes()))
			break
		}
	}
}

func TestListenerAcceptCancelled(t *testing.T) {
	t.Parallel()

	ln, err := ListenTCP(0, nil)
	if err != nil {
		t.Skipf("dual-stack listener unavailable: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ln.Accept(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

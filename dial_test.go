package wsclient

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listenLoopback(t *testing.T) (net.Listener, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	_, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	return ln, port
}

func TestHappyEyeballsFirstSucceeds(t *testing.T) {
	ln, port := listenLoopback(t)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	addrs := []net.IPAddr{{IP: net.ParseIP("127.0.0.1")}}
	conn, err := happyEyeballsDial(context.Background(), addrs, port, DualStackBoth, time.Second, 50*time.Millisecond)
	require.NoError(t, err)
	conn.Close()
}

func TestHappyEyeballsSecondWinsWhenFirstUnreachable(t *testing.T) {
	ln, port := listenLoopback(t)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	// 192.0.2.1 is TEST-NET-1 (RFC 5737): guaranteed unreachable/non-routed.
	addrs := []net.IPAddr{
		{IP: net.ParseIP("192.0.2.1")},
		{IP: net.ParseIP("127.0.0.1")},
	}
	conn, err := happyEyeballsDial(context.Background(), addrs, port, DualStackBoth, 300*time.Millisecond, 20*time.Millisecond)
	require.NoError(t, err)
	conn.Close()
}

func TestHappyEyeballsEmptyAddressList(t *testing.T) {
	_, err := happyEyeballsDial(context.Background(), nil, "80", DualStackBoth, time.Second, time.Millisecond)
	require.Error(t, err)
	var wsErr *WSError
	require.ErrorAs(t, err, &wsErr)
	assert.Equal(t, CodeSocketConnectError, wsErr.Code)
}

func TestHappyEyeballsAllFail(t *testing.T) {
	addrs := []net.IPAddr{{IP: net.ParseIP("192.0.2.1")}, {IP: net.ParseIP("192.0.2.2")}}
	_, err := happyEyeballsDial(context.Background(), addrs, "1", DualStackBoth, 100*time.Millisecond, 10*time.Millisecond)
	require.Error(t, err)
	var wsErr *WSError
	require.ErrorAs(t, err, &wsErr)
	assert.Equal(t, CodeSocketConnectError, wsErr.Code)
}

func TestFilterAddrsDualStackMode(t *testing.T) {
	addrs := []net.IPAddr{
		{IP: net.ParseIP("127.0.0.1")},
		{IP: net.ParseIP("::1")},
	}
	assert.Len(t, filterAddrs(addrs, DualStackBoth), 2)
	assert.Len(t, filterAddrs(addrs, DualStackIPv4Only), 1)
	assert.Len(t, filterAddrs(addrs, DualStackIPv6Only), 1)
}

package mailtest

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloseStopsAccepting(t *testing.T) {
	srv, err := NewServer()
	require.NoError(t, err)
	addr := net.JoinHostPort(srv.Host, strconv.Itoa(srv.Port))

	// 立即关闭，此时 Serve 可能还没登记监听器
	require.NoError(t, srv.Close())

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err == nil {
		conn.Close()
	}
	assert.Error(t, err)
}

func TestCloseTwice(t *testing.T) {
	srv, err := NewServer()
	require.NoError(t, err)
	require.NoError(t, srv.Close())
	assert.Error(t, srv.Close())
}

func TestNewTLSConfig(t *testing.T) {
	serverTLS, clientTLS, err := NewTLSConfig()
	require.NoError(t, err)
	require.Len(t, serverTLS.Certificates, 1)
	assert.Equal(t, "127.0.0.1", clientTLS.ServerName)
	assert.NotNil(t, clientTLS.RootCAs)
}

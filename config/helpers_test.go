package config

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-netsession/logger"
	"github.com/arloliu/go-netsession/session"
)

type nopAdapter struct{}

func (nopAdapter) Kind() session.TransportKind                     { return session.DatagramTransport }
func (nopAdapter) Write([]byte, uint32, session.Reliability) error { return nil }
func (nopAdapter) Flush(done func(error))                          { done(nil) }
func (nopAdapter) Close() error                                    { return nil }
func (nopAdapter) LocalAddr() net.Addr                             { return nil }
func (nopAdapter) RemoteAddr() net.Addr                            { return nil }

func mustSessionConfig(t *testing.T) *session.SessionConfig {
	t.Helper()

	cfg, err := session.NewSessionConfig(session.WithLogger(logger.NewPermissiveMockLogger()))
	require.NoError(t, err)

	return cfg
}

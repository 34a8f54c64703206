package relay

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// Common test constants
const testLocalhost = "127.0.0.1"

// MockLogger implements the Logger interface for testing. Lines logged after
// the test has finished are discarded.
type MockLogger struct {
	t    testing.TB
	done atomic.Bool
}

func (m *MockLogger) logf(level, format string, args ...interface{}) {
	if m.done.Load() {
		return
	}

	m.t.Logf("["+level+"] "+format, args...)
}

// Debugf logs debug messages with formatted output
func (m *MockLogger) Debugf(format string, args ...interface{}) {
	m.logf("DEBUG", format, args...)
}

// Infof logs info messages with formatted output
func (m *MockLogger) Infof(format string, args ...interface{}) {
	m.logf("INFO", format, args...)
}

// Warnf logs warning messages with formatted output
func (m *MockLogger) Warnf(format string, args ...interface{}) {
	m.logf("WARN", format, args...)
}

// Errorf logs error messages with formatted output
func (m *MockLogger) Errorf(format string, args ...interface{}) {
	m.logf("ERROR", format, args...)
}

// Fatalf logs fatal messages with formatted output and terminates the test
func (m *MockLogger) Fatalf(format string, args ...interface{}) {
	m.t.Fatalf("[FATAL] "+format, args...)
}

// createTestContext creates a context with timeout for testing
func createTestContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

// createTestLogger creates a mock logger that goes quiet once t completes
func createTestLogger(t testing.TB) *MockLogger {
	l := &MockLogger{t: t}
	t.Cleanup(func() { l.done.Store(true) })

	return l
}

// createQuietLogger returns a logrus logger for tests whose background
// goroutines may outlive the test.
func createQuietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)

	return l
}

// freePort asks the kernel for an unused TCP port in the dynamic range.
func freePort(t testing.TB) int {
	t.Helper()

	l, err := net.Listen("tcp4", testLocalhost+":0")
	require.NoError(t, err)

	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	return port
}

// testSwarmKey returns a freshly generated swarm key file body.
func testSwarmKey(t testing.TB) []byte {
	t.Helper()

	key, err := NewSwarmKey()
	require.NoError(t, err)

	return key.Bytes()
}

// testIdentity returns a freshly generated identity.
func testIdentity(t testing.TB) *Identity {
	t.Helper()

	id, err := NewIdentity()
	require.NoError(t, err)

	return id
}

// p2pAddr builds the bootstrap address of a node listening on localhost.
func p2pAddr(port int, id *Identity) string {
	return fmt.Sprintf("/ip4/%s/tcp/%d/p2p/%s", testLocalhost, port, id.ID)
}

// setupNodeCleanup stops node when the test ends
func setupNodeCleanup(t testing.TB, node *Node) {
	t.Helper()

	t.Cleanup(func() {
		ctx, cancel := createTestContext(5 * time.Second)
		defer cancel()

		if err := node.Stop(ctx); err != nil {
			t.Logf("Failed to stop node in cleanup: %v", err)
		}
	})
}

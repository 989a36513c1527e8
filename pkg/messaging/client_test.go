package messaging

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusmq/asyncbridge/pkg/config"
)

// pipeDialer hands out net.Pipe connections, optionally failing the
// first N dial attempts to exercise the reconnect path.
type pipeDialer struct {
	mu        sync.Mutex
	failUntil int32
	attempts  atomic.Int32
	peers     []net.Conn
}

func (d *pipeDialer) Dial(ctx context.Context, addr multiaddr.Multiaddr) (net.Conn, error) {
	n := d.attempts.Add(1)
	if n <= d.failUntil {
		return nil, errors.New("connection refused")
	}
	client, server := net.Pipe()
	d.mu.Lock()
	d.peers = append(d.peers, server)
	d.mu.Unlock()
	go drain(server)
	return client, nil
}

func drain(c net.Conn) {
	buf := make([]byte, 4096)
	for {
		if _, err := c.Read(buf); err != nil {
			return
		}
	}
}

func testConfig() config.MessagingConfig {
	cfg := config.DefaultMessagingConfig()
	cfg.Endpoint = "/dns4/localhost/tcp/4443"
	cfg.ReconnectInterval = 20 * time.Millisecond
	return cfg
}

func TestConnectAndPushBlock(t *testing.T) {
	dialer := &pipeDialer{}
	c, err := NewClient(testConfig(), dialer)
	require.NoError(t, err)
	defer c.Dispose()

	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, c.IsConnected, time.Second, 5*time.Millisecond)

	err = c.PushBlock(context.Background(), peer.ID("target"), []byte("hello"))
	assert.NoError(t, err)
}

func TestPushBlockFailsWhenNotConnected(t *testing.T) {
	dialer := &pipeDialer{}
	c, err := NewClient(testConfig(), dialer)
	require.NoError(t, err)
	defer c.Dispose()

	err = c.PushBlock(context.Background(), peer.ID("target"), []byte("hello"))
	assert.ErrorIs(t, err, ErrNotConnected)
}

// TestChannelIDRotatesOnlyOnConnectionTransition exercises Testable
// Property 5: the channel id changes on a connected<->disconnected
// transition of either side, and only then. Breaking the receiver's
// live connection must be enough on its own for the reconcile loop to
// notice the failure (no test code forces client state directly) and
// rotate the id once reconnected.
func TestChannelIDRotatesOnlyOnConnectionTransition(t *testing.T) {
	dialer := &pipeDialer{}
	c, err := NewClient(testConfig(), dialer)
	require.NoError(t, err)
	defer c.Dispose()

	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, c.IsConnected, time.Second, 5*time.Millisecond)
	first := c.ChannelID()

	// The id must stay stable while both sides remain healthy.
	time.Sleep(5 * testConfig().ReconnectInterval)
	assert.Equal(t, first, c.ChannelID())

	// Break the receiver's connection ourselves; production code has no
	// other trigger (no test-only state poke) for detecting this.
	c.receiver.mu.Lock()
	receiverConn := c.receiver.conn
	c.receiver.mu.Unlock()
	require.NotNil(t, receiverConn)
	receiverConn.conn.Close()

	require.Eventually(t, func() bool {
		return c.ChannelID() != first
	}, time.Second, 5*time.Millisecond, "channel id must rotate once the receiver is noticed disconnected and redialed")

	require.Eventually(t, c.IsConnected, time.Second, 5*time.Millisecond)
}

// TestSenderWriteFailureIsDetectedAndRecovered exercises review's
// required property that a write failure after Connect is visible to
// the reconnect loop, not just read failures.
func TestSenderWriteFailureIsDetectedAndRecovered(t *testing.T) {
	dialer := &pipeDialer{}
	c, err := NewClient(testConfig(), dialer)
	require.NoError(t, err)
	defer c.Dispose()

	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, c.IsConnected, time.Second, 5*time.Millisecond)

	c.sender.mu.Lock()
	senderConn := c.sender.conn
	c.sender.mu.Unlock()
	require.NotNil(t, senderConn)
	senderConn.conn.Close()

	err = c.PushBlock(context.Background(), peer.ID("target"), []byte("hello"))
	assert.Error(t, err, "a write against a closed connection must fail, not succeed silently")

	require.Eventually(t, c.IsConnected, time.Second, 5*time.Millisecond, "client must redial and recover without manual intervention")
	assert.NoError(t, c.PushBlock(context.Background(), peer.ID("target"), []byte("hello again")))
}

func TestReconnectLoopRecoversFromDialFailures(t *testing.T) {
	dialer := &pipeDialer{failUntil: 4}
	c, err := NewClient(testConfig(), dialer)
	require.NoError(t, err)
	defer c.Dispose()

	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, c.IsConnected, 2*time.Second, 5*time.Millisecond)
}

func TestLogSuppressedOnlySuppressesExpectedErrors(t *testing.T) {
	dialer := &pipeDialer{}
	c, err := NewClient(testConfig(), dialer)
	require.NoError(t, err)
	defer c.Dispose()

	netErr := errors.New("connection refused")
	c.logSuppressed(netErr)
	sig := "network:connection refused"
	assert.True(t, c.errFilter.TestString(sig), "an expected network error must be recorded for suppression")

	// An unclassified/protocol error is never added to the suppression
	// filter, since it must always be logged.
	protoErr := errors.New("malformed broker frame")
	c.logSuppressed(protoErr)
	assert.False(t, c.errFilter.TestString("unknown:malformed broker frame"))
}

// TestTargetPeerNotFoundRetriesBounded exercises spec's bounded
// TargetPeerNotFound retry at the send boundary.
func TestTargetPeerNotFoundRetriesBounded(t *testing.T) {
	dialer := &pipeDialer{}
	cfg := testConfig()
	cfg.MaxTargetPeerRetries = 3
	cfg.TargetPeerRetryDelay = time.Millisecond
	c, err := NewClient(cfg, dialer)
	require.NoError(t, err)
	defer c.Dispose()

	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, c.IsConnected, time.Second, 5*time.Millisecond)

	var attempts atomic.Int32
	err = c.sendWithPeerRetry(context.Background(), func() error {
		attempts.Add(1)
		return &dialError{kind: kindTargetPeerNotFound, err: ErrTargetPeerNotFound}
	})
	assert.ErrorIs(t, err, ErrTargetPeerNotFound)
	assert.EqualValues(t, 3, attempts.Load(), "must stop at MaxTargetPeerRetries, not retry unboundedly")
}

func TestTargetPeerNotFoundRetrySucceedsOnceTargetAppears(t *testing.T) {
	dialer := &pipeDialer{}
	cfg := testConfig()
	cfg.MaxTargetPeerRetries = 5
	cfg.TargetPeerRetryDelay = time.Millisecond
	c, err := NewClient(cfg, dialer)
	require.NoError(t, err)
	defer c.Dispose()

	var attempts atomic.Int32
	err = c.sendWithPeerRetry(context.Background(), func() error {
		if attempts.Add(1) < 3 {
			return &dialError{kind: kindTargetPeerNotFound, err: ErrTargetPeerNotFound}
		}
		return nil
	})
	assert.NoError(t, err)
	assert.EqualValues(t, 3, attempts.Load())
}

func TestDisposeIsIdempotent(t *testing.T) {
	dialer := &pipeDialer{}
	c, err := NewClient(testConfig(), dialer)
	require.NoError(t, err)

	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, c.IsConnected, time.Second, 5*time.Millisecond)
	c.Dispose()
	c.Dispose() // must not panic or block
}

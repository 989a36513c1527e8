package messaging

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/nexusmq/asyncbridge/pkg/config"
	"github.com/nexusmq/asyncbridge/pkg/eq"
	"github.com/nexusmq/asyncbridge/pkg/logging"
)

// Client is a dual-connection persistent broker client: a sender
// connection carrying outbound blocks and a receiver connection the
// broker uses to push inbound ones. Each side is driven independently
// through connecting/connected/failed-retry transitions by a pair of
// eq.Tasks (a connector task that dials, and a connection task that
// represents the connection's lifetime) running on a queue local to the
// client, reconciled on a fixed interval.
type Client struct {
	cfg    config.MessagingConfig
	dialer Dialer
	addr   multiaddr.Multiaddr
	logger *logging.Logger

	localQueue *eq.Queue
	pool       *eq.WorkerPool

	sender   side
	receiver side

	state     atomic.Int32
	channelID atomic.Pointer[uuid.UUID]

	breaker *reconnectBreaker

	errFilterMu sync.Mutex
	errFilter   *bloom.BloomFilter

	blockPool sync.Pool

	replyHandler atomic.Pointer[ReplyHandler]

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	disposed atomic.Bool
}

// side tracks one half (sender or receiver) of the client's dual
// connection, mirroring spec's "Messaging Client State": a connector
// task in flight, a live connection task, and the side's last observed
// connected flag.
type side struct {
	name string

	mu        sync.Mutex
	connector *connectorTask
	conn      *connTask
	connected bool
}

// NewClient parses cfg.Endpoint and constructs a Client using dialer for
// transport. The local queue and its reconcile loop are started by
// Connect, not here, so tests can inspect a freshly constructed,
// disconnected Client.
func NewClient(cfg config.MessagingConfig, dialer Dialer) (*Client, error) {
	addr, err := multiaddr.NewMultiaddr(cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool := eq.NewWorkerPool(2)
	c := &Client{
		cfg:        cfg,
		dialer:     dialer,
		addr:       addr,
		logger:     logging.GetGlobalLogger().WithComponent("messaging"),
		localQueue: eq.NewQueueWithPool(2, pool),
		pool:       pool,
		sender:     side{name: "sender"},
		receiver:   side{name: "receiver"},
		breaker:    newReconnectBreaker(5, 2, cfg.ReconnectInterval),
		errFilter:  bloom.NewWithEstimates(1000, 0.01),
		ctx:        ctx,
		cancel:     cancel,
	}
	c.blockPool.New = func() any { return new(Block) }
	// Completion is tracked through our own connector/conn pointers, not
	// by scanning Ready, so there is no reason to retain finished tasks
	// there: a side redials on every tick it's down, and a Ready queue
	// kept at the default OptionKeepAll would grow without bound over a
	// long-lived connection's reconnect history.
	c.localQueue.SetOptions(eq.OptionKeepNone)
	c.rotateChannelID()
	c.state.Store(int32(StateDisconnected))
	return c, nil
}

// TLSDialer dials the broker over TLS. It is the production Dialer;
// tests typically substitute a net.Pipe-backed fake instead.
type TLSDialer struct {
	TLSConfig *tls.Config
}

func (d *TLSDialer) Dial(ctx context.Context, addr multiaddr.Multiaddr) (net.Conn, error) {
	network, address, err := manet.DialArgs(addr)
	if err != nil {
		return nil, err
	}
	dialer := &tls.Dialer{Config: d.TLSConfig}
	return dialer.DialContext(ctx, network, address)
}

// connectorTask dials one side's connection. It completes successfully
// once conn is populated, or with an error if the dial (gated by the
// reconnect circuit breaker) failed.
type connectorTask struct {
	eq.BaseTask
	dialer  Dialer
	addr    multiaddr.Multiaddr
	breaker *reconnectBreaker
	timeout time.Duration

	conn net.Conn

	mu       sync.Mutex
	cancelFn context.CancelFunc
}

func (t *connectorTask) Execute(ctx context.Context) error {
	dialCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancelFn = cancel
	t.mu.Unlock()
	defer cancel()

	return dialWithBreaker(dialCtx, t.breaker, t.timeout, func(innerCtx context.Context) error {
		conn, err := t.dialer.Dial(innerCtx, t.addr)
		if err != nil {
			return err
		}
		t.conn = conn
		return nil
	})
}

// RequestCancel additionally aborts an in-flight dial via context
// cancellation, since cancellation of a blocked socket operation must go
// through the IO layer rather than a cooperative flag check.
func (t *connectorTask) RequestCancel() {
	t.BaseTask.RequestCancel()
	t.mu.Lock()
	fn := t.cancelFn
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// connTask represents one side's live connection for as long as it
// stays up. A sender's Execute simply blocks until told the connection
// failed (writes happen out-of-band, from PushBlock/SendEnvelope); a
// receiver's Execute is the frame-decoding read loop itself. Either way,
// Execute returning marks the side disconnected at the next reconcile.
type connTask struct {
	eq.BaseTask
	conn     net.Conn
	isSender bool
	client   *Client

	failOnce sync.Once
	failed   chan struct{}
	failErr  error
}

func (c *Client) newConnTask(conn net.Conn, isSender bool) *connTask {
	return &connTask{conn: conn, isSender: isSender, client: c, failed: make(chan struct{})}
}

func (t *connTask) fail(err error) {
	t.failOnce.Do(func() {
		t.failErr = err
		close(t.failed)
	})
}

func (t *connTask) Execute(ctx context.Context) error {
	if t.isSender {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.failed:
			return t.failErr
		}
	}
	return t.client.recvLoop(ctx, t.conn)
}

// RequestCancel closes the underlying connection (unblocking a receiver
// stuck in a read) and signals the sender's failed channel.
func (t *connTask) RequestCancel() {
	t.BaseTask.RequestCancel()
	t.fail(ErrDisposed)
	t.conn.Close()
}

// Connect kicks off the per-side reconnect state machine: an immediate
// reconcile tick (spec's "immediate first tick if not preconnected"),
// then a background ticker. It does not block for the dial to succeed —
// callers observe progress via IsConnected/State, matching the
// reconnect scenario where a broker may come up well after Connect is
// called.
func (c *Client) Connect(ctx context.Context) error {
	if c.disposed.Load() {
		return ErrDisposed
	}
	c.reconcileTick()
	c.wg.Add(1)
	go c.reconcileLoop()
	return nil
}

// reconcileLoop ticks at cfg.ReconnectInterval for the client's lifetime.
func (c *Client) reconcileLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.ReconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.reconcileTick()
		}
	}
}

// reconcileTick runs one pass of the per-side reconnect state machine
// described in spec's Messaging Client §4.3, then recomputes the
// client's aggregate state and rotates the channel id iff either side's
// connected flag flipped this tick.
func (c *Client) reconcileTick() {
	senderChanged := c.reconcileSide(&c.sender, true)
	receiverChanged := c.reconcileSide(&c.receiver, false)

	if senderChanged || receiverChanged {
		c.rotateChannelID()
		c.logger.Infof("connection state changed: sender=%v receiver=%v (%s)",
			c.sender.isConnected(), c.receiver.isConnected(), c.addr)
	}

	switch {
	case c.sender.isConnected() && c.receiver.isConnected():
		c.state.Store(int32(StateConnected))
	case c.sender.isConnected() || c.receiver.isConnected():
		c.state.Store(int32(StateReconnecting))
	default:
		c.state.Store(int32(StateDisconnected))
	}
}

func (s *side) isConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// reconcileSide implements spec's four-branch per-side transition:
//  1. a live connection task exists and hasn't completed -> connected, do nothing.
//  2. a connector exists and hasn't completed -> still connecting, do nothing.
//  3. the connector just finished dialing successfully -> promote its
//     stream to a connection task.
//  4. otherwise (connector never existed, failed, or the live connection
//     just died) -> log the failure and start a fresh connector.
//
// Returns whether the side's connected flag flipped this call.
func (c *Client) reconcileSide(s *side, isSender bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil && !s.conn.Completed() {
		return false
	}

	if s.connector != nil && !s.connector.Completed() {
		return false
	}

	if s.connector != nil && s.connector.Err() == nil {
		conn := s.connector.conn
		s.connector = nil
		s.conn = c.newConnTask(conn, isSender)
		_ = c.localQueue.PushBack(s.conn, false)
		changed := !s.connected
		s.connected = true
		return changed
	}

	var failure error
	switch {
	case s.connector != nil:
		failure = s.connector.Err()
	case s.conn != nil:
		failure = s.conn.Err()
	}
	if failure != nil {
		c.logSuppressed(failure)
	}

	changed := s.connected
	s.connected = false
	s.conn = nil

	connector := &connectorTask{
		dialer:  c.dialer,
		addr:    c.addr,
		breaker: c.breaker,
		timeout: c.cfg.ReconnectInterval,
	}
	s.connector = connector
	_ = c.localQueue.PushBack(connector, false)
	return changed
}

// logSuppressed logs a reconnect failure. Expected, transient
// socket-level errors (network, timeout) are logged at most once per
// distinct signature, tracked in a bloom filter; any other
// classification (protocol-level, permanent, unclassified) is always
// logged, since spec forbids silently swallowing unexpected failures.
func (c *Client) logSuppressed(err error) {
	if err == nil {
		return
	}
	kind := kindOf(err)
	if kind != kindNetwork && kind != kindTimeout {
		c.logger.Warnf("reconnect failed (unexpected): %v", err)
		return
	}

	sig := fmt.Sprintf("%s:%s", kind, err.Error())
	c.errFilterMu.Lock()
	seen := c.errFilter.TestString(sig)
	if !seen {
		c.errFilter.AddString(sig)
	}
	c.errFilterMu.Unlock()

	if !seen {
		c.logger.Warnf("reconnect failed: %v", err)
	}
}

func (c *Client) rotateChannelID() {
	id := uuid.New()
	c.channelID.Store(&id)
}

// ChannelID returns the channel identifier for the current connection
// epoch. It only ever changes when reconcileTick observes either side
// transition connected<->disconnected (Testable Property 5).
func (c *Client) ChannelID() uuid.UUID {
	return *c.channelID.Load()
}

func (c *Client) IsConnected() bool {
	return ClientState(c.state.Load()) == StateConnected
}

func (c *Client) State() ClientState {
	return ClientState(c.state.Load())
}

// currentSendConn returns the sender side's live connection and its
// owning task, or (nil, nil) if the sender is not currently connected.
func (c *Client) currentSendConn() (net.Conn, *connTask) {
	c.sender.mu.Lock()
	defer c.sender.mu.Unlock()
	if c.sender.conn == nil {
		return nil, nil
	}
	return c.sender.conn.conn, c.sender.conn
}

// PushBlock writes payload to the sender connection addressed to
// target. When cfg.NoCopy is set, payload is framed and written without
// an intermediate buffer copy; otherwise it is copied into a pooled
// Block first, matching the teacher's pooled-allocation convention
// elsewhere in this codebase. TargetPeerNotFound failures are retried
// with a short back-off, bounded by cfg.MaxTargetPeerRetries.
func (c *Client) PushBlock(ctx context.Context, target peer.ID, payload []byte) error {
	if c.disposed.Load() {
		return ErrDisposed
	}

	channelID := c.ChannelID()

	if c.cfg.NoCopy {
		return c.sendWithPeerRetry(ctx, func() error {
			return c.writeFrame(ctx, channelID, target, payload)
		})
	}

	blk := c.blockPool.Get().(*Block)
	defer c.blockPool.Put(blk)
	blk.ChannelID = channelID
	blk.TargetPeer = target
	blk.Payload = append(blk.Payload[:0], payload...)

	return c.sendWithPeerRetry(ctx, func() error {
		return c.writeFrame(ctx, blk.ChannelID, blk.TargetPeer, blk.Payload)
	})
}

// sendWithPeerRetry retries fn while it keeps failing with
// TargetPeerNotFound, waiting cfg.TargetPeerRetryDelay between attempts
// and giving up after cfg.MaxTargetPeerRetries — spec's "broker-side
// error retried at the task boundary (bounded retries with short
// back-off)". Any other failure is returned immediately.
func (c *Client) sendWithPeerRetry(ctx context.Context, fn func() error) error {
	maxAttempts := c.cfg.MaxTargetPeerRetries
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if kindOf(err) != kindTargetPeerNotFound || attempt == maxAttempts-1 {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.TargetPeerRetryDelay):
		}
	}
	return lastErr
}

// writeFrame serializes a length-prefixed envelope: channel id (16
// bytes), target peer id length + bytes, payload length + bytes. A
// write failure marks the sender's connection task failed so the next
// reconcile tick redials.
func (c *Client) writeFrame(ctx context.Context, channelID uuid.UUID, target peer.ID, payload []byte) error {
	conn, owner := c.currentSendConn()
	if conn == nil {
		return ErrNotConnected
	}

	targetBytes := []byte(target)
	header := make([]byte, 16+4+len(targetBytes)+4)
	copy(header, channelID[:])
	binary.BigEndian.PutUint32(header[16:], uint32(len(targetBytes)))
	copy(header[20:], targetBytes)
	binary.BigEndian.PutUint32(header[20+len(targetBytes):], uint32(len(payload)))

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}

	if _, err := conn.Write(header); err != nil {
		de := &dialError{endpoint: c.addr.String(), kind: classify(err), at: time.Now(), err: err}
		owner.fail(de)
		return de
	}
	if _, err := conn.Write(payload); err != nil {
		de := &dialError{endpoint: c.addr.String(), kind: classify(err), at: time.Now(), err: err}
		owner.fail(de)
		return de
	}
	return nil
}

// SendEnvelope writes payload to target framed under an explicit
// correlation id rather than the client's own rotating channel id. It
// exists for consumers like the HTTP bridge that need the broker to
// echo a caller-chosen id back on the receive connection so the reply
// can be routed to the right waiter. Subject to the same bounded
// TargetPeerNotFound retry as PushBlock.
func (c *Client) SendEnvelope(ctx context.Context, correlationID uuid.UUID, target peer.ID, payload []byte) error {
	if c.disposed.Load() {
		return ErrDisposed
	}
	return c.sendWithPeerRetry(ctx, func() error {
		return c.writeFrame(ctx, correlationID, target, payload)
	})
}

// ReplyHandler is invoked once per inbound frame read off the receiver
// connection, with the correlation id and payload decoded from the same
// envelope format writeFrame produces.
type ReplyHandler func(correlationID uuid.UUID, payload []byte)

// SetReplyHandler installs the callback the receive loop delivers
// decoded frames to. Safe to call at any time, including after Connect.
func (c *Client) SetReplyHandler(h ReplyHandler) {
	c.replyHandler.Store(&h)
}

// recvLoop decodes frames off conn until it errors (connection lost),
// returning that error so the owning connTask completes and the next
// reconcile tick redials the receiver side.
func (c *Client) recvLoop(ctx context.Context, conn net.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		header := make([]byte, 16+4)
		if _, err := io.ReadFull(conn, header); err != nil {
			return err
		}
		var id uuid.UUID
		copy(id[:], header[:16])
		targetLen := binary.BigEndian.Uint32(header[16:])

		targetBuf := make([]byte, targetLen)
		if _, err := io.ReadFull(conn, targetBuf); err != nil {
			return err
		}

		payloadLenBuf := make([]byte, 4)
		if _, err := io.ReadFull(conn, payloadLenBuf); err != nil {
			return err
		}
		payloadLen := binary.BigEndian.Uint32(payloadLenBuf)
		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return err
		}

		if hp := c.replyHandler.Load(); hp != nil {
			(*hp)(id, payload)
		}
	}
}

// Dispose cancels and awaits, in order, the sender connector, the
// sender connection, the receiver connector, and the receiver
// connection, then disposes the local queue. Safe to call more than
// once.
func (c *Client) Dispose() {
	if !c.disposed.CompareAndSwap(false, true) {
		return
	}
	c.state.Store(int32(StateDisposed))
	c.cancel()
	c.wg.Wait()

	c.cancelAndWaitTask(sideTask(&c.sender, true))
	c.cancelAndWaitTask(sideTask(&c.sender, false))
	c.cancelAndWaitTask(sideTask(&c.receiver, true))
	c.cancelAndWaitTask(sideTask(&c.receiver, false))

	c.localQueue.Dispose()
}

// sideTask snapshots s's connector (wantConnector=true) or connection
// task under its lock, returning nil if absent.
func sideTask(s *side, wantConnector bool) eq.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wantConnector {
		if s.connector == nil {
			return nil
		}
		return s.connector
	}
	if s.conn == nil {
		return nil
	}
	return s.conn
}

func (c *Client) cancelAndWaitTask(task eq.Task) {
	if task == nil {
		return
	}
	_, err := c.localQueue.Cancel(task, true)
	if err != nil && !errors.Is(err, eq.ErrNotFound) && !errors.Is(err, eq.ErrDisposed) {
		c.logger.Debugf("dispose: cancel task: %v", err)
	}
}

package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusmq/asyncbridge/pkg/async"
	"github.com/nexusmq/asyncbridge/pkg/config"
	"github.com/nexusmq/asyncbridge/pkg/messaging"
)

// fakeClient is a test double for messagingClient: it records every sent
// envelope and lets the test script a reply (or none, to exercise
// timeout/cancel paths).
type fakeClient struct {
	mu        sync.Mutex
	connected bool
	sent      []uuid.UUID
	onReply   messaging.ReplyHandler
	autoReply func(id uuid.UUID) ([]byte, bool)
}

func (f *fakeClient) IsConnected() bool                         { return f.connected }
func (f *fakeClient) State() messaging.ClientState              { return messaging.StateConnected }
func (f *fakeClient) SetReplyHandler(h messaging.ReplyHandler)  { f.onReply = h }

func (f *fakeClient) SendEnvelope(ctx context.Context, id uuid.UUID, target peer.ID, payload []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, id)
	f.mu.Unlock()
	if f.autoReply != nil {
		if body, ok := f.autoReply(id); ok {
			go func() {
				time.Sleep(5 * time.Millisecond)
				f.onReply(id, body)
			}()
		}
	}
	return nil
}

// replyEnvelope builds a wire-format inbound reply: body plus a packed
// protocolEnvelope carrying an optional HttpResponseMetadata and/or
// principal, matching what handleInboundFrame expects to unpack.
func replyEnvelope(t *testing.T, id uuid.UUID, body string, meta *httpResponseMetadata, sid string) []byte {
	t.Helper()
	pe := protocolEnvelope{
		MessageType:    messageTypeAsyncRPCDispatch,
		ConversationID: id,
		MessageID:      uuid.New(),
	}
	if sid != "" {
		pe.PrincipalIdentityInfo = &principalIdentityInfo{SecurityPrincipal: securityPrincipal{Sid: sid}}
	}
	if meta != nil {
		payload := httpResponseMetadataPayload{HTTPResponseMetadata: *meta}
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		pe.PassThroughUserData = raw
	}
	wire, err := packEnvelope(pe, []byte(body))
	require.NoError(t, err)
	return wire
}

func newTestBridge(t *testing.T, client *fakeClient) (*Bridge, *async.Executor) {
	t.Helper()
	acfg := config.DefaultAsyncConfig()
	acfg.Threads = 2
	executor := async.NewExecutor(acfg)

	bcfg := config.DefaultBridgeConfig()
	bcfg.RequestTimeout = 200 * time.Millisecond
	bcfg.PruneInterval = 20 * time.Millisecond
	bcfg.CancelDrainInterval = 20 * time.Millisecond
	bcfg.TargetPeerID = "peer1"

	b := New(bcfg, executor, client)
	t.Cleanup(func() {
		b.Dispose()
		executor.Dispose()
	})
	return b, executor
}

func TestBridgeRoundTrip(t *testing.T) {
	client := &fakeClient{connected: true, autoReply: func(id uuid.UUID) ([]byte, bool) {
		return replyEnvelope(t, id, "pong", nil, ""), true
	}}
	b, _ := newTestBridge(t, client)

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	req.AddCookie(&http.Cookie{Name: "AUTH", Value: "abc"})
	rr := httptest.NewRecorder()
	b.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "pong", rr.Body.String())
}

func TestBridgeEchoesHTTPResponseMetadata(t *testing.T) {
	client := &fakeClient{connected: true, autoReply: func(id uuid.UUID) ([]byte, bool) {
		meta := &httpResponseMetadata{
			HTTPStatusCode: http.StatusCreated,
			ContentType:    "text/plain",
			Headers:        []headerPair{{Name: "X-Conv", Value: id.String()}},
		}
		return replyEnvelope(t, id, "world", meta, ""), true
	}}
	b, _ := newTestBridge(t, client)

	req := httptest.NewRequest(http.MethodPost, "/x", nil)
	req.AddCookie(&http.Cookie{Name: "AUTH", Value: "abc"})
	rr := httptest.NewRecorder()
	b.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "text/plain", rr.Header().Get("Content-Type"))
	assert.NotEmpty(t, rr.Header().Get("X-Conv"))
	assert.Equal(t, "world", rr.Body.String())
}

func TestBridgeRequestTimesOutWithoutReply(t *testing.T) {
	client := &fakeClient{connected: true}
	b, _ := newTestBridge(t, client)

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	req.AddCookie(&http.Cookie{Name: "AUTH", Value: "abc"})
	rr := httptest.NewRecorder()
	b.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusGatewayTimeout, rr.Code)
}

func TestBridgeStatusEndpoint(t *testing.T) {
	client := &fakeClient{connected: true}
	b, _ := newTestBridge(t, client)

	req := httptest.NewRequest(http.MethodGet, "/bridge/status", nil)
	rr := httptest.NewRecorder()
	b.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "connected")
}

// TestBridgeRejectsMissingTokenWhenCookiesConfigured exercises spec's HMB
// token policy rule 4: recognized cookie names are configured, the
// request carries none of them, so the Prepare stage fails the chain
// before ever reaching Send.
func TestBridgeRejectsMissingTokenWhenCookiesConfigured(t *testing.T) {
	client := &fakeClient{connected: true}
	acfg := config.DefaultAsyncConfig()
	executor := async.NewExecutor(acfg)
	defer executor.Dispose()

	bcfg := config.DefaultBridgeConfig()
	bcfg.TokenCookieNames = []string{"AUTH"}

	b := New(bcfg, executor, client)
	defer b.Dispose()

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	rr := httptest.NewRecorder()
	b.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusForbidden, rr.Code)
	client.mu.Lock()
	assert.Empty(t, client.sent, "token policy failure must stop the chain before Send")
	client.mu.Unlock()
}

// TestBridgeDropsInboundReplyMissingPrincipalWhenAuthRequired exercises
// spec's inbound-dispatch rule: ServerAuthenticationRequired governs
// whether a reply lacking principal info is accepted, not the outbound
// request — so the request itself goes out fine, and just never
// resolves because its reply was dropped.
func TestBridgeDropsInboundReplyMissingPrincipalWhenAuthRequired(t *testing.T) {
	client := &fakeClient{connected: true, autoReply: func(id uuid.UUID) ([]byte, bool) {
		return replyEnvelope(t, id, "pong", nil, ""), true
	}}
	acfg := config.DefaultAsyncConfig()
	executor := async.NewExecutor(acfg)
	defer executor.Dispose()

	bcfg := config.DefaultBridgeConfig()
	bcfg.RequestTimeout = 50 * time.Millisecond
	bcfg.PruneInterval = 10 * time.Millisecond
	bcfg.ServerAuthenticationRequired = true
	bcfg.ExpectedSecurityID = "secret"

	b := New(bcfg, executor, client)
	defer b.Dispose()

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	req.AddCookie(&http.Cookie{Name: "AUTH", Value: "abc"})
	rr := httptest.NewRecorder()
	b.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusGatewayTimeout, rr.Code, "reply without a principal must be silently dropped, not delivered")
}

func TestBridgeDropsInboundReplyWithMismatchedSecurityID(t *testing.T) {
	client := &fakeClient{connected: true, autoReply: func(id uuid.UUID) ([]byte, bool) {
		return replyEnvelope(t, id, "pong", nil, "not-secret"), true
	}}
	acfg := config.DefaultAsyncConfig()
	executor := async.NewExecutor(acfg)
	defer executor.Dispose()

	bcfg := config.DefaultBridgeConfig()
	bcfg.RequestTimeout = 50 * time.Millisecond
	bcfg.PruneInterval = 10 * time.Millisecond
	bcfg.ServerAuthenticationRequired = true
	bcfg.ExpectedSecurityID = "secret"

	b := New(bcfg, executor, client)
	defer b.Dispose()

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	req.AddCookie(&http.Cookie{Name: "AUTH", Value: "abc"})
	rr := httptest.NewRecorder()
	b.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusGatewayTimeout, rr.Code)
}

func TestBridgeAcceptsInboundReplyWithMatchingSecurityID(t *testing.T) {
	client := &fakeClient{connected: true, autoReply: func(id uuid.UUID) ([]byte, bool) {
		return replyEnvelope(t, id, "pong", nil, "secret"), true
	}}
	acfg := config.DefaultAsyncConfig()
	executor := async.NewExecutor(acfg)
	defer executor.Dispose()

	bcfg := config.DefaultBridgeConfig()
	bcfg.ServerAuthenticationRequired = true
	bcfg.ExpectedSecurityID = "SECRET"

	b := New(bcfg, executor, client)
	defer b.Dispose()

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	req.AddCookie(&http.Cookie{Name: "AUTH", Value: "abc"})
	rr := httptest.NewRecorder()
	b.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code, "security id match is case-insensitive")
	assert.Equal(t, "pong", rr.Body.String())
}

func TestBridgeRequestCanceledOnClientDisconnect(t *testing.T) {
	client := &fakeClient{connected: true}
	b, _ := newTestBridge(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/anything", nil).WithContext(ctx)
	req.AddCookie(&http.Cookie{Name: "AUTH", Value: "abc"})
	rr := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		b.ServeHTTP(rr, req)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never returned after client cancel")
	}
	require.Equal(t, http.StatusRequestTimeout, rr.Code)
}

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/nexusmq/asyncbridge/pkg/async"
	"github.com/nexusmq/asyncbridge/pkg/config"
	"github.com/nexusmq/asyncbridge/pkg/logging"
	"github.com/nexusmq/asyncbridge/pkg/messaging"
)

// noopState is the placeholder OperationState behind every bridge
// request's Operation: the real work of the Prepare/Send/Wait chain
// runs in the AsyncBegin callbacks themselves, not in Execute, so the
// operation's bound state does no work of its own.
type noopState struct{}

func (noopState) Execute(ctx context.Context) error { return nil }

var sharedNoopState = noopState{}

// messagingClient is the subset of *messaging.Client the bridge depends
// on, narrowed to an interface so tests can substitute a fake broker
// link instead of a real one.
type messagingClient interface {
	IsConnected() bool
	State() messaging.ClientState
	SendEnvelope(ctx context.Context, correlationID uuid.UUID, target peer.ID, payload []byte) error
	SetReplyHandler(h messaging.ReplyHandler)
}

// Bridge is the HTTP-to-messaging bridge: it turns inbound HTTP requests
// into broker envelopes via a three-stage async chain (Prepare, Send,
// Wait) and streams request lifecycle events over a websocket.
type Bridge struct {
	cfg      config.BridgeConfig
	executor *async.Executor
	client   messagingClient
	logger   *logging.Logger

	registry *registry
	router   *mux.Router
	upgrader websocket.Upgrader

	events   chan eventMsg
	wsClients map[*websocket.Conn]chan eventMsg

	requestCount atomic.Int64
	disposed     atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

type eventMsg struct {
	Type      string    `json:"type"`
	RequestID string    `json:"request_id"`
	At        time.Time `json:"at"`
	Detail    string    `json:"detail,omitempty"`
}

// New wires a Bridge around an already-started executor and messaging
// client and begins its prune/cancel-drain background loop.
func New(cfg config.BridgeConfig, executor *async.Executor, client messagingClient) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		cfg:       cfg,
		executor:  executor,
		client:    client,
		logger:    logging.GetGlobalLogger().WithComponent("bridge"),
		registry:  newRegistry(),
		upgrader:  websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		events:    make(chan eventMsg, 256),
		wsClients: make(map[*websocket.Conn]chan eventMsg),
		ctx:       ctx,
		cancel:    cancel,
	}
	b.router = b.buildRouter()
	client.SetReplyHandler(b.handleInboundFrame)

	go b.pruneLoop()
	go b.fanoutEvents()
	return b
}

func (b *Bridge) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/bridge/status", b.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/bridge/requests", b.handleListRequests).Methods(http.MethodGet)
	r.HandleFunc("/bridge/ws", b.handleWebSocket).Methods(http.MethodGet)
	r.PathPrefix("/").HandlerFunc(b.handleProxy)
	return r
}

// ServeHTTP makes Bridge an http.Handler directly usable with http.Server.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.router.ServeHTTP(w, r)
}

func (b *Bridge) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"connected":      b.client.IsConnected(),
		"state":          b.client.State().String(),
		"inflight":       b.registry.len(),
		"total_requests": b.requestCount.Load(),
	})
}

func (b *Bridge) handleListRequests(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"inflight": b.registry.len()})
}

func (b *Bridge) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ch := make(chan eventMsg, 32)
	b.events <- eventMsg{Type: "subscriber-joined", At: time.Now()}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}()
	<-done
}

// handleProxy is the main entry point: every non-admin request is turned
// into an Operation and driven through Prepare -> Send -> Wait.
func (b *Bridge) handleProxy(w http.ResponseWriter, r *http.Request) {
	if b.disposed.Load() {
		http.Error(w, ErrDisposed.Error(), http.StatusServiceUnavailable)
		return
	}

	tokenType, tokenData, tokenErr := extractToken(r, b.cfg)

	body, _ := io.ReadAll(r.Body)
	meta := HTTPMetadata{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Headers: r.Header.Clone()}

	b.requestCount.Add(1)
	resp, err := b.dispatch(r.Context(), meta, tokenType, tokenData, tokenErr, body)
	if err != nil {
		b.writeError(w, err)
		return
	}

	for k, vs := range resp.Headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	w.Write(resp.Body)
}

// dispatch runs the Prepare -> Send -> Wait chain for one request and
// blocks until a reply, timeout, cancellation, or client disconnect.
// tokenErr carries a token-policy failure detected during extraction;
// the Prepare stage is where it is allowed to abort the chain, matching
// spec's "Prepare ... throws if disposed or token policy fails".
func (b *Bridge) dispatch(ctx context.Context, meta HTTPMetadata, tokenType, tokenData string, tokenErr error, body []byte) (Response, error) {
	op, err := b.executor.CreateOperation(sharedNoopState)
	if err != nil {
		return Response{}, err
	}
	defer b.releaseQuietly(op)

	id := uuid.New()
	entry := b.registry.add(id)
	b.emit(eventMsg{Type: "request-received", RequestID: id.String(), At: time.Now(), Detail: meta.Path})

	chainDone := make(chan struct{})
	var chainErr error

	prepare := func(r async.Result) {
		if tokenErr != nil {
			if b.cfg.LogUnauthorizedMessages {
				b.logger.Warnf("rejected request to %s: %v", meta.Path, tokenErr)
			}
			chainErr = tokenErr
			close(chainDone)
			return
		}
		env := Envelope{RequestID: id, Target: peer.ID(b.cfg.TargetPeerID), TokenType: tokenType, TokenData: tokenData, Metadata: meta, Body: body}
		send := b.sendStage(env, chainDone, &chainErr)
		if beginErr := b.executor.AsyncBegin(op, send); beginErr != nil {
			chainErr = beginErr
			close(chainDone)
		}
	}

	if err := b.executor.AsyncBegin(op, prepare); err != nil {
		b.registry.remove(id)
		return Response{}, err
	}

	select {
	case <-chainDone:
		if chainErr != nil {
			b.registry.remove(id)
			return Response{}, chainErr
		}
	case <-ctx.Done():
		b.registry.markCanceled(id)
		b.emit(eventMsg{Type: "request-canceled", RequestID: id.String(), At: time.Now()})
		return Response{}, ErrRequestCanceled
	}

	select {
	case resp := <-entry.replyCh:
		b.emit(eventMsg{Type: "request-completed", RequestID: id.String(), At: time.Now()})
		if resp.Err != nil {
			return Response{}, resp.Err
		}
		return resp, nil
	case <-ctx.Done():
		b.registry.markCanceled(id)
		b.emit(eventMsg{Type: "request-canceled", RequestID: id.String(), At: time.Now()})
		return Response{}, ErrRequestCanceled
	}
}

// sendStage returns the Send-stage callback: it packs env into the
// two-region broker wire block (body + offset1-delimited protocol
// envelope) and pushes it over the messaging client, then hands off to
// the Wait stage by simply closing chainDone — actual reply delivery
// happens asynchronously via the registry, fed by handleInboundFrame.
func (b *Bridge) sendStage(env Envelope, chainDone chan struct{}, chainErr *error) async.Callback {
	return func(r async.Result) {
		wire, err := packRequestEnvelope(env)
		if err != nil {
			*chainErr = fmt.Errorf("send stage: pack envelope: %w", err)
			close(chainDone)
			return
		}

		sendCtx, cancel := context.WithTimeout(context.Background(), b.cfg.RequestTimeout)
		defer cancel()
		if err := b.client.SendEnvelope(sendCtx, env.RequestID, env.Target, wire); err != nil {
			*chainErr = fmt.Errorf("send stage: %w", err)
		}
		close(chainDone)
	}
}

// handleInboundFrame is the messaging client's reply handler: spec's
// "Inbound dispatch" rules apply here, on the only path that ever
// receives broker-authenticated principal info, rather than on the
// outbound request path.
func (b *Bridge) handleInboundFrame(conversationID uuid.UUID, payload []byte) {
	body, pe, err := unpackEnvelope(payload)
	if err != nil {
		b.logger.Warnf("inbound frame %s: %v", conversationID, err)
		return
	}

	if b.cfg.ServerAuthenticationRequired {
		if !pe.hasPrincipal() {
			if b.cfg.LogUnauthorizedMessages {
				b.logger.Warnf("dropping reply %s: no principal in broker-authenticated metadata", conversationID)
			}
			return
		}
		if b.cfg.ExpectedSecurityID != "" &&
			!strings.EqualFold(pe.PrincipalIdentityInfo.SecurityPrincipal.Sid, b.cfg.ExpectedSecurityID) {
			if b.cfg.LogUnauthorizedMessages {
				b.logger.Warnf("dropping reply %s: security id mismatch", conversationID)
			}
			return
		}
	}

	b.DeliverReply(conversationID, responseFromEnvelope(body, pe))
}

func (b *Bridge) releaseQuietly(op *async.Operation) {
	if err := b.executor.ReleaseOperation(op); err != nil {
		b.logger.Debugf("release operation: %v", err)
	}
}

// DeliverReply is called by whatever reads the messaging client's
// receive connection when a broker reply frame arrives, routing it to
// the matching in-flight request.
func (b *Bridge) DeliverReply(id uuid.UUID, resp Response) bool {
	return b.registry.deliver(id, resp)
}

func (b *Bridge) pruneLoop() {
	ticker := time.NewTicker(b.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.registry.sweepExpired(b.cfg.RequestTimeout, b.cfg.CancelDrainInterval)
		}
	}
}

func (b *Bridge) emit(ev eventMsg) {
	select {
	case b.events <- ev:
	default:
	}
}

func (b *Bridge) fanoutEvents() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case ev := <-b.events:
			for _, ch := range b.wsClients {
				select {
				case ch <- ev:
				default:
				}
			}
		}
	}
}

func (b *Bridge) writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch err {
	case ErrRequestTimeout:
		status = http.StatusGatewayTimeout
	case ErrRequestCanceled:
		status = http.StatusRequestTimeout
	case ErrPermissionDenied:
		status = http.StatusForbidden
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Dispose stops the bridge's background loops. The underlying executor
// and messaging client are owned by the caller and not disposed here.
func (b *Bridge) Dispose() {
	if !b.disposed.CompareAndSwap(false, true) {
		return
	}
	b.cancel()
}

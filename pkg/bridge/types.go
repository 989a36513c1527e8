// Package bridge exposes the execution queue and async executor to the
// outside world as an HTTP service: each inbound request is turned into
// an async operation chained through Prepare, Send, and Wait stages,
// with its result (or timeout) delivered back as an HTTP response.
package bridge

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"
)

// HTTPMetadata captures the parts of an inbound HTTP request that travel
// with it through the broker envelope, independent of the body.
type HTTPMetadata struct {
	Method  string
	Path    string
	Query   string
	Headers http.Header
}

// Envelope is the broker-protocol wire message built by the Prepare
// stage and handed to the messaging client by the Send stage.
type Envelope struct {
	RequestID uuid.UUID
	Target    peer.ID
	TokenType string
	TokenData string
	Metadata  HTTPMetadata
	Body      []byte
}

// Response is what the Wait stage is looking for: either the broker's
// reply to a request, or a locally synthesized timeout/cancel/error.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Err        error
}

// requestEntry is the bridge's bookkeeping record for one in-flight
// request, tracked in the registry between Send and Wait.
type requestEntry struct {
	id        uuid.UUID
	createdAt time.Time
	replyCh   chan Response
	canceled  bool
	cancelAt  time.Time
}

// --- broker protocol wire envelope (spec §4.4/§6) ---

const messageTypeAsyncRPCDispatch = "AsyncRpcDispatch"

// headerPair is one HTTP header name/value, carried as a list rather
// than a map so a header with multiple values survives the round trip.
type headerPair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// httpRequestMetadata is the passThroughUserData payload shape for an
// outbound dispatch.
type httpRequestMetadata struct {
	Method  string       `json:"method"`
	URL     string       `json:"url"`
	Headers []headerPair `json:"headers,omitempty"`
}

type httpRequestMetadataPayload struct {
	HTTPRequestMetadata httpRequestMetadata `json:"httpRequestMetadata"`
}

// httpResponseMetadata is the passThroughUserData payload shape for an
// inbound reply.
type httpResponseMetadata struct {
	HTTPStatusCode int          `json:"httpStatusCode"`
	ContentType    string       `json:"contentType"`
	Headers        []headerPair `json:"headers,omitempty"`
}

type httpResponseMetadataPayload struct {
	HTTPResponseMetadata httpResponseMetadata `json:"httpResponseMetadata"`
}

// securityPrincipal carries the reply's principal id, when the broker
// authenticated one.
type securityPrincipal struct {
	Sid string `json:"sid,omitempty"`
}

type principalIdentityInfo struct {
	SecurityPrincipal securityPrincipal `json:"securityPrincipal"`
}

// protocolEnvelope is the broker-protocol metadata document that travels
// in region B of every block, per spec §6: messageType, conversationId,
// messageId, tokenType, an optional principal identity (inbound replies
// only), and passThroughUserData carrying the HTTP request or response
// metadata.
type protocolEnvelope struct {
	MessageType           string                 `json:"messageType"`
	ConversationID        uuid.UUID              `json:"conversationId"`
	MessageID             uuid.UUID              `json:"messageId"`
	TokenType             string                 `json:"tokenType"`
	PrincipalIdentityInfo *principalIdentityInfo `json:"principalIdentityInfo,omitempty"`
	PassThroughUserData   json.RawMessage        `json:"passThroughUserData,omitempty"`
}

func headersToPairs(h http.Header) []headerPair {
	if len(h) == 0 {
		return nil
	}
	pairs := make([]headerPair, 0, len(h))
	for name, values := range h {
		for _, v := range values {
			pairs = append(pairs, headerPair{Name: name, Value: v})
		}
	}
	return pairs
}

func pairsToHeader(pairs []headerPair) http.Header {
	h := make(http.Header, len(pairs))
	for _, p := range pairs {
		h.Add(p.Name, p.Value)
	}
	return h
}

// errEnvelopeTooShort/errInvalidOffset mark a malformed wire block.
var (
	errEnvelopeTooShort = errors.New("bridge: envelope shorter than its offset1 prefix")
	errInvalidOffset    = errors.New("bridge: offset1 exceeds envelope length")
)

// packRequestEnvelope builds the two-region wire block for an outbound
// dispatch: a 4-byte big-endian offset1 prefix, the raw body (region A),
// then the packed JSON protocolEnvelope (region B) carrying the HTTP
// request metadata as passThroughUserData.
func packRequestEnvelope(env Envelope) ([]byte, error) {
	reqMeta := httpRequestMetadataPayload{HTTPRequestMetadata: httpRequestMetadata{
		Method:  env.Metadata.Method,
		URL:     env.Metadata.Path + metaQuerySuffix(env.Metadata.Query),
		Headers: headersToPairs(env.Metadata.Headers),
	}}
	passThrough, err := json.Marshal(reqMeta)
	if err != nil {
		return nil, err
	}

	pe := protocolEnvelope{
		MessageType:         messageTypeAsyncRPCDispatch,
		ConversationID:      env.RequestID,
		MessageID:           uuid.New(),
		TokenType:           env.TokenType,
		PassThroughUserData: passThrough,
	}
	return packEnvelope(pe, env.Body)
}

func metaQuerySuffix(query string) string {
	if query == "" {
		return ""
	}
	return "?" + query
}

// packEnvelope serializes pe as JSON and concatenates
// [offset1 (4 bytes BE)][body][metadata JSON].
func packEnvelope(pe protocolEnvelope, body []byte) ([]byte, error) {
	metaJSON, err := json.Marshal(pe)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 4+len(body)+len(metaJSON))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	copy(buf[4+len(body):], metaJSON)
	return buf, nil
}

// unpackEnvelope splits raw back into its body (region A) and decoded
// protocolEnvelope (region B), using the leading 4-byte offset1.
func unpackEnvelope(raw []byte) (body []byte, pe protocolEnvelope, err error) {
	if len(raw) < 4 {
		return nil, protocolEnvelope{}, errEnvelopeTooShort
	}
	offset1 := binary.BigEndian.Uint32(raw)
	if int(4+offset1) > len(raw) {
		return nil, protocolEnvelope{}, errInvalidOffset
	}
	body = raw[4 : 4+offset1]
	if err := json.Unmarshal(raw[4+offset1:], &pe); err != nil {
		return nil, protocolEnvelope{}, err
	}
	return body, pe, nil
}

// responseFromEnvelope builds the HMB's HTTP response construction rule:
// body = region A, and if passThroughUserData decodes as an
// HttpResponseMetadata payload, its status/content-type/headers are
// used (Content-Type is applied separately so it isn't duplicated).
// Defaults to 200 / application/octet-stream otherwise.
func responseFromEnvelope(body []byte, pe protocolEnvelope) Response {
	resp := Response{StatusCode: http.StatusOK, Body: body, Headers: make(http.Header)}
	resp.Headers.Set("Content-Type", "application/octet-stream")

	if len(pe.PassThroughUserData) == 0 {
		return resp
	}
	var payload httpResponseMetadataPayload
	if err := json.Unmarshal(pe.PassThroughUserData, &payload); err != nil {
		return resp
	}
	meta := payload.HTTPResponseMetadata
	if meta.HTTPStatusCode != 0 {
		resp.StatusCode = meta.HTTPStatusCode
	}
	if meta.ContentType != "" {
		resp.Headers.Set("Content-Type", meta.ContentType)
	}
	for name, values := range pairsToHeader(meta.Headers) {
		if name == "Content-Type" {
			continue
		}
		for _, v := range values {
			resp.Headers.Add(name, v)
		}
	}
	return resp
}

// hasPrincipal reports whether pe carries a non-empty security principal.
func (pe protocolEnvelope) hasPrincipal() bool {
	return pe.PrincipalIdentityInfo != nil && pe.PrincipalIdentityInfo.SecurityPrincipal.Sid != ""
}

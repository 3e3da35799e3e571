// Package protocol implements the per-call negotiation state machine.
//
// DESIGN: Call flow per request:
//   - INIT:     derive the endpoint key, attach the accept-ID hint when the
//               origin is known to cooperate and a structure is cached
//   - SENT:     forward through the injected transport
//   - classify: passthrough | conflict retry | packet decode | learn
//
// Every recovered error degrades to passthrough or one unoptimized reissue;
// only a genuine transport failure of the underlying call propagates.
package protocol

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	"github.com/synpatico/client/internal/registry"
	"github.com/synpatico/client/pkg/shape"
)

// Wire names of the negotiation protocol.
const (
	// HeaderAcceptID carries the cached structure ID the client can decode.
	HeaderAcceptID = "X-Synpatico-Accept-ID"
	// HeaderAgent marks a cooperating server; absence means passthrough.
	HeaderAgent = "X-Synpatico-Agent"
	// HeaderOriginalSize is the uncompressed byte length, savings metrics only.
	HeaderOriginalSize = "X-Synpatico-Original-Size"

	// ContentTypePacket discriminates a values-only packet from plain JSON.
	ContentTypePacket = "application/vnd.synpatico.packet+json"
	contentTypeJSON   = "application/json"
)

// MaxResponseBytes caps how much of a response body is buffered for
// classification (50MB).
const MaxResponseBytes = 50 * 1024 * 1024

// Codec is the external collaborator that fingerprints shapes and decodes
// packets. The protocol only calls it.
type Codec interface {
	Derive(doc []byte) (*shape.Definition, error)
	Decode(pkt *shape.Packet, def *shape.Definition) ([]byte, error)
}

// Hooks are the lifecycle notification points exposed to the caller.
// All fields are optional.
type Hooks struct {
	OnLearnedStructure func(structureID, endpoint string)
	OnPacketDecoded    func(structureID, url string)
	OnError            func(phase Phase, err error)
	// TransformDecoded may rewrite the decoded or learned JSON body before
	// it is returned. Returning nil keeps the original.
	TransformDecoded func(body []byte) []byte
	OnRequest        func(*http.Request)
	OnResponse       func(*http.Response)
}

// Config assembles a Negotiator.
type Config struct {
	Transport http.RoundTripper
	Registry  *registry.Registry
	Codec     Codec
	// ShouldOptimize gates which URLs take part in negotiation; nil means all.
	ShouldOptimize func(*url.URL) bool
	// MaxBodyBytes caps how much of a response body classification buffers;
	// zero uses MaxResponseBytes.
	MaxBodyBytes int
	Hooks        Hooks
}

// Result is the outcome of one negotiated call.
type Result struct {
	// Response always carries a readable body. For decoded packets the body
	// is the reconstructed JSON with content type reset to plain JSON.
	Response *http.Response
	// Body is the buffered response body when classification read it;
	// nil for bypassed and reissued calls, whose bodies still stream.
	Body []byte

	RequestID   string
	StructureID string
	// Optimized is true when the server answered with a packet that was
	// decoded successfully.
	Optimized bool
	// Learned is true when this call registered a new structure.
	Learned bool
	// Reissued is true when the returned response came from the single
	// unhinted retry (409 conflict or decode fallback).
	Reissued bool
	// CooperatingServer is true when the agent marker was present.
	CooperatingServer bool

	// OriginalSize and CompressedSize are known only for optimized calls;
	// zero means unknown.
	OriginalSize   int
	CompressedSize int
}

// Negotiator runs the negotiation protocol. Safe for concurrent use; each
// call carries independent retry state.
type Negotiator struct {
	transport      http.RoundTripper
	registry       *registry.Registry
	codec          Codec
	shouldOptimize func(*url.URL) bool
	maxBody        int
	hooks          Hooks
	learning       singleflight.Group
}

// New creates a Negotiator, filling in default transport and codec.
func New(cfg Config) *Negotiator {
	if cfg.Transport == nil {
		cfg.Transport = http.DefaultTransport
	}
	if cfg.Codec == nil {
		cfg.Codec = shape.New()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = MaxResponseBytes
	}
	return &Negotiator{
		transport:      cfg.Transport,
		registry:       cfg.Registry,
		codec:          cfg.Codec,
		shouldOptimize: cfg.ShouldOptimize,
		maxBody:        cfg.MaxBodyBytes,
		hooks:          cfg.Hooks,
	}
}

// Perform executes one call through the negotiation state machine.
// Non-GET calls and URLs outside the optimize predicate bypass negotiation
// entirely and stream through unmodified.
func (n *Negotiator) Perform(ctx context.Context, req *http.Request) (*Result, error) {
	requestID := uuid.NewString()
	req = req.Clone(ctx)

	if req.Method != http.MethodGet || (n.shouldOptimize != nil && !n.shouldOptimize(req.URL)) {
		resp, err := n.send(req)
		if err != nil {
			return nil, err
		}
		return &Result{Response: resp, RequestID: requestID}, nil
	}

	key, origin, err := registry.EndpointKey(req.URL.String())
	if err != nil {
		// Malformed URL for key derivation is non-fatal: the call still
		// goes out, it just cannot negotiate.
		n.reportError(PhaseRequest, requestID, &ConfigError{Err: err})
		resp, sendErr := n.send(req)
		if sendErr != nil {
			return nil, sendErr
		}
		return &Result{Response: resp, RequestID: requestID}, nil
	}

	hintedID := ""
	if n.registry.IsOriginOptimizable(origin) {
		if entry, ok := n.registry.Lookup(key); ok {
			req.Header.Set(HeaderAcceptID, entry.StructureID)
			hintedID = entry.StructureID
		}
	}

	resp, err := n.send(req)
	if err != nil {
		return nil, err
	}

	if resp.Header.Get(HeaderAgent) == "" {
		// No cooperating server behind this response.
		return &Result{Response: resp, RequestID: requestID}, nil
	}

	if resp.StatusCode == http.StatusConflict && hintedID != "" {
		// The server no longer knows our structure ID. Drop the stale entry
		// so the next call is unhinted and relearns, then exactly one retry
		// without the hint; its response is returned verbatim.
		n.registry.Forget(key)
		drain(resp)
		log.Debug().
			Str("request_id", requestID).
			Str("structure_id", hintedID).
			Str("endpoint", key).
			Msg("negotiation: stale structure forgotten, retrying without hint")
		return n.reissue(ctx, req, requestID)
	}

	body, overflow, err := n.readBody(resp)
	if err != nil {
		return nil, err
	}
	if overflow {
		// Too large to classify; the intact body keeps streaming and this
		// call skips negotiation.
		n.reportError(PhaseResponse, requestID,
			fmt.Errorf("response body exceeds %d bytes, skipping negotiation", n.maxBody))
		return &Result{Response: resp, RequestID: requestID, CooperatingServer: true}, nil
	}

	ct := resp.Header.Get("Content-Type")
	switch {
	case strings.Contains(ct, ContentTypePacket):
		return n.decodePacket(ctx, req, resp, body, key, requestID)
	case strings.Contains(ct, contentTypeJSON) && gjson.ParseBytes(body).IsObject():
		return n.learn(resp, body, key, origin, requestID)
	default:
		restoreBody(resp, body)
		return &Result{Response: resp, Body: body, RequestID: requestID, CooperatingServer: true}, nil
	}
}

// decodePacket handles a values-only packet response. Any failure degrades
// to one unoptimized reissue of the same call.
func (n *Negotiator) decodePacket(ctx context.Context, req *http.Request, resp *http.Response, body []byte, key, requestID string) (*Result, error) {
	pkt, err := shape.ParsePacket(body)
	if err != nil {
		n.reportError(PhaseDecode, requestID, &ParseError{Err: err})
		return n.reissue(ctx, req, requestID)
	}

	entry, ok := n.registry.LookupByStructureID(pkt.StructureID)
	if !ok {
		n.reportError(PhaseDecode, requestID, &UnknownStructureError{StructureID: pkt.StructureID})
		return n.reissue(ctx, req, requestID)
	}

	decoded, err := n.codec.Decode(pkt, entry.Definition)
	if err != nil {
		// The registered definition no longer fits what the server sends.
		// Drop it so the next call relearns instead of looping on failures.
		n.registry.Forget(key)
		n.reportError(PhaseDecode, requestID, &DecodeError{StructureID: pkt.StructureID, Err: err})
		return n.reissue(ctx, req, requestID)
	}

	originalSize := 0
	if v := resp.Header.Get(HeaderOriginalSize); v != "" {
		// Non-numeric means unknown, never an error.
		if size, convErr := strconv.Atoi(v); convErr == nil && size > 0 {
			originalSize = size
		}
	}

	n.registry.RememberRequest(req.URL.String(), pkt.StructureID)
	if n.hooks.OnPacketDecoded != nil {
		n.hooks.OnPacketDecoded(pkt.StructureID, req.URL.String())
	}
	if n.hooks.TransformDecoded != nil {
		if transformed := n.hooks.TransformDecoded(decoded); transformed != nil {
			decoded = transformed
		}
	}

	log.Debug().
		Str("request_id", requestID).
		Str("structure_id", pkt.StructureID).
		Int("packet_bytes", len(body)).
		Int("decoded_bytes", len(decoded)).
		Msg("negotiation: packet decoded")

	resp.Header.Set("Content-Type", contentTypeJSON)
	restoreBody(resp, decoded)
	return &Result{
		Response:          resp,
		Body:              decoded,
		RequestID:         requestID,
		StructureID:       pkt.StructureID,
		Optimized:         true,
		CooperatingServer: true,
		OriginalSize:      originalSize,
		CompressedSize:    len(body),
	}, nil
}

// learn registers the structure of a plain-object JSON response. Concurrent
// first-time calls to the same endpoint share one registration.
func (n *Negotiator) learn(resp *http.Response, body []byte, key, origin, requestID string) (*Result, error) {
	v, err, _ := n.learning.Do(key, func() (any, error) {
		def, deriveErr := n.codec.Derive(body)
		if deriveErr != nil {
			return nil, deriveErr
		}
		n.registry.Register(key, def)
		n.registry.MarkOriginOptimizable(origin)
		return def.StructureID, nil
	})
	if err != nil {
		n.reportError(PhaseLearn, requestID, err)
		restoreBody(resp, body)
		return &Result{Response: resp, Body: body, RequestID: requestID, CooperatingServer: true}, nil
	}

	structureID := v.(string)
	n.registry.RememberRequest(resp.Request.URL.String(), structureID)
	if n.hooks.OnLearnedStructure != nil {
		n.hooks.OnLearnedStructure(structureID, key)
	}
	if n.hooks.TransformDecoded != nil {
		if transformed := n.hooks.TransformDecoded(body); transformed != nil {
			body = transformed
		}
	}

	log.Debug().
		Str("request_id", requestID).
		Str("structure_id", structureID).
		Str("endpoint", key).
		Msg("negotiation: structure learned")

	restoreBody(resp, body)
	return &Result{
		Response:          resp,
		Body:              body,
		RequestID:         requestID,
		StructureID:       structureID,
		Learned:           true,
		CooperatingServer: true,
	}, nil
}

// reissue sends the identical call once without the negotiation hint and
// returns its response verbatim, whatever its classification. The GET-only
// guard holds for every fallback path uniformly.
func (n *Negotiator) reissue(ctx context.Context, req *http.Request, requestID string) (*Result, error) {
	retry := req.Clone(ctx)
	retry.Header.Del(HeaderAcceptID)

	resp, err := n.send(retry)
	if err != nil {
		return nil, err
	}
	return &Result{Response: resp, RequestID: requestID, Reissued: true}, nil
}

func (n *Negotiator) send(req *http.Request) (*http.Response, error) {
	if n.hooks.OnRequest != nil {
		n.hooks.OnRequest(req)
	}
	resp, err := n.transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.Request == nil {
		resp.Request = req
	}
	if n.hooks.OnResponse != nil {
		n.hooks.OnResponse(resp)
	}
	return resp, nil
}

func (n *Negotiator) reportError(phase Phase, requestID string, err error) {
	log.Debug().
		Str("request_id", requestID).
		Str("phase", string(phase)).
		Err(err).
		Msg("negotiation: recovered error")
	if n.hooks.OnError != nil {
		n.hooks.OnError(phase, err)
	}
}

// readBody buffers the response body up to the classification cap. When the
// body is larger, it is not consumed: the buffered prefix is stitched back in
// front of the unread remainder so the caller still sees the whole stream.
func (n *Negotiator) readBody(resp *http.Response) (body []byte, overflow bool, err error) {
	body, err = io.ReadAll(io.LimitReader(resp.Body, int64(n.maxBody)+1))
	if err != nil {
		_ = resp.Body.Close()
		return nil, false, err
	}
	if len(body) > n.maxBody {
		resp.Body = &prefixedBody{
			Reader: io.MultiReader(bytes.NewReader(body), resp.Body),
			closer: resp.Body,
		}
		return nil, true, nil
	}
	_ = resp.Body.Close()
	return body, false, nil
}

type prefixedBody struct {
	io.Reader
	closer io.Closer
}

func (p *prefixedBody) Close() error { return p.closer.Close() }

func restoreBody(resp *http.Response, body []byte) {
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

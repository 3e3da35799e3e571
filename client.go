package synpatico

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/synpatico/client/internal/protocol"
	"github.com/synpatico/client/internal/registry"
	"github.com/synpatico/client/internal/telemetry"
	"github.com/synpatico/client/pkg/instrument"
)

// Client is the explicit entry point for negotiated calls. All state (the
// structure registry, telemetry aggregation) lives on the Client, so the
// owner controls creation and teardown; there are no package-level
// singletons.
type Client struct {
	registry   *registry.Registry
	negotiator *protocol.Negotiator
	telemetry  *telemetry.Aggregator
	instrument instrument.Options
}

// New creates a Client. Call Close when done so buffered telemetry gets a
// final flush.
func New(cfg Config) *Client {
	reg := registry.New()

	agg := telemetry.New(telemetry.Config{
		Enabled:       cfg.Telemetry.Enabled,
		Endpoint:      cfg.Telemetry.Endpoint,
		BatchInterval: cfg.Telemetry.BatchInterval,
		MaxBatchSize:  cfg.Telemetry.MaxBatchSize,
		SampleRate:    cfg.Telemetry.SampleRate,
		PathsMode:     telemetry.PathsMode(cfg.Telemetry.PathsMode),
	}, reg.Ordinal)

	neg := protocol.New(protocol.Config{
		Transport:      cfg.Transport,
		Registry:       reg,
		ShouldOptimize: cfg.ShouldOptimize,
		Hooks: protocol.Hooks{
			OnLearnedStructure: cfg.Hooks.OnLearnedStructure,
			OnPacketDecoded:    cfg.Hooks.OnPacketDecoded,
			OnError:            cfg.Hooks.OnError,
			TransformDecoded:   cfg.Hooks.TransformDecoded,
			OnRequest:          cfg.Hooks.OnRequest,
			OnResponse:         cfg.Hooks.OnResponse,
		},
	})

	return &Client{
		registry:   reg,
		negotiator: neg,
		telemetry:  agg,
		instrument: cfg.Instrument,
	}
}

// Response is the outcome of one call through the client.
type Response struct {
	*http.Response

	// Body is the buffered body when negotiation classified the response;
	// nil when the call bypassed negotiation and the body still streams.
	Body []byte

	RequestID   string
	StructureID string
	// Optimized is true when the server answered with a packet that was
	// decoded back into plain JSON.
	Optimized bool
	// Learned is true when this call registered a new structure.
	Learned bool
	// Reissued is true when the returned response came from the single
	// unoptimized fallback reissue of the call.
	Reissued bool

	originalSize   int
	compressedSize int
	client         *Client
}

// Do performs one call through the negotiation protocol. The only error it
// returns is a genuine transport failure of the underlying call; every
// protocol-level problem is recovered internally.
func (c *Client) Do(ctx context.Context, req *http.Request) (*Response, error) {
	res, err := c.negotiator.Perform(ctx, req)
	if err != nil {
		return nil, err
	}

	if res.CooperatingServer {
		c.telemetry.RecordRequest(telemetry.RequestEvent{
			URL:            req.URL.String(),
			WasOptimized:   res.Optimized,
			OriginalSize:   res.OriginalSize,
			CompressedSize: res.CompressedSize,
			Timestamp:      time.Now(),
		})
	}

	return &Response{
		Response:       res.Response,
		Body:           res.Body,
		RequestID:      res.RequestID,
		StructureID:    res.StructureID,
		Optimized:      res.Optimized,
		Learned:        res.Learned,
		Reissued:       res.Reissued,
		originalSize:   res.OriginalSize,
		compressedSize: res.CompressedSize,
		client:         c,
	}, nil
}

// Get performs a GET call to a URL.
func (c *Client) Get(ctx context.Context, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, req)
}

// Value decodes the response body and wraps it for access instrumentation.
// Field reads on the returned value flow into the telemetry aggregator.
func (r *Response) Value() (*instrument.Value, error) {
	body := r.Body
	if body == nil {
		read, err := io.ReadAll(r.Response.Body)
		if err != nil {
			return nil, err
		}
		_ = r.Response.Body.Close()
		r.Body = read
		body = read
	}

	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decoding response body: %w", err)
	}

	// Reissued fallbacks carry no structure ID of their own; the request
	// cache still knows what this URL resolved to last time.
	structureID := r.StructureID
	if structureID == "" {
		if id, ok := r.client.registry.StructureIDForRequest(r.Response.Request.URL.String()); ok {
			structureID = id
		}
	}

	ctx := instrument.Context{
		URL:            r.Response.Request.URL.String(),
		StructureID:    structureID,
		WasOptimized:   r.Optimized,
		OriginalSize:   r.originalSize,
		CompressedSize: r.compressedSize,
	}
	return instrument.Wrap(decoded, ctx, r.client.instrument, r.client.telemetry.RecordAccess), nil
}

// Transport returns an http.RoundTripper that routes calls through this
// client, for legacy embeddings that can only swap a transport.
func (c *Client) Transport() http.RoundTripper {
	return &roundTripper{client: c}
}

type roundTripper struct {
	client *Client
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	res, err := rt.client.Do(req.Context(), req)
	if err != nil {
		return nil, err
	}
	return res.Response, nil
}

// Reset clears the structure registry. Calls made afterward renegotiate
// from scratch and carry no hint until their endpoint is re-learned.
func (c *Client) Reset() {
	c.registry.Reset()
}

// ResetTelemetry clears all telemetry counters, buckets, and buffers.
func (c *Client) ResetTelemetry() {
	c.telemetry.Reset()
}

// Flush forces delivery of buffered telemetry, bounded by ctx.
func (c *Client) Flush(ctx context.Context) {
	c.telemetry.Flush(ctx)
}

// Close flushes telemetry once more and stops background work.
func (c *Client) Close() {
	c.telemetry.Close()
}

// Stats is a snapshot of the client's running telemetry totals.
type Stats struct {
	TotalRequests       int64
	OptimizedRequests   int64
	PassthroughRequests int64
	BytesSaved          int64
	SavingsPercent      float64
	DroppedEvents       int64
	BatchesSent         int64
	BatchesDropped      int64
}

// Stats returns the current totals.
func (c *Client) Stats() Stats {
	s := c.telemetry.Stats()
	return Stats{
		TotalRequests:       s.TotalRequests,
		OptimizedRequests:   s.OptimizedRequests,
		PassthroughRequests: s.PassthroughRequests,
		BytesSaved:          s.BytesSaved,
		SavingsPercent:      s.SavingsPercent,
		DroppedEvents:       s.DroppedEvents,
		BatchesSent:         s.BatchesSent,
		BatchesDropped:      s.BatchesDropped,
	}
}

// SavingsReport returns a formatted savings summary for display.
func (c *Client) SavingsReport() string {
	return c.telemetry.FormatReport()
}

// Package synpatico is a client-side optimization layer for JSON-over-HTTP
// call paths. It learns the structure of JSON responses from cooperating
// servers, negotiates compact values-only packets on later calls, and
// instruments decoded values to report which fields applications actually
// read.
package synpatico

import (
	"net/http"
	"net/url"
	"time"

	"github.com/synpatico/client/internal/protocol"
	"github.com/synpatico/client/pkg/instrument"
)

// Wire names, re-exported for servers and tests that speak the protocol.
const (
	HeaderAcceptID     = protocol.HeaderAcceptID
	HeaderAgent        = protocol.HeaderAgent
	HeaderOriginalSize = protocol.HeaderOriginalSize
	ContentTypePacket  = protocol.ContentTypePacket
)

// Phase tags where a recovered error occurred; see Hooks.OnError.
type Phase = protocol.Phase

const (
	PhaseRequest  = protocol.PhaseRequest
	PhaseResponse = protocol.PhaseResponse
	PhaseDecode   = protocol.PhaseDecode
	PhaseLearn    = protocol.PhaseLearn
)

// Hooks are optional lifecycle notification points. Every recovered error
// reaches OnError with its phase; none of them ever fail the call.
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

// TelemetryOptions configure batching and delivery of usage telemetry.
type TelemetryOptions struct {
	Enabled  bool
	Endpoint string
	// BatchInterval is the flush timer; zero uses the default (5s).
	BatchInterval time.Duration
	// MaxBatchSize flushes early once this many events are buffered.
	MaxBatchSize int
	// SampleRate downsamples access events; zero keeps everything.
	SampleRate float64
	// PathsMode is "strings" (default) or "ordinals".
	PathsMode string
}

// Config assembles a Client. The zero value is usable: every call passes
// through negotiation with defaults and telemetry disabled.
type Config struct {
	// ShouldOptimize gates which URLs take part in negotiation; nil means
	// every GET is eligible.
	ShouldOptimize func(*url.URL) bool
	// Transport is the underlying call mechanism; nil uses
	// http.DefaultTransport.
	Transport http.RoundTripper

	Hooks      Hooks
	Instrument instrument.Options
	Telemetry  TelemetryOptions
}

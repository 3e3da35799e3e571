package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Delivery timeouts. The beacon attempt is deliberately short: it mirrors a
// fire-and-forget send, and the standard client is the fallback.
const (
	beaconTimeout   = 1 * time.Second
	deliveryTimeout = 10 * time.Second
)

const userAgent = "synpatico-client/1.0"

// TransportError reports a failed telemetry delivery. It is always
// swallowed by the aggregator after logging.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("delivering telemetry: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// payload is one wire batch.
type payload struct {
	BatchID      string          `json:"batchId"`
	SentAt       time.Time       `json:"sentAt"`
	Requests     []RequestEvent  `json:"requests,omitempty"`
	AccessCounts []bucketPayload `json:"accessCounts,omitempty"`
}

// bucketPayload carries path counts for one (structure, endpoint) bucket.
// Exactly one of Paths and Ordinals is normally set, per PathsMode.
type bucketPayload struct {
	StructureID string         `json:"structureId,omitempty"`
	Endpoint    string         `json:"endpoint"`
	Paths       map[string]int `json:"paths,omitempty"`
	Ordinals    map[string]int `json:"ordinals,omitempty"`
}

func newPayload() *payload {
	return &payload{
		BatchID: uuid.NewString(),
		SentAt:  time.Now().UTC(),
	}
}

// sender posts batches to the collector endpoint.
type sender struct {
	endpoint string
	beacon   *http.Client
	standard *http.Client
}

func newSender(endpoint string) *sender {
	return &sender{
		endpoint: endpoint,
		beacon:   &http.Client{Timeout: beaconTimeout},
		standard: &http.Client{Timeout: deliveryTimeout},
	}
}

// deliver tries the lightweight send first, then one standard attempt.
func (s *sender) deliver(p *payload) error {
	if s.endpoint == "" {
		return &TransportError{Err: fmt.Errorf("no collector endpoint configured")}
	}

	data, err := json.Marshal(p)
	if err != nil {
		return &TransportError{Err: err}
	}

	if err := s.post(s.beacon, data); err == nil {
		return nil
	}
	if err := s.post(s.standard, data); err != nil {
		return &TransportError{Err: err}
	}
	return nil
}

func (s *sender) post(client *http.Client, data []byte) error {
	req, err := http.NewRequest(http.MethodPost, s.endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("collector returned status %d", resp.StatusCode)
	}
	return nil
}

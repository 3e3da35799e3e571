// Package telemetry aggregates access and request events into bounded
// per-(structure, endpoint) buckets and delivers them in batches.
//
// DESIGN: Call sites only enqueue onto a bounded channel and never wait; a
// single background worker owns all aggregation state. Batches flush on
// size, on a timer, on explicit request, and on Close. Delivery is
// best-effort: a failed batch is dropped and accumulation continues.
package telemetry

import (
	"context"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/synpatico/client/internal/registry"
	"github.com/synpatico/client/pkg/instrument"
)

// MaxPathsPerBucket caps distinct paths per bucket. Paths past the cap are
// silently dropped, never an error.
const MaxPathsPerBucket = 5000

// Defaults applied when Config leaves fields zero.
const (
	DefaultBatchInterval = 5 * time.Second
	DefaultMaxBatchSize  = 200
	DefaultQueueSize     = 1024
)

// PathsMode selects how access paths travel on the wire.
type PathsMode string

const (
	// PathsStrings sends dotted path strings.
	PathsStrings PathsMode = "strings"
	// PathsOrdinals sends small integers resolved through the structure's
	// path-ordinal table, a bandwidth optimization.
	PathsOrdinals PathsMode = "ordinals"
)

// Config controls batching and delivery.
type Config struct {
	Enabled       bool
	Endpoint      string
	BatchInterval time.Duration
	MaxBatchSize  int
	// SampleRate downsamples access events; zero means keep everything.
	SampleRate float64
	PathsMode  PathsMode
	QueueSize  int
}

func (c Config) withDefaults() Config {
	if c.BatchInterval <= 0 {
		c.BatchInterval = DefaultBatchInterval
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.PathsMode == "" {
		c.PathsMode = PathsStrings
	}
	return c
}

// RequestEvent records one negotiated call for the running totals.
type RequestEvent struct {
	URL            string    `json:"url"`
	WasOptimized   bool      `json:"wasOptimized"`
	OriginalSize   int       `json:"originalSize,omitempty"`
	CompressedSize int       `json:"compressedSize,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// OrdinalFunc resolves a path to its ordinal within a structure definition.
type OrdinalFunc func(structureID, path string) (int, bool)

type event struct {
	access  *instrument.AccessEvent
	request *RequestEvent
}

type ctrlKind int

const (
	ctrlFlush ctrlKind = iota
	ctrlReset
	ctrlStop
)

type ctrlMsg struct {
	kind ctrlKind
	done chan struct{}
}

// Aggregator consumes events and flushes batches to a collector.
type Aggregator struct {
	cfg     Config
	ordinal OrdinalFunc
	sender  *sender

	// Running totals, readable at any time without the worker.
	totalRequests     atomic.Int64
	optimizedRequests atomic.Int64
	bytesOriginal     atomic.Int64
	bytesSaved        atomic.Int64
	droppedEvents     atomic.Int64
	batchesSent       atomic.Int64
	batchesDropped    atomic.Int64

	events    chan event
	ctrl      chan ctrlMsg
	stopped   chan struct{}
	closeOnce sync.Once
}

// New creates an aggregator and, when enabled, starts its worker.
func New(cfg Config, ordinal OrdinalFunc) *Aggregator {
	cfg = cfg.withDefaults()
	a := &Aggregator{
		cfg:     cfg,
		ordinal: ordinal,
		sender:  newSender(cfg.Endpoint),
		events:  make(chan event, cfg.QueueSize),
		ctrl:    make(chan ctrlMsg),
		stopped: make(chan struct{}),
	}
	if cfg.Enabled {
		go a.run()
	} else {
		close(a.stopped)
	}
	return a
}

// RecordAccess enqueues one field access. Never blocks; a full queue drops
// the event.
func (a *Aggregator) RecordAccess(ev instrument.AccessEvent) {
	if !a.cfg.Enabled {
		return
	}
	if a.cfg.SampleRate > 0 && a.cfg.SampleRate < 1 && rand.Float64() >= a.cfg.SampleRate {
		return
	}
	select {
	case a.events <- event{access: &ev}:
	default:
		a.droppedEvents.Add(1)
	}
}

// RecordRequest updates the running totals and enqueues the event for the
// next batch. Bandwidth saved counts only optimized requests with both
// sizes known.
func (a *Aggregator) RecordRequest(ev RequestEvent) {
	a.totalRequests.Add(1)
	if ev.WasOptimized {
		a.optimizedRequests.Add(1)
		if ev.OriginalSize > 0 && ev.CompressedSize > 0 {
			a.bytesOriginal.Add(int64(ev.OriginalSize))
			if ev.OriginalSize > ev.CompressedSize {
				a.bytesSaved.Add(int64(ev.OriginalSize - ev.CompressedSize))
			}
		}
	}
	if !a.cfg.Enabled {
		return
	}
	select {
	case a.events <- event{request: &ev}:
	default:
		a.droppedEvents.Add(1)
	}
}

// Flush forces delivery of everything buffered so far and waits for the
// attempt to finish or the context to expire.
func (a *Aggregator) Flush(ctx context.Context) {
	a.control(ctx, ctrlFlush)
}

// Reset clears all counters, buckets, and buffers.
func (a *Aggregator) Reset() {
	a.totalRequests.Store(0)
	a.optimizedRequests.Store(0)
	a.bytesOriginal.Store(0)
	a.bytesSaved.Store(0)
	a.droppedEvents.Store(0)
	a.batchesSent.Store(0)
	a.batchesDropped.Store(0)
	a.control(context.Background(), ctrlReset)
}

// Close flushes once more and stops the worker. Safe to call twice.
func (a *Aggregator) Close() {
	a.closeOnce.Do(func() {
		if !a.cfg.Enabled {
			return
		}
		done := make(chan struct{})
		select {
		case a.ctrl <- ctrlMsg{kind: ctrlStop, done: done}:
			<-done
		case <-a.stopped:
		}
	})
}

func (a *Aggregator) control(ctx context.Context, kind ctrlKind) {
	if !a.cfg.Enabled {
		return
	}
	done := make(chan struct{})
	select {
	case a.ctrl <- ctrlMsg{kind: kind, done: done}:
	case <-a.stopped:
		return
	case <-ctx.Done():
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

type bucketKey struct {
	structureID string
	endpoint    string
}

// run is the aggregation worker. It alone touches buckets and the buffer.
func (a *Aggregator) run() {
	defer close(a.stopped)

	ticker := time.NewTicker(a.cfg.BatchInterval)
	defer ticker.Stop()

	buckets := make(map[bucketKey]map[string]int)
	var requests []RequestEvent
	pending := 0

	flush := func() {
		if pending == 0 {
			return
		}
		a.deliver(buckets, requests)
		buckets = make(map[bucketKey]map[string]int)
		requests = nil
		pending = 0
	}

	for {
		select {
		case ev := <-a.events:
			switch {
			case ev.access != nil:
				if a.bucketAdd(buckets, ev.access) {
					pending++
				}
			case ev.request != nil:
				requests = append(requests, *ev.request)
				pending++
			}
			if pending >= a.cfg.MaxBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case msg := <-a.ctrl:
			// Drain anything already enqueued so explicit flushes and
			// resets see every event recorded before the call.
			drained := true
			for drained {
				select {
				case ev := <-a.events:
					switch {
					case ev.access != nil:
						if a.bucketAdd(buckets, ev.access) {
							pending++
						}
					case ev.request != nil:
						requests = append(requests, *ev.request)
						pending++
					}
				default:
					drained = false
				}
			}
			switch msg.kind {
			case ctrlFlush:
				flush()
			case ctrlReset:
				buckets = make(map[bucketKey]map[string]int)
				requests = nil
				pending = 0
			case ctrlStop:
				flush()
				close(msg.done)
				return
			}
			close(msg.done)
		}
	}
}

// bucketAdd counts one access in its bucket, honoring the path cap.
func (a *Aggregator) bucketAdd(buckets map[bucketKey]map[string]int, ev *instrument.AccessEvent) bool {
	key := bucketKey{
		structureID: ev.StructureID,
		endpoint:    endpointOf(ev.URL),
	}
	paths := buckets[key]
	if paths == nil {
		paths = make(map[string]int)
		buckets[key] = paths
	}
	path := strings.Join(ev.Path, ".")
	if _, known := paths[path]; !known && len(paths) >= MaxPathsPerBucket {
		return false
	}
	paths[path]++
	return true
}

// deliver marshals one batch and hands it to the sender. Failures drop the
// batch; accumulation continues regardless.
func (a *Aggregator) deliver(buckets map[bucketKey]map[string]int, requests []RequestEvent) {
	p := a.buildPayload(buckets, requests)
	if err := a.sender.deliver(p); err != nil {
		a.batchesDropped.Add(1)
		log.Debug().Err(err).Str("batch_id", p.BatchID).Msg("telemetry: batch dropped")
		return
	}
	a.batchesSent.Add(1)
}

func (a *Aggregator) buildPayload(buckets map[bucketKey]map[string]int, requests []RequestEvent) *payload {
	p := newPayload()
	p.Requests = requests

	for key, paths := range buckets {
		bp := bucketPayload{
			StructureID: key.structureID,
			Endpoint:    key.endpoint,
		}
		if a.cfg.PathsMode == PathsOrdinals && a.ordinal != nil && key.structureID != "" {
			bp.Ordinals = make(map[string]int, len(paths))
			for path, count := range paths {
				if ord, ok := a.ordinal(key.structureID, path); ok {
					bp.Ordinals[strconv.Itoa(ord)] += count
				} else {
					// No ordinal for this path; keep the string form
					// rather than lose the count.
					if bp.Paths == nil {
						bp.Paths = make(map[string]int)
					}
					bp.Paths[path] += count
				}
			}
		} else {
			bp.Paths = paths
		}
		p.AccessCounts = append(p.AccessCounts, bp)
	}
	return p
}

// endpointOf strips query and fragment so bucket keys line up with the
// registry's endpoint keys.
func endpointOf(raw string) string {
	if raw == "" {
		return ""
	}
	key, _, err := registry.EndpointKey(raw)
	if err != nil {
		return raw
	}
	return key
}

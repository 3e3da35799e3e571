package telemetry

import (
	"fmt"
	"strings"
)

// Stats is a snapshot of the running totals.
type Stats struct {
	TotalRequests       int64   `json:"total_requests"`
	OptimizedRequests   int64   `json:"optimized_requests"`
	PassthroughRequests int64   `json:"passthrough_requests"`
	BytesSaved          int64   `json:"bytes_saved"`
	SavingsPercent      float64 `json:"savings_percent"`
	DroppedEvents       int64   `json:"dropped_events"`
	BatchesSent         int64   `json:"batches_sent"`
	BatchesDropped      int64   `json:"batches_dropped"`
}

// Stats returns the current totals. Safe to call from any goroutine.
func (a *Aggregator) Stats() Stats {
	total := a.totalRequests.Load()
	optimized := a.optimizedRequests.Load()
	original := a.bytesOriginal.Load()
	saved := a.bytesSaved.Load()

	var savingsPercent float64
	if original > 0 {
		savingsPercent = float64(saved) / float64(original) * 100
	}

	return Stats{
		TotalRequests:       total,
		OptimizedRequests:   optimized,
		PassthroughRequests: total - optimized,
		BytesSaved:          saved,
		SavingsPercent:      savingsPercent,
		DroppedEvents:       a.droppedEvents.Load(),
		BatchesSent:         a.batchesSent.Load(),
		BatchesDropped:      a.batchesDropped.Load(),
	}
}

// FormatReport returns a human-readable savings summary for CLI display.
func (a *Aggregator) FormatReport() string {
	s := a.Stats()

	var sb strings.Builder
	sb.WriteString("Synpatico Savings Report\n")
	sb.WriteString("========================\n")
	fmt.Fprintf(&sb, "  Optimized requests:  %d / %d\n", s.OptimizedRequests, s.TotalRequests)
	fmt.Fprintf(&sb, "  Bandwidth saved:     %s", formatBytes(s.BytesSaved))
	if s.SavingsPercent > 0 {
		fmt.Fprintf(&sb, "  (%.1f%%)", s.SavingsPercent)
	}
	sb.WriteString("\n")
	if s.BatchesSent > 0 || s.BatchesDropped > 0 {
		fmt.Fprintf(&sb, "  Telemetry batches:   %d sent, %d dropped\n", s.BatchesSent, s.BatchesDropped)
	}
	if s.DroppedEvents > 0 {
		fmt.Fprintf(&sb, "  Events dropped:      %d\n", s.DroppedEvents)
	}
	return sb.String()
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/float64(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/float64(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

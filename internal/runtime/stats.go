package runtime

import (
	"math"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/postrelay/internal/runtime/errors"
	"github.com/drblury/postrelay/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/postrelay/internal/runtime/logging"
)

const (
	latencySampleSize = 256
	throughputSeconds = 60
)

type ErrorCategory string

const (
	ErrorCategoryNone      ErrorCategory = "none"
	ErrorCategoryMalformed ErrorCategory = "malformed"
	ErrorCategoryApply     ErrorCategory = "apply"
	ErrorCategoryTransport ErrorCategory = "transport"
	ErrorCategoryOther     ErrorCategory = "other"
)

// ErrorClassifier maps a handler error to the category it is counted under.
type ErrorClassifier func(error) ErrorCategory

func defaultErrorClassifier(err error) ErrorCategory {
	switch {
	case err == nil:
		return ErrorCategoryNone
	case errspkg.IsMalformed(err):
		return ErrorCategoryMalformed
	case errspkg.IsApplyFailure(err):
		return ErrorCategoryApply
	case errspkg.IsTransport(err):
		return ErrorCategoryTransport
	default:
		return ErrorCategoryOther
	}
}

// HandlerInfo describes a registered handler for the handlers endpoint.
type HandlerInfo struct {
	Name         string        `json:"name"`
	ConsumeQueue string        `json:"consume_queue"`
	Durable      bool          `json:"durable"`
	Stats        *HandlerStats `json:"stats"`
}

// HandlerStats records what one relay handler did with its messages. It is
// safe for concurrent use and serialises as a StatsSnapshot.
type HandlerStats struct {
	mu sync.Mutex

	inFlight  uint64
	outcomes  map[ErrorCategory]uint64
	busy      time.Duration
	lastAt    time.Time
	lastError string

	latency *latencyWindow
	rate    *throughputWindow
	now     func() time.Time
}

// StatsSnapshot is a point-in-time copy of HandlerStats.
type StatsSnapshot struct {
	Processed       uint64                   `json:"processed"`
	Applied         uint64                   `json:"applied"`
	Dropped         uint64                   `json:"dropped"`
	Failed          uint64                   `json:"failed"`
	InFlight        uint64                   `json:"in_flight"`
	BusyNs          int64                    `json:"busy_ns"`
	LastProcessedAt time.Time                `json:"last_processed_at"`
	Latency         LatencyMetrics           `json:"latency"`
	Throughput      ThroughputMetrics        `json:"throughput"`
	Errors          map[ErrorCategory]uint64 `json:"errors"`
	LastError       string                   `json:"last_error,omitempty"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    int     `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
}

func newHandlerStats() *HandlerStats {
	return &HandlerStats{
		outcomes: make(map[ErrorCategory]uint64),
		latency:  newLatencyWindow(latencySampleSize),
		rate:     newThroughputWindow(throughputSeconds),
		now:      time.Now,
	}
}

func (h *HandlerStats) begin() {
	h.mu.Lock()
	h.inFlight++
	h.mu.Unlock()
}

func (h *HandlerStats) finish(took time.Duration, err error, classify ErrorClassifier) {
	category := classify(err)
	if err != nil && category == ErrorCategoryNone {
		category = ErrorCategoryOther
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.inFlight > 0 {
		h.inFlight--
	}
	h.outcomes[category]++
	if err != nil {
		h.lastError = err.Error()
	}
	h.busy += took
	h.lastAt = h.now().UTC()
	h.latency.add(took)
	h.rate.add(h.lastAt)
}

// Snapshot copies the current counters. Malformed messages count as dropped
// because the drop middleware acknowledges them.
func (h *HandlerStats) Snapshot() StatsSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	snap := StatsSnapshot{
		Applied:         h.outcomes[ErrorCategoryNone],
		Dropped:         h.outcomes[ErrorCategoryMalformed],
		InFlight:        h.inFlight,
		BusyNs:          int64(h.busy),
		LastProcessedAt: h.lastAt,
		Latency:         h.latency.snapshot(),
		Throughput:      h.rate.snapshot(h.now()),
		Errors:          make(map[ErrorCategory]uint64, len(h.outcomes)),
		LastError:       h.lastError,
	}
	for category, n := range h.outcomes {
		snap.Processed += n
		if category == ErrorCategoryNone {
			continue
		}
		snap.Errors[category] = n
		if category != ErrorCategoryMalformed {
			snap.Failed += n
		}
	}
	return snap
}

func (h *HandlerStats) MarshalJSON() ([]byte, error) {
	return jsoncodec.Marshal(h.Snapshot())
}

func wrapHandlerWithStats(handler message.NoPublishHandlerFunc, stats *HandlerStats, classify ErrorClassifier) message.NoPublishHandlerFunc {
	if classify == nil {
		classify = defaultErrorClassifier
	}
	return func(msg *message.Message) error {
		stats.begin()
		start := time.Now()
		err := handler(msg)
		stats.finish(time.Since(start), err, classify)
		return err
	}
}

// latencyWindow keeps the most recent samples in a ring.
type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) add(d time.Duration) {
	lw.last = int64(d)
	lw.samples[lw.next] = lw.last
	lw.next = (lw.next + 1) % len(lw.samples)
	lw.filled = min(lw.filled+1, len(lw.samples))
}

func (lw *latencyWindow) snapshot() LatencyMetrics {
	m := LatencyMetrics{LastNs: lw.last, SampleSize: lw.filled}
	if lw.filled == 0 {
		return m
	}

	// until the ring wraps only the first filled slots hold samples
	sorted := slices.Clone(lw.samples[:lw.filled])
	slices.Sort(sorted)

	var sum int64
	for _, v := range sorted {
		sum += v
	}
	m.AverageNs = sum / int64(len(sorted))
	m.P50Ns = percentile(sorted, 0.50)
	m.P95Ns = percentile(sorted, 0.95)
	m.P99Ns = percentile(sorted, 0.99)
	return m
}

// percentile interpolates linearly between the closest ranks of sorted.
func percentile(sorted []int64, q float64) int64 {
	n := len(sorted)
	switch {
	case n == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[n-1]
	}
	pos := q * float64(n-1)
	lo := int(math.Floor(pos))
	hi := min(lo+1, n-1)
	return sorted[lo] + int64(float64(sorted[hi]-sorted[lo])*(pos-float64(lo)))
}

// throughputWindow counts messages in one-second buckets over a fixed
// number of seconds.
type throughputWindow struct {
	counts  []uint64
	seconds []int64
}

func newThroughputWindow(seconds int) *throughputWindow {
	if seconds <= 0 {
		seconds = throughputSeconds
	}
	return &throughputWindow{
		counts:  make([]uint64, seconds),
		seconds: make([]int64, seconds),
	}
}

func (tw *throughputWindow) add(at time.Time) {
	sec := at.Unix()
	i := int(sec % int64(len(tw.counts)))
	if tw.seconds[i] != sec {
		tw.seconds[i] = sec
		tw.counts[i] = 0
	}
	tw.counts[i]++
}

func (tw *throughputWindow) snapshot(now time.Time) ThroughputMetrics {
	size := int64(len(tw.counts))
	cutoff := now.Unix() - size
	oldest := now.Unix()

	var total uint64
	for i, sec := range tw.seconds {
		if sec <= cutoff || tw.counts[i] == 0 {
			continue
		}
		total += tw.counts[i]
		oldest = min(oldest, sec)
	}

	m := ThroughputMetrics{MessagesInWindow: total}
	if total == 0 {
		return m
	}
	m.WindowSeconds = int(now.Unix()-oldest) + 1
	m.CurrentRPS = float64(total) / float64(m.WindowSeconds)
	return m
}

// HandlersHandler serves the registered handlers and their stats as JSON.
func (s *Service) HandlersHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := s.corsOrigin(r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		body, err := jsoncodec.Marshal(s.Handlers())
		if err != nil {
			s.Logger.Error("Failed to encode handlers", err, loggingpkg.LogFields{})
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	})
}

func (s *Service) corsOrigin(origin string) string {
	if s.Conf == nil || origin == "" {
		return ""
	}
	for _, allowed := range s.Conf.AllowedOrigins {
		switch {
		case allowed == "*":
			return "*"
		case strings.EqualFold(allowed, origin):
			return origin
		}
	}
	return ""
}

// Handlers returns the registered handlers.
func (s *Service) Handlers() []*HandlerInfo {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	return slices.Clone(s.handlers)
}

package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/waflow/internal/runtime/deadletter"
	"github.com/drblury/waflow/internal/runtime/pipeline"
)

const metricsNamespace = "waflow"

type outboundOutcome string

const (
	outcomeSent    outboundOutcome = "sent"
	outcomeFailed  outboundOutcome = "failed"
	outcomeInvalid outboundOutcome = "invalid"
)

// Metrics tracks bridge statistics.
type Metrics struct {
	mu sync.RWMutex

	published   map[string]uint64
	duplicates  uint64
	outbound    map[string]uint64
	errors      map[string]uint64
	deadLetters map[string]uint64
	dedupSize   func() int

	// Prometheus collectors
	publishedTotal   *prometheus.CounterVec
	duplicatesTotal  prometheus.Counter
	outboundTotal    *prometheus.CounterVec
	errorsTotal      *prometheus.CounterVec
	deadLettersTotal *prometheus.CounterVec
	dedupEntries     prometheus.GaugeFunc
}

// MetricsSnapshot provides a point-in-time view of the counters.
type MetricsSnapshot struct {
	InboundPublished map[string]uint64 `json:"inbound_published"`
	Duplicates       uint64            `json:"duplicates"`
	Outbound         map[string]uint64 `json:"outbound"`
	Errors           map[string]uint64 `json:"errors"`
	DeadLetters      map[string]uint64 `json:"dead_letters"`
	DedupEntries     int               `json:"dedup_entries"`
	CollectedAt      time.Time         `json:"collected_at"`
}

// newCounterVec creates a new counter vec with the standard waflow namespace.
func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewMetrics creates the collectors and registers them on registerer.
// Collectors already registered by an earlier runtime are reused.
func NewMetrics(registerer prometheus.Registerer, dedupSize func() int) (*Metrics, error) {
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	if dedupSize == nil {
		dedupSize = func() int { return 0 }
	}

	m := &Metrics{
		published:   make(map[string]uint64),
		outbound:    make(map[string]uint64),
		errors:      make(map[string]uint64),
		deadLetters: make(map[string]uint64),
		dedupSize:   dedupSize,

		publishedTotal: newCounterVec("inbound", "published_total", "Inbound messages published to the broker", []string{"kind"}),
		duplicatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "inbound",
			Name:      "duplicates_total",
			Help:      "Inbound events dropped by the deduplication window",
		}),
		outboundTotal:    newCounterVec("outbound", "commands_total", "Outbound commands by final outcome", []string{"result"}),
		errorsTotal:      newCounterVec("", "errors_total", "Errors reported by the runtime", []string{"source"}),
		deadLettersTotal: newCounterVec("", "dead_letters_total", "Entries written to the dead letter store", []string{"reason"}),
	}
	m.dedupEntries = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "inbound",
		Name:      "dedup_entries",
		Help:      "Message ids currently held by the deduplication window",
	}, func() float64 { return float64(m.dedupSize()) })

	if err := m.register(registerer); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) register(registerer prometheus.Registerer) error {
	m.publishedTotal = registerCollector(registerer, m.publishedTotal)
	m.outboundTotal = registerCollector(registerer, m.outboundTotal)
	m.errorsTotal = registerCollector(registerer, m.errorsTotal)
	m.deadLettersTotal = registerCollector(registerer, m.deadLettersTotal)
	m.duplicatesTotal = registerCollector(registerer, m.duplicatesTotal)

	if err := registerer.Register(m.dedupEntries); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return err
		}
	}
	return nil
}

// registerCollector registers c, returning the already registered collector
// when one with the same descriptor exists.
func registerCollector[C prometheus.Collector](registerer prometheus.Registerer, c C) C {
	if err := registerer.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (m *Metrics) recordPublished(kind pipeline.MessageKind) {
	m.mu.Lock()
	m.published[string(kind)]++
	m.mu.Unlock()
	m.publishedTotal.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) recordDuplicate() {
	m.mu.Lock()
	m.duplicates++
	m.mu.Unlock()
	m.duplicatesTotal.Inc()
}

func (m *Metrics) recordOutbound(outcome outboundOutcome) {
	m.mu.Lock()
	m.outbound[string(outcome)]++
	m.mu.Unlock()
	m.outboundTotal.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) recordError(source string) {
	m.mu.Lock()
	m.errors[source]++
	m.mu.Unlock()
	m.errorsTotal.WithLabelValues(source).Inc()
}

func (m *Metrics) recordDeadLetter(reason deadletter.Reason) {
	m.mu.Lock()
	m.deadLetters[string(reason)]++
	m.mu.Unlock()
	m.deadLettersTotal.WithLabelValues(string(reason)).Inc()
}

// Snapshot returns a copy of the counters recorded by this runtime.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return MetricsSnapshot{
		InboundPublished: copyCounts(m.published),
		Duplicates:       m.duplicates,
		Outbound:         copyCounts(m.outbound),
		Errors:           copyCounts(m.errors),
		DeadLetters:      copyCounts(m.deadLetters),
		DedupEntries:     m.dedupSize(),
		CollectedAt:      time.Now(),
	}
}

func copyCounts(in map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

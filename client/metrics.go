package client

import (
	"errors"
	"time"

	"github.com/mike76-dev/smbprobe/smb2"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports the state of the engine to Prometheus. All methods are
// nil-safe: a nil *Metrics records nothing.
type Metrics struct {
	// Credits is the available credit balance per connection.
	Credits *prometheus.GaugeVec
	// Outstanding is the number of credits charged to requests in flight.
	Outstanding *prometheus.GaugeVec
	// Granted counts credits granted by the server.
	Granted *prometheus.CounterVec

	Requests   *prometheus.CounterVec
	Latency    *prometheus.HistogramVec
	Breaks     *prometheus.CounterVec
	Disconnect *prometheus.CounterVec
	Reconnects *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. With a nil
// reg they are created but not registered. Collectors already registered
// are reused.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Credits: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "smbprobe",
			Subsystem: "credits",
			Name:      "balance",
			Help:      "Credits available for new requests",
		}, []string{"conn"}),
		Outstanding: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "smbprobe",
			Subsystem: "credits",
			Name:      "outstanding",
			Help:      "Credits charged to requests without a final response",
		}, []string{"conn"}),
		Granted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smbprobe",
			Subsystem: "credits",
			Name:      "granted_total",
			Help:      "Credits granted by the server",
		}, []string{"conn"}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smbprobe",
			Subsystem: "requests",
			Name:      "total",
			Help:      "Final responses by command and status",
		}, []string{"command", "status"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "smbprobe",
			Subsystem: "requests",
			Name:      "duration_seconds",
			Help:      "Time from submission to final response",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, []string{"command"}),
		Breaks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smbprobe",
			Subsystem: "opens",
			Name:      "breaks_total",
			Help:      "Break notifications handled",
		}, []string{"kind"}),
		Disconnect: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smbprobe",
			Subsystem: "connections",
			Name:      "disconnects_total",
			Help:      "Connections that went away",
		}, []string{"conn"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smbprobe",
			Subsystem: "opens",
			Name:      "reconnects_total",
			Help:      "Durable handle reconnect attempts by outcome",
		}, []string{"result"}),
	}

	if reg != nil {
		m.Credits = registerOrReuse(reg, m.Credits).(*prometheus.GaugeVec)
		m.Outstanding = registerOrReuse(reg, m.Outstanding).(*prometheus.GaugeVec)
		m.Granted = registerOrReuse(reg, m.Granted).(*prometheus.CounterVec)
		m.Requests = registerOrReuse(reg, m.Requests).(*prometheus.CounterVec)
		m.Latency = registerOrReuse(reg, m.Latency).(*prometheus.HistogramVec)
		m.Breaks = registerOrReuse(reg, m.Breaks).(*prometheus.CounterVec)
		m.Disconnect = registerOrReuse(reg, m.Disconnect).(*prometheus.CounterVec)
		m.Reconnects = registerOrReuse(reg, m.Reconnects).(*prometheus.CounterVec)
	}

	return m
}

func registerOrReuse(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}

var commandNames = map[uint16]string{
	smb2.SMB2_NEGOTIATE:       "negotiate",
	smb2.SMB2_SESSION_SETUP:   "session_setup",
	smb2.SMB2_LOGOFF:          "logoff",
	smb2.SMB2_TREE_CONNECT:    "tree_connect",
	smb2.SMB2_TREE_DISCONNECT: "tree_disconnect",
	smb2.SMB2_CREATE:          "create",
	smb2.SMB2_CLOSE:           "close",
	smb2.SMB2_FLUSH:           "flush",
	smb2.SMB2_READ:            "read",
	smb2.SMB2_WRITE:           "write",
	smb2.SMB2_LOCK:            "lock",
	smb2.SMB2_IOCTL:           "ioctl",
	smb2.SMB2_CANCEL:          "cancel",
	smb2.SMB2_ECHO:            "echo",
	smb2.SMB2_QUERY_DIRECTORY: "query_directory",
	smb2.SMB2_CHANGE_NOTIFY:   "change_notify",
	smb2.SMB2_QUERY_INFO:      "query_info",
	smb2.SMB2_SET_INFO:        "set_info",
	smb2.SMB2_OPLOCK_BREAK:    "oplock_break",
}

func commandName(cmd uint16) string {
	if s, ok := commandNames[cmd]; ok {
		return s
	}
	return "unknown"
}

func (m *Metrics) setCredits(addr string, st CreditStats) {
	m.Credits.WithLabelValues(addr).Set(float64(st.Balance))
	m.Outstanding.WithLabelValues(addr).Set(float64(st.Outstanding))
}

func (m *Metrics) observeSubmit(addr string, st CreditStats) {
	if m == nil {
		return
	}
	m.setCredits(addr, st)
}

func (m *Metrics) observeResponse(addr string, f *Future, status uint32, st CreditStats) {
	if m == nil {
		return
	}
	m.setCredits(addr, st)
	m.Requests.WithLabelValues(commandName(f.cmd), smb2.StatusName(status)).Inc()
	if !f.sent.IsZero() {
		m.Latency.WithLabelValues(commandName(f.cmd)).Observe(time.Since(f.sent).Seconds())
	}
}

func (m *Metrics) observeGrant(addr string, granted int) {
	if m == nil || granted <= 0 {
		return
	}
	m.Granted.WithLabelValues(addr).Add(float64(granted))
}

func (m *Metrics) observeDisconnect(addr string) {
	if m == nil {
		return
	}
	m.Disconnect.WithLabelValues(addr).Inc()
	m.Credits.DeleteLabelValues(addr)
	m.Outstanding.DeleteLabelValues(addr)
}

func (m *Metrics) observeBreak(kind string) {
	if m == nil {
		return
	}
	m.Breaks.WithLabelValues(kind).Inc()
}

func (m *Metrics) observeReconnect(err error) {
	if m == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrHandleExpired):
		result = "expired"
	case errors.Is(err, ErrIdentityMismatch):
		result = "identity_mismatch"
	case errors.Is(err, ErrHandleNotFound):
		result = "not_found"
	default:
		result = "error"
	}
	m.Reconnects.WithLabelValues(result).Inc()
}

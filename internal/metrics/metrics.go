package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowpbx/flowdial/internal/call"
	"github.com/flowpbx/flowdial/internal/database/models"
	"github.com/flowpbx/flowdial/internal/line"
)

// CallStateProvider exposes the current call state.
type CallStateProvider interface {
	Current() call.State
}

// LineStatusProvider exposes the health of the line backend.
type LineStatusProvider interface {
	Status() line.Status
}

// CallLogCounter returns call log counts grouped by disposition.
type CallLogCounter interface {
	CountByDisposition(ctx context.Context) (map[string]int64, error)
}

// BlocklistStats exposes the size of the blocklist and how many callers it
// turned away.
type BlocklistStats interface {
	Count(ctx context.Context) (int, error)
	Rejected() int64
}

// PushStats exposes push delivery counters.
type PushStats interface {
	Stats() (sent, failed, dropped int64)
}

// DropCounter exposes events lost to a full queue.
type DropCounter interface {
	Dropped() int64
}

// Providers groups the sources the collector reads. Any field may be nil.
type Providers struct {
	Calls     CallStateProvider
	Line      LineStatusProvider
	CallLog   CallLogCounter
	Blocklist BlocklistStats
	Push      PushStats
	Recorder  DropCounter
}

// callKinds are the call state kinds reported as labels.
var callKinds = []call.Kind{
	call.KindIdle,
	call.KindRinging,
	call.KindConnecting,
	call.KindActive,
	call.KindOnHold,
	call.KindDisconnected,
	call.KindSIMError,
}

// Collector is a prometheus.Collector that gathers flowdial metrics at
// scrape time.
type Collector struct {
	p         Providers
	startTime time.Time

	callStateDesc      *prometheus.Desc
	lineReadyDesc      *prometheus.Desc
	lineCallsDesc      *prometheus.Desc
	callsTotalDesc     *prometheus.Desc
	blockedNumbersDesc *prometheus.Desc
	blockedCallsDesc   *prometheus.Desc
	pushMessagesDesc   *prometheus.Desc
	logDroppedDesc     *prometheus.Desc
	uptimeDesc         *prometheus.Desc
}

// NewCollector creates a new metrics collector.
func NewCollector(p Providers, startTime time.Time) *Collector {
	return &Collector{
		p:         p,
		startTime: startTime,

		callStateDesc: prometheus.NewDesc(
			"flowdial_call_state",
			"Current call state (1 for the current state, 0 otherwise)",
			[]string{"state"}, nil,
		),
		lineReadyDesc: prometheus.NewDesc(
			"flowdial_line_ready",
			"Whether the line backend can place and receive calls",
			[]string{"backend", "state"}, nil,
		),
		lineCallsDesc: prometheus.NewDesc(
			"flowdial_line_calls",
			"Number of calls currently known to the line backend",
			[]string{"backend"}, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"flowdial_calls_total",
			"Calls in the call log by disposition",
			[]string{"disposition"}, nil,
		),
		blockedNumbersDesc: prometheus.NewDesc(
			"flowdial_blocked_numbers",
			"Number of entries in the blocklist",
			nil, nil,
		),
		blockedCallsDesc: prometheus.NewDesc(
			"flowdial_blocked_calls_total",
			"Incoming calls rejected by the blocklist since start",
			nil, nil,
		),
		pushMessagesDesc: prometheus.NewDesc(
			"flowdial_push_messages_total",
			"Push messages by delivery result",
			[]string{"result"}, nil,
		),
		logDroppedDesc: prometheus.NewDesc(
			"flowdial_calllog_events_dropped_total",
			"Call events not written to the call log because the queue was full",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"flowdial_uptime_seconds",
			"Seconds since the flowdial process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.callStateDesc
	ch <- c.lineReadyDesc
	ch <- c.lineCallsDesc
	ch <- c.callsTotalDesc
	ch <- c.blockedNumbersDesc
	ch <- c.blockedCallsDesc
	ch <- c.pushMessagesDesc
	ch <- c.logDroppedDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.p.Calls != nil {
		cur := c.p.Calls.Current().Kind
		for _, k := range callKinds {
			val := 0.0
			if k == cur {
				val = 1.0
			}
			ch <- prometheus.MustNewConstMetric(
				c.callStateDesc, prometheus.GaugeValue, val, k.String(),
			)
		}
	}

	if c.p.Line != nil {
		st := c.p.Line.Status()
		ready := 0.0
		if st.Ready {
			ready = 1.0
		}
		ch <- prometheus.MustNewConstMetric(
			c.lineReadyDesc, prometheus.GaugeValue, ready, st.Backend, st.State,
		)
		ch <- prometheus.MustNewConstMetric(
			c.lineCallsDesc, prometheus.GaugeValue, float64(st.Calls), st.Backend,
		)
	}

	if c.p.CallLog != nil {
		counts, err := c.p.CallLog.CountByDisposition(ctx)
		if err != nil {
			slog.Error("metrics: failed to count calls by disposition", "error", err)
		} else {
			for _, d := range []string{
				models.DispositionAnswered,
				models.DispositionMissed,
				models.DispositionBlocked,
				models.DispositionFailed,
			} {
				ch <- prometheus.MustNewConstMetric(
					c.callsTotalDesc, prometheus.CounterValue, float64(counts[d]), d,
				)
			}
		}
	}

	if c.p.Blocklist != nil {
		n, err := c.p.Blocklist.Count(ctx)
		if err != nil {
			slog.Error("metrics: failed to count blocked numbers", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.blockedNumbersDesc, prometheus.GaugeValue, float64(n),
			)
		}
		ch <- prometheus.MustNewConstMetric(
			c.blockedCallsDesc, prometheus.CounterValue, float64(c.p.Blocklist.Rejected()),
		)
	}

	if c.p.Push != nil {
		sent, failed, dropped := c.p.Push.Stats()
		for result, v := range map[string]int64{"sent": sent, "failed": failed, "dropped": dropped} {
			ch <- prometheus.MustNewConstMetric(
				c.pushMessagesDesc, prometheus.CounterValue, float64(v), result,
			)
		}
	}

	if c.p.Recorder != nil {
		ch <- prometheus.MustNewConstMetric(
			c.logDroppedDesc, prometheus.CounterValue, float64(c.p.Recorder.Dropped()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds(),
	)
}

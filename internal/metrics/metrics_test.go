package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowpbx/flowdial/internal/call"
	"github.com/flowpbx/flowdial/internal/line"
)

type fakeCalls struct{ state call.State }

func (f fakeCalls) Current() call.State { return f.state }

type fakeLine struct{ status line.Status }

func (f fakeLine) Status() line.Status { return f.status }

type fakeCallLog struct {
	counts map[string]int64
	err    error
}

func (f fakeCallLog) CountByDisposition(context.Context) (map[string]int64, error) {
	return f.counts, f.err
}

type fakeBlocklist struct {
	count    int
	rejected int64
}

func (f fakeBlocklist) Count(context.Context) (int, error) { return f.count, nil }
func (f fakeBlocklist) Rejected() int64                    { return f.rejected }

type fakePush struct{ sent, failed, dropped int64 }

func (f fakePush) Stats() (int64, int64, int64) { return f.sent, f.failed, f.dropped }

type fakeDrops int64

func (f fakeDrops) Dropped() int64 { return int64(f) }

func gather(t *testing.T, c prometheus.Collector) map[string]*dto.MetricFamily {
	t.Helper()
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func labelled(f *dto.MetricFamily, name, value string) *dto.Metric {
	for _, m := range f.GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == name && lp.GetValue() == value {
				return m
			}
		}
	}
	return nil
}

func TestCollectorAllProviders(t *testing.T) {
	c := NewCollector(Providers{
		Calls: fakeCalls{state: call.Active(12, false, false, false)},
		Line: fakeLine{status: line.Status{
			Backend: "modem",
			Ready:   true,
			State:   "ready",
			Calls:   1,
		}},
		CallLog: fakeCallLog{counts: map[string]int64{
			"answered": 4,
			"missed":   2,
		}},
		Blocklist: fakeBlocklist{count: 3, rejected: 7},
		Push:      fakePush{sent: 10, failed: 1},
		Recorder:  fakeDrops(5),
	}, time.Now().Add(-time.Minute))

	families := gather(t, c)

	state := families["flowdial_call_state"]
	require.NotNil(t, state)
	assert.Len(t, state.GetMetric(), 7)
	assert.Equal(t, 1.0, labelled(state, "state", "active").GetGauge().GetValue())
	assert.Equal(t, 0.0, labelled(state, "state", "idle").GetGauge().GetValue())

	ready := families["flowdial_line_ready"]
	require.NotNil(t, ready)
	assert.Equal(t, 1.0, labelled(ready, "backend", "modem").GetGauge().GetValue())

	calls := families["flowdial_calls_total"]
	require.NotNil(t, calls)
	assert.Len(t, calls.GetMetric(), 4)
	assert.Equal(t, 4.0, labelled(calls, "disposition", "answered").GetCounter().GetValue())
	assert.Equal(t, 0.0, labelled(calls, "disposition", "blocked").GetCounter().GetValue())

	assert.Equal(t, 3.0, families["flowdial_blocked_numbers"].GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, 7.0, families["flowdial_blocked_calls_total"].GetMetric()[0].GetCounter().GetValue())

	push := families["flowdial_push_messages_total"]
	require.NotNil(t, push)
	assert.Equal(t, 10.0, labelled(push, "result", "sent").GetCounter().GetValue())
	assert.Equal(t, 1.0, labelled(push, "result", "failed").GetCounter().GetValue())

	assert.Equal(t, 5.0, families["flowdial_calllog_events_dropped_total"].GetMetric()[0].GetCounter().GetValue())
	assert.GreaterOrEqual(t, families["flowdial_uptime_seconds"].GetMetric()[0].GetGauge().GetValue(), 60.0)
}

func TestCollectorNilProviders(t *testing.T) {
	c := NewCollector(Providers{}, time.Now())
	// Only uptime is reported.
	assert.Equal(t, 1, testutil.CollectAndCount(c))
}

func TestCollectorCallLogError(t *testing.T) {
	c := NewCollector(Providers{
		CallLog: fakeCallLog{err: errors.New("database is locked")},
	}, time.Now())
	families := gather(t, c)
	assert.NotContains(t, families, "flowdial_calls_total")
	assert.Contains(t, families, "flowdial_uptime_seconds")
}

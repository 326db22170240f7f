package metrics

import (
	"testing"

	"github.com/cuemby/raidcfg/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

type fakeSource struct {
	counts map[types.TableType]int
	state  types.DatabaseState
	reason types.ServiceModeReason
	gen    uint64
}

func (f fakeSource) TableCounts() map[types.TableType]int       { return f.counts }
func (f fakeSource) State() types.DatabaseState                 { return f.state }
func (f fakeSource) ServiceModeReason() types.ServiceModeReason { return f.reason }
func (f fakeSource) Generation() uint64                         { return f.gen }

type fakeJournal uint64

func (j fakeJournal) Pending() uint64 { return uint64(j) }

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestCollector_Collect(t *testing.T) {
	resetHealth("")
	src := fakeSource{
		counts: map[types.TableType]int{types.TableObject: 7, types.TableEdge: 3},
		state:  types.StateReady,
		gen:    42,
	}

	c := NewCollector(src, fakeJournal(5))
	c.Collect()

	if v := gaugeValue(t, TableEntries.WithLabelValues("object")); v != 7 {
		t.Errorf("object entries = %v, want 7", v)
	}
	if v := gaugeValue(t, TableEntries.WithLabelValues("user")); v != 0 {
		t.Errorf("user entries = %v, want 0", v)
	}
	if v := gaugeValue(t, Generation); v != 42 {
		t.Errorf("generation = %v, want 42", v)
	}
	if v := gaugeValue(t, PeerJournalLag); v != 5 {
		t.Errorf("journal lag = %v, want 5", v)
	}
	if v := gaugeValue(t, DatabaseState.WithLabelValues("ready")); v != 1 {
		t.Errorf("ready state gauge = %v, want 1", v)
	}
	if !healthChecker.components[ComponentDatabase].Healthy {
		t.Error("database component should be healthy")
	}
}

func TestCollector_NilJournal(t *testing.T) {
	resetHealth("")
	c := NewCollector(fakeSource{state: types.StateServiceMode, reason: types.ReasonDBValidationFailed}, nil)
	c.Collect()

	if healthChecker.components[ComponentDatabase].Healthy {
		t.Error("service mode should be reported unhealthy")
	}
}

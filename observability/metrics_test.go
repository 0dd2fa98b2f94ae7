package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"isolend/core/types"
	"isolend/native/auction"
	"isolend/native/lending"
	"isolend/native/reserves"
)

func TestObserveCountsOutcomes(t *testing.T) {
	m := NewProtocolMetrics(prometheus.NewRegistry())
	m.Observe("lending", "mint", time.Millisecond, nil)
	m.Observe("lending", "mint", time.Millisecond, errors.New("boom"))
	m.Observe("", "", time.Millisecond, nil)

	require.Equal(t, 1.0, testutil.ToFloat64(m.actions.WithLabelValues("lending", "mint", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.actions.WithLabelValues("lending", "mint", "error")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.actions.WithLabelValues("unknown", "unknown", "success")))
}

func TestEventMetricsTracksPipeline(t *testing.T) {
	m := NewProtocolMetrics(prometheus.NewRegistry())
	emitter := NewEventMetrics(m)

	emitter.Emit(&types.Event{Type: auction.EventTypeShortfallRecorded, Attributes: map[string]string{
		"pool": "main", "badDebt": "300000000000000000000",
	}})
	require.Equal(t, 300.0, testutil.ToFloat64(m.badDebt.WithLabelValues("main")))

	emitter.Emit(&types.Event{Type: reserves.EventTypeConverted, Attributes: map[string]string{
		"pool": "main", "amountOut": "1500000000000000000", "baseReserve": "1500000000000000000",
	}})
	require.Equal(t, 1.5, testutil.ToFloat64(m.baseReserve.WithLabelValues("main")))

	emitter.Emit(&types.Event{Type: auction.EventTypeSettled, Attributes: map[string]string{"pool": "main", "leftover": "2000000000000000000"}})
	require.Equal(t, 2.0, testutil.ToFloat64(m.badDebt.WithLabelValues("main")), "shortfall recorded mid-round stays on the gauge")
	require.Equal(t, 1.0, testutil.ToFloat64(m.auctions.WithLabelValues("main", "settled")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.auctionState.WithLabelValues("main")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues(auction.EventTypeSettled)))
}

func TestEventMetricsCountsLendingActivity(t *testing.T) {
	m := NewProtocolMetrics(prometheus.NewRegistry())
	emitter := NewEventMetrics(m)
	attrs := map[string]string{"market": "0xabc", "pool": "main", "seizedShares": "2500000000000000000"}

	emitter.Emit(&types.Event{Type: lending.EventTypeAccrue, Attributes: attrs})
	emitter.Emit(&types.Event{Type: lending.EventTypeAccrue, Attributes: attrs})
	emitter.Emit(&types.Event{Type: lending.EventTypeSeize, Attributes: attrs})
	emitter.Emit(&types.Event{Type: lending.EventTypeFlashLoan, Attributes: attrs})

	require.Equal(t, 2.0, testutil.ToFloat64(m.accruals.WithLabelValues("0xabc")))
	require.Equal(t, 2.5, testutil.ToFloat64(m.seizedShares.WithLabelValues("0xabc")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.flashLoans.WithLabelValues("0xabc")))
}

package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestTransferCounters(t *testing.T) {
	before := testutil.ToFloat64(TransferBytes.WithLabelValues("read"))
	TransferBytes.WithLabelValues("read").Add(16)
	require.Equal(t, before+16, testutil.ToFloat64(TransferBytes.WithLabelValues("read")))
}

func TestHandlerServesRegistry(t *testing.T) {
	WatchpointHits.Inc()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	if !strings.Contains(rec.Body.String(), "rwmem_watchpoint_hits_total") {
		t.Fatalf("watchpoint counter missing from output:\n%s", rec.Body.String())
	}
}

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndServe(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	// second registration is a no-op
	require.NoError(t, Register(reg))

	Spilled.WithLabelValues("object").Inc()
	Dropped.WithLabelValues(ReasonUnknownTopic).Inc()

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	count, err := testutil.GatherAndCount(reg, "extipc_overflow_spilled_total", "extipc_node_dropped_total")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, 2)
}

func TestCollectorsAreNamespaced(t *testing.T) {
	for _, c := range Collectors() {
		ch := make(chan *prometheus.Desc, 4)
		c.Describe(ch)
		close(ch)
		for d := range ch {
			assert.True(t, strings.Contains(d.String(), `"extipc_`), d.String())
		}
	}
}

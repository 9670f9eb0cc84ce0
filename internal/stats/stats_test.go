package stats

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewStatsUpdater(t *testing.T) {
	mux := http.NewServeMux()
	su := NewStatsUpdater(mux)
	assert.NotNil(t, su, "expected StatsUpdater to be non-nil")
	assert.NotNil(t, su.updateChan, "expected updateChan to be initialized")
	handler, pattern := mux.Handler(&http.Request{URL: &url.URL{Path: "/debug/vars"}, Method: http.MethodGet})
	assert.NotNil(t, handler, "expected handler for /debug/vars to be set")
	assert.Equal(t, "GET /debug/vars", pattern, "expected handler to be registered for GET method on /debug/vars")
}

func TestStatsUpdater_IncrDecr(t *testing.T) {
	mux := http.NewServeMux()
	su := NewStatsUpdater(mux)
	for _, name := range Metrics {
		su.RegisterMetric(name)
	}
	su.Run()
	defer su.Stop()

	su.Incr(ActiveRooms)
	su.Incr(ActiveRooms)
	su.Decr(ActiveRooms)
	su.Incr("unregistered")

	assert.Eventually(t, func() bool {
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/vars", nil))

		var body map[string]any
		if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
			return false
		}
		return body[ActiveRooms] == float64(1)
	}, time.Second, 10*time.Millisecond, "expected ActiveRooms to settle at 1")
}

func TestStatsUpdater_updatesAfterStop(t *testing.T) {
	su := NewStatsUpdater(http.NewServeMux())
	su.RegisterMetric(ActiveRooms)
	su.Run()
	su.Stop()

	assert.NotPanics(t, func() {
		su.Incr(ActiveRooms)
		su.Decr(ActiveRooms)
	}, "expected late updates to be dropped")
	assert.NotPanics(t, su.Stop, "expected a second Stop to be a no-op")
}

func TestStatsUpdater_concurrentStop(t *testing.T) {
	su := NewStatsUpdater(http.NewServeMux())
	su.RegisterMetric(ActiveRooms)
	su.Run()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				su.Incr(ActiveRooms)
			}
		}()
	}
	su.Stop()
	wg.Wait()
}

package stats

import (
	"encoding/json"
	"expvar"
	"net/http"
	"sync"
	"time"
)

const (
	ActiveRooms          = "ActiveRooms"
	ConnectedClients     = "ConnectedClients"
	VotingRoundsRecorded = "VotingRoundsRecorded"
	VotingRoundFailures  = "VotingRoundFailures"
	TrackerFetches       = "TrackerFetches"
	TrackerFailures      = "TrackerFailures"
	EstimatorCalls       = "EstimatorCalls"
	ChatBatches          = "ChatBatches"
)

// Metrics lists every counter the room server maintains.
var Metrics = []string{
	ActiveRooms,
	ConnectedClients,
	VotingRoundsRecorded,
	VotingRoundFailures,
	TrackerFetches,
	TrackerFailures,
	EstimatorCalls,
	ChatBatches,
}

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
}

type StatsUpdater struct {
	vars       *expvar.Map
	updateChan chan *metricsUpdateReq

	mu     sync.RWMutex
	closed bool
}

type metricsUpdateReq struct {
	name  string
	value int
}

func (su *StatsUpdater) expvarHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	expvarData := make(map[string]any)
	su.vars.Do(func(kv expvar.KeyValue) {
		var value any
		json.Unmarshal([]byte(kv.Value.String()), &value)
		expvarData[kv.Key] = value
	})

	json.NewEncoder(w).Encode(expvarData)
}

var publishOnce sync.Once

// NewStatsUpdater creates a stats updater and mounts its handler on mux. Only
// the first updater in a process is published to the global expvar registry.
func NewStatsUpdater(mux *http.ServeMux) *StatsUpdater {
	su := &StatsUpdater{
		updateChan: make(chan *metricsUpdateReq, 512),
		vars:       new(expvar.Map).Init(),
	}
	mux.Handle("GET /debug/vars", http.HandlerFunc(su.expvarHandler))
	publishOnce.Do(func() { expvar.Publish("pointing-stats", su.vars) })
	su.initializeMetrics()

	return su
}

func (su *StatsUpdater) initializeMetrics() {
	startTime := time.Now()
	su.vars.Set("Uptime", expvar.Func(func() any {
		return time.Since(startTime).Milliseconds()
	}))
}

func (su *StatsUpdater) updateMetrics() {
	for req := range su.updateChan {
		metric, ok := su.vars.Get(req.name).(*expvar.Int)
		if !ok {
			continue
		}

		metric.Add(int64(req.value))
	}
}

func (su *StatsUpdater) send(req *metricsUpdateReq) {
	su.mu.RLock()
	defer su.mu.RUnlock()
	if su.closed {
		return
	}

	select {
	case su.updateChan <- req:
	default:
		// drop the update rather than stall a room goroutine
	}
}

func (su *StatsUpdater) Incr(name string) {
	su.send(&metricsUpdateReq{name: name, value: 1})
}

func (su *StatsUpdater) Decr(name string) {
	su.send(&metricsUpdateReq{name: name, value: -1})
}

func (su *StatsUpdater) RegisterMetric(name string) {
	su.vars.Set(name, new(expvar.Int))
}

func (su *StatsUpdater) Run() {
	go su.updateMetrics()
}

// Stop ends the update loop. Updates sent afterwards are dropped.
func (su *StatsUpdater) Stop() {
	su.mu.Lock()
	defer su.mu.Unlock()
	if su.closed {
		return
	}
	su.closed = true
	close(su.updateChan)
}

package metrics

import (
	"strconv"
	"time"
)

// Metric names recorded by the agent, supervisor and crew runner.
const (
	CommandsTotal   = namespace + "_commands_total"
	ProbesTotal     = namespace + "_probes_total"
	ProbeLatency    = namespace + "_probe_duration_seconds"
	InFlight        = namespace + "_commands_in_flight"
	RestartsTotal   = namespace + "_supervisor_restarts_total"
	CrewTasksTotal  = namespace + "_crew_tasks_total"
	CrewTaskLatency = namespace + "_crew_task_duration_seconds"
	CrewTokensTotal = namespace + "_crew_tokens_total"
)

var (
	probeBuckets = []float64{0.05, 0.1, 0.5, 1, 2, 5, 10}
	taskBuckets  = []float64{1, 5, 10, 30, 60, 120, 300}
)

// CountCommand counts one handled command by result
// (dispatched, refused, malformed).
func (c *Collector) CountCommand(result string) {
	if c == nil {
		return
	}
	c.Counter(CommandsTotal, "Commands handled by the agent", label("result", result)).Inc()
}

// ObserveProbe records one probe outcome and its latency.
func (c *Collector) ObserveProbe(status string, d time.Duration) {
	if c == nil {
		return
	}
	c.Counter(ProbesTotal, "Probes by status", label("status", status)).Inc()
	c.Histogram(ProbeLatency, "Probe latency in seconds", "", probeBuckets).Observe(d.Seconds())
}

// TrackInFlight increments the in-flight gauge and returns its decrement.
func (c *Collector) TrackInFlight() func() {
	if c == nil {
		return func() {}
	}
	g := c.Gauge(InFlight, "Commands currently being handled", "")
	g.Inc()
	return g.Dec
}

// CountRestart counts one supervisor restart of worker.
func (c *Collector) CountRestart(worker string) {
	if c == nil {
		return
	}
	c.Counter(RestartsTotal, "Supervised worker restarts", label("worker", worker)).Inc()
}

// ObserveCrewTask records one crew task outcome (ok or failed).
func (c *Collector) ObserveCrewTask(agent, outcome string, d time.Duration, tokens int) {
	if c == nil {
		return
	}
	c.Counter(CrewTasksTotal, "Crew tasks by agent and outcome", label("agent", agent)+","+label("outcome", outcome)).Inc()
	c.Histogram(CrewTaskLatency, "Crew task latency in seconds", "", taskBuckets).Observe(d.Seconds())
	if tokens > 0 {
		c.Counter(CrewTokensTotal, "Model tokens used by crew tasks", label("agent", agent)).Add(int64(tokens))
	}
}

func label(k, v string) string {
	return k + "=" + strconv.Quote(v)
}

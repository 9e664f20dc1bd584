package telemetry

import (
	"time"
)

// Metric names recorded during an orchestration run and by the agent.
const (
	StepAttempts     = "convoy_step_attempts_total"
	StepDuration     = "convoy_step_duration_seconds"
	ProbeAttempts    = "convoy_probe_attempts_total"
	ProbeDuration    = "convoy_probe_duration_seconds"
	TargetsFinished  = "convoy_targets_finished_total"
	TargetDuration   = "convoy_target_duration_seconds"
	RunDuration      = "convoy_run_duration_seconds"
	RunTargets       = "convoy_run_targets"
	AgentHeartbeats  = "convoy_agent_heartbeats_total"
	AgentExecs       = "convoy_agent_exec_requests_total"
	AgentExecFailed  = "convoy_agent_exec_failed_total"
	AgentExecElapsed = "convoy_agent_exec_duration_seconds"
)

// Resource attributes describing the run being exported.
const (
	AttrRunID = "convoy.run_id"
	AttrPlan  = "convoy.plan"
)

// StartRun tags later exports with the run id and plan name.
func (c *Collector) StartRun(runID, plan string) {
	c.SetAttribute(AttrRunID, runID)
	c.SetAttribute(AttrPlan, plan)
}

// RecordStepAttempt records one step attempt and its duration.
func (c *Collector) RecordStepAttempt(target, step, outcome string, d time.Duration) {
	labels := map[string]string{
		"target":  target,
		"step":    step,
		"outcome": outcome,
	}
	c.Count(StepAttempts, labels)
	c.Observe(StepDuration, d, labels)
}

// RecordProbeAttempt records one health probe attempt. result is one of
// "match", "mismatch" or "error".
func (c *Collector) RecordProbeAttempt(target, kind, result string, d time.Duration) {
	labels := map[string]string{
		"target": target,
		"kind":   kind,
		"result": result,
	}
	c.Count(ProbeAttempts, labels)
	c.Observe(ProbeDuration, d, labels)
}

// RecordTarget records a target reaching a terminal state.
func (c *Collector) RecordTarget(target, state string, d time.Duration) {
	labels := map[string]string{
		"target": target,
		"state":  state,
	}
	c.Count(TargetsFinished, labels)
	c.Observe(TargetDuration, d, labels)
}

// RecordRun records the wall time of a whole run and its target count per state.
func (c *Collector) RecordRun(plan string, counts map[string]int, d time.Duration) {
	c.Observe(RunDuration, d, map[string]string{"plan": plan})
	for state, n := range counts {
		c.Set(RunTargets, float64(n), map[string]string{"plan": plan, "state": state})
	}
}

// RecordAgentExec records one exec request run by the agent. A non-zero exit
// also counts as failed.
func (c *Collector) RecordAgentExec(exitCode int, d time.Duration) {
	status := "success"
	if exitCode != 0 {
		status = "failure"
		c.Count(AgentExecFailed, map[string]string{"reason": "exit_code"})
	}
	labels := map[string]string{"status": status}
	c.Count(AgentExecs, labels)
	c.Observe(AgentExecElapsed, d, labels)
}

// RecordAgentRejected records an exec request refused before it ran.
func (c *Collector) RecordAgentRejected(reason string) {
	c.Count(AgentExecFailed, map[string]string{"reason": reason})
}

package summary

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/lyzr/flowcore/common/models"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Result types for the terminal report
const (
	ResultSuccess        = "success"
	ResultPartialSuccess = "partial_success"
	ResultFailure        = "failure"
)

// ExecutionResult is the headline block of the report
type ExecutionResult struct {
	ResultType     string          `json:"result_type"`
	ProcessedCount int             `json:"processed_count"`
	SuccessCount   int             `json:"success_count"`
	ErrorCount     int             `json:"error_count"`
	DataOutput     json.RawMessage `json:"data_output,omitempty"`
}

// ExecutionStats holds the status and timing counters
type ExecutionStats struct {
	NodesByStatus        map[string]int `json:"nodes_by_status"`
	TasksByStatus        map[string]int `json:"tasks_by_status"`
	TasksByType          map[string]int `json:"tasks_by_type"`
	MeanTaskDurationMins float64        `json:"mean_task_duration_minutes"`
	MeanNodeDurationSecs float64        `json:"mean_node_duration_seconds"`
	TotalExecutionSecs   float64        `json:"total_execution_seconds"`
}

// QualityMetrics holds the completeness/accuracy gate inputs and verdict
type QualityMetrics struct {
	DataCompleteness    float64 `json:"data_completeness"`
	AccuracyScore       float64 `json:"accuracy_score"`
	QualityGatesPassed  bool    `json:"quality_gates_passed"`
	OverallQualityScore float64 `json:"overall_quality_score"`
}

// TransformationStep is one lineage entry, derived from a completed node
type TransformationStep struct {
	Node       string   `json:"node"`
	Operations []string `json:"operations"`
	Timestamp  string   `json:"timestamp"`
}

// DataLineage traces how data moved through the run
type DataLineage struct {
	InputSources        []string             `json:"input_sources"`
	TransformationSteps []TransformationStep `json:"transformation_steps"`
	OutputDestinations  []string             `json:"output_destinations"`
}

// Issues collects everything that went wrong or looked off
type Issues struct {
	Errors              []string `json:"errors"`
	Warnings            []string `json:"warnings"`
	RecoverableFailures []string `json:"recoverable_failures"`
}

// Report is the terminal structured summary persisted with the instance
type Report struct {
	ExecutionResult ExecutionResult `json:"execution_result"`
	ExecutionStats  ExecutionStats  `json:"execution_stats"`
	QualityMetrics  QualityMetrics  `json:"quality_metrics"`
	DataLineage     DataLineage     `json:"data_lineage"`
	Issues          Issues          `json:"issues"`
	GeneratedAt     time.Time       `json:"generated_at"`
}

// Summarizer builds the terminal report from the persisted records of
// one run. It reads only what it is handed, so it can run against live
// or historical state.
type Summarizer struct {
	gate   *QualityGate
	logger Logger
}

// NewSummarizer creates a summarizer with the given quality gate
func NewSummarizer(gate *QualityGate, logger Logger) *Summarizer {
	return &Summarizer{gate: gate, logger: logger}
}

// Summarize builds the full report for one instance
func (s *Summarizer) Summarize(instance *models.WorkflowInstance, nodes []*models.NodeInstance, tasks []*models.TaskInstance) *Report {
	issues := s.issues(instance, nodes, tasks)
	report := &Report{
		ExecutionResult: s.executionResult(instance, nodes, tasks),
		ExecutionStats:  s.executionStats(instance, nodes, tasks),
		QualityMetrics:  s.qualityMetrics(nodes, tasks, len(issues.Errors) > 0),
		DataLineage:     s.dataLineage(instance, nodes),
		Issues:          issues,
		GeneratedAt:     time.Now().UTC(),
	}

	s.logger.Debug("summary built",
		"instance_id", instance.InstanceID,
		"result_type", report.ExecutionResult.ResultType,
		"errors", len(report.Issues.Errors))

	return report
}

func (s *Summarizer) executionResult(instance *models.WorkflowInstance, nodes []*models.NodeInstance, tasks []*models.TaskInstance) ExecutionResult {
	successCount := 0
	errorCount := 0
	for _, t := range tasks {
		switch t.Status {
		case models.TaskStatusCompleted:
			successCount++
		case models.TaskStatusFailed:
			errorCount++
		}
	}

	nodesFailed := 0
	nodesCompleted := 0
	for _, n := range nodes {
		switch n.Status {
		case models.NodeStatusFailed:
			nodesFailed++
		case models.NodeStatusCompleted:
			nodesCompleted++
		}
	}

	resultType := ResultFailure
	switch {
	case instance.Status == models.InstanceStatusCompleted && nodesFailed == 0:
		resultType = ResultSuccess
	case nodesCompleted > 0 && nodesFailed > 0:
		resultType = ResultPartialSuccess
	case instance.Status == models.InstanceStatusCancelled && nodesCompleted > 0:
		resultType = ResultPartialSuccess
	}

	return ExecutionResult{
		ResultType:     resultType,
		ProcessedCount: len(tasks),
		SuccessCount:   successCount,
		ErrorCount:     errorCount,
		DataOutput:     s.dataOutput(instance, nodes),
	}
}

// dataOutput prefers the instance's own output; otherwise it aggregates
// completed node outputs, promoting the single-node case to top level
func (s *Summarizer) dataOutput(instance *models.WorkflowInstance, nodes []*models.NodeInstance) json.RawMessage {
	if len(instance.Output) > 0 && string(instance.Output) != "null" {
		return instance.Output
	}

	outputs := make(map[string]json.RawMessage)
	for _, n := range nodes {
		if n.Status == models.NodeStatusCompleted && len(n.Output) > 0 {
			outputs[n.Name] = n.Output
		}
	}
	if len(outputs) == 0 {
		return nil
	}
	if len(outputs) == 1 {
		for _, out := range outputs {
			return out
		}
	}

	aggregated, err := json.Marshal(outputs)
	if err != nil {
		s.logger.Error("aggregate node outputs", "error", err)
		return nil
	}
	return aggregated
}

func (s *Summarizer) executionStats(instance *models.WorkflowInstance, nodes []*models.NodeInstance, tasks []*models.TaskInstance) ExecutionStats {
	stats := ExecutionStats{
		NodesByStatus: make(map[string]int),
		TasksByStatus: make(map[string]int),
		TasksByType:   make(map[string]int),
	}

	var nodeDurTotal float64
	nodeDurCount := 0
	for _, n := range nodes {
		stats.NodesByStatus[string(n.Status)]++
		if n.StartedAt != nil && n.CompletedAt != nil {
			nodeDurTotal += n.CompletedAt.Sub(*n.StartedAt).Seconds()
			nodeDurCount++
		}
	}
	if nodeDurCount > 0 {
		stats.MeanNodeDurationSecs = nodeDurTotal / float64(nodeDurCount)
	}

	var taskDurTotal float64
	taskDurCount := 0
	for _, t := range tasks {
		stats.TasksByStatus[string(t.Status)]++
		stats.TasksByType[string(t.Type)]++
		if t.ActualDurationMinutes != nil {
			taskDurTotal += float64(*t.ActualDurationMinutes)
			taskDurCount++
		}
	}
	if taskDurCount > 0 {
		stats.MeanTaskDurationMins = taskDurTotal / float64(taskDurCount)
	}

	if instance.StartedAt != nil {
		end := time.Now().UTC()
		if instance.CompletedAt != nil {
			end = *instance.CompletedAt
		}
		stats.TotalExecutionSecs = end.Sub(*instance.StartedAt).Seconds()
	}

	return stats
}

func (s *Summarizer) qualityMetrics(nodes []*models.NodeInstance, tasks []*models.TaskInstance, hasErrors bool) QualityMetrics {
	completedWithOutput := 0
	for _, n := range nodes {
		if n.Status == models.NodeStatusCompleted && len(n.Output) > 0 {
			completedWithOutput++
		}
	}
	completedTasks := 0
	for _, t := range tasks {
		if t.Status == models.TaskStatusCompleted {
			completedTasks++
		}
	}

	completeness := 0.0
	if len(nodes) > 0 {
		completeness = float64(completedWithOutput) / float64(len(nodes))
	}
	accuracy := 0.0
	if len(tasks) > 0 {
		accuracy = float64(completedTasks) / float64(len(tasks))
	}

	passed, err := s.gate.Evaluate(completeness, accuracy, hasErrors)
	if err != nil {
		s.logger.Error("quality gate failed to evaluate", "error", err)
		passed = false
	}

	return QualityMetrics{
		DataCompleteness:    completeness,
		AccuracyScore:       accuracy,
		QualityGatesPassed:  passed,
		OverallQualityScore: (completeness + accuracy) / 2,
	}
}

// dataLineage derives transformation steps from node names and output
// shapes. The heuristics are intentionally coarse; the lineage block is
// descriptive, not authoritative.
func (s *Summarizer) dataLineage(instance *models.WorkflowInstance, nodes []*models.NodeInstance) DataLineage {
	lineage := DataLineage{
		InputSources:        []string{},
		TransformationSteps: []TransformationStep{},
		OutputDestinations:  []string{},
	}

	if len(instance.Input) > 0 && string(instance.Input) != "null" {
		lineage.InputSources = append(lineage.InputSources, "workflow_input")
	}

	for _, n := range nodes {
		switch n.Type {
		case models.NodeTypeStart, models.NodeTypeEnd:
			continue
		}
		if n.Status != models.NodeStatusCompleted {
			continue
		}

		ops := deriveOperations(n.Name, n.Output)
		ts := ""
		if n.CompletedAt != nil {
			ts = n.CompletedAt.UTC().Format(time.RFC3339)
		}
		lineage.TransformationSteps = append(lineage.TransformationSteps, TransformationStep{
			Node:       n.Name,
			Operations: ops,
			Timestamp:  ts,
		})
	}

	if len(instance.Output) > 0 && string(instance.Output) != "null" {
		lineage.OutputDestinations = append(lineage.OutputDestinations, "workflow_output")
	}

	return lineage
}

// deriveOperations guesses what a node did from its name and output shape
func deriveOperations(name string, output json.RawMessage) []string {
	ops := []string{}
	lower := strings.ToLower(name)

	pairs := []struct {
		needle string
		op     string
	}{
		{"clean", "data_cleaning"},
		{"transform", "data_transformation"},
		{"filter", "data_filtering"},
		{"extract", "data_extraction"},
		{"merge", "data_aggregation"},
		{"aggregate", "data_aggregation"},
	}
	for _, p := range pairs {
		if strings.Contains(lower, p.needle) {
			ops = append(ops, p.op)
		}
	}

	if len(output) > 0 {
		if gjson.GetBytes(output, "tasks_output").Exists() ||
			gjson.GetBytes(output, "combined_output").Exists() {
			ops = append(ops, "task_aggregation")
		}
	}

	if len(ops) == 0 {
		ops = append(ops, "processing")
	}
	return ops
}

func (s *Summarizer) issues(instance *models.WorkflowInstance, nodes []*models.NodeInstance, tasks []*models.TaskInstance) Issues {
	issues := Issues{
		Errors:              []string{},
		Warnings:            []string{},
		RecoverableFailures: []string{},
	}

	if instance.ErrorMessage != nil && *instance.ErrorMessage != "" {
		issues.Errors = append(issues.Errors, fmt.Sprintf("workflow: %s", *instance.ErrorMessage))
	}

	for _, n := range nodes {
		if n.Status == models.NodeStatusFailed {
			msg := "unknown failure"
			if n.ErrorMessage != nil {
				msg = *n.ErrorMessage
			}
			issues.Errors = append(issues.Errors, fmt.Sprintf("node %s: %s", n.Name, msg))
		}
		if n.RetryCount >= 3 {
			issues.Warnings = append(issues.Warnings,
				fmt.Sprintf("node %s retried %d times", n.Name, n.RetryCount))
		}
		if n.RetryCount > 0 && n.Status == models.NodeStatusCompleted {
			issues.RecoverableFailures = append(issues.RecoverableFailures,
				fmt.Sprintf("node %s succeeded after %d retries", n.Name, n.RetryCount))
		}
	}

	for _, t := range tasks {
		if t.Status == models.TaskStatusFailed && t.ErrorMessage != nil {
			issues.Errors = append(issues.Errors, fmt.Sprintf("task %q: %s", t.Title, *t.ErrorMessage))
		}
		if t.ActualDurationMinutes != nil && *t.ActualDurationMinutes > 60 {
			issues.Warnings = append(issues.Warnings,
				fmt.Sprintf("task %q ran %d minutes", t.Title, *t.ActualDurationMinutes))
		}
		if t.Type == models.TaskTypeHuman && t.Status == models.TaskStatusPending && t.AssignedUserID == nil {
			issues.Warnings = append(issues.Warnings,
				fmt.Sprintf("human task %q was never assigned", t.Title))
		}
	}

	return issues
}

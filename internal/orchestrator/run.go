// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/agentflow/agentd/internal/scheduler"
)

// SubscribeOrchestration returns a channel of orchestrationID's lifecycle
// events for clientID.
func (m *Manager) SubscribeOrchestration(orchestrationID, clientID string) <-chan OrchestrationEvent {
	return m.orchEvents.subscribe(orchestrationID, clientID)
}

// RunOrchestration builds a scheduler from steps (after applying
// strategy's dependency rule), persists the orchestration and its steps,
// and drives the step-spawn/poll/cascade loop to completion in the
// background. It returns once the scheduler has validated the graph and
// the initial persistence has succeeded; the loop itself runs in a
// goroutine and reports progress on the orchestration's broadcast stream.
func (m *Manager) RunOrchestration(ctx context.Context, orchestrationID, parentSessionID string, strategy Strategy, steps []StepSpec) error {
	steps = applyStrategy(strategy, steps)

	deps := make(map[string][]string, len(steps))
	ids := make([]string, len(steps))
	byID := make(map[string]StepSpec, len(steps))
	for i, step := range steps {
		ids[i] = step.ID
		deps[step.ID] = step.DependsOn
		byID[step.ID] = step
	}

	sched, err := scheduler.New(ids, deps)
	if err != nil {
		return fmt.Errorf("orchestrator: build scheduler for %s: %w", orchestrationID, err)
	}

	if err := m.cat.CreateOrchestration(ctx, orchestrationID, parentSessionID, strategy); err != nil {
		return fmt.Errorf("orchestrator: create orchestration %s: %w", orchestrationID, err)
	}
	if err := m.cat.UpdateOrchestrationStatus(ctx, orchestrationID, "running"); err != nil {
		return fmt.Errorf("orchestrator: mark orchestration %s running: %w", orchestrationID, err)
	}
	for i, step := range steps {
		if err := m.cat.CreateOrchestrationStep(ctx, step.ID, orchestrationID, i, step.Prompt, step.DependsOn); err != nil {
			return fmt.Errorf("orchestrator: create step %s: %w", step.ID, err)
		}
	}

	go m.driveOrchestration(orchestrationID, parentSessionID, sched, byID, len(steps))
	return nil
}

// driveOrchestration is the background lifecycle loop: spawn every ready
// step, poll recently-running steps for a terminal subagent status, and
// cascade completion/failure through the scheduler until every step has
// reached a terminal state.
func (m *Manager) driveOrchestration(orchestrationID, parentSessionID string, sched *scheduler.Scheduler, byID map[string]StepSpec, total int) {
	ctx := context.Background()
	stepResults := make(map[string]string)
	var completedCount, failedCount int

	for {
		ready := sched.NextReady()

		if len(ready) == 0 && !sched.IsComplete() && failedCount == 0 && len(sched.RunningSteps()) == 0 {
			time.Sleep(IdleRetryInterval)
			continue
		}
		if len(ready) == 0 && (sched.IsComplete() || failedCount > 0) {
			break
		}

		for _, stepID := range ready {
			step, ok := byID[stepID]
			if !ok {
				continue
			}

			prompt := contextPrefix(step, stepResults) + step.Prompt
			subagentID := orchestrationID + "-" + stepID

			if err := m.cat.UpdateStepStatus(ctx, stepID, "running", subagentID); err != nil {
				log.Printf("orchestrator: %s: record step running: %v", stepID, err)
			}

			_, err := m.Spawn(ctx, SubagentConfig{
				ID:              subagentID,
				ParentSessionID: parentSessionID,
				Prompt:          prompt,
				Model:           step.Model,
				WorkDir:         step.WorkDir,
				AllowedTools:    step.AllowedTools,
				AutoApprove:     step.AutoApprove,
				MaxTurns:        step.MaxTurns,
			})
			if err != nil {
				log.Printf("orchestrator: %s: spawn step subagent failed: %v", stepID, err)
				if uerr := m.cat.UpdateStepStatus(ctx, stepID, "failed", ""); uerr != nil {
					log.Printf("orchestrator: %s: record step failed: %v", stepID, uerr)
				}

				blocked := sched.MarkFailed(stepID)
				for _, bid := range blocked {
					if uerr := m.cat.UpdateStepStatus(ctx, bid, "blocked", ""); uerr != nil {
						log.Printf("orchestrator: %s: record step blocked: %v", bid, uerr)
					}
				}
				failedCount++

				m.orchEvents.publish(orchestrationID, OrchestrationEvent{
					OrchestrationID: orchestrationID,
					Timestamp:       time.Now(),
					Kind:            OrchStepFailed,
					StepID:          stepID,
					ErrorMessage:    err.Error(),
					BlockedSteps:    blocked,
				})
				continue
			}

			sched.MarkRunning(stepID)
			m.orchEvents.publish(orchestrationID, OrchestrationEvent{
				OrchestrationID: orchestrationID,
				Timestamp:       time.Now(),
				Kind:            OrchStepStarted,
				StepID:          stepID,
				SubagentID:      subagentID,
				Name:            step.Name,
			})
		}

		time.Sleep(PollInterval)

		for _, stepID := range sched.RunningSteps() {
			subagentID := orchestrationID + "-" + stepID
			if m.IsRunning(subagentID) {
				continue
			}

			record, err := m.cat.GetSubagent(ctx, subagentID)
			if err != nil {
				continue // not yet visible, check again next iteration
			}

			switch record.Status {
			case StatusCompleted:
				stepResults[stepID] = record.ResultSummary
				if uerr := m.cat.UpdateStepStatus(ctx, stepID, "completed", subagentID); uerr != nil {
					log.Printf("orchestrator: %s: record step completed: %v", stepID, uerr)
				}
				sched.MarkCompleted(stepID)
				completedCount++

				m.orchEvents.publish(orchestrationID, OrchestrationEvent{
					OrchestrationID: orchestrationID,
					Timestamp:       time.Now(),
					Kind:            OrchStepCompleted,
					StepID:          stepID,
					ResultSummary:   record.ResultSummary,
					CompletedCount:  completedCount,
					TotalCount:      total,
				})

			case StatusFailed, StatusCancelled:
				errMsg := record.ResultSummary
				if errMsg == "" {
					errMsg = "Unknown failure"
				}
				if uerr := m.cat.UpdateStepStatus(ctx, stepID, "failed", subagentID); uerr != nil {
					log.Printf("orchestrator: %s: record step failed: %v", stepID, uerr)
				}

				blocked := sched.MarkFailed(stepID)
				for _, bid := range blocked {
					if uerr := m.cat.UpdateStepStatus(ctx, bid, "blocked", ""); uerr != nil {
						log.Printf("orchestrator: %s: record step blocked: %v", bid, uerr)
					}
				}
				failedCount++

				m.orchEvents.publish(orchestrationID, OrchestrationEvent{
					OrchestrationID: orchestrationID,
					Timestamp:       time.Now(),
					Kind:            OrchStepFailed,
					StepID:          stepID,
					ErrorMessage:    errMsg,
					BlockedSteps:    blocked,
				})

			default:
				// still pending/running as far as the catalog knows; check again
			}
		}
	}

	finalStatus := "completed"
	finalEvent := OrchestrationEvent{
		OrchestrationID: orchestrationID,
		Timestamp:       time.Now(),
		Kind:            OrchOrchestrationCompleted,
		TotalSteps:      total,
		Succeeded:       completedCount,
	}
	if failedCount > 0 {
		finalStatus = "failed"
		finalEvent = OrchestrationEvent{
			OrchestrationID: orchestrationID,
			Timestamp:       time.Now(),
			Kind:            OrchOrchestrationFailed,
			ErrorMessage:    fmt.Sprintf("%d step(s) failed", failedCount),
			TotalSteps:      total,
			Succeeded:       completedCount,
			Failed:          failedCount,
		}
	}

	if err := m.cat.UpdateOrchestrationStatus(ctx, orchestrationID, finalStatus); err != nil {
		log.Printf("orchestrator: %s: record final status: %v", orchestrationID, err)
	}
	m.orchEvents.publish(orchestrationID, finalEvent)
	m.orchEvents.closeID(orchestrationID)
}

// contextPrefix builds the "[Context from step X]: <result>" prefix for
// each of step's dependencies whose result is already available.
func contextPrefix(step StepSpec, results map[string]string) string {
	prefix := ""
	for _, dep := range step.DependsOn {
		if result, ok := results[dep]; ok {
			prefix += fmt.Sprintf("[Context from step %s]: %s\n\n", dep, result)
		}
	}
	return prefix
}

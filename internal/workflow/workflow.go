// Package workflow defines the fixed delivery pipeline: the ordered stage
// catalog, the stage-to-agent mapping, and the resume entry points exposed
// to external callers. The catalog is build-time configuration; adding a
// stage means extending the tables here, never registering at runtime.
package workflow

import (
	"fmt"
)

// Stage is one named step of the delivery pipeline.
type Stage string

const (
	// StageInitialization is the entry stage for freshly queued jobs.
	StageInitialization Stage = "initialization"

	// StagePRDGeneration produces the product requirements document.
	StagePRDGeneration Stage = "prd_generation"

	// StageWaitingApproval parks the job at the human approval gate.
	StageWaitingApproval Stage = "waiting_for_approval"

	// StageFeatureTree marks an approved job ready for the build pipeline.
	StageFeatureTree Stage = "feature_tree"

	// StagePlan produces the implementation plan.
	StagePlan Stage = "plan"

	// StageArchitecture produces the system architecture.
	StageArchitecture Stage = "architecture"

	// StageUIUX produces the UI/UX design.
	StageUIUX Stage = "ui_ux"

	// StageDevelopment produces the implementation.
	StageDevelopment Stage = "development"

	// StageQA produces the test report.
	StageQA Stage = "qa"

	// StageSecurityReview produces the security assessment.
	StageSecurityReview Stage = "security_review"

	// StageDocumentation produces the technical documentation.
	StageDocumentation Stage = "documentation"

	// StageSupportDocs produces end-user support material.
	StageSupportDocs Stage = "support_docs"

	// StagePMReview produces the final project-management sign-off.
	StagePMReview Stage = "pm_review"

	// StageDelivery packages and hands off the finished work.
	StageDelivery Stage = "delivery"

	// StageCompleted is terminal.
	StageCompleted Stage = "completed"

	// StageFailed is terminal.
	StageFailed Stage = "failed"
)

// Agent identifies the specialist responsible for a stage.
type Agent string

const (
	AgentCoordinator      Agent = "coordinator"
	AgentPRDWriter        Agent = "prd_writer"
	AgentFeatureAnalyst   Agent = "feature_analyst"
	AgentPlanner          Agent = "project_planner"
	AgentArchitect        Agent = "solution_architect"
	AgentUIUXDesigner     Agent = "uiux_designer"
	AgentDeveloper        Agent = "developer"
	AgentQAEngineer       Agent = "qa_engineer"
	AgentSecurityReviewer Agent = "security_reviewer"
	AgentTechnicalWriter  Agent = "technical_writer"
	AgentSupportWriter    Agent = "support_writer"
	AgentProjectManager   Agent = "project_manager"
	AgentReleaseManager   Agent = "release_manager"
)

// agentByStage maps every non-terminal stage to its responsible agent.
// Terminal stages have no agent on purpose; asking for one is a
// configuration error.
var agentByStage = map[Stage]Agent{
	StageInitialization:  AgentCoordinator,
	StagePRDGeneration:   AgentPRDWriter,
	StageWaitingApproval: AgentCoordinator,
	StageFeatureTree:     AgentFeatureAnalyst,
	StagePlan:            AgentPlanner,
	StageArchitecture:    AgentArchitect,
	StageUIUX:            AgentUIUXDesigner,
	StageDevelopment:     AgentDeveloper,
	StageQA:              AgentQAEngineer,
	StageSecurityReview:  AgentSecurityReviewer,
	StageDocumentation:   AgentTechnicalWriter,
	StageSupportDocs:     AgentSupportWriter,
	StagePMReview:        AgentProjectManager,
	StageDelivery:        AgentReleaseManager,
}

// AllStages returns the full stage catalog in pipeline order.
func AllStages() []Stage {
	return []Stage{
		StageInitialization,
		StagePRDGeneration,
		StageWaitingApproval,
		StageFeatureTree,
		StagePlan,
		StageArchitecture,
		StageUIUX,
		StageDevelopment,
		StageQA,
		StageSecurityReview,
		StageDocumentation,
		StageSupportDocs,
		StagePMReview,
		StageDelivery,
		StageCompleted,
		StageFailed,
	}
}

// PostApprovalStages returns the build stages executed after the approval
// gate, in dispatch order. Documentation and support docs are adjacent
// here but run concurrently; the executor owns that join.
func PostApprovalStages() []Stage {
	return []Stage{
		StagePlan,
		StageArchitecture,
		StageUIUX,
		StageDevelopment,
		StageQA,
		StageSecurityReview,
		StageDocumentation,
		StageSupportDocs,
		StagePMReview,
		StageDelivery,
	}
}

// AgentFor resolves the agent responsible for a stage. An unknown or
// terminal stage is a configuration error, fatal at startup.
func AgentFor(stage Stage) (Agent, error) {
	agent, ok := agentByStage[stage]
	if !ok {
		return "", fmt.Errorf("no agent mapped for stage %q", stage)
	}
	return agent, nil
}

// StageFor resolves the stage an agent is responsible for.
func StageFor(agent Agent) (Stage, error) {
	for stage, a := range agentByStage {
		if a == agent {
			// Coordinator backs two bookkeeping stages; report the
			// pipeline entry.
			if agent == AgentCoordinator {
				return StageInitialization, nil
			}
			return stage, nil
		}
	}
	return "", fmt.Errorf("no stage mapped for agent %q", agent)
}

// IsTerminal reports whether a stage ends the pipeline.
func IsTerminal(stage Stage) bool {
	return stage == StageCompleted || stage == StageFailed
}

// IsResumable reports whether external callers may re-enter the
// post-approval pipeline at this stage. FeatureTree resumes the whole
// build; the rest resume from themselves.
func IsResumable(stage Stage) bool {
	if stage == StageFeatureTree {
		return true
	}
	for _, s := range PostApprovalStages() {
		if s == stage {
			return true
		}
	}
	return false
}

// StagesFrom returns the post-approval suffix beginning at the given
// stage, used when resuming a job mid-pipeline. FeatureTree yields the
// whole build sequence.
func StagesFrom(stage Stage) ([]Stage, error) {
	if !IsResumable(stage) {
		return nil, fmt.Errorf("stage %q is not a resume point", stage)
	}
	all := PostApprovalStages()
	if stage == StageFeatureTree {
		return all, nil
	}
	for i, s := range all {
		if s == stage {
			return all[i:], nil
		}
	}
	return nil, fmt.Errorf("stage %q is not a resume point", stage)
}

// ParseStage validates a raw stage name from an external caller.
func ParseStage(s string) (Stage, error) {
	for _, stage := range AllStages() {
		if Stage(s) == stage {
			return stage, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// Validate checks the stage catalog at startup: every non-terminal stage
// must map to exactly one agent. Returns the first inconsistency found.
func Validate() error {
	for _, stage := range AllStages() {
		if IsTerminal(stage) {
			continue
		}
		if _, err := AgentFor(stage); err != nil {
			return err
		}
	}
	return nil
}

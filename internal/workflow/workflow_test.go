package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentFor_NonTerminalStages(t *testing.T) {
	tests := []struct {
		name     string
		stage    Stage
		expected Agent
	}{
		{"initialization", StageInitialization, AgentCoordinator},
		{"prd generation", StagePRDGeneration, AgentPRDWriter},
		{"waiting approval", StageWaitingApproval, AgentCoordinator},
		{"feature tree", StageFeatureTree, AgentFeatureAnalyst},
		{"plan", StagePlan, AgentPlanner},
		{"architecture", StageArchitecture, AgentArchitect},
		{"ui/ux", StageUIUX, AgentUIUXDesigner},
		{"development", StageDevelopment, AgentDeveloper},
		{"qa", StageQA, AgentQAEngineer},
		{"security review", StageSecurityReview, AgentSecurityReviewer},
		{"documentation", StageDocumentation, AgentTechnicalWriter},
		{"support docs", StageSupportDocs, AgentSupportWriter},
		{"pm review", StagePMReview, AgentProjectManager},
		{"delivery", StageDelivery, AgentReleaseManager},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agent, err := AgentFor(tt.stage)
			assert.NoError(t, err)
			assert.Equal(t, tt.expected, agent)
		})
	}
}

func TestAgentFor_TerminalStages(t *testing.T) {
	tests := []struct {
		name  string
		stage Stage
	}{
		{"completed", StageCompleted},
		{"failed", StageFailed},
		{"unknown", Stage("bogus")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := AgentFor(tt.stage)
			assert.Error(t, err)
		})
	}
}

func TestStageFor(t *testing.T) {
	stage, err := StageFor(AgentDeveloper)
	require.NoError(t, err)
	assert.Equal(t, StageDevelopment, stage)

	// Coordinator backs two stages; the pipeline entry wins.
	stage, err = StageFor(AgentCoordinator)
	require.NoError(t, err)
	assert.Equal(t, StageInitialization, stage)

	_, err = StageFor(Agent("nobody"))
	assert.Error(t, err)
}

func TestAllStages_Order(t *testing.T) {
	stages := AllStages()
	require.Len(t, stages, 16)
	assert.Equal(t, StageInitialization, stages[0])
	assert.Equal(t, StageWaitingApproval, stages[2])
	assert.Equal(t, StageDelivery, stages[13])
	assert.Equal(t, StageCompleted, stages[14])
	assert.Equal(t, StageFailed, stages[15])
}

func TestPostApprovalStages_Order(t *testing.T) {
	stages := PostApprovalStages()
	expected := []Stage{
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
	assert.Equal(t, expected, stages)
}

func TestIsResumable(t *testing.T) {
	tests := []struct {
		name      string
		stage     Stage
		resumable bool
	}{
		{"feature tree resumes the whole build", StageFeatureTree, true},
		{"plan", StagePlan, true},
		{"qa", StageQA, true},
		{"delivery", StageDelivery, true},
		{"initialization is not a resume point", StageInitialization, false},
		{"prd generation is pre-approval", StagePRDGeneration, false},
		{"waiting approval is a gate, not work", StageWaitingApproval, false},
		{"completed is terminal", StageCompleted, false},
		{"failed is terminal", StageFailed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.resumable, IsResumable(tt.stage))
		})
	}
}

func TestStagesFrom(t *testing.T) {
	t.Run("feature tree yields full build", func(t *testing.T) {
		stages, err := StagesFrom(StageFeatureTree)
		require.NoError(t, err)
		assert.Equal(t, PostApprovalStages(), stages)
	})

	t.Run("mid-pipeline suffix", func(t *testing.T) {
		stages, err := StagesFrom(StageQA)
		require.NoError(t, err)
		assert.Equal(t, []Stage{
			StageQA,
			StageSecurityReview,
			StageDocumentation,
			StageSupportDocs,
			StagePMReview,
			StageDelivery,
		}, stages)
	})

	t.Run("last stage yields itself", func(t *testing.T) {
		stages, err := StagesFrom(StageDelivery)
		require.NoError(t, err)
		assert.Equal(t, []Stage{StageDelivery}, stages)
	})

	t.Run("non-resumable stage rejected", func(t *testing.T) {
		_, err := StagesFrom(StagePRDGeneration)
		assert.Error(t, err)
	})
}

func TestParseStage(t *testing.T) {
	stage, err := ParseStage("development")
	require.NoError(t, err)
	assert.Equal(t, StageDevelopment, stage)

	_, err = ParseStage("deploy_to_mars")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate())
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(StageCompleted))
	assert.True(t, IsTerminal(StageFailed))
	assert.False(t, IsTerminal(StageDelivery))
	assert.False(t, IsTerminal(StageInitialization))
}

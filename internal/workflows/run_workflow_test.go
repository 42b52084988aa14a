package workflows

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	tests "go.temporal.io/sdk/testsuite"
)

type WorkflowTestSuite struct {
	suite.Suite
	testSuite *tests.WorkflowTestSuite
	env       *tests.TestWorkflowEnvironment
}

func (s *WorkflowTestSuite) SetupTest() {
	s.testSuite = &tests.WorkflowTestSuite{}
	s.env = s.testSuite.NewTestWorkflowEnvironment()
	s.env.RegisterWorkflow(ResearchWorkflow)
	s.env.RegisterActivityWithOptions(func(ctx context.Context, input ResearchJobInput) (ResearchJobOutput, error) {
		return ResearchJobOutput{Status: "completed"}, nil
	}, activity.RegisterOptions{Name: RunResearchActivityName})
	s.env.RegisterActivityWithOptions(func(ctx context.Context, input JobFailureInput) error {
		return nil
	}, activity.RegisterOptions{Name: HandleJobFailureActivityName})
}

func (s *WorkflowTestSuite) TearDownTest() {
	s.env.AssertExpectations(s.T())
}

func (s *WorkflowTestSuite) TestResearchWorkflow_Success() {
	input := ResearchJobInput{RunID: "run-1"}
	s.env.OnActivity(RunResearchActivityName, mock.Anything, input).
		Return(ResearchJobOutput{Status: "completed", Response: "# Answer"}, nil).Once()

	s.env.ExecuteWorkflow(ResearchWorkflow, input)
	s.True(s.env.IsWorkflowCompleted())
	s.NoError(s.env.GetWorkflowError())

	var result ResearchJobOutput
	s.NoError(s.env.GetWorkflowResult(&result))
	s.Equal("completed", result.Status)
	s.Equal("# Answer", result.Response)
}

func (s *WorkflowTestSuite) TestResearchWorkflow_TimedOutIsNotAFailure() {
	input := ResearchJobInput{RunID: "run-2"}
	s.env.OnActivity(RunResearchActivityName, mock.Anything, input).
		Return(ResearchJobOutput{Status: "timed_out", Response: "sorry", Warning: "Request timed out"}, nil).Once()

	s.env.ExecuteWorkflow(ResearchWorkflow, input)
	s.True(s.env.IsWorkflowCompleted())

	var result ResearchJobOutput
	s.NoError(s.env.GetWorkflowResult(&result))
	s.Equal("timed_out", result.Status)
	s.Equal("Request timed out", result.Warning)
}

func (s *WorkflowTestSuite) TestResearchWorkflow_FailureRecordsStatus() {
	input := ResearchJobInput{RunID: "run-3"}
	s.env.OnActivity(RunResearchActivityName, mock.Anything, input).
		Return(ResearchJobOutput{}, temporal.NewNonRetryableApplicationError("model unavailable", "ResearchFailed", nil)).Once()
	s.env.OnActivity(HandleJobFailureActivityName, mock.Anything, mock.MatchedBy(func(in JobFailureInput) bool {
		return in.RunID == "run-3" && in.Status == "failed" && strings.Contains(in.Error, "model unavailable")
	})).Return(nil).Once()

	s.env.ExecuteWorkflow(ResearchWorkflow, input)
	s.True(s.env.IsWorkflowCompleted())
	s.Error(s.env.GetWorkflowError())
}

func (s *WorkflowTestSuite) TestResearchWorkflow_CancelledActivity() {
	input := ResearchJobInput{RunID: "run-4"}
	s.env.OnActivity(RunResearchActivityName, mock.Anything, input).
		Return(ResearchJobOutput{}, temporal.NewCanceledError("Request cancelled")).Once()
	s.env.OnActivity(HandleJobFailureActivityName, mock.Anything, mock.MatchedBy(func(in JobFailureInput) bool {
		return in.RunID == "run-4" && in.Status == "cancelled"
	})).Return(nil).Once()

	s.env.ExecuteWorkflow(ResearchWorkflow, input)
	s.True(s.env.IsWorkflowCompleted())
	s.NoError(s.env.GetWorkflowError())

	var result ResearchJobOutput
	s.NoError(s.env.GetWorkflowResult(&result))
	s.Equal("cancelled", result.Status)
}

func TestWorkflowSuite(t *testing.T) {
	suite.Run(t, new(WorkflowTestSuite))
}

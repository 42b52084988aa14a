package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/store"
)

const (
	researchActivityTimeout = 4 * time.Minute
	researchHeartbeat       = 2 * time.Minute
)

// ResearchWorkflow runs one background research job. The activity is not
// retried: a research run has side effects on third-party hosts and a second
// attempt would duplicate them.
func ResearchWorkflow(ctx workflow.Context, input ResearchJobInput) (ResearchJobOutput, error) {
	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: researchActivityTimeout,
		HeartbeatTimeout:    researchHeartbeat,
		WaitForCancellation: true,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)
	logger := workflow.GetLogger(ctx)

	var output ResearchJobOutput
	err := workflow.ExecuteActivity(ctx, RunResearchActivityName, input).Get(ctx, &output)
	if err == nil {
		return output, nil
	}

	status := store.StatusFailed
	if temporal.IsCanceledError(err) || ctx.Err() != nil {
		status = store.StatusCancelled
	}
	logger.Error("research activity failed", "run_id", input.RunID, "status", status, "error", err)

	failureCtx, _ := workflow.NewDisconnectedContext(ctx)
	failure := JobFailureInput{RunID: input.RunID, Status: status, Error: err.Error()}
	if failureErr := workflow.ExecuteActivity(failureCtx, HandleJobFailureActivityName, failure).Get(failureCtx, nil); failureErr != nil {
		logger.Error("failed to persist job failure", "error", failureErr)
	}
	if status == store.StatusCancelled {
		return ResearchJobOutput{Status: status}, nil
	}
	return ResearchJobOutput{Status: status}, err
}

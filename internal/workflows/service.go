package workflows

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/client"
)

const DefaultTaskQueue = "research-jobs"

type Service struct {
	client    client.Client
	taskQueue string
}

func NewService(client client.Client, taskQueue string) *Service {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	return &Service{client: client, taskQueue: taskQueue}
}

func (s *Service) StartJob(ctx context.Context, runID string) error {
	options := client.StartWorkflowOptions{
		ID:        workflowID(runID),
		TaskQueue: s.taskQueue,
	}
	_, err := s.client.ExecuteWorkflow(ctx, options, ResearchWorkflow, ResearchJobInput{RunID: runID})
	return err
}

func (s *Service) CancelJob(ctx context.Context, runID string) error {
	return s.client.CancelWorkflow(ctx, workflowID(runID), "")
}

func workflowID(runID string) string {
	return fmt.Sprintf("research:%s", runID)
}

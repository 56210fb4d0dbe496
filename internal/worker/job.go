package worker

import (
	"context"

	"github.com/cloudwego/eino/schema"

	"taskmate/internal/service/ai"
)

// TurnRunner executes one conversation turn. *ai.Agent satisfies it.
type TurnRunner interface {
	Run(ctx context.Context, history []*schema.Message) (*ai.TurnResult, error)
}

type JobType int

const (
	Turn JobType = iota
	Stop
)

type jobResult struct {
	result *ai.TurnResult
	err    error
}

type Job struct {
	Type           JobType
	ConversationID string

	ctx      context.Context
	history  []*schema.Message
	resultCh chan jobResult
}

func (job Job) finish(res *ai.TurnResult, err error) {
	if job.resultCh == nil {
		return
	}
	job.resultCh <- jobResult{result: res, err: err}
}

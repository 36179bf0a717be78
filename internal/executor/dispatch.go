package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/nadmax/autopilot/internal/ledger"
	"github.com/nadmax/autopilot/internal/poll"
	"github.com/nadmax/autopilot/internal/repository/models"
	"github.com/nadmax/autopilot/internal/task"
)

var _ task.ActionDispatcher = (*Engine)(nil)

func missing(kind task.ActionKind, detail string) error {
	err := fmt.Errorf("%w: %s", ErrMissingCollaborator, kind)
	if detail != "" {
		err = fmt.Errorf("%w: %s %q", ErrMissingCollaborator, kind, detail)
	}

	return &ledger.UpstreamError{Op: string(kind), Class: models.ErrorValidation, Err: err}
}

func (e *Engine) DispatchCode(ctx context.Context, a task.CodeAction) (task.Output, error) {
	if e.collab.Code == nil {
		return task.Output{}, missing(task.KindCode, "")
	}

	return e.collab.Code.Push(ctx, a)
}

func (e *Engine) DispatchDeploy(ctx context.Context, a task.DeployAction) (task.Output, error) {
	if e.collab.Deploy == nil {
		return task.Output{}, missing(task.KindDeploy, "")
	}

	return e.collab.Deploy.Deploy(ctx, a)
}

// DispatchContract submits the call and waits, bounded, for its receipt.
func (e *Engine) DispatchContract(ctx context.Context, a task.ContractAction) (task.Output, error) {
	if e.collab.Contract == nil {
		return task.Output{}, missing(task.KindContract, "")
	}

	txHash, err := e.collab.Contract.Submit(ctx, a)
	if err != nil {
		return task.Output{}, ledger.NewUpstreamError("submit transaction", err)
	}

	var receipt *Receipt
	err = poll.Until(ctx, e.config.ReceiptPolling, func(ctx context.Context, attempt int) (bool, error) {
		r, err := e.collab.Contract.Receipt(ctx, a.Chain, txHash)
		if err != nil {
			return false, err
		}
		receipt = r
		return r != nil, nil
	})
	if err != nil {
		if errors.Is(err, poll.ErrExhausted) {
			return task.Output{}, &ledger.UpstreamError{Op: "await receipt", Class: models.ErrorTimeout, Err: err}
		}
		return task.Output{}, ledger.NewUpstreamError("await receipt", err)
	}
	if !receipt.Success {
		return task.Output{}, &ledger.UpstreamError{
			Op:    "contract call",
			Class: models.ErrorLogic,
			Err:   fmt.Errorf("%w: %s", ErrReverted, txHash),
		}
	}

	return task.Output{
		Type: "contract",
		URL:  receipt.ExplorerURL,
		Data: map[string]any{
			"tx_hash":      txHash,
			"block_number": receipt.BlockNumber,
			"chain":        a.Chain,
			"method":       a.Method,
		},
	}, nil
}

func (e *Engine) DispatchPost(ctx context.Context, a task.PostAction) (task.Output, error) {
	if e.collab.Post == nil {
		return task.Output{}, missing(task.KindPost, "")
	}

	return e.collab.Post.Post(ctx, a)
}

func (e *Engine) DispatchOther(ctx context.Context, a task.OtherAction) (task.Output, error) {
	handler, ok := e.collab.Other[a.Name]
	if !ok {
		return task.Output{}, missing(task.KindOther, a.Name)
	}

	return handler(ctx, a)
}

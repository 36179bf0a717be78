package executor

import (
	"context"

	"github.com/nadmax/autopilot/internal/task"
)

type CodePusher interface {
	Push(ctx context.Context, a task.CodeAction) (task.Output, error)
}

type Deployer interface {
	Deploy(ctx context.Context, a task.DeployAction) (task.Output, error)
}

// Receipt is a mined transaction. Receipt returns nil while it is pending.
type Receipt struct {
	TxHash      string `json:"tx_hash"`
	Success     bool   `json:"success"`
	BlockNumber uint64 `json:"block_number"`
	ExplorerURL string `json:"explorer_url,omitempty"`
}

type ContractCaller interface {
	Submit(ctx context.Context, a task.ContractAction) (txHash string, err error)
	Receipt(ctx context.Context, chain, txHash string) (*Receipt, error)
}

type Poster interface {
	Post(ctx context.Context, a task.PostAction) (task.Output, error)
}

type OtherHandler func(ctx context.Context, a task.OtherAction) (task.Output, error)

// Collaborators are the external systems steps are dispatched to. A nil
// collaborator makes steps of its kind fail validation.
type Collaborators struct {
	Code     CodePusher
	Deploy   Deployer
	Contract ContractCaller
	Post     Poster
	Other    map[string]OtherHandler
}

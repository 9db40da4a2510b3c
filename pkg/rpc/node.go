package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/canopy-network/blockorb/pkg/blockfeed"
)

// Block types as reported by the node.
const (
	BlockTypeMicro = "micro"
	BlockTypeMacro = "macro"
)

// Block is the subset of a node block the orb needs.
type Block struct {
	Hash            string    `json:"hash"`
	Number          uint64    `json:"number"`
	Batch           uint64    `json:"batch"`
	Epoch           uint64    `json:"epoch"`
	Timestamp       uint64    `json:"timestamp"`
	Type            string    `json:"type"`
	Producer        *Producer `json:"producer,omitempty"`
	IsElectionBlock bool      `json:"isElectionBlock,omitempty"`
	Slots           []Slot    `json:"slots,omitempty"`
}

// Producer is the validator that produced a micro block.
type Producer struct {
	SlotNumber uint32 `json:"slotNumber"`
	Validator  string `json:"validator"`
	PublicKey  string `json:"publicKey"`
}

// Slot is a validator's share of the consensus slots of an epoch.
type Slot struct {
	FirstSlotNumber uint32 `json:"firstSlotNumber"`
	NumSlots        uint32 `json:"numSlots"`
	Validator       string `json:"validator"`
	PublicKey       string `json:"publicKey"`
}

// Relay converts the block to the relay payload. Only micro blocks carry a validator.
func (b Block) Relay() blockfeed.RelayBlock {
	out := blockfeed.RelayBlock{
		Number: b.Number,
		Epoch:  b.Epoch,
		Batch:  b.Batch,
		Type:   b.Type,
	}
	if b.Type == BlockTypeMicro && b.Producer != nil {
		out.Validator = b.Producer.Validator
	}
	if out.Type == "" {
		out.Type = BlockTypeMacro
		if out.Validator != "" {
			out.Type = BlockTypeMicro
		}
	}
	return out
}

// ErrNotElectionBlock is returned when slots are requested from a block that holds none.
var ErrNotElectionBlock = errors.New("not an election block")

// NodeClient talks JSON-RPC to a chain node.
type NodeClient struct {
	rpc jsonRPC
}

// NewNodeClient builds a client over the given endpoints.
func NewNodeClient(o Opts) *NodeClient {
	return &NodeClient{rpc: jsonRPC{http: NewHTTPWithOpts(o)}}
}

// IsConsensusEstablished reports whether the node is synced with the network.
func (n *NodeClient) IsConsensusEstablished(ctx context.Context) (bool, error) {
	return call[bool](ctx, &n.rpc, "isConsensusEstablished")
}

// GetBlockNumber returns the head block number.
func (n *NodeClient) GetBlockNumber(ctx context.Context) (uint64, error) {
	return call[uint64](ctx, &n.rpc, "getBlockNumber")
}

// GetLastElectionBlock returns the last election block at or before blockNumber.
func (n *NodeClient) GetLastElectionBlock(ctx context.Context, blockNumber uint64) (uint64, error) {
	return call[uint64](ctx, &n.rpc, "getLastElectionBlock", blockNumber)
}

// GetBlockByNumber fetches a block, with transactions and slots when includeBody is set.
func (n *NodeClient) GetBlockByNumber(ctx context.Context, blockNumber uint64, includeBody bool) (*Block, error) {
	b, err := call[*Block](ctx, &n.rpc, "getBlockByNumber", blockNumber, includeBody)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("getBlockByNumber: block %d not found", blockNumber)
	}
	return b, nil
}

// GetElectionSlots returns the slot table stored in the given election block.
func (n *NodeClient) GetElectionSlots(ctx context.Context, electionBlock uint64) ([]Slot, error) {
	b, err := n.GetBlockByNumber(ctx, electionBlock, true)
	if err != nil {
		return nil, err
	}
	if !b.IsElectionBlock {
		return nil, fmt.Errorf("block %d: %w", electionBlock, ErrNotElectionBlock)
	}
	return b.Slots, nil
}

package raftadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"btreekv/pkg/btree"
	"btreekv/pkg/config"
	"btreekv/pkg/types"
)

var ErrStopped = errors.New("raft node stopped")

const defaultTickInterval = 100 * time.Millisecond

type iStoreAPI interface {
	Get(ctx context.Context, key []byte) (types.Item, bool, error)
	ApplySet(ctx context.Context, key, value []byte, ct types.CasTime) error
	Delete(ctx context.Context, key []byte) (bool, error)
	ApplyIncrDecr(ctx context.Context, key []byte, increment bool, delta uint64, ct types.CasTime) (btree.IncrDecrResult, error)
	NextCasTime() types.CasTime
}

type iTransport interface {
	Send(msg raftpb.Message) error
	AddPeer(id uint64, addr string)
	RemovePeer(id uint64)
	UpdatePeer(id uint64, addr string)
}

// Node replicates writes to the local store through etcd raft. Reads are
// served from the local store and may lag behind the leader.
type Node struct {
	ID           uint64
	peersMu      sync.RWMutex
	Peers        map[uint64]string
	underlying   raft.Node
	store        iStoreAPI
	jr           *raft.MemoryStorage
	conf         *raftpb.ConfState
	tickInterval time.Duration
	transport    iTransport

	ctx  context.Context
	stop context.CancelFunc

	proposalsMu sync.RWMutex
	proposals   map[uuid.UUID]chan proposeResult
}

func toRaftConfig(c *config.RaftConfig, storage raft.Storage) *raft.Config {
	cfg := &raft.Config{
		ID:                        c.ID,
		ElectionTick:              c.ElectionTick,
		HeartbeatTick:             c.HeartbeatTick,
		Storage:                   storage,
		MaxSizePerMsg:             c.MaxSizePerMsg,
		MaxCommittedSizePerReady:  c.MaxCommittedSizePerReady,
		MaxUncommittedEntriesSize: c.MaxUncommittedEntriesSize,
		MaxInflightMsgs:           c.MaxInflightMsgs,
		CheckQuorum:               c.CheckQuorum,
		PreVote:                   c.PreVote,
	}
	if cfg.MaxInflightMsgs == 0 {
		cfg.MaxInflightMsgs = 256
	}
	return cfg
}

func NewNode(cfg *config.RaftConfig, store iStoreAPI) (*Node, error) {
	storage := raft.NewMemoryStorage()

	var (
		confState raftpb.ConfState
		peers     = make(map[uint64]string, len(cfg.Peers))
		raftPeers = make([]raft.Peer, 0, len(cfg.Peers))
	)
	for _, p := range cfg.Peers {
		if _, ok := peers[p.ID]; ok {
			return nil, fmt.Errorf("duplicate peer ID %d", p.ID)
		}
		peers[p.ID] = p.Address
		confState.Voters = append(confState.Voters, p.ID)
		raftPeers = append(raftPeers, raft.Peer{
			ID:      p.ID,
			Context: []byte(p.Address),
		})
	}
	if _, ok := peers[cfg.ID]; !ok {
		return nil, fmt.Errorf("node ID %d is not among the peers", cfg.ID)
	}

	tick := cfg.TickInterval
	if tick <= 0 {
		tick = defaultTickInterval
	}

	// the transport keeps its own copy
	transportPeers := make(map[uint64]string, len(peers))
	for id, addr := range peers {
		transportPeers[id] = addr
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		ID:           cfg.ID,
		Peers:        peers,
		conf:         &confState,
		underlying:   raft.StartNode(toRaftConfig(cfg, storage), raftPeers),
		store:        store,
		jr:           storage,
		tickInterval: tick,
		transport:    NewTransport(transportPeers),
		proposals:    make(map[uuid.UUID]chan proposeResult),
		ctx:          ctx,
		stop:         cancel,
	}, nil
}

func (n *Node) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return nil
		case <-ctx.Done():
			_ = n.Stop()
			return nil
		case <-ticker.C:
			n.underlying.Tick()
		case rd := <-n.underlying.Ready():
			if err := n.handleReady(rd); err != nil {
				return err
			}
		}
	}
}

func (n *Node) handleReady(rd raft.Ready) error {
	if !raft.IsEmptySnap(rd.Snapshot) {
		if err := n.jr.ApplySnapshot(rd.Snapshot); err != nil {
			return fmt.Errorf("apply snapshot: %w", err)
		}
	}
	if err := n.jr.Append(rd.Entries); err != nil {
		return fmt.Errorf("append entries: %w", err)
	}
	if !raft.IsEmptyHardState(rd.HardState) {
		if err := n.jr.SetHardState(rd.HardState); err != nil {
			return fmt.Errorf("set hard state: %w", err)
		}
	}

	n.sendMessages(rd.Messages)

	for _, entry := range rd.CommittedEntries {
		if err := n.applyEntry(entry); err != nil {
			slog.Error("critical: failed to apply entry", "index", entry.Index, "error", err)
			return fmt.Errorf("apply entry: %w", err)
		}

		if entry.Type == raftpb.EntryConfChange {
			var cc raftpb.ConfChange
			if err := cc.Unmarshal(entry.Data); err != nil {
				return fmt.Errorf("unmarshal conf change: %w", err)
			}
			n.conf = n.underlying.ApplyConfChange(cc)
			n.updateTransport(cc)
		}
	}

	n.underlying.Advance()
	return nil
}

func (n *Node) updateTransport(cc raftpb.ConfChange) {
	n.peersMu.Lock()
	defer n.peersMu.Unlock()

	switch cc.Type {
	case raftpb.ConfChangeAddNode:
		// адрес приходит в Context
		peerAddr := string(cc.Context)
		n.Peers[cc.NodeID] = peerAddr
		n.transport.AddPeer(cc.NodeID, peerAddr)
		slog.Info("added peer", "id", cc.NodeID, "addr", peerAddr)

	case raftpb.ConfChangeRemoveNode:
		delete(n.Peers, cc.NodeID)
		n.transport.RemovePeer(cc.NodeID)
		slog.Info("removed peer", "id", cc.NodeID)

	case raftpb.ConfChangeUpdateNode:
		peerAddr := string(cc.Context)
		n.Peers[cc.NodeID] = peerAddr
		n.transport.UpdatePeer(cc.NodeID, peerAddr)
		slog.Info("updated peer", "id", cc.NodeID, "addr", peerAddr)
	}
}

func (n *Node) sendMessages(msgs []raftpb.Message) {
	for _, msg := range msgs {
		if msg.To == n.ID {
			continue
		}

		go func(m raftpb.Message) {
			if err := n.transport.Send(m); err != nil {
				n.underlying.ReportUnreachable(m.To)
				slog.Error("failed to send raft message",
					"from", m.From,
					"to", m.To,
					"type", m.Type,
					"error", err)
			}
		}(msg)
	}
}

// applyEntry applies a committed command. Store errors are handed to the
// proposer, they do not stop the node: every replica hits the same ones.
func (n *Node) applyEntry(entry raftpb.Entry) error {
	if entry.Type != raftpb.EntryNormal || len(entry.Data) == 0 {
		return nil
	}

	var cmd Cmd
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal command: %w", err)
	}

	var (
		res Result
		err error
		ctx = n.ctx
	)
	switch cmd.Op {
	case OpSet:
		err = n.store.ApplySet(ctx, cmd.Key, cmd.Value, cmd.CasTime)
		res.CasTime = cmd.CasTime
	case OpDelete:
		res.Found, err = n.store.Delete(ctx, cmd.Key)
	case OpIncr, OpDecr:
		res.IncrDecr, err = n.store.ApplyIncrDecr(ctx, cmd.Key, cmd.Op == OpIncr, cmd.Delta, cmd.CasTime)
		res.CasTime = res.IncrDecr.CasTime
	default:
		err = fmt.Errorf("unknown command operation: %v", cmd.Op)
	}
	if err != nil {
		slog.Warn("command failed", "op", cmd.Op, "key", string(cmd.Key), "error", err)
	}

	n.notifyProposalResult(cmd.ID, proposeResult{Result: res, Err: err})
	return nil
}

func (n *Node) IsLeader() bool {
	return n.underlying.Status().Lead == n.ID
}

func (n *Node) LeaderID() uint64 {
	return n.underlying.Status().Lead
}

// LeaderAddr returns the address of the current leader, "" while unknown.
func (n *Node) LeaderAddr() string {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()
	return n.Peers[n.LeaderID()]
}

type proposeResult struct {
	Result Result
	Err    error
}

func (n *Node) notifyProposalResult(cmdID uuid.UUID, result proposeResult) {
	n.proposalsMu.RLock()
	defer n.proposalsMu.RUnlock()

	resultChan, ok := n.proposals[cmdID]
	if !ok {
		// команда предложена другой нодой, либо Execute уже вышел по таймауту
		return
	}

	// не блокируем apply, если слушатель уже ушёл
	select {
	case resultChan <- result:
	default:
		slog.Debug("proposal result channel is full (ignored)", "cmd_id", cmdID)
	}
}

func (n *Node) validateCommand(cmd Cmd) error {
	if len(cmd.Key) == 0 {
		return fmt.Errorf("invalid command: empty key")
	}
	switch cmd.Op {
	case OpSet, OpDelete, OpIncr, OpDecr:
		return nil
	default:
		return fmt.Errorf("unknown operation: %v", cmd.Op)
	}
}

// Execute proposes cmd and waits until this node has applied it.
func (n *Node) Execute(ctx context.Context, cmd Cmd) (Result, error) {
	if err := n.validateCommand(cmd); err != nil {
		return Result{}, err
	}
	if cmd.Op != OpDelete && cmd.CasTime == (types.CasTime{}) {
		cmd.CasTime = n.store.NextCasTime()
	}
	if cmd.ID == uuid.Nil {
		cmd.ID = uuid.New()
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return Result{}, fmt.Errorf("marshal command: %w", err)
	}

	resultChan := make(chan proposeResult, 1)

	n.proposalsMu.Lock()
	if n.ctx.Err() != nil {
		n.proposalsMu.Unlock()
		return Result{}, ErrStopped
	}
	n.proposals[cmd.ID] = resultChan
	n.proposalsMu.Unlock()

	defer func() {
		n.proposalsMu.Lock()
		delete(n.proposals, cmd.ID)
		n.proposalsMu.Unlock()
	}()

	if err := n.underlying.Propose(ctx, data); err != nil {
		return Result{}, fmt.Errorf("propose: %w", err)
	}

	select {
	case result, ok := <-resultChan:
		if !ok {
			return Result{}, ErrStopped
		}
		return result.Result, result.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Handle обрабатывает входящие Raft-сообщения от других нод
func (n *Node) Handle(ctx context.Context, msg raftpb.Message) error {
	return n.underlying.Step(ctx, msg)
}

func (n *Node) Get(ctx context.Context, key []byte) (types.Item, bool, error) {
	return n.store.Get(ctx, key)
}

func (n *Node) Set(ctx context.Context, key, value []byte) (types.CasTime, error) {
	res, err := n.Execute(ctx, NewCmd(OpSet, key, value))
	return res.CasTime, err
}

func (n *Node) Delete(ctx context.Context, key []byte) (bool, error) {
	res, err := n.Execute(ctx, NewCmd(OpDelete, key, nil))
	return res.Found, err
}

func (n *Node) IncrDecr(ctx context.Context, key []byte, increment bool, delta uint64) (btree.IncrDecrResult, error) {
	res, err := n.Execute(ctx, NewIncrDecrCmd(increment, key, delta))
	return res.IncrDecr, err
}

func (n *Node) Stop() error {
	n.proposalsMu.Lock()
	if n.ctx.Err() != nil {
		n.proposalsMu.Unlock()
		return nil
	}
	slog.Info("stopping raft node", "id", n.ID)
	n.stop()
	for id, resultChan := range n.proposals {
		close(resultChan)
		delete(n.proposals, id)
	}
	n.proposalsMu.Unlock()

	n.underlying.Stop()
	slog.Info("raft node stopped", "id", n.ID)
	return nil
}

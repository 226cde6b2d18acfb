package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
)

const (
	zkSessionTimeout = 5 * time.Second
	zkConnectTimeout = 10 * time.Second
	zkRetryDelay     = 2 * time.Second
)

// zkConn - часть *zk.Conn, которой пользуется membership
type zkConn interface {
	Exists(path string) (bool, *zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Children(path string) ([]string, *zk.Stat, error)
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	State() zk.State
	Close()
}

// ZKMembership keeps the set of live nodes in ZooKeeper: every node owns an
// ephemeral znode under <root>/nodes named by its address.
type ZKMembership struct {
	conn     zkConn
	rootPath string
	local    string // node addr
}

// servers: ["zk1:2181", "zk2:2181"]
func NewZKMembership(servers []string, rootPath, localAddr string) (*ZKMembership, error) {
	conn, _, err := zk.Connect(servers, zkSessionTimeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return newMembership(conn, rootPath, localAddr), nil
}

func newMembership(conn zkConn, rootPath, localAddr string) *ZKMembership {
	return &ZKMembership{
		conn:     conn,
		rootPath: strings.TrimRight(rootPath, "/"),
		local:    localAddr,
	}
}

func (m *ZKMembership) Close() error {
	m.conn.Close()
	return nil
}

func (m *ZKMembership) nodesPath() string {
	return m.rootPath + "/nodes"
}

// ensurePath creates every missing persistent znode on the way to path.
func (m *ZKMembership) ensurePath(path string) error {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i := range parts {
		p := "/" + strings.Join(parts[:i+1], "/")
		if ok, _, err := m.conn.Exists(p); err != nil {
			return err
		} else if ok {
			continue
		}
		if _, err := m.conn.Create(p, nil, 0, zk.WorldACL(zk.PermAll)); err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return err
		}
	}
	return nil
}

// RegisterSelf создаёт ephemeral-узел для текущей ноды
func (m *ZKMembership) RegisterSelf(ctx context.Context) error {
	// Ждём, пока клиент реально подключится к ZK
	if err := m.waitConnected(ctx, zkConnectTimeout); err != nil {
		return err
	}

	if err := m.ensurePath(m.nodesPath()); err != nil {
		return fmt.Errorf("ensure nodes path: %w", err)
	}

	nodePath := m.nodesPath() + "/" + m.local
	_, err := m.conn.Create(nodePath, nil, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("create ephemeral node: %w", err)
	}

	slog.Info("registered in zookeeper", "path", nodePath)
	return nil
}

// BuildRing строит HashRing на основе текущего списка нод
func (m *ZKMembership) BuildRing(replicas int) (*HashRing, error) {
	nodes, _, err := m.conn.Children(m.nodesPath())
	if err != nil {
		return nil, fmt.Errorf("zk children: %w", err)
	}
	return ringOf(nodes, replicas), nil
}

func ringOf(nodes []string, replicas int) *HashRing {
	ring := NewHashRing(replicas)
	for _, n := range nodes {
		ring.AddNode(n)
	}
	return ring
}

// RunWatch следит за изменениями /nodes и обновляет ring в Router, пока ctx жив.
func (m *ZKMembership) RunWatch(ctx context.Context, r *Router, replicas int) error {
	for {
		children, _, ch, err := m.conn.ChildrenW(m.nodesPath())
		if err != nil {
			slog.Warn("zk watch failed, retrying", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(zkRetryDelay):
				continue
			}
		}

		r.UpdateRing(ringOf(children, replicas))

		select {
		case ev := <-ch:
			slog.Debug("zk event", "type", ev.Type, "path", ev.Path)
		case <-ctx.Done():
			slog.Info("zk watch stopped")
			return nil
		}
	}
}

func connected(st zk.State) bool {
	return st == zk.StateConnected || st == zk.StateHasSession
}

func (m *ZKMembership) waitConnected(ctx context.Context, timeout time.Duration) error {
	if connected(m.conn.State()) {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("zk: not connected (state=%v): %w", m.conn.State(), ctx.Err())
		case <-tick.C:
			if connected(m.conn.State()) {
				return nil
			}
		}
	}
}

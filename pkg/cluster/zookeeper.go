package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"

	"pssync/pkg/types"
)

// ZKRegistry keeps a DynamicGroup in sync with the set of live nodes
// registered under a ZooKeeper path. Each node registers itself as an
// ephemeral child; a watch loop rebuilds the group whenever the set of
// children changes.
type ZKRegistry struct {
	conn     *zk.Conn
	rootPath string
	local    types.NodeID
}

// servers: ["zk1:2181", "zk2:2181"]
func NewZKRegistry(servers []string, rootPath string, local types.NodeID) (*ZKRegistry, error) {
	conn, _, err := zk.Connect(servers, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return &ZKRegistry{
		conn:     conn,
		rootPath: rootPath,
		local:    local,
	}, nil
}

func (r *ZKRegistry) Close() error {
	r.conn.Close()
	return nil
}

func (r *ZKRegistry) groupPath(group string) string {
	return r.rootPath + "/" + group
}

func (r *ZKRegistry) ensurePath(path string) error {
	parts := strings.Split(path, "/")
	cur := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := r.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = r.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && err != zk.ErrNodeExists {
				return err
			}
		}
	}
	return nil
}

// RegisterSelf creates an ephemeral node for the local node under the
// given group, making it a member until the session dies.
func (r *ZKRegistry) RegisterSelf(group string) error {
	if err := r.waitConnected(10 * time.Second); err != nil {
		return err
	}

	if err := r.ensurePath(r.groupPath(group)); err != nil {
		return fmt.Errorf("ensure group path: %w", err)
	}

	nodePath := fmt.Sprintf("%s/%s", r.groupPath(group), r.local)
	_, err := r.conn.Create(nodePath, nil, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && err != zk.ErrNodeExists {
		return fmt.Errorf("create ephemeral node: %w", err)
	}

	slog.Info("registered node in group", "path", nodePath)
	return nil
}

// Members reads the current live members of a group.
func (r *ZKRegistry) Members(group string) ([]types.NodeID, error) {
	children, _, err := r.conn.Children(r.groupPath(group))
	if err != nil {
		return nil, fmt.Errorf("zk children: %w", err)
	}
	out := make([]types.NodeID, 0, len(children))
	for _, c := range children {
		out = append(out, types.NodeID(c))
	}
	return out, nil
}

// Watch keeps g updated with the live members of its group until ctx is
// cancelled. Requests issued against a stale snapshot are unaffected;
// the new membership applies from the next request on.
func (r *ZKRegistry) Watch(ctx context.Context, g *DynamicGroup) {
	go func() {
		for {
			children, _, ch, err := r.conn.ChildrenW(r.groupPath(g.Name()))
			if err != nil {
				slog.Warn("zk watch error", "group", g.Name(), "error", err)
				select {
				case <-time.After(2 * time.Second):
					continue
				case <-ctx.Done():
					return
				}
			}

			members := make([]types.NodeID, 0, len(children))
			for _, c := range children {
				members = append(members, types.NodeID(c))
			}
			g.Update(members)
			slog.Info("group membership updated", "group", g.Name(), "members", len(members))

			select {
			case ev := <-ch:
				slog.Debug("zk event", "event", ev)
			case <-ctx.Done():
				slog.Info("zk watch stopped", "group", g.Name())
				return
			}
		}
	}()
}

func (r *ZKRegistry) waitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := r.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("zk: not connected after %s, state=%v", timeout, st)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

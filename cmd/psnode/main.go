package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"pssync/internal/http"
	"pssync/pkg/cluster"
	"pssync/pkg/config"
	"pssync/pkg/container"
	"pssync/pkg/filter"
	"pssync/pkg/kvcache"
	"pssync/pkg/kvstore"
	"pssync/pkg/types"
)

func main() {
	configPath := flag.String("config", "psnode.yaml", "path to the YAML config")
	flag.Parse()

	cfg, err := initConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		slog.Error("psnode failed", "error", err)
		os.Exit(1)
	}
	slog.Info("psnode stopped")
}

func run(ctx context.Context, cfg config.Config) error {
	group, closer, err := buildGroup(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build node group: %w", err)
	}
	if closer != nil {
		defer closer()
	}

	peers := make(map[types.NodeID]string, len(cfg.Transport.Peers))
	for id, addr := range cfg.Transport.Peers {
		peers[types.NodeID(id)] = addr
	}
	post := http.NewPost(peers, cfg.Transport.ClientTimeout)
	server := http.NewServer(strconv.Itoa(cfg.Transport.Port))

	var filters filter.Chain
	if cfg.Store.Compress {
		z, err := filter.NewZstd()
		if err != nil {
			return fmt.Errorf("zstd filter: %w", err)
		}
		filters = filter.Chain{z}
	}

	ccfg := container.Config{
		Name:         fmt.Sprintf("kv%d", cfg.Node.App),
		Node:         types.NodeID(cfg.Node.ID),
		Range:        cfg.Node.KeyRange,
		Group:        group,
		MaxPushDelay: cfg.Consistency.MaxPushDelay,
		MaxPullDelay: cfg.Consistency.MaxPullDelay,
		Filters:      filters,
	}

	var c *container.Container
	switch cfg.Node.Role {
	case "server":
		mode := kvstore.Online
		if cfg.Store.Mode == "batch" {
			mode = kvstore.Batch
		}
		s, err := kvstore.New[float64](kvstore.Config{
			ID:        cfg.Node.App,
			Mode:      mode,
			ValLen:    cfg.Store.ValLen,
			BatchKeys: cfg.Store.BatchKeys,
			Container: ccfg,
		}, kvstore.AddHandle[float64]{}, post)
		if err != nil {
			return fmt.Errorf("kvstore: %w", err)
		}
		defer s.Close()
		c = s.Container()
	case "worker":
		w, err := kvcache.New[float64](kvcache.Config{
			ID:        cfg.Node.App,
			Container: ccfg,
		}, post)
		if err != nil {
			return fmt.Errorf("kvcache: %w", err)
		}
		defer w.Close()
		c = w.Container()
	default:
		return fmt.Errorf("unknown role %q", cfg.Node.Role)
	}

	server.Register(c)
	post.RegisterNotifier(c)

	if err := server.Start(); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	slog.Info("psnode running",
		"node", cfg.Node.ID, "role", cfg.Node.Role, "app", cfg.Node.App, "group", cfg.Cluster.Group)

	<-ctx.Done()
	return server.Stop()
}

// buildGroup returns the server node group: ZooKeeper-backed when zk
// servers are configured, static otherwise. Servers also register
// themselves as live members.
func buildGroup(ctx context.Context, cfg config.Config) (cluster.Group, func(), error) {
	if len(cfg.Cluster.ZKServers) == 0 {
		members := make([]types.NodeID, 0, len(cfg.Cluster.Static))
		for _, id := range cfg.Cluster.Static {
			members = append(members, types.NodeID(id))
		}
		return cluster.NewStaticGroup(cfg.Cluster.Group, members), nil, nil
	}

	reg, err := cluster.NewZKRegistry(cfg.Cluster.ZKServers, cfg.Cluster.ZKRoot, types.NodeID(cfg.Node.ID))
	if err != nil {
		return nil, nil, err
	}
	if cfg.Node.Role == "server" {
		if err := reg.RegisterSelf(cfg.Cluster.Group); err != nil {
			reg.Close()
			return nil, nil, err
		}
	}
	g := cluster.NewDynamicGroup(cfg.Cluster.Group)
	reg.Watch(ctx, g)
	return g, func() { _ = reg.Close() }, nil
}

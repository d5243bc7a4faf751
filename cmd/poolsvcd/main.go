// Command poolsvcd is the Pool Service daemon: it bootstraps or joins one
// pool's RDB, serves its RPCs over pkg/rpcsvc, and runs the broadcast and
// rebuild subsystems that back it.
//
// Grounded on cmd/warren/main.go's cobra root command, persistent flags, and
// `cluster init`/`manager join` subcommand pair, generalized from "one
// manager per cluster" to "one replica of one pool per invocation".
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/poolfabric/poolsvc/pkg/broadcast"
	"github.com/poolfabric/poolsvc/pkg/config"
	"github.com/poolfabric/poolsvc/pkg/log"
	"github.com/poolfabric/poolsvc/pkg/metrics"
	"github.com/poolfabric/poolsvc/pkg/poolmap"
	"github.com/poolfabric/poolsvc/pkg/poolsvc"
	"github.com/poolfabric/poolsvc/pkg/rdb"
	"github.com/poolfabric/poolsvc/pkg/rebuild"
	"github.com/poolfabric/poolsvc/pkg/registry"
	"github.com/poolfabric/poolsvc/pkg/rpcsvc"
	"github.com/poolfabric/poolsvc/pkg/schema"
	"github.com/poolfabric/poolsvc/pkg/types"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "poolsvcd",
	Short:   "Pool Service daemon",
	Long:    `poolsvcd runs one replica of one pool's service instance: its replicated database, RPC dispatch, map broadcast and rebuild subsystems.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("poolsvcd version %s\nCommit: %s\n", Version, Commit))
	rootCmd.PersistentFlags().String("config", "", "Path to poolsvcd.yaml (defaults to env/built-in defaults if absent)")

	rootCmd.AddCommand(bootstrapCmd)
	rootCmd.AddCommand(joinCmd)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	f := cmd.Flags()
	for name, dst := range map[string]*string{"node-id": &cfg.Raft.NodeID, "bind-addr": &cfg.Raft.BindAddr, "rpc-addr": &cfg.RPC.ListenAddr, "data-dir": &cfg.Storage.DataDir} {
		if f.Changed(name) {
			*dst, _ = f.GetString(name)
		}
	}
	if f.Changed("rebuild-disabled") {
		cfg.Rebuild.Disabled, _ = f.GetBool("rebuild-disabled")
	}
	return cfg, nil
}

func initLogging(cfg *config.Config) {
	log.Init(log.Config{
		Level:      log.Level(cfg.Logging.Level),
		JSONOutput: cfg.Logging.Format == "json",
	})
}

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Bootstrap a brand-new pool as its first (single-voter) replica",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		initLogging(cfg)

		poolIDFlag, _ := cmd.Flags().GetString("pool-id")
		topology, _ := cmd.Flags().GetStringSlice("domain")
		uid, _ := cmd.Flags().GetUint32("uid")
		gid, _ := cmd.Flags().GetUint32("gid")
		mode, _ := cmd.Flags().GetString("mode")

		poolID := types.NewUUID()
		if poolIDFlag != "" {
			poolID, err = types.ParseUUID(poolIDFlag)
			if err != nil {
				return fmt.Errorf("invalid --pool-id: %w", err)
			}
		}

		domains, err := parseTopology(topology)
		if err != nil {
			return fmt.Errorf("invalid --domain: %w", err)
		}

		modeVal, err := strconv.ParseUint(mode, 8, 64)
		if err != nil {
			return fmt.Errorf("invalid --mode (want octal, e.g. 0644): %w", err)
		}

		node, err := startNode(cfg, poolID, true)
		if err != nil {
			return err
		}
		defer node.shutdown()

		var targetCount uint32
		for _, d := range domains {
			for _, n := range d.Nodes {
				targetCount += n.TargetNr
			}
		}
		targetUUIDs := make([]types.UUID, targetCount)
		for i := range targetUUIDs {
			targetUUIDs[i] = types.NewUUID()
		}

		createReply, err := node.svc.Create(poolsvc.CreateRequest{
			Domains:     domains,
			Attrs:       types.Attributes{UID: uid, GID: gid, Mode: types.Mode(modeVal)},
			TargetUUIDs: targetUUIDs,
		})
		if err != nil {
			return fmt.Errorf("bootstrap: create pool: %w", err)
		}

		fmt.Printf("Pool bootstrapped\n")
		fmt.Printf("  Pool ID:    %s\n", poolID.String())
		fmt.Printf("  Map version: %d\n", createReply.MapVersion)
		fmt.Printf("  RPC address: %s\n", node.rpc.Addr().String())
		fmt.Println()
		fmt.Println("To add a replica, run:")
		fmt.Printf("  poolsvcd join --pool-id %s --node-id <id> --leader %s\n", poolID.String(), node.rpc.Addr().String())

		node.printReady()
		waitForShutdown()
		return nil
	},
}

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join this node as a new replica of an existing pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		initLogging(cfg)

		poolIDFlag, _ := cmd.Flags().GetString("pool-id")
		leader, _ := cmd.Flags().GetString("leader")
		if poolIDFlag == "" {
			return fmt.Errorf("--pool-id is required")
		}
		if leader == "" {
			return fmt.Errorf("--leader is required")
		}
		poolID, err := types.ParseUUID(poolIDFlag)
		if err != nil {
			return fmt.Errorf("invalid --pool-id: %w", err)
		}

		node, err := startNode(cfg, poolID, false)
		if err != nil {
			return err
		}
		defer node.shutdown()

		client, err := rpcsvc.Dial(leader)
		if err != nil {
			return fmt.Errorf("join: dial leader %s: %w", leader, err)
		}
		defer client.Close()

		_, err = client.Call(rpcsvc.OpReplicasAdd, poolID, poolsvc.ReplicasAddRequest{
			NodeID: cfg.Raft.NodeID,
			Addr:   cfg.Raft.BindAddr,
		}, nil)
		if err != nil {
			return fmt.Errorf("join: replicas add: %w", err)
		}

		fmt.Printf("✓ Joined pool %s as replica %s\n", poolID.String(), cfg.Raft.NodeID)
		node.printReady()
		waitForShutdown()
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{bootstrapCmd, joinCmd} {
		cmd.Flags().String("pool-id", "", "Pool UUID (generated if absent, required for join)")
		cmd.Flags().String("node-id", "node-1", "This replica's raft node id")
		cmd.Flags().String("bind-addr", "127.0.0.1:4010", "Raft bind address")
		cmd.Flags().String("rpc-addr", "127.0.0.1:4001", "Pool RPC listen address")
		cmd.Flags().String("data-dir", "./poolsvcd-data", "Data directory root")
		cmd.Flags().Bool("rebuild-disabled", false, "Disable the rebuild bridge")
	}

	bootstrapCmd.Flags().StringSlice("domain", []string{"0:0:4"}, "Domain topology, repeated: domainOrdinal:rank:targetNr[,rank:targetNr...]")
	bootstrapCmd.Flags().Uint32("uid", 0, "Owning uid")
	bootstrapCmd.Flags().Uint32("gid", 0, "Owning gid")
	bootstrapCmd.Flags().String("mode", "0644", "Owning mode, octal")

	joinCmd.Flags().String("leader", "", "Leader's RPC address to dial for REPLICAS_ADD")
	joinCmd.MarkFlagRequired("leader")
	joinCmd.MarkFlagRequired("pool-id")
}

// node bundles the running collaborators for one pool replica.
type node struct {
	db       *rdb.DB
	svc      *poolsvc.Service
	reg      *registry.Registry
	rpc      *rpcsvc.Server
	bcast    *broadcast.Broker
	rebuild  *rebuild.Bridge
	logLevel string
}

func startNode(cfg *config.Config, poolID types.UUID, bootstrap bool) (*node, error) {
	dataDir := filepath.Join(cfg.Storage.DataDir, "pools", poolID.String())

	dbCfg := rdb.Config{
		PoolID:   poolID,
		NodeID:   cfg.Raft.NodeID,
		BindAddr: cfg.Raft.BindAddr,
		DataDir:  dataDir,
	}

	var db *rdb.DB
	var err error
	if bootstrap {
		db, err = rdb.Create(dbCfg)
	} else {
		db, err = rdb.Open(dbCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("open pool rdb: %w", err)
	}

	if bootstrap {
		if _, _, serr := schema.ReadBootstrapSidecar(dataDir); serr != nil {
			if err := schema.WriteBootstrapSidecar(dataDir, types.NewUUID(), poolID); err != nil {
				db.Close()
				return nil, fmt.Errorf("write bootstrap sidecar: %w", err)
			}
		}
	}

	svc := poolsvc.New(poolID, db)
	if err := svc.Start(); err != nil {
		db.Close()
		return nil, fmt.Errorf("start pool service: %w", err)
	}

	bcast := broadcast.NewBroker()
	bcast.Start()
	svc.SetBroadcaster(bcast)

	reb := rebuild.New(rebuild.RunnerFunc(func(t rebuild.Task) error {
		log.WithComponent("rebuild").Info().
			Str("pool_id", t.PoolID.String()).
			Uint32("map_version", t.MapVersion).
			Msg("rebuild task dispatched")
		return nil
	}), cfg.Rebuild.Disabled)
	reb.Start()
	svc.SetRebuildBridge(&rebuild.PoolAdapter{Bridge: reb, Replicas: []string{cfg.Raft.BindAddr}})

	reg := registry.New()
	reg.Register(poolID, svc)

	rpcSrv := rpcsvc.NewServer(reg)
	if err := rpcSrv.Listen(cfg.RPC.ListenAddr); err != nil {
		svc.Drain()
		svc.Stop()
		db.Close()
		return nil, fmt.Errorf("listen rpc: %w", err)
	}

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Addr)
	}
	metrics.PoolsTotal.Inc()

	return &node{db: db, svc: svc, reg: reg, rpc: rpcSrv, bcast: bcast, rebuild: reb}, nil
}

func (n *node) printReady() {
	fmt.Println()
	fmt.Println("Pool service instance is running. Press Ctrl+C to stop.")
	fmt.Printf("RPC listening on %s\n", n.rpc.Addr().String())
}

func (n *node) shutdown() {
	n.reg.Remove(n.svc.PoolID)
	n.rpc.Close()
	n.svc.Drain()
	n.rebuild.LeaderStop(n.svc.PoolID)
	n.rebuild.Stop()
	n.bcast.Stop()
	n.svc.Stop()
	n.db.Close()
	metrics.PoolsTotal.Dec()
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorf("metrics server error", err)
	}
}

func waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	fmt.Println("\nShutting down...")
}

// parseTopology parses repeated --domain flags of the form
// "domainOrdinal:rank:targetNr[,rank:targetNr...]" into poolmap.DomainSpec
// values, grouping nodes by the domain ordinal they name.
func parseTopology(flags []string) ([]poolmap.DomainSpec, error) {
	byOrdinal := make(map[int][]poolmap.NodeSpec)
	var order []int

	for _, flag := range flags {
		parts := strings.SplitN(flag, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("domain %q: want domainOrdinal:rank:targetNr[,...]", flag)
		}
		ordinal, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, fmt.Errorf("domain %q: bad domain ordinal: %w", flag, err)
		}
		if _, seen := byOrdinal[ordinal]; !seen {
			order = append(order, ordinal)
		}

		for _, nodeSpec := range strings.Split(parts[1], ",") {
			rankTarget := strings.SplitN(nodeSpec, ":", 2)
			if len(rankTarget) != 2 {
				return nil, fmt.Errorf("domain %q: node spec %q wants rank:targetNr", flag, nodeSpec)
			}
			rank, err := strconv.ParseUint(rankTarget[0], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("domain %q: bad rank: %w", flag, err)
			}
			targetNr, err := strconv.ParseUint(rankTarget[1], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("domain %q: bad targetNr: %w", flag, err)
			}
			byOrdinal[ordinal] = append(byOrdinal[ordinal], poolmap.NodeSpec{
				Rank:     uint32(rank),
				TargetNr: uint32(targetNr),
			})
		}
	}

	domains := make([]poolmap.DomainSpec, len(order))
	for i, ordinal := range order {
		domains[i] = poolmap.DomainSpec{Nodes: byOrdinal[ordinal]}
	}
	return domains, nil
}

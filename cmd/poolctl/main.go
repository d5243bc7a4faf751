// Command poolctl is the Pool Service client CLI: it dials a running
// poolsvcd's RPC listener and drives the handle/attribute/replica
// operations a pool client or an operator would otherwise issue over
// pkg/rpcsvc directly.
//
// Grounded on cmd/warren/main.go's per-resource subcommand style (each
// subcommand parses its flags, dials the target, calls one method, and
// prints a human-readable result) generalized from warren's `--manager`
// flag to a `--server` flag naming one pool service replica.
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/poolfabric/poolsvc/pkg/poolsvc"
	"github.com/poolfabric/poolsvc/pkg/rpcsvc"
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
	Use:     "poolctl",
	Short:   "Pool Service client",
	Long:    `poolctl drives one pool service replica's RPCs: handle connect/disconnect, query, membership update, eviction, attributes, and replica management.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("poolctl version %s\nCommit: %s\n", Version, Commit))
	rootCmd.PersistentFlags().String("server", "127.0.0.1:4001", "Pool service RPC address to dial")
	rootCmd.PersistentFlags().String("pool-id", "", "Pool UUID")
	rootCmd.MarkPersistentFlagRequired("pool-id")

	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(disconnectCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(evictCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(attrCmd)
	rootCmd.AddCommand(replicasCmd)
}

// dial resolves --server/--pool-id and opens a client connection to that one
// address. It does not follow KindNotLeader redirects; the subcommands print
// the returned leader hint instead.
func dial(cmd *cobra.Command) (*rpcsvc.Client, types.UUID, error) {
	server, _ := cmd.Flags().GetString("server")
	poolIDStr, _ := cmd.Flags().GetString("pool-id")

	poolID, err := types.ParseUUID(poolIDStr)
	if err != nil {
		return nil, types.UUID{}, fmt.Errorf("invalid --pool-id: %w", err)
	}
	client, err := rpcsvc.Dial(server)
	if err != nil {
		return nil, types.UUID{}, fmt.Errorf("dial %s: %w", server, err)
	}
	return client, poolID, nil
}

func printHint(hint types.LeaderHint) {
	if hint.Flags != 0 || hint.Rank != "" {
		fmt.Printf("  (leader hint: rank=%s term=%d)\n", hint.Rank, hint.Term)
	}
}

// reportRPCError wraps err with op, surfacing a KindTrunc error's required
// buffer size since that's the one failure mode a caller needs to act on
// automatically (resize the buffer, retry).
func reportRPCError(op string, err error) error {
	if perr, ok := err.(*types.Error); ok && perr.Kind == types.KindTrunc {
		return fmt.Errorf("%s: %w (required_size=%d)", op, err, perr.RequiredSize)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func parseHandleID(s string) (types.UUID, error) {
	if s == "" {
		return types.NewUUID(), nil
	}
	return types.ParseUUID(s)
}

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Open a new pool handle",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, poolID, err := dial(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		handleID, _ := cmd.Flags().GetString("handle-id")
		uid, _ := cmd.Flags().GetUint32("uid")
		gid, _ := cmd.Flags().GetUint32("gid")
		capasFlag, _ := cmd.Flags().GetStringSlice("capability")
		bufSize, _ := cmd.Flags().GetInt("buf-size")

		hid, err := parseHandleID(handleID)
		if err != nil {
			return fmt.Errorf("invalid --handle-id: %w", err)
		}

		var capas types.Capability
		for _, c := range capasFlag {
			switch strings.ToUpper(c) {
			case "RO", "READ":
				capas |= types.CapReadOnly
			case "RW", "WRITE":
				capas |= types.CapReadWrite
			case "EX", "EXCLUSIVE":
				capas |= types.CapExclusive
			}
		}

		var reply poolsvc.ConnectReply
		hint, err := client.Call(rpcsvc.OpConnect, poolID, poolsvc.ConnectRequest{
			HandleID: hid,
			UID:      uid,
			GID:      gid,
			Capas:    capas,
			BufSize:  bufSize,
		}, &reply)
		if err != nil {
			return reportRPCError("connect", err)
		}

		fmt.Printf("Connected handle %s\n", hid.String())
		fmt.Printf("  Map version: %d (%d bytes)\n", reply.MapVersion, len(reply.MapBuffer))
		printHint(hint)
		return nil
	},
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect",
	Short: "Close a pool handle",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, poolID, err := dial(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		handleID, _ := cmd.Flags().GetString("handle-id")
		hid, err := types.ParseUUID(handleID)
		if err != nil {
			return fmt.Errorf("invalid --handle-id: %w", err)
		}

		hint, err := client.Call(rpcsvc.OpDisconnect, poolID, poolsvc.DisconnectRequest{HandleID: hid}, nil)
		if err != nil {
			return fmt.Errorf("disconnect: %w", err)
		}
		fmt.Printf("Disconnected handle %s\n", hid.String())
		printHint(hint)
		return nil
	},
}

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query the pool's current map version and handle count",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, poolID, err := dial(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		handleID, _ := cmd.Flags().GetString("handle-id")
		bufSize, _ := cmd.Flags().GetInt("buf-size")
		hid, err := types.ParseUUID(handleID)
		if err != nil {
			return fmt.Errorf("invalid --handle-id: %w", err)
		}

		var reply poolsvc.QueryReply
		hint, err := client.Call(rpcsvc.OpQuery, poolID, poolsvc.QueryRequest{HandleID: hid, BufSize: bufSize}, &reply)
		if err != nil {
			return reportRPCError("query", err)
		}

		fmt.Printf("Pool %s\n", poolID.String())
		fmt.Printf("  Map version: %d (%d bytes)\n", reply.MapVersion, len(reply.MapBuffer))
		fmt.Printf("  Open handles: %d\n", reply.NHandles)
		fmt.Printf("  Rebuild: version=%d state=%s errno=%d\n", reply.Rebuild.Version, reply.Rebuild.State, reply.Rebuild.Errno)
		printHint(hint)
		return nil
	},
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Apply a membership-change opcode against one or more targets",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, poolID, err := dial(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		opFlag, _ := cmd.Flags().GetString("op")
		addrFlags, _ := cmd.Flags().GetStringSlice("target")

		op, err := parseUpdateOpcode(opFlag)
		if err != nil {
			return err
		}
		addrs, err := parseTargetAddresses(addrFlags)
		if err != nil {
			return err
		}

		var reply poolsvc.UpdateReply
		hint, err := client.Call(rpcsvc.OpUpdate, poolID, poolsvc.UpdateRequest{Addrs: addrs, Op: op}, &reply)
		if err != nil {
			return fmt.Errorf("update: %w", err)
		}

		fmt.Printf("Map updated to version %d\n", reply.MapVersion)
		if len(reply.Unresolved) > 0 {
			fmt.Printf("  Unresolved targets: %v\n", reply.Unresolved)
		}
		printHint(hint)
		return nil
	},
}

var evictCmd = &cobra.Command{
	Use:   "evict",
	Short: "Forcibly close handles (all handles if none named)",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, poolID, err := dial(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		handleIDs, _ := cmd.Flags().GetStringSlice("handle-id")
		var ids []types.UUID
		for _, s := range handleIDs {
			id, err := types.ParseUUID(s)
			if err != nil {
				return fmt.Errorf("invalid --handle-id %q: %w", s, err)
			}
			ids = append(ids, id)
		}

		var reply poolsvc.EvictReply
		hint, err := client.Call(rpcsvc.OpEvict, poolID, poolsvc.EvictRequest{HandleIDs: ids}, &reply)
		if err != nil {
			return fmt.Errorf("evict: %w", err)
		}
		fmt.Printf("Evicted %d handle(s)\n", reply.Evicted)
		printHint(hint)
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Drain and stop this replica's pool service instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, poolID, err := dial(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		hint, err := client.Call(rpcsvc.OpStop, poolID, nil, nil)
		if err != nil {
			return fmt.Errorf("stop: %w", err)
		}
		fmt.Printf("Pool %s service instance stopped on this replica\n", poolID.String())
		printHint(hint)
		return nil
	},
}

var attrCmd = &cobra.Command{
	Use:   "attr",
	Short: "Manage user-defined pool attributes",
}

var attrSetCmd = &cobra.Command{
	Use:   "set <name> <value>",
	Short: "Set a pool attribute",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, poolID, err := dial(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		hint, err := client.Call(rpcsvc.OpAttrSet, poolID, poolsvc.AttrSetRequest{
			Name:  args[0],
			Value: []byte(args[1]),
		}, nil)
		if err != nil {
			return fmt.Errorf("attr set: %w", err)
		}
		fmt.Printf("Set attribute %q\n", args[0])
		printHint(hint)
		return nil
	},
}

var attrGetCmd = &cobra.Command{
	Use:   "get <name>",
	Short: "Read a pool attribute",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, poolID, err := dial(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		var reply poolsvc.AttrGetReply
		hint, err := client.Call(rpcsvc.OpAttrGet, poolID, poolsvc.AttrGetRequest{Name: args[0]}, &reply)
		if err != nil {
			return fmt.Errorf("attr get: %w", err)
		}
		if isPrintable(reply.Value) {
			fmt.Printf("%s = %s\n", args[0], string(reply.Value))
		} else {
			fmt.Printf("%s = %s\n", args[0], hex.EncodeToString(reply.Value))
		}
		printHint(hint)
		return nil
	},
}

var attrDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a pool attribute",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, poolID, err := dial(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		hint, err := client.Call(rpcsvc.OpAttrDelete, poolID, poolsvc.AttrDeleteRequest{Name: args[0]}, nil)
		if err != nil {
			return fmt.Errorf("attr delete: %w", err)
		}
		fmt.Printf("Deleted attribute %q\n", args[0])
		printHint(hint)
		return nil
	},
}

var attrListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pool attribute names",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, poolID, err := dial(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		var reply poolsvc.AttrListReply
		hint, err := client.Call(rpcsvc.OpAttrList, poolID, nil, &reply)
		if err != nil {
			return fmt.Errorf("attr list: %w", err)
		}
		if len(reply.Names) == 0 {
			fmt.Println("No attributes set")
		}
		for _, name := range reply.Names {
			fmt.Println(name)
		}
		printHint(hint)
		return nil
	},
}

var replicasCmd = &cobra.Command{
	Use:   "replicas",
	Short: "Manage this pool's RDB replica set",
}

var replicasAddCmd = &cobra.Command{
	Use:   "add <node-id> <addr>",
	Short: "Add a new voting replica to the pool's RDB",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, poolID, err := dial(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		hint, err := client.Call(rpcsvc.OpReplicasAdd, poolID, poolsvc.ReplicasAddRequest{
			NodeID: args[0],
			Addr:   args[1],
		}, nil)
		if err != nil {
			return fmt.Errorf("replicas add: %w", err)
		}
		fmt.Printf("✓ Added replica %s (%s)\n", args[0], args[1])
		printHint(hint)
		return nil
	},
}

var replicasRemoveCmd = &cobra.Command{
	Use:   "remove <node-id>",
	Short: "Remove a voting replica from the pool's RDB",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, poolID, err := dial(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		hint, err := client.Call(rpcsvc.OpReplicasRemove, poolID, poolsvc.ReplicasRemoveRequest{NodeID: args[0]}, nil)
		if err != nil {
			return fmt.Errorf("replicas remove: %w", err)
		}
		fmt.Printf("✓ Removed replica %s\n", args[0])
		printHint(hint)
		return nil
	},
}

func init() {
	connectCmd.Flags().String("handle-id", "", "Handle UUID (generated if absent)")
	connectCmd.Flags().Uint32("uid", 0, "Connecting uid")
	connectCmd.Flags().Uint32("gid", 0, "Connecting gid")
	connectCmd.Flags().StringSlice("capability", []string{"ro"}, "Capabilities requested: ro, rw")
	connectCmd.Flags().Int("buf-size", 0, "Map buffer capacity in bytes (0 = unbounded)")

	disconnectCmd.Flags().String("handle-id", "", "Handle UUID")
	disconnectCmd.MarkFlagRequired("handle-id")

	queryCmd.Flags().String("handle-id", "", "Handle UUID (must already be open)")
	queryCmd.MarkFlagRequired("handle-id")
	queryCmd.Flags().Int("buf-size", 0, "Map buffer capacity in bytes (0 = unbounded)")

	updateCmd.Flags().String("op", "", "Opcode: exclude, exclude-out, add, add-in")
	updateCmd.Flags().StringSlice("target", nil, "Target address rank:idx, repeatable")
	updateCmd.MarkFlagRequired("op")
	updateCmd.MarkFlagRequired("target")

	evictCmd.Flags().StringSlice("handle-id", nil, "Handle UUID to evict, repeatable (evicts all if absent)")

	attrCmd.AddCommand(attrSetCmd, attrGetCmd, attrDeleteCmd, attrListCmd)
	replicasCmd.AddCommand(replicasAddCmd, replicasRemoveCmd)
}

func isPrintable(b []byte) bool {
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}

func parseUpdateOpcode(s string) (types.UpdateOpcode, error) {
	switch strings.ToLower(s) {
	case "exclude":
		return types.OpExclude, nil
	case "exclude-out":
		return types.OpExcludeOut, nil
	case "add":
		return types.OpAdd, nil
	case "add-in":
		return types.OpAddIn, nil
	default:
		return 0, fmt.Errorf("unknown --op %q", s)
	}
}

func parseTargetAddresses(flags []string) ([]poolsvc.TargetAddress, error) {
	addrs := make([]poolsvc.TargetAddress, 0, len(flags))
	for _, f := range flags {
		parts := strings.SplitN(f, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("target %q: want rank:idx", f)
		}
		rank, err := strconv.ParseUint(parts[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("target %q: bad rank: %w", f, err)
		}
		idx, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("target %q: bad idx: %w", f, err)
		}
		addrs = append(addrs, poolsvc.TargetAddress{Rank: uint32(rank), Idx: uint32(idx)})
	}
	return addrs, nil
}

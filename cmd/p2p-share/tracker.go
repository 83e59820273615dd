package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"

	"hogrider/p2p-share/pkg/logger"
	"hogrider/p2p-share/pkg/monitor"
	"hogrider/p2p-share/tracker"
)

var (
	trackerAddr        string
	trackerAdminAddr   string
	trackerStore       string
	trackerRedisAddr   string
	trackerAdvertise   bool
	trackerInteractive bool
)

var trackerCmd = &cobra.Command{
	Use:   "tracker",
	Short: "Start the Tracker",
	RunE: func(cmd *cobra.Command, args []string) error {
		tc := cfg.Tracker
		if cmd.Flags().Changed("addr") {
			tc.ListenAddr = trackerAddr
		}
		if cmd.Flags().Changed("admin") {
			tc.AdminAddr = trackerAdminAddr
		}
		if cmd.Flags().Changed("store") {
			tc.Store = trackerStore
		}
		if cmd.Flags().Changed("redis") {
			tc.Redis.Addr = trackerRedisAddr
		}
		if cmd.Flags().Changed("advertise") {
			tc.Advertise = trackerAdvertise
		}

		registry, index, closeStore, err := openStores(cmd.Context(), tc.Store, tc.Redis.Addr, tc.Redis.Password, tc.Redis.PoolSize)
		if err != nil {
			return err
		}
		defer closeStore()

		t := tracker.New(tracker.Options{
			ListenAddr:     tc.ListenAddr,
			PortRangeStart: tc.PortRangeStart,
			PortRangeEnd:   tc.PortRangeEnd,
			IdleTimeout:    tc.IdleTimeout.Duration,
			EvictInterval:  tc.EvictInterval.Duration,
			WriteTimeout:   tc.WriteTimeout.Duration,
			Advertise:      tc.Advertise,
		}, registry, index)

		logger.Sugar.Infof("Starting Tracker on %s (store=%s)", tc.ListenAddr, tc.Store)
		if err := t.Start(); err != nil {
			return fmt.Errorf("start tracker: %w", err)
		}
		defer t.Stop()

		if tc.AdminAddr != "" {
			stopAdmin, err := tracker.ServeAdmin(tracker.AdminHandler(t), tc.AdminAddr)
			if err != nil {
				return fmt.Errorf("start admin http: %w", err)
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = stopAdmin(ctx)
			}()
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		go monitor.Global.LogPeriodic(ctx, time.Minute)

		if trackerInteractive {
			fmt.Println("P2P Tracker Interactive Shell")
			fmt.Println("Type 'help' for commands.")

			prompt.New(
				func(in string) { trackerExecutor(in, t, cancel) },
				trackerCompleter,
				prompt.OptionPrefix("tracker> "),
				prompt.OptionTitle("P2P Tracker"),
				prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
					return breakline && ctx.Err() != nil
				}),
			).Run()
			return nil
		}

		<-ctx.Done()
		logger.Sugar.Info("Stopping tracker...")
		return nil
	},
}

func openStores(ctx context.Context, kind, addr, password string, poolSize int) (tracker.Registry, tracker.Index, func(), error) {
	switch kind {
	case "redis":
		client := tracker.NewRedisClient(addr, password, poolSize)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
		}
		logger.Sugar.Infof("Using Redis store at %s", addr)
		return tracker.NewRedisRegistry(client), tracker.NewRedisIndex(client), func() { client.Close() }, nil
	case "memory":
		return tracker.NewMemoryRegistry(), tracker.NewMemoryIndex(), func() {}, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown tracker store %q", kind)
	}
}

func trackerExecutor(in string, t *tracker.Tracker, stop context.CancelFunc) {
	in = strings.TrimSpace(in)
	blocks := strings.Fields(in)
	if len(blocks) == 0 {
		return
	}

	ctx := context.Background()
	switch blocks[0] {
	case "exit", "quit":
		fmt.Println("Stopping tracker...")
		stop()
	case "status":
		fmt.Println(t.GetStatus())
	case "peers":
		peers, err := t.Peers(ctx)
		if err != nil {
			fmt.Printf("Error listing peers: %v\n", err)
			return
		}
		if len(peers) == 0 {
			fmt.Println("No peers registered.")
			return
		}
		fmt.Println("Registered Peers:")
		for _, p := range peers {
			fmt.Printf("- %s %s:%d\n", p.ID, p.Address, p.Port)
		}
	case "files":
		files, err := t.Files(ctx)
		if err != nil {
			fmt.Printf("Error listing files: %v\n", err)
			return
		}
		if len(files) == 0 {
			fmt.Println("No files announced.")
			return
		}
		for _, f := range files {
			fmt.Printf("- %s (%d bytes, %d chunks) %s\n", f.Name, f.Size, f.ChunkCount, f.Hash)
		}
	case "evict":
		n, err := t.EvictIdle(ctx)
		if err != nil {
			fmt.Printf("Eviction finished with errors: %v\n", err)
		}
		fmt.Printf("Evicted %d idle peers.\n", n)
	case "help":
		fmt.Println("Available commands:")
		fmt.Println("  status       - Show tracker status")
		fmt.Println("  peers        - List registered peers")
		fmt.Println("  files        - List announced files")
		fmt.Println("  evict        - Evict idle peers now")
		fmt.Println("  exit         - Stop tracker and exit")
	default:
		fmt.Println("Unknown command: " + blocks[0])
	}
}

func trackerCompleter(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "status", Description: "Show tracker status and stats"},
		{Text: "peers", Description: "List registered peers"},
		{Text: "files", Description: "List announced files"},
		{Text: "evict", Description: "Evict idle peers now"},
		{Text: "exit", Description: "Exit the tracker"},
		{Text: "help", Description: "Show help"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

func init() {
	rootCmd.AddCommand(trackerCmd)
	trackerCmd.Flags().StringVarP(&trackerAddr, "addr", "a", "0.0.0.0:3000", "Address for the tracker to listen on")
	trackerCmd.Flags().StringVar(&trackerAdminAddr, "admin", ":3080", "Admin HTTP address, empty to disable")
	trackerCmd.Flags().StringVar(&trackerStore, "store", "memory", "State store: memory or redis")
	trackerCmd.Flags().StringVar(&trackerRedisAddr, "redis", "127.0.0.1:6379", "Redis address when --store=redis")
	trackerCmd.Flags().BoolVar(&trackerAdvertise, "advertise", false, "Advertise the tracker over mDNS")
	trackerCmd.Flags().BoolVarP(&trackerInteractive, "interactive", "i", false, "Start in interactive mode")
}

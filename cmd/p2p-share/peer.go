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
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"hogrider/p2p-share/peer"
	"hogrider/p2p-share/pkg/logger"
	"hogrider/p2p-share/pkg/monitor"
	"hogrider/p2p-share/webapi"
)

var (
	peerTracker     string
	peerIP          string
	peerDir         string
	peerWorkers     int
	peerHTTPAddr    string
	fileToSeed      string
	fileToDownload  string
	peerInteractive bool
)

var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Start a Peer Node",
	RunE: func(cmd *cobra.Command, args []string) error {
		pc := cfg.Peer
		if cmd.Flags().Changed("tracker") {
			pc.TrackerAddr = peerTracker
		}
		if cmd.Flags().Changed("ip") {
			pc.AdvertiseIP = peerIP
		}
		if cmd.Flags().Changed("dir") {
			pc.DownloadDir = peerDir
		}
		if cmd.Flags().Changed("workers") {
			pc.Workers = peerWorkers
		}
		if cmd.Flags().Changed("http") {
			pc.HTTPAddr = peerHTTPAddr
		}
		if pc.Workers < 1 {
			return fmt.Errorf("workers must be at least 1, got %d", pc.Workers)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		logger.Sugar.Infof("Starting Peer Node, tracker %s", pc.TrackerAddr)
		p := peer.NewPeerServer(peer.Config{
			TrackerAddr:       pc.TrackerAddr,
			AdvertiseIP:       pc.AdvertiseIP,
			DownloadDir:       pc.DownloadDir,
			Workers:           pc.Workers,
			FetchDelay:        pc.FetchDelay.Duration,
			RequestTimeout:    pc.RequestTimeout.Duration,
			DialTimeout:       pc.DialTimeout.Duration,
			TransferTimeout:   pc.TransferTimeout.Duration,
			HeartbeatInterval: pc.HeartbeatInterval.Duration,
		})
		if err := p.Start(ctx); err != nil {
			return fmt.Errorf("start peer: %w", err)
		}
		defer p.Stop()

		go monitor.Global.LogPeriodic(ctx, time.Minute)

		if pc.HTTPAddr != "" {
			api := webapi.New(p)
			stopAPI, err := api.ListenAndServe(pc.HTTPAddr)
			if err != nil {
				return fmt.Errorf("start web api: %w", err)
			}
			defer func() {
				sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer scancel()
				_ = stopAPI(sctx)
			}()
		}

		if fileToSeed != "" {
			logger.Sugar.Infof("Auto-seeding file: %s", fileToSeed)
			if _, err := p.Seed(ctx, fileToSeed); err != nil {
				logger.Sugar.Errorf("Failed to seed file: %v", err)
			}
		}

		if fileToDownload != "" {
			logger.Sugar.Infof("Auto-downloading file: %s", fileToDownload)
			if err := downloadWithBar(ctx, p, fileToDownload, ""); err != nil {
				logger.Sugar.Errorf("Failed to download file: %v", err)
			}
		}

		if peerInteractive {
			fmt.Println("P2P Peer Node Interactive Shell")
			fmt.Println("Type 'help' for commands.")

			prompt.New(
				func(in string) { peerExecutor(ctx, in, p, cancel) },
				peerCompleter,
				prompt.OptionPrefix("peer> "),
				prompt.OptionTitle("P2P Peer Node"),
				prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
					return breakline && ctx.Err() != nil
				}),
			).Run()
			return nil
		}

		<-ctx.Done()
		logger.Sugar.Info("Stopping peer...")
		return nil
	},
}

// downloadWithBar runs a download and renders its progress callback as a
// terminal progress bar.
func downloadWithBar(ctx context.Context, p *peer.PeerServer, name, dir string) error {
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetDescription(name),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionOnCompletion(func() { fmt.Println() }),
	)

	path, err := p.Download(ctx, name, dir, func(pct float64) {
		_ = bar.Set(int(pct))
	})
	if err != nil {
		_ = bar.Exit()
		fmt.Println()
		return err
	}
	_ = bar.Finish()
	fmt.Printf("Saved %s to %s\n", name, path)
	return nil
}

func peerExecutor(ctx context.Context, in string, p *peer.PeerServer, stop context.CancelFunc) {
	in = strings.TrimSpace(in)
	blocks := strings.Fields(in)
	if len(blocks) == 0 {
		return
	}

	switch blocks[0] {
	case "exit", "quit":
		fmt.Println("Stopping peer...")
		stop()
	case "status":
		fmt.Println(p.GetStatus())
	case "seed":
		if len(blocks) < 2 {
			fmt.Println("Usage: seed <file_path>")
			return
		}
		info, err := p.Seed(ctx, blocks[1])
		if err != nil {
			fmt.Printf("Error seeding file: %v\n", err)
			return
		}
		fmt.Printf("Seeding %s (%d chunks, ID %s)\n", info.Name, info.ChunkCount, info.Hash)
	case "files":
		files, err := p.ListFiles(ctx)
		if err != nil {
			fmt.Printf("Error listing files: %v\n", err)
			return
		}
		if len(files) == 0 {
			fmt.Println("No files available.")
			return
		}
		for _, f := range files {
			fmt.Printf("- %s (%d bytes, %d chunks)\n", f.Name, f.Size, f.ChunkCount)
		}
	case "download":
		if len(blocks) < 2 {
			fmt.Println("Usage: download <file_name> [dir]")
			return
		}
		dir := ""
		if len(blocks) > 2 {
			dir = blocks[2]
		}
		if err := downloadWithBar(ctx, p, blocks[1], dir); err != nil {
			fmt.Printf("Error downloading file: %v\n", err)
		}
	case "peers":
		for _, other := range p.Peers() {
			fmt.Printf("- %s %s:%d\n", other.ID, other.Address, other.Port)
		}
	case "help":
		fmt.Println("Available commands:")
		fmt.Println("  status                 - Show peer status")
		fmt.Println("  seed <path>            - Seed a local file")
		fmt.Println("  files                  - List files known to the tracker")
		fmt.Println("  download <name> [dir]  - Download a file by name")
		fmt.Println("  peers                  - List peers in the swarm")
		fmt.Println("  exit                   - Stop peer and exit")
	default:
		fmt.Println("Unknown command: " + blocks[0])
	}
}

func peerCompleter(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "status", Description: "Show peer status"},
		{Text: "seed", Description: "Seed a file"},
		{Text: "files", Description: "List available files"},
		{Text: "download", Description: "Download a file"},
		{Text: "peers", Description: "List peers"},
		{Text: "exit", Description: "Exit the peer"},
		{Text: "help", Description: "Show help"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

func init() {
	rootCmd.AddCommand(peerCmd)
	peerCmd.Flags().StringVarP(&peerTracker, "tracker", "t", "127.0.0.1:3000", `Tracker address, or "auto" to find one over mDNS`)
	peerCmd.Flags().StringVar(&peerIP, "ip", "127.0.0.1", "IP address other peers use to reach this one")
	peerCmd.Flags().StringVarP(&peerDir, "dir", "d", "Downloads", "Download directory")
	peerCmd.Flags().IntVarP(&peerWorkers, "workers", "w", 5, "Concurrent chunk downloads")
	peerCmd.Flags().StringVar(&peerHTTPAddr, "http", "", "Serve the web API on this address")
	peerCmd.Flags().StringVarP(&fileToSeed, "seed", "s", "", "Path to a file to seed immediately")
	peerCmd.Flags().StringVar(&fileToDownload, "download", "", "File name to download immediately")
	peerCmd.Flags().BoolVarP(&peerInteractive, "interactive", "i", false, "Start in interactive mode")
}

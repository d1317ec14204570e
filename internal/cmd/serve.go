package cmd

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jra3/filesyncd/internal/audit"
	"github.com/jra3/filesyncd/internal/config"
	"github.com/jra3/filesyncd/internal/fanout"
	"github.com/jra3/filesyncd/internal/pathvalidator"
	"github.com/jra3/filesyncd/internal/protocol"
	"github.com/jra3/filesyncd/internal/registry"
	"github.com/jra3/filesyncd/internal/session"
	"github.com/jra3/filesyncd/internal/transport"
	"github.com/jra3/filesyncd/internal/vcsgateway"
	"github.com/jra3/filesyncd/internal/watch"
)

var serveCmd = &cobra.Command{
	Use:   "serve [repo-root]",
	Short: "Serve a repository for collaborative synchronization",
	Long:  `Start the websocket listener mediating clients over the repository at the given root (or the configured default).`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("listen", "", "listen address (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	root := cfg.Repo.Root
	if len(args) > 0 {
		root = args[0]
	}
	if root == "" {
		return fmt.Errorf("repository root required: filesyncd serve /path/to/repo")
	}

	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Server.ListenAddr = listen
	}

	// --debug (bound through viper in root.go) overlays the configured
	// log level, mirroring the teacher's viper.GetBool("debug") read in
	// mount.go.
	if viper.GetBool("debug") {
		cfg.Log.Level = "debug"
	}
	debug := cfg.Log.Level == "debug"

	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("failed to create repository root: %w", err)
	}

	logger := log.Default()

	gateway, err := vcsgateway.New(root, logger, debug)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}

	var auditLog *audit.Log
	if cfg.Audit.Path != "" {
		auditLog, err = audit.Open(cfg.Audit.Path)
		if err != nil {
			fmt.Printf("Warning: audit log disabled: %v\n", err)
		} else {
			defer auditLog.Close()
		}
	}

	validator := pathvalidator.New(root)
	hub := fanout.NewHub()
	reg := registry.New(validator, gateway, hub)

	detector := watch.New(root, validator, gateway, reg, logger, debug)
	ctx, cancel := context.WithCancel(context.Background())
	if err := detector.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to start change detector: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		serveConnection(w, r, reg, gateway, hub, auditLog, logger, debug)
	})

	httpServer := &http.Server{Addr: cfg.Server.ListenAddr, Handler: mux}

	serveErrCh := make(chan error, 1)
	go func() {
		fmt.Printf("filesyncd listening on %s, serving %s\n", cfg.Server.ListenAddr, root)
		serveErrCh <- httpServer.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		fmt.Println("\nShutting down...")
	case err := <-serveErrCh:
		if err != nil && err != http.ErrServerClosed {
			cancel()
			detector.Stop()
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)

	cancel()
	detector.Stop()

	return nil
}

// serveConnection upgrades one HTTP request to a websocket connection
// and runs its command loop until the client disconnects, ensuring
// session teardown on every exit path (spec §4.H).
func serveConnection(w http.ResponseWriter, r *http.Request, reg *registry.Registry, gateway *vcsgateway.Gateway, hub *fanout.Hub, auditLog *audit.Log, logger *log.Logger, debug bool) {
	conn, err := transport.Upgrade(w, r)
	if err != nil {
		logger.Printf("serve: upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sess := session.New(conn, reg, gateway, hub, logger, auditLog, debug)
	defer sess.Close()

	ctx := r.Context()
	for {
		raw, err := conn.ReadRaw(ctx)
		if err != nil {
			if !transport.IsCloseError(err) {
				logger.Printf("serve: read failed: %v", err)
			}
			return
		}

		cmd, err := protocol.DecodeCommand(raw)
		if err != nil {
			sess.Send(protocol.NewErrorEvent("malformed frame: "+err.Error(), ""))
			continue
		}

		// A write_file's reply is sent directly from inside Handle
		// (ahead of any peer fan-out it triggers), so Handle returns
		// nil for it; every other command's reply is sent here.
		reply := sess.Handle(cmd)
		if _, failed := reply.(protocol.ErrorEvent); !failed {
			recordAudit(ctx, auditLog, cmd)
		}
		if reply != nil {
			sess.Send(reply)
		}
	}
}

func recordAudit(ctx context.Context, auditLog *audit.Log, cmd protocol.Command) {
	switch cmd.Type {
	case protocol.TypeWriteFile:
		auditLog.Record(ctx, audit.KindWrite, cmd.Handle, humanize.Bytes(uint64(len(cmd.NewContent))))
	case protocol.TypeCommit:
		auditLog.Record(ctx, audit.KindCommit, cmd.Message, "")
	}
}

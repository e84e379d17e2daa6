package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"board-sync/api"
	"board-sync/bus"
	"board-sync/client"
	"board-sync/mutation"
	"board-sync/notify"
	"board-sync/printer"
)

var (
	runProject string
	runBridge  string
	runQuiet   bool
	runDesktop bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Follow a project board and print notifications",
	Long: `Connect to the event bus, join the project room and stay in sync until
interrupted. Notifications are printed to the terminal.

When a bridge address is set, board, presence and notification state is
also served over HTTP, with notification changes streamed at /stream.

Examples:
  # Follow project p1
  board-sync run --project p1

  # Also serve the local bridge
  board-sync run --project p1 --bridge 127.0.0.1:7070`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runProject, "project", "p", "", "Project to follow (overrides BOARD_PROJECT)")
	runCmd.Flags().StringVar(&runBridge, "bridge", "", "Address of the local bridge (overrides BRIDGE_ADDR)")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Do not ring the terminal bell")
	runCmd.Flags().BoolVar(&runDesktop, "desktop", false, "Send desktop notifications through notify-send")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runProject != "" {
		cfg.Project = runProject
	}
	if runBridge != "" {
		cfg.BridgeAddr = runBridge
	}
	if err := cfg.Validate(); err != nil {
		return printer.Error("Invalid configuration", err.Error(), nil)
	}
	if cfg.Project == "" {
		return printer.Error("No project selected", "", []string{"Pass --project", "Set BOARD_PROJECT"})
	}

	verifier, id, err := identify(cfg)
	if err != nil {
		return printer.Error("Could not verify the auth token", err.Error(), []string{"Set AUTH_TOKEN to a valid token"})
	}
	defer verifier.Close()

	opts, err := cfg.RedisOptions()
	if err != nil {
		return printer.Error("Invalid redis configuration", err.Error(), nil)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg.Preferences, rdb, id.UserID)
	if err != nil {
		return printer.Error("Could not open the preference store", err.Error(), nil)
	}
	defer closeStore()

	deps := client.Deps{
		Dialer:      &bus.RedisDialer{Client: rdb, Verifier: verifier, Namespace: cfg.Namespace},
		API:         mutation.New(cfg.APIURL, cfg.Token),
		Preferences: store,
		Logger:      log.StandardLogger(),
	}
	if !runQuiet {
		deps.Sounder = &notify.BellSounder{Out: cmd.OutOrStdout()}
	}
	if runDesktop {
		deps.Desktop = notify.NewExecDesktop()
	}
	c, err := client.New(client.Config{Token: cfg.Token, Project: cfg.Project, Policy: cfg.Policy()}, deps)
	if err != nil {
		return printer.Error("Could not start", err.Error(), nil)
	}

	p := printer.New(cmd.OutOrStdout())
	p.Step("Following project %s as %s", cfg.Project, id.User().DisplayName())
	changes, unsubscribe := c.Toasts().Subscribe()
	defer unsubscribe()
	go p.Follow(ctx, changes)

	if cfg.BridgeAddr != "" {
		e := echo.New()
		e.HideBanner = true
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: []string{"*"},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
		}))
		api.Register(e, api.Deps{
			Board:    c.Board(),
			Presence: c.Presence(),
			Toasts:   c.Toasts(),
			Status:   c.Connection(),
			Auth:     verifier,
		})
		go func() {
			if err := e.Start(cfg.BridgeAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("bridge stopped")
			}
		}()
		p.Step("Bridge listening on %s", cfg.BridgeAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			e.Shutdown(shutdownCtx)
		}()
	}

	runErr := c.Run(ctx)
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Close(closeCtx); err != nil {
		log.WithError(err).Warn("leave project room")
	}
	if runErr != nil {
		return printer.Error("Could not connect", runErr.Error(), nil)
	}
	return nil
}

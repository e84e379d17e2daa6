package commands

import (
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"board-sync/config"
	"board-sync/notify"
	"board-sync/printer"
)

var (
	prefsMax      int
	prefsPosition string
	prefsSound    bool
	prefsDesktop  bool
)

var prefsCmd = &cobra.Command{
	Use:   "prefs",
	Short: "Show or change notification preferences",
	Long: `Show the saved notification preferences of the signed in user.

Examples:
  # Show preferences
  board-sync prefs

  # Show at most three notifications at the bottom left, without sound
  board-sync prefs set --max 3 --position bottom-left --sound=false`,
	Args: cobra.NoArgs,
	RunE: runPrefsShow,
}

var prefsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Change notification preferences",
	Args:  cobra.NoArgs,
	RunE:  runPrefsSet,
}

func init() {
	prefsSetCmd.Flags().IntVar(&prefsMax, "max", 0, "Number of notifications shown at once")
	prefsSetCmd.Flags().StringVar(&prefsPosition, "position", "", "Corner notifications stack in, e.g. top-right")
	prefsSetCmd.Flags().BoolVar(&prefsSound, "sound", true, "Play a sound for new notifications")
	prefsSetCmd.Flags().BoolVar(&prefsDesktop, "desktop", false, "Mirror notifications to the desktop")
	prefsCmd.AddCommand(prefsSetCmd)
	rootCmd.AddCommand(prefsCmd)
}

// openQueue loads the user's preferences into a toast queue.
func openQueue(cmd *cobra.Command) (*notify.Queue, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	verifier, id, err := identify(cfg)
	if err != nil {
		return nil, nil, printer.Error("Could not verify the auth token", err.Error(), []string{"Set AUTH_TOKEN to a valid token"})
	}
	verifier.Close()

	var rdb *redis.Client
	if cfg.Preferences.Backend == config.BackendRedis {
		opts, err := cfg.RedisOptions()
		if err != nil {
			return nil, nil, printer.Error("Invalid redis configuration", err.Error(), nil)
		}
		rdb = redis.NewClient(opts)
	}
	store, closeStore, err := openStore(cmd.Context(), cfg.Preferences, rdb, id.UserID)
	if err != nil {
		if rdb != nil {
			rdb.Close()
		}
		return nil, nil, printer.Error("Could not open the preference store", err.Error(), nil)
	}
	q := notify.NewQueue(cmd.Context(), store, notify.WithDesktop(notify.NewExecDesktop()))
	return q, func() {
		q.Clear()
		closeStore()
		if rdb != nil {
			rdb.Close()
		}
	}, nil
}

func runPrefsShow(cmd *cobra.Command, args []string) error {
	q, done, err := openQueue(cmd)
	if err != nil {
		return err
	}
	defer done()
	return printPreferences(cmd, q.Preferences())
}

func runPrefsSet(cmd *cobra.Command, args []string) error {
	var patch notify.PreferencesPatch
	flags := cmd.Flags()
	if flags.Changed("max") {
		patch.MaxToasts = &prefsMax
	}
	if flags.Changed("position") {
		pos := notify.Position(prefsPosition)
		patch.Position = &pos
	}
	if flags.Changed("sound") {
		patch.SoundEnabled = &prefsSound
	}
	if flags.Changed("desktop") {
		patch.DesktopNotifications = &prefsDesktop
	}

	q, done, err := openQueue(cmd)
	if err != nil {
		return err
	}
	defer done()
	p, err := q.UpdatePreferences(cmd.Context(), patch)
	if errors.Is(err, notify.ErrDesktopNotPermitted) {
		return printer.Error("Desktop notifications are not available", err.Error(), []string{
			"Install notify-send and make sure it is on PATH",
		})
	}
	if err != nil {
		return printer.Error("Could not save preferences", err.Error(), []string{
			"Use a positive --max",
			"Use a position like top-right or bottom-center",
		})
	}
	return printPreferences(cmd, p)
}

func printPreferences(cmd *cobra.Command, p notify.Preferences) error {
	out, err := yaml.Marshal(p)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/wpinney/testchat/internal/app"
	"github.com/wpinney/testchat/internal/chat"
	"github.com/wpinney/testchat/internal/config"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var verbose bool

// loadConfig reads the config file named by the defaults.
func loadConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// newApp reads the config and creates a ChatApp. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "Send", "Sync").
func newApp(operation string) (*app.ChatApp, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}

	a, err := app.NewChatApp(cfg, operation, level)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

var rootCmd = &cobra.Command{
	Use:          "testchat",
	Short:        "Local chat with a git-mirrored history",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		remote, _ := cmd.Flags().GetString("remote")
		branch, _ := cmd.Flags().GetString("branch")

		// Get application defaults
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults["base_dir"])
		cfg.Mirror.RemoteURL = remote
		if branch != "" {
			cfg.Mirror.Branch = branch
		}

		// The token is only prompted for on a terminal; otherwise it is
		// expected in TESTCHAT_TOKEN at run time.
		if fd := int(os.Stdin.Fd()); term.IsTerminal(fd) {
			fmt.Fprint(os.Stderr, "Access token (leave empty to use $"+app.EnvToken+"): ")
			token, err := term.ReadPassword(fd)
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("reading token: %w", err)
			}
			cfg.Mirror.Token = strings.TrimSpace(string(token))
		}

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		if remote == "" {
			fmt.Println("Set mirror.remote_url before syncing.")
		}
		fmt.Println("Run 'testchat db migrate' to create the message database.")
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
		app.ApplyEnvOverrides(cfg)

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Base Dir:      %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:       %s\n", cfg.LogDir)
		fmt.Printf("Database:      %s %s\n", cfg.Database.Type, cfg.Database.DataDir)
		fmt.Printf("Mirror:        %s\n", cfg.Mirror.Type)
		if cfg.Mirror.Type == "git" {
			fmt.Printf("  Remote:      %s\n", cfg.Mirror.RemoteURL)
			fmt.Printf("  Token:       %s\n", app.MaskSecret(cfg.Mirror.Token))
			fmt.Printf("  Checkout:    %s\n", cfg.Mirror.CheckoutDir)
			fmt.Printf("  Branch:      %s\n", cfg.Mirror.Branch)
			fmt.Printf("  Artifacts:   %s/\n", cfg.Mirror.ArtifactDir)
			fmt.Printf("  Timeout:     %s\n", cfg.Mirror.StageTimeout.Duration)
		}
		fmt.Printf("Sync Interval: %s\n", cfg.Sync.Interval.Duration)
		return nil
	},
}

// send command
var sendCmd = &cobra.Command{
	Use:   "send CONTENT",
	Short: "Store a new message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sender, _ := cmd.Flags().GetString("sender")

		a, err := newApp("Send")
		if err != nil {
			return err
		}
		defer a.Close()

		id, err := a.Send(cmd.Context(), args[0], sender)
		if err != nil {
			return err
		}

		fmt.Printf("Stored message #%d\n", id)
		return nil
	},
}

// list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Show recent messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp("Recent")
		if err != nil {
			return err
		}
		defer a.Close()

		msgs, err := a.Recent(cmd.Context(), limit)
		if err != nil {
			return err
		}

		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}

		// Oldest first, like a chat window.
		for i := len(msgs) - 1; i >= 0; i-- {
			m := msgs[i]
			fmt.Printf("#%-5d %s  %-8s %s: %s\n",
				m.ID,
				m.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				m.SyncState,
				m.Sender,
				m.Content,
			)
		}
		return nil
	},
}

// sync command
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Mirror pending messages to the remote history",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Sync")
		if err != nil {
			return err
		}
		defer a.Close()

		summary, err := a.Sync(cmd.Context())
		if summary != nil {
			fmt.Printf("Synced %d of %d message(s)\n", summary.Succeeded, summary.Attempted)
			if f := summary.FirstFailure; f != nil {
				fmt.Printf("Stopped at message #%d: %v\n", f.MessageID, f.Err)
			}
		}
		if errors.Is(err, chat.ErrSyncInProgress) {
			return fmt.Errorf("another sync is running, try again later")
		}
		return err
	},
}

// watch command
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Sync periodically until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetDuration("interval")

		a, err := newApp("Watch")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Println("Watching for messages to sync (Ctrl-C to stop)...")
		return a.Watch(ctx, interval)
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the mirrored message history",
	RunE: func(cmd *cobra.Command, args []string) error {
		dedup, _ := cmd.Flags().GetBool("dedup")

		a, err := newApp("History")
		if err != nil {
			return err
		}
		defer a.Close()

		artifacts, err := a.History(cmd.Context(), dedup)
		if err != nil {
			return err
		}

		if len(artifacts) == 0 {
			fmt.Println("No mirrored messages.")
			return nil
		}

		for _, art := range artifacts {
			fmt.Printf("%s  %s: %s\n",
				art.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				art.Sender,
				art.Content,
			)
		}
		return nil
	},
}

// passes command
var passesCmd = &cobra.Command{
	Use:   "passes",
	Short: "View sync pass history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp("Passes")
		if err != nil {
			return err
		}
		defer a.Close()

		passes, err := a.Passes(cmd.Context(), limit)
		if err != nil {
			return err
		}

		if len(passes) == 0 {
			fmt.Println("No sync passes recorded.")
			return nil
		}

		for _, p := range passes {
			duration := ""
			if p.FinishedAt.Valid {
				d := p.FinishedAt.Time.Sub(p.StartedAt)
				duration = d.Truncate(time.Millisecond).String()
			}
			fmt.Printf("%s  %s  %-8s  %d/%d  %s",
				p.ID[:min(8, len(p.ID))],
				p.StartedAt.Local().Format("2006-01-02 15:04:05"),
				p.Status,
				p.Succeeded,
				p.Attempted,
				duration,
			)
			if p.Error != "" {
				fmt.Printf("  %s", p.Error)
			}
			fmt.Println()
		}
		return nil
	},
}

// db command
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the local message database",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		before, after, err := app.MigrateDatabase(cfg)
		if err != nil {
			return fmt.Errorf("migrating database: %w", err)
		}

		if before.Version == after.Version {
			fmt.Printf("Database already at version %d\n", after.Version)
			return nil
		}
		fmt.Printf("Migrated database from version %d to %d\n", before.Version, after.Version)
		return nil
	},
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		st, err := app.DatabaseStatus(cfg)
		if err != nil {
			return err
		}

		fmt.Printf("Version: %d\n", st.Version)
		fmt.Printf("Latest:  %d\n", st.Latest)
		if st.Dirty {
			fmt.Println("State:   dirty (a migration failed)")
		} else if n := st.Pending(); n > 0 {
			fmt.Printf("Pending: %d migration(s)\n", n)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configInitCmd.Flags().String("remote", "", "URL of the history repository")
	configInitCmd.Flags().String("branch", "", "Branch to push history to (default "+config.DefaultBranch+")")
	configCmd.AddCommand(configListCmd)

	// db subcommands
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbStatusCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringP("sender", "s", defaultSender(), "Name to send the message as")
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().IntP("limit", "n", 20, "Maximum number of messages to show")
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().Duration("interval", 0, "Time between passes (default from config)")
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().Bool("dedup", false, "Collapse repeated messages")
	rootCmd.AddCommand(passesCmd)
	passesCmd.Flags().IntP("limit", "n", 20, "Maximum number of passes to show")
}

// defaultSender is the login name of the current user.
func defaultSender() string {
	for _, key := range []string{"USER", "USERNAME", "LOGNAME"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return "anonymous"
}

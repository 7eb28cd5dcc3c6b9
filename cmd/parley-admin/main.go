// ABOUTME: Operator CLI for the parley state engine
// ABOUTME: Bootstraps users, manages bans, quotas, settings and prints stats

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/2389/parley/internal/auth"
	"github.com/2389/parley/internal/config"
	"github.com/2389/parley/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
	slog.SetDefault(setupLogger(cfg.Logging))

	st, err := store.Open(cfg.Database.Path, auth.NewArgon2Hasher(auth.DefaultArgon2Params()))
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := seedEngineSettings(ctx, st, cfg.Engine); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "create-user":
		err = runCreateUser(ctx, st, args)
	case "list-users":
		err = runListUsers(ctx, st)
	case "ban":
		err = runSetBanned(ctx, st, args, true)
	case "unban":
		err = runSetBanned(ctx, st, args, false)
	case "delete-user":
		err = runDeleteUser(ctx, st, args)
	case "set-quota":
		err = runSetQuota(ctx, st, args)
	case "stats":
		err = runStats(ctx, st)
	case "settings":
		err = runSettings(ctx, st)
	case "set-setting":
		err = runSetSetting(ctx, st, args)
	case "list-groups":
		err = runListGroups(ctx, st)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: parley-admin <command> [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  create-user <username> <password>   Create an account")
	fmt.Println("  list-users                          List accounts with storage usage")
	fmt.Println("  ban <user-id>                       Ban an account")
	fmt.Println("  unban <user-id>                     Lift a ban")
	fmt.Println("  delete-user <user-id>               Delete an account and cascade")
	fmt.Println("  set-quota <user-id> <mb|default>    Set or reset a storage quota override")
	fmt.Println("  stats                               Print aggregate counters")
	fmt.Println("  settings                            Print system settings")
	fmt.Println("  set-setting <key> <value>           Update a system setting")
	fmt.Println("  list-groups                         List group conversations")
	fmt.Println()
	fmt.Println("PARLEY_CONFIG points at the YAML config (defaults are used otherwise).")
}

func loadConfig() (*config.Config, error) {
	if path := os.Getenv("PARLEY_CONFIG"); path != "" {
		return config.Load(path)
	}
	return config.Default(), nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// seedEngineSettings mirrors the engine section of the config into system
// settings. The config file is authoritative for these keys.
func seedEngineSettings(ctx context.Context, st *store.Store, eng config.EngineConfig) error {
	registration := "1"
	if !eng.RegistrationEnabled {
		registration = "0"
	}
	pairs := map[string]string{
		store.SettingDefaultQuotaMB:      strconv.FormatInt(eng.DefaultQuotaMB, 10),
		store.SettingMaxMessageLength:    strconv.FormatInt(eng.MaxMessageLength, 10),
		store.SettingRegistrationEnabled: registration,
	}
	for key, value := range pairs {
		current, err := st.Setting(ctx, key)
		if err != nil {
			return err
		}
		if current != value {
			if err := st.SetSetting(ctx, key, value); err != nil {
				return err
			}
		}
	}
	return nil
}

func runCreateUser(ctx context.Context, st *store.Store, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: create-user <username> <password>")
	}
	u, err := st.CreateUser(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	color.Green("Created user %s (id %d)", u.Username, u.ID)
	return nil
}

func runListUsers(ctx context.Context, st *store.Store) error {
	users, err := st.ListUsers(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSERNAME\tBANNED\tQUOTA\tUSED\tCREATED")
	for _, u := range users {
		quota := "default"
		if u.QuotaOverrideMB != nil {
			quota = fmt.Sprintf("%d MB", *u.QuotaOverrideMB)
		}
		fmt.Fprintf(w, "%d\t%s\t%v\t%s\t%.1f MB\t%s\n",
			u.ID, u.Username, u.Banned, quota,
			float64(u.UsedBytes)/(1024*1024),
			u.CreatedAt.Format("2006-01-02"))
	}
	return w.Flush()
}

func parseUserID(args []string) (int64, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("expected exactly one user id argument")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid user id %q", args[0])
	}
	return id, nil
}

func runSetBanned(ctx context.Context, st *store.Store, args []string, banned bool) error {
	id, err := parseUserID(args)
	if err != nil {
		return err
	}
	if err := st.SetBanned(ctx, id, banned); err != nil {
		return err
	}
	if banned {
		color.Yellow("Banned user %d", id)
	} else {
		color.Green("Unbanned user %d", id)
	}
	return nil
}

func runDeleteUser(ctx context.Context, st *store.Store, args []string) error {
	id, err := parseUserID(args)
	if err != nil {
		return err
	}
	paths, err := st.DeleteUserCascade(ctx, id)
	if err != nil {
		return err
	}
	color.Yellow("Deleted user %d", id)
	if len(paths) > 0 {
		fmt.Println("Orphaned upload paths to remove from disk:")
		for _, p := range paths {
			fmt.Println("  " + p)
		}
	}
	return nil
}

func runSetQuota(ctx context.Context, st *store.Store, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: set-quota <user-id> <mb|default>")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid user id %q", args[0])
	}
	if args[1] == "default" {
		if err := st.SetQuotaOverride(ctx, id, nil); err != nil {
			return err
		}
		color.Green("Reset user %d to the default quota", id)
		return nil
	}
	mb, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || mb <= 0 {
		return fmt.Errorf("invalid quota %q", args[1])
	}
	if err := st.SetQuotaOverride(ctx, id, &mb); err != nil {
		return err
	}
	color.Green("Set quota of user %d to %d MB", id, mb)
	return nil
}

func runStats(ctx context.Context, st *store.Store) error {
	stats, err := st.Stats(ctx)
	if err != nil {
		return err
	}
	cyan := color.New(color.FgCyan)
	cyan.Println("parley stats")
	fmt.Printf("  users:            %d\n", stats.Users)
	fmt.Printf("  groups:           %d\n", stats.Groups)
	fmt.Printf("  messages:         %d\n", stats.Messages)
	fmt.Printf("  active users 24h: %d\n", stats.ActiveUsers24h)
	return nil
}

func runSettings(ctx context.Context, st *store.Store) error {
	settings, err := st.Settings(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tVALUE")
	for k, v := range settings {
		fmt.Fprintf(w, "%s\t%s\n", k, v)
	}
	return w.Flush()
}

func runSetSetting(ctx context.Context, st *store.Store, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: set-setting <key> <value>")
	}
	if err := st.SetSetting(ctx, args[0], args[1]); err != nil {
		return err
	}
	color.Green("Updated %s", args[0])
	return nil
}

func runListGroups(ctx context.Context, st *store.Store) error {
	groups, err := st.ListGroups(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCREATOR\tMEMBERS\tCREATED")
	for _, g := range groups {
		name := g.Name
		if name == "" {
			name = "(unnamed)"
		}
		creator := g.CreatorName
		if creator == "" {
			creator = "(none)"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n",
			g.ID, name, creator, len(g.Members), g.CreatedAt.Format("2006-01-02"))
	}
	return w.Flush()
}

package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"daysync/internal/app"
	"daysync/internal/codec"
	"daysync/internal/config"
	"daysync/internal/daysync"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func readConfig() (*config.Config, error) {
	paths, err := app.DefaultPaths()
	if err != nil {
		return nil, fmt.Errorf("resolving default paths: %w", err)
	}

	cfg, err := config.ReadFromFile(paths.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// newApp reads the config and creates an App. The caller must defer a.Close().
func newApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}
	verbose, _ := cmd.Flags().GetBool("verbose")

	opts := app.Options{Verbose: verbose}
	if cfg.Codec.Type == "age" {
		if opts.Passphrase, err = readPassphrase("Passphrase: "); err != nil {
			return nil, err
		}
	}

	a, err := app.New(cmd.Context(), cfg, opts)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// readPassphrase takes DAYSYNC_PASSPHRASE when set, otherwise prompts on the
// terminal without echo. Piped input is read as one line.
func readPassphrase(prompt string) (string, error) {
	if p := os.Getenv("DAYSYNC_PASSPHRASE"); p != "" {
		return p, nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("reading passphrase: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(b), nil
}

// parseAssignment turns key=value into a payload field. Values that parse as
// JSON keep their type; anything else is stored as a string.
func parseAssignment(s string) (string, any, error) {
	key, raw, ok := strings.Cut(s, "=")
	if !ok || key == "" {
		return "", nil, fmt.Errorf("expected key=value, got %q", s)
	}
	switch key {
	case "date", "updatedAt", "_sourceId", "schemaVersion":
		return "", nil, fmt.Errorf("%s is managed by daysync", key)
	}

	var v any
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil || dec.More() {
		return key, raw, nil
	}
	return key, v, nil
}

var rootCmd = &cobra.Command{
	Use:   "daysync",
	Short: "Local-first day record sync",
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
		paths, err := app.DefaultPaths()
		if err != nil {
			return fmt.Errorf("failed to resolve default paths: %w", err)
		}

		tenant, _ := cmd.Flags().GetString("tenant")
		if tenant == "" {
			tenant = uuid.New().String()
		}

		cfg := config.NewConfig(tenant, paths.BaseDir)
		if err := config.Init(paths.ConfigPath, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", paths.ConfigPath)
		fmt.Printf("Tenant:   %s\n", tenant)
		fmt.Printf("Base Dir: %s\n", paths.BaseDir)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := app.DefaultPaths()
		if err != nil {
			return fmt.Errorf("failed to resolve default paths: %w", err)
		}

		cfg, err := config.ReadFromFile(paths.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", paths.ConfigPath)
		fmt.Printf("Tenant:    %s\n", cfg.Tenant)
		fmt.Printf("Base Dir:  %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:   %s\n", cfg.LogDir)
		fmt.Printf("Storage:   %s\n", cfg.Storage.Type)
		fmt.Printf("Codec:     %s\n", cfg.Codec.Type)
		fmt.Printf("Broadcast: %s\n", cfg.Broadcast.Type)
		fmt.Printf("Remote:    %s\n", cfg.Remote.Type)
		return nil
	},
}

// key command
var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage the encryption key",
}

var keyGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate the age key pair used by the age codec",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}

		ac := codec.NewAgeCodec(cfg.Codec, nil)
		if ac.IsConfigured() {
			return fmt.Errorf("key pair already exists at %s", cfg.Codec.PublicKeyPath)
		}

		pass, err := readPassphrase("New passphrase: ")
		if err != nil {
			return err
		}
		if pass == "" {
			return fmt.Errorf("passphrase must not be empty")
		}
		if os.Getenv("DAYSYNC_PASSPHRASE") == "" && term.IsTerminal(int(os.Stdin.Fd())) {
			again, err := readPassphrase("Repeat passphrase: ")
			if err != nil {
				return err
			}
			if again != pass {
				return fmt.Errorf("passphrases do not match")
			}
		}

		if err := ac.Setup(pass); err != nil {
			return fmt.Errorf("generating key pair: %w", err)
		}
		fmt.Printf("Public key:  %s\n", cfg.Codec.PublicKeyPath)
		fmt.Printf("Private key: %s\n", cfg.Codec.PrivateKeyPath)
		if cfg.Codec.Type != "age" {
			fmt.Println("Set [codec] type = \"age\" to encrypt stored values.")
		}
		return nil
	},
}

// day command
var dayCmd = &cobra.Command{
	Use:   "day",
	Short: "Inspect and edit day records",
}

var dayShowCmd = &cobra.Command{
	Use:   "show DATE",
	Short: "Show the record of a day",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asYAML, _ := cmd.Flags().GetBool("yaml")

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Open(args[0]); err != nil {
			return err
		}
		a.Wait()
		rec := a.Day()

		data, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding record: %w", err)
		}
		if asYAML {
			var doc map[string]any
			if err := json.Unmarshal(data, &doc); err != nil {
				return fmt.Errorf("encoding record: %w", err)
			}
			if data, err = yaml.Marshal(doc); err != nil {
				return fmt.Errorf("encoding record as yaml: %w", err)
			}
		}

		fmt.Fprintf(os.Stderr, "state: %s\n", a.State())
		fmt.Println(strings.TrimRight(string(data), "\n"))
		return nil
	},
}

var daySetCmd = &cobra.Command{
	Use:   "set DATE KEY=VALUE...",
	Short: "Set fields of a day record",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fields := make(map[string]any, len(args)-1)
		for _, arg := range args[1:] {
			k, v, err := parseAssignment(arg)
			if err != nil {
				return err
			}
			fields[k] = v
		}

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Open(args[0]); err != nil {
			return err
		}
		// Reconcile first so the edit is made on top of the newest copy.
		a.Wait()

		rec, err := a.Edit(func(p daysync.Payload) {
			for k, v := range fields {
				p[k] = v
			}
		})
		if err != nil {
			return err
		}
		result, err := a.Flush()
		if err != nil {
			return fmt.Errorf("saving %s: %w", args[0], err)
		}
		if result == daysync.FlushDiscarded {
			return fmt.Errorf("a newer record for %s was stored concurrently; edit discarded", args[0])
		}

		fmt.Printf("Saved %s (updatedAt %d)\n", rec.Date, rec.UpdatedAt)
		return nil
	},
}

// store command
var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Inspect the local store",
}

var storeStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show stored sizes per key",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		stats, err := a.Stats()
		if err != nil {
			return err
		}
		if len(stats) == 0 {
			fmt.Println("Store is empty.")
			return nil
		}

		var raw, stored int
		for _, s := range stats {
			raw += s.RawBytes
			stored += s.StoredBytes
			marker := " "
			if s.Encoded {
				marker = "*"
			}
			fmt.Printf("%s %8d %8d  %s\n", marker, s.RawBytes, s.StoredBytes, s.Key)
		}
		fmt.Printf("\n%d key(s), %d bytes raw, %d bytes stored", len(stats), raw, stored)
		if raw > 0 {
			fmt.Printf(" (%.0f%%)", float64(stored)*100/float64(raw))
		}
		fmt.Println()
		return nil
	},
}

// serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the remote API, broadcast relay and metrics endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.Server.Addr = addr
		}
		verbose, _ := cmd.Flags().GetBool("verbose")

		s, err := app.NewServer(cfg, verbose, os.Stderr)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return s.Run(ctx)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log debug output")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configInitCmd.Flags().String("tenant", "", "Tenant identifier (default: random UUID)")

	// key subcommands
	keyCmd.AddCommand(keyGenerateCmd)

	// day subcommands
	dayCmd.AddCommand(dayShowCmd)
	dayCmd.AddCommand(daySetCmd)
	dayShowCmd.Flags().Bool("yaml", false, "Print the record as YAML")

	// store subcommands
	storeCmd.AddCommand(storeStatsCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keyCmd)
	rootCmd.AddCommand(dayCmd)
	rootCmd.AddCommand(storeCmd)
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Listen address (overrides [server] addr)")
}

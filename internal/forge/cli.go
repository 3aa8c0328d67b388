package forge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gookit/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// errUnsatisfied ends a query command with exit status 1 and no message.
var errUnsatisfied = errors.New("not satisfied")

type globalFlags struct {
	verbose bool
	configs []string
	prefix  string
	recipes string
}

// app bundles the collaborators a command needs.
type app struct {
	cfg     *Config
	logger  *log.Logger
	recipes *RecipeDir
	src     *SourceBackend
	pm      *PackageManager
}

func (f *globalFlags) config() (*Config, error) {
	cfg, err := LoadConfig(f.configs)
	if err != nil {
		return nil, err
	}
	if f.prefix != "" {
		cfg.Set("prefix", f.prefix)
	}
	if f.recipes != "" {
		cfg.Set("recipes", f.recipes)
	}
	return cfg, nil
}

func (f *globalFlags) load(cmd *cobra.Command) (*app, error) {
	cfg, err := f.config()
	if err != nil {
		return nil, err
	}
	return newApp(cfg, loggerFromContext(cmd.Context()), cmd.OutOrStdout())
}

func newApp(cfg *Config, logger *log.Logger, out io.Writer) (*app, error) {
	prefix, err := cfg.ActivePrefix()
	if err != nil {
		return nil, err
	}
	quiet := !term.IsTerminal(int(os.Stderr.Fd()))

	executor := NewExecutor()
	executor.ApplyIdlePriority = cfg.GetBool("idle_priority")
	fetchers := NewFetchers(prefix, cfg, executor, logger)
	fetchers.Quiet = quiet
	src, err := NewSourceBackend(cfg, fetchers, executor, logger)
	if err != nil {
		return nil, err
	}
	src.Out = out

	recipes := NewRecipeDir(cfg.Get("recipes"))
	pm, err := NewPackageManager(cfg, DefaultRegistry(executor, logger), src, recipes, logger)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, recipes: recipes, src: src, pm: pm}, nil
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "forge",
		Short:         "Build and install packages from source or native package managers",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := log.InfoLevel
			if flags.verbose {
				level = log.DebugLevel
			}
			cmd.SetContext(withLogger(cmd.Context(), newLogger(os.Stderr, level)))
		},
	}
	root.SetVersionTemplate(fmt.Sprintf("forge %s (built %s)\n", version, buildDate))

	pf := root.PersistentFlags()
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug logging and show build output")
	pf.StringArrayVarP(&flags.configs, "config", "c", nil, "config file (repeatable, most specific first)")
	pf.StringVarP(&flags.prefix, "prefix", "p", "", "installation prefix")
	pf.StringVarP(&flags.recipes, "recipes", "r", "", "recipe directories, colon separated")

	root.AddCommand(
		newInstallCmd(flags),
		newUpdateCmd(flags),
		newQueryCmd(flags, "exists", "Check whether a package can be provided", (*PackageManager).Exists),
		newQueryCmd(flags, "installed", "Check whether a package is installed", (*PackageManager).Installed),
		newRemoveCmd(flags),
		newInventoryCmd(flags),
		newRenderCmd(flags),
		newLogCmd(flags),
		newConfigCmd(flags),
	)
	return root
}

// runEach applies op to every package and fails when any of them did.
func runEach(cmd *cobra.Command, flags *globalFlags, verb string, pkgs []string,
	op func(*PackageManager, context.Context, string) (bool, error)) error {
	a, err := flags.load(cmd)
	if err != nil {
		return err
	}
	var failed []string
	for _, pkg := range pkgs {
		ok, err := op(a.pm, cmd.Context(), pkg)
		if err != nil {
			return err
		}
		if !ok {
			colArrow.Print("-> ")
			cPrintf(colWarn, "Failed to %s %s\n", verb, pkg)
			failed = append(failed, pkg)
			continue
		}
		colArrow.Print("-> ")
		cPrintln(colSuccess, pkg+": "+verb+" done")
	}
	if len(failed) > 0 {
		return fmt.Errorf("failed to %s: %s", verb, strings.Join(failed, ", "))
	}
	return nil
}

func newInstallCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "install <pkg>...",
		Aliases: []string{"i"},
		Short:   "Install packages with the first backend that succeeds",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEach(cmd, flags, "install", args, (*PackageManager).Install)
		},
	}
}

func newUpdateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "update <pkg>...",
		Aliases: []string{"u"},
		Short:   "Update packages",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEach(cmd, flags, "update", args, (*PackageManager).Update)
		},
	}
}

func newRemoveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <pkg>...",
		Aliases: []string{"r"},
		Short:   "Uninstall packages built from source",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEach(cmd, flags, "remove", args, (*PackageManager).Remove)
		},
	}
}

func newQueryCmd(flags *globalFlags, name, short string,
	query func(*PackageManager, context.Context, string, string) (string, error)) *cobra.Command {
	var required string
	cmd := &cobra.Command{
		Use:   name + " <pkg>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := flags.load(cmd)
			if err != nil {
				return err
			}
			v, err := query(a.pm, cmd.Context(), args[0], required)
			if err != nil {
				return err
			}
			if v == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: no\n", args[0])
				return errUnsatisfied
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], v)
			return nil
		},
	}
	cmd.Flags().StringVar(&required, "version", "", "minimum required version")
	return cmd
}

func newInventoryCmd(flags *globalFlags) *cobra.Command {
	inv := &cobra.Command{
		Use:   "inventory",
		Short: "Inspect or edit the build state of the prefix",
	}

	open := func(cmd *cobra.Command) (*Inventory, error) {
		cfg, err := flags.config()
		if err != nil {
			return nil, err
		}
		prefix, err := cfg.ActivePrefix()
		if err != nil {
			return nil, err
		}
		return NewInventory(prefix.InventoryPath, loggerFromContext(cmd.Context())), nil
	}

	list := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List packages and their states",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open(cmd)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, pkg := range store.Packages() {
				state, _ := store.GetState(pkg)
				fmt.Fprintf(tw, "%s\t%s\t%s\n", pkg, state, store.GetVersion(pkg))
			}
			return tw.Flush()
		},
	}

	set := &cobra.Command{
		Use:   "set <pkg> <state> [version]",
		Short: "Set the state (and optionally the version) of a package",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open(cmd)
			if err != nil {
				return err
			}
			if err := store.SetState(args[0], State(args[1])); err != nil {
				return err
			}
			if len(args) == 3 {
				if _, err := ParseVersion(args[2]); err != nil {
					return err
				}
				store.SetVersion(args[0], args[2])
			}
			return store.Save()
		},
	}

	rm := &cobra.Command{
		Use:   "rm <pkg>...",
		Short: "Forget packages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open(cmd)
			if err != nil {
				return err
			}
			for _, pkg := range args {
				store.Remove(pkg)
			}
			return store.Save()
		},
	}

	states := &cobra.Command{
		Use:   "states",
		Short: "Describe the valid states",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			for _, s := range ValidStates() {
				fmt.Fprintf(cmd.OutOrStdout(), "%-12s %s\n", s, StateDescription(s))
			}
		},
	}

	inv.AddCommand(list, set, rm, states)
	return inv
}

func newRenderCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "render <pkg> <stage>",
		Short: "Print the command a build stage would run",
		Long:  "Print the command a build stage (configure, make, install or uninstall) would run, after variable and macro expansion.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := flags.load(cmd)
			if err != nil {
				return err
			}
			r, err := a.recipes.GetRecipe(args[0])
			if err != nil {
				return err
			}
			out, err := a.src.RenderStage(r, args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func newLogCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "log <pkg>",
		Short: "Show the last build log of a package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.config()
			if err != nil {
				return err
			}
			prefix, err := cfg.ActivePrefix()
			if err != nil {
				return err
			}
			data, err := ReadBuildLog(prefix.LogDir, args[0])
			if err != nil {
				return fmt.Errorf("no build log for %s: %w", args[0], err)
			}
			return showText(cmd.OutOrStdout(), "build log: "+args[0], string(data))
		},
	}
}

func newConfigCmd(flags *globalFlags) *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration cascade",
	}
	get := &cobra.Command{
		Use:   "get <key>",
		Short: "Print the effective value of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.config()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cfg.Get(args[0]))
			return nil
		},
	}
	show := &cobra.Command{
		Use:   "show",
		Short: "Print every scope of the cascade, most specific first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.config()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, scope := range cfg.Cascade() {
				if len(scope.Values) == 0 {
					continue
				}
				fmt.Fprintf(out, "[%s]\n", scope.Name)
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				for _, k := range sortedKeys(scope.Values) {
					fmt.Fprintf(tw, "  %s\t%s\n", k, scope.Values[k])
				}
				if err := tw.Flush(); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cfgCmd.AddCommand(get, show)
	return cfgCmd
}

// handleSignals cancels ctx on the first SIGINT/SIGTERM and exits on the
// second, or when the cancelled command does not return in time.
func handleSignals(ctx context.Context, cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case sig := <-sigs:
		colArrow.Print("\n-> ")
		color.Danger.Printf("Received %v. Cancelling process gracefully\n", sig)
		cancel()
	case <-ctx.Done():
		return
	}

	select {
	case <-sigs:
		colArrow.Print("\n-> ")
		color.Danger.Println("Second interrupt received. Forcing immediate exit.")
		os.Exit(130)
	case <-time.After(5 * time.Second):
		colArrow.Print("\n-> ")
		color.Danger.Println("Graceful shutdown timeout. Exiting.")
		os.Exit(130)
	}
}

// Main is the CLI entrypoint for cmd/forge.
func Main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(ctx, cancel)

	err := newRootCmd().ExecuteContext(ctx)
	switch {
	case err == nil:
		return
	case errors.Is(err, errUnsatisfied):
		os.Exit(1)
	case errors.Is(err, context.Canceled):
		os.Exit(130)
	}
	colArrow.Print("-> ")
	colError.Printf("Error: %v\n", err)
	os.Exit(1)
}

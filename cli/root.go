package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/davecgh/go-spew/spew"
	"github.com/sliverarmory/rtld"
	"github.com/sliverarmory/rtld/internal/config"
	"github.com/sliverarmory/rtld/internal/logging"
	"github.com/sliverarmory/rtld/memmod"
	"github.com/spf13/cobra"
)

var (
	configPath string
	interpPath string
	openNames  []string
	resolveSym []string
	reverseArg []string
	extraEnv   []string
	bindNow    bool
	logLevel   string
	dumpLinks  bool
)

var rootCmd = &cobra.Command{
	Use:          "rtld",
	Short:        "Link ELF64 x86-64 programs and shared libraries in process memory",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run <executable> [args...]",
	Short: "Map and link an executable, then report its entry point",
	Long: "Map and link an executable and its dependencies from the host filesystem. " +
		"Initializers and the entry point are reported, not executed.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if bindNow {
			cfg.BindNow = true
		}
		if logLevel != "" {
			if err := cfg.LogLevel.UnmarshalText([]byte(logLevel)); err != nil {
				return err
			}
		}
		logger := logging.New(cmd.ErrOrStderr(), cfg.LogLevel.SlogLevel())

		exePath, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		exe, err := os.ReadFile(exePath)
		if err != nil {
			return fmt.Errorf("read executable: %w", err)
		}
		opts := rtld.ExecOptions{
			Executable: exe,
			ExecName:   exePath,
			Args:       append([]string{exePath}, args[1:]...),
			Env:        extraEnv,
		}
		if interpPath != "" {
			if opts.Interpreter, err = os.ReadFile(interpPath); err != nil {
				return fmt.Errorf("read interpreter: %w", err)
			}
			opts.InterpName = filepath.Base(interpPath)
		}

		space := memmod.NewSpace()
		proc, err := rtld.Exec(space, opts)
		if err != nil {
			return err
		}

		var fatal error
		rt, entry, err := rtld.Bootstrap(space, proc.StackPointer, rtld.Options{
			Config: &cfg,
			FS:     os.DirFS("/"),
			Logger: logger,
			Panic:  func(err error) { fatal = err },
		})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "entry %#x\n", entry)

		for _, name := range openNames {
			handle, err := rt.Open(name, false)
			if fatal != nil {
				return fatal
			}
			if err != nil {
				fmt.Fprintf(out, "open %s: %s\n", name, rt.Error())
				continue
			}
			fmt.Fprintf(out, "open %s: %s\n", name, handle)
		}
		for _, name := range resolveSym {
			addr, err := rt.Resolve(nil, name)
			if err != nil {
				fmt.Fprintf(out, "resolve %s: %s\n", name, rt.Error())
				continue
			}
			fmt.Fprintf(out, "resolve %s: %#x\n", name, addr)
		}
		for _, arg := range reverseArg {
			addr, err := strconv.ParseUint(arg, 0, 64)
			if err != nil {
				return fmt.Errorf("invalid address %q: %w", arg, err)
			}
			info, err := rt.Reverse(addr)
			if err != nil {
				fmt.Fprintf(out, "reverse %#x: %s\n", addr, rt.Error())
				continue
			}
			fmt.Fprintf(out, "reverse %#x: %s in %s@%#x\n", addr, info.Symbol, info.File, info.Base)
		}
		if dumpLinks {
			spew.Fdump(out, linkMap(rt))
		}
		return nil
	},
}

// linkMapEntry is the per-object summary printed by --dump.
type linkMapEntry struct {
	ID          uint64
	Name        string
	Path        string
	SOName      string
	Base        string
	Generation  uint64
	Needed      []string
	TLSModuleID uint64
	TLSModel    string
	TLSOffset   int64
}

func linkMap(rt *rtld.Runtime) []linkMapEntry {
	var entries []linkMapEntry
	for _, obj := range rt.GlobalScope().Objects() {
		entries = append(entries, linkMapEntry{
			ID:          obj.ID,
			Name:        obj.Name,
			Path:        obj.Path,
			SOName:      obj.SOName,
			Base:        fmt.Sprintf("%#x", obj.Base),
			Generation:  obj.Generation,
			Needed:      obj.Needed,
			TLSModuleID: obj.TLSModuleID,
			TLSModel:    obj.TLSModel.String(),
			TLSOffset:   obj.TLSOffset,
		})
	}
	return entries
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "TOML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	runCmd.Flags().StringVar(&interpPath, "interp", "", "Program interpreter image announced through AT_BASE")
	runCmd.Flags().StringSliceVar(&openNames, "open", nil, "Libraries to open after startup")
	runCmd.Flags().StringSliceVar(&resolveSym, "resolve", nil, "Symbols to resolve in the global scope")
	runCmd.Flags().StringSliceVar(&reverseArg, "reverse", nil, "Addresses to map back to symbols")
	runCmd.Flags().StringArrayVar(&extraEnv, "env", nil, "Environment entries (KEY=VALUE) placed on the entry stack")
	runCmd.Flags().BoolVar(&bindNow, "bind-now", false, "Resolve every PLT slot at startup")
	runCmd.Flags().BoolVar(&dumpLinks, "dump", false, "Dump the link map after startup")

	rootCmd.AddCommand(runCmd)
}

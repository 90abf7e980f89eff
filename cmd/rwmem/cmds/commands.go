package cmds

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/profile"
	"github.com/spf13/cobra"

	"github.com/rwmem/rwmem/pkg/config"
	"github.com/rwmem/rwmem/pkg/logflags"
	"github.com/rwmem/rwmem/pkg/metrics"
	"github.com/rwmem/rwmem/pkg/proc"
	"github.com/rwmem/rwmem/pkg/proc/watch"
	"github.com/rwmem/rwmem/pkg/terminal"
	"github.com/rwmem/rwmem/pkg/version"
	"github.com/rwmem/rwmem/service/debugger"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// configPath overrides the location of config.yml.
	configPath string
	// profileMode selects a profile of rwmem itself: cpu, mem or trace.
	profileMode string
	// metricsListen is the address of the /metrics endpoint.
	metricsListen string
	// initFile is the path to initialization file.
	initFile string

	// backend selection
	backend string

	// force bypasses page protections for memory commands.
	force bool

	readRaw bool

	mapsResident bool
	mapsOutput   string

	watchTimeout time.Duration
	watchCount   int

	profiler interface{ Stop() }

	conf *config.Config
)

const rwmemCommandLongDesc = `rwmem reads and writes the memory of running processes.

It translates virtual addresses of a target process one page at a time, lists
the regions of its address space together with their residency and installs
hardware breakpoints and watchpoints that stop the target until they are
continued.

Run without a subcommand to start the interactive console.`

// New returns an initialized command tree.
func New(docCall bool) *cobra.Command {
	// Main rwmem root command.
	rootCommand := &cobra.Command{
		Use:               "rwmem",
		Short:             "rwmem is a process memory inspector.",
		Long:              rwmemCommandLongDesc,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
		PersistentPostRun: teardown,
		RunE:              replCmd,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'rwmem help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'rwmem help log').")
	rootCommand.PersistentFlags().StringVar(&configPath, "config", "", "Path of the configuration file, defaults to ~/.rwmem/config.yml.")
	rootCommand.PersistentFlags().StringVar(&profileMode, "profile", "", "Profile rwmem itself: cpu, mem or trace. Profiles are written to the working directory.")
	rootCommand.PersistentFlags().StringVar(&metricsListen, "metrics-listen", "", "Serve prometheus metrics on this address.")
	rootCommand.PersistentFlags().StringVar(&backend, "backend", "default", `Backend selection (see 'rwmem help backend').`)
	rootCommand.PersistentFlags().BoolVar(&force, "force", false, "Bypass page protections when writing memory.")

	// 'read' subcommand.
	readCommand := &cobra.Command{
		Use:   "read <pid> <address> <size>",
		Short: "Read memory of a process.",
		Long: `Reads size bytes at address and prints them as a hex dump.

The read stops at the first page that is not present; the number of bytes
actually read is reported.`,
		Args: cobra.ExactArgs(3),
		RunE: readCmd,
	}
	readCommand.Flags().BoolVar(&readRaw, "raw", false, "Write the bytes to standard output unformatted.")
	rootCommand.AddCommand(readCommand)

	// 'write' subcommand.
	rootCommand.AddCommand(&cobra.Command{
		Use:   "write <pid> <address> <hex bytes>",
		Short: "Write memory of a process.",
		Args:  cobra.ExactArgs(3),
		RunE:  writeCmd,
	})

	// 'maps' subcommand.
	mapsCommand := &cobra.Command{
		Use:   "maps <pid>",
		Short: "List the memory regions of a process.",
		Long: `Lists the memory regions of a process.

With --resident every mapping is split into the runs of pages that are
present in memory. With --output the listing is written to a file in the
binary region record format, which can be read back with decode-maps.`,
		Args: cobra.ExactArgs(1),
		RunE: mapsCmd,
	}
	mapsCommand.Flags().BoolVar(&mapsResident, "resident", false, "List resident runs instead of mappings.")
	mapsCommand.Flags().StringVarP(&mapsOutput, "output", "o", "", "Write encoded region records to this file.")
	rootCommand.AddCommand(mapsCommand)

	// 'decode-maps' subcommand.
	rootCommand.AddCommand(&cobra.Command{
		Use:   "decode-maps <file>",
		Short: "Print a region listing written by 'maps --output'.",
		Args:  cobra.ExactArgs(1),
		RunE:  decodeMapsCmd,
	})

	// 'watch' subcommand.
	watchCommand := &cobra.Command{
		Use:   "watch <pid> <trigger> <length> <address>",
		Short: "Report accesses to an address.",
		Long: `Installs a hardware watchpoint and prints the registers of the target
every time it fires, resuming the target after each hit.

Trigger is one of r, w, rw or x. Length is 1, 2, 4 or 8 and the address must
be aligned to it.`,
		Args: cobra.ExactArgs(4),
		RunE: watchCmd,
	}
	watchCommand.Flags().DurationVar(&watchTimeout, "timeout", 0, "Stop waiting for hits after this long, defaults to the wait-timeout configuration option.")
	watchCommand.Flags().IntVarP(&watchCount, "count", "n", 1, "Number of hits to report.")
	rootCommand.AddCommand(watchCommand)

	// 'repl' subcommand.
	replCommand := &cobra.Command{
		Use:   "repl",
		Short: "Start the interactive console.",
		RunE:  replCmd,
	}
	rootCommand.PersistentFlags().StringVar(&initFile, "init", "", "Init file, executed by the console.")
	rootCommand.AddCommand(replCommand)

	// 'version' subcommand.
	rootCommand.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rwmem\n%s\n", version.RwmemVersion)
			if log {
				fmt.Fprint(cmd.OutOrStdout(), version.BuildInfo())
			}
		},
	})

	rootCommand.AddCommand(&cobra.Command{
		Use:   "backend",
		Short: "Help about the --backend flag.",
		Long: `The --backend flag specifies which backend should be used, possible values
are:

	default		Same as native.
	native		Uses /proc and ptrace. Watchpoints need linux/amd64.
	sim		In-memory simulated processes, useful for trying out commands.

`})

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	translator	Log address translations
	transfer	Log memory reads and writes
	regions		Log region enumeration
	watch		Log watchpoint state changes
	native		Log ptrace and procfs activity
	terminal	Log console commands
	debugger	Log process handles

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func setup(cmd *cobra.Command, args []string) error {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		return err
	}
	if configPath != "" {
		c, err := config.LoadConfigFile(configPath)
		if err != nil {
			return err
		}
		conf = c
	} else {
		conf = config.LoadConfig()
	}

	switch profileMode {
	case "":
	case "cpu":
		profiler = profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook, profile.Quiet)
	case "mem":
		profiler = profile.Start(profile.MemProfile, profile.ProfilePath("."), profile.NoShutdownHook, profile.Quiet)
	case "trace":
		profiler = profile.Start(profile.TraceProfile, profile.ProfilePath("."), profile.NoShutdownHook, profile.Quiet)
	default:
		return fmt.Errorf("unknown profile %q", profileMode)
	}

	addr := metricsListen
	if addr == "" {
		addr = conf.MetricsListen
	}
	if addr != "" {
		go func() {
			if err := metrics.Serve(addr); err != nil {
				logflags.DebuggerLogger().Errorf("metrics server: %v", err)
			}
		}()
	}
	return nil
}

func teardown(cmd *cobra.Command, args []string) {
	if profiler != nil {
		profiler.Stop()
		profiler = nil
	}
	logflags.Close()
}

func newDebugger() (*debugger.Debugger, error) {
	return debugger.New(&debugger.Config{
		Backend:             backend,
		Force:               force || conf.Force,
		MapSlack:            conf.GetMapSlack(),
		MaxNameLength:       conf.GetMaxNameLength(),
		ResidencyChunkPages: conf.GetResidencyChunkPages(),
	})
}

func parsePid(s string) (int, error) {
	pid, err := strconv.Atoi(s)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("malformed pid %q", s)
	}
	return pid, nil
}

func parseUint(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed number %q", s)
	}
	return v, nil
}

func readCmd(cmd *cobra.Command, args []string) error {
	pid, err := parsePid(args[0])
	if err != nil {
		return err
	}
	addr, err := parseUint(args[1])
	if err != nil {
		return err
	}
	size, err := parseUint(args[2])
	if err != nil {
		return err
	}
	if size > 1<<30 {
		return fmt.Errorf("%w: size %d", proc.ErrInvalidArgument, size)
	}
	dbg, err := newDebugger()
	if err != nil {
		return err
	}
	defer dbg.Detach()

	buf, err := dbg.ReadMemory(pid, addr, int(size), dbg.Force())
	out := cmd.OutOrStdout()
	if readRaw {
		out.Write(buf)
	} else if len(buf) > 0 {
		fmt.Fprint(out, hex.Dump(buf))
	}
	if err != nil {
		return err
	}
	if uint64(len(buf)) < size {
		fmt.Fprintf(cmd.ErrOrStderr(), "read %d of %d bytes\n", len(buf), size)
	}
	return nil
}

func writeCmd(cmd *cobra.Command, args []string) error {
	pid, err := parsePid(args[0])
	if err != nil {
		return err
	}
	addr, err := parseUint(args[1])
	if err != nil {
		return err
	}
	data, err := hex.DecodeString(strings.TrimPrefix(args[2], "0x"))
	if err != nil {
		return fmt.Errorf("malformed bytes %q: %v", args[2], err)
	}
	dbg, err := newDebugger()
	if err != nil {
		return err
	}
	defer dbg.Detach()

	n, err := dbg.WriteMemory(pid, addr, data, dbg.Force())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %d of %d bytes\n", n, len(data))
	return nil
}

func mapsCmd(cmd *cobra.Command, args []string) error {
	pid, err := parsePid(args[0])
	if err != nil {
		return err
	}
	dbg, err := newDebugger()
	if err != nil {
		return err
	}
	defer dbg.Detach()

	res, err := dbg.Regions(pid, mapsResident)
	if err != nil {
		return err
	}
	if mapsOutput != "" {
		b, err := proc.EncodeEnumeration(res, dbg.NameLength())
		if err != nil {
			return err
		}
		return os.WriteFile(mapsOutput, b, 0o644)
	}
	printRegions(cmd, res)
	return nil
}

func decodeMapsCmd(cmd *cobra.Command, args []string) error {
	b, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	res, err := proc.DecodeEnumeration(b)
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	printRegions(cmd, res)
	return nil
}

func printRegions(cmd *cobra.Command, res *proc.EnumerationResult) {
	out := cmd.OutOrStdout()
	for _, r := range res.Regions {
		fmt.Fprintln(out, r)
	}
	if !res.Complete {
		fmt.Fprintf(cmd.ErrOrStderr(), "listing truncated after %d regions\n", len(res.Regions))
	}
}

func watchCmd(cmd *cobra.Command, args []string) error {
	pid, err := parsePid(args[0])
	if err != nil {
		return err
	}
	trigger, err := watch.ParseTrigger(args[1])
	if err != nil {
		return err
	}
	length, err := parseUint(args[2])
	if err != nil {
		return err
	}
	addr, err := parseUint(args[3])
	if err != nil {
		return err
	}
	timeout := watchTimeout
	if timeout <= 0 {
		timeout = conf.GetWaitTimeout()
	}

	dbg, err := newDebugger()
	if err != nil {
		return err
	}
	defer dbg.Detach()
	ctrl, err := dbg.Watch()
	if err != nil {
		return err
	}
	h, err := ctrl.Arm(pid, addr, int(length), trigger)
	if err != nil {
		return err
	}
	layout := ctrl.Layout()
	out := cmd.OutOrStdout()
	for i := 0; i < watchCount; i++ {
		snap, err := ctrl.WaitForStop(h, timeout)
		if err != nil {
			if errors.Is(err, proc.ErrTimedOut) {
				fmt.Fprintf(out, "no hit within %v\n", timeout)
				return nil
			}
			return err
		}
		fmt.Fprintf(out, "hit %d at %#x\n", snap.Hits, snap.Address)
		for j, v := range snap.Registers.General {
			fmt.Fprintf(out, "\t%s = %#x\n", layout.GeneralNames[j], v)
		}
		if err := ctrl.Continue(h); err != nil {
			return err
		}
	}
	return nil
}

func replCmd(cmd *cobra.Command, args []string) error {
	dbg, err := newDebugger()
	if err != nil {
		return err
	}
	term := terminal.New(dbg, conf)
	term.InitFile = initFile
	status, err := term.Run()
	if err != nil {
		return err
	}
	if status != 0 {
		return fmt.Errorf("exit status %d", status)
	}
	return nil
}

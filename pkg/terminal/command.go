// Package terminal implements functions for responding to user
// input and dispatching to appropriate backend commands.
package terminal

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cosiner/argv"
	"github.com/derekparker/trie"

	"github.com/rwmem/rwmem/pkg/config"
	"github.com/rwmem/rwmem/pkg/proc/watch"
	"github.com/rwmem/rwmem/service/debugger"
)

type cmdfunc func(t *Term, args []string) error

type command struct {
	aliases        []string
	builtinAliases []string
	group          commandGroup
	helpMsg        string
	cmdFn          cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands of the rwmem console.
type Commands struct {
	cmds  []command
	dbg   *debugger.Debugger
	names *trie.Trie
}

// byFirstAlias will sort by the first
// alias of a command.
type byFirstAlias []command

func (a byFirstAlias) Len() int           { return len(a) }
func (a byFirstAlias) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byFirstAlias) Less(i, j int) bool { return a[i].aliases[0] < a[j].aliases[0] }

// DebugCommands returns a Commands struct with default commands defined.
func DebugCommands(dbg *debugger.Debugger) *Commands {
	c := &Commands{dbg: dbg}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"add-bp", "b"}, group: breakCmds, cmdFn: addBreakpoint, helpMsg: `Arms a hardware breakpoint or watchpoint.

	add-bp <pid> <trigger> <length> <address>

Trigger is one of r, w, rw or x. Length is 1, 2, 4 or 8 and the address
must be aligned to it. Prints the handle of the new breakpoint.`},
		{aliases: []string{"del-bp", "clear"}, group: breakCmds, cmdFn: delBreakpoint, helpMsg: `Removes a breakpoint.

	del-bp <handle>

A target stopped at the breakpoint is resumed.`},
		{aliases: []string{"breakpoints", "bp"}, group: breakCmds, cmdFn: breakpoints, helpMsg: `Lists the breakpoints and their state.`},
		{aliases: []string{"capacity"}, group: breakCmds, cmdFn: capacity, helpMsg: `Prints the number of hardware breakpoint and watchpoint slots.`},
		{aliases: []string{"continue", "c"}, group: runCmds, cmdFn: cont, helpMsg: `Resumes a target stopped at a breakpoint.

	continue <handle>`},
		{aliases: []string{"step", "s"}, group: runCmds, cmdFn: step, helpMsg: `Executes one instruction of a target stopped at a breakpoint and stops again.

	step <handle>`},
		{aliases: []string{"wait", "w"}, group: runCmds, cmdFn: wait, helpMsg: `Waits until a breakpoint stops its target.

	wait <handle> [timeout]

The timeout is a duration such as 500ms or 2s; it defaults to the
wait-timeout configuration option.`},
		{aliases: []string{"is-stopped"}, group: runCmds, cmdFn: isStopped, helpMsg: `Prints whether the target of a breakpoint is stopped at it.

	is-stopped <handle>`},
		{aliases: []string{"get-regs", "regs"}, group: regsCmds, cmdFn: getRegs, helpMsg: `Prints the registers of a stopped target.

	get-regs <handle> [-simd]

With -simd the vector, status and control registers are printed as well.`},
		{aliases: []string{"set-reg"}, group: regsCmds, cmdFn: setReg, helpMsg: `Changes a general register of a stopped target.

	set-reg <handle> <register> <value>

The register is a name such as "pc" or an index.`},
		{aliases: []string{"set-simd-reg"}, group: regsCmds, cmdFn: setSimdReg, helpMsg: `Changes a SIMD register of a stopped target.

	set-simd-reg <handle> <register> <value>

Vector registers take 128 bit values. Indices past the vector bank select
the status and control registers.`},
		{aliases: []string{"get-mem-map", "maps"}, group: dataCmds, cmdFn: getMemMap, helpMsg: `Lists the memory regions of a process.

	get-mem-map <pid> [-resident]

With -resident each mapping is split into runs of pages present in memory.`},
		{aliases: []string{"read-mem", "x"}, group: dataCmds, cmdFn: readMem, helpMsg: `Reads memory of a process.

	read-mem <pid> <address> <size> [-force]

The read stops at the first page that is not present.`},
		{aliases: []string{"write-mem"}, group: dataCmds, cmdFn: writeMem, helpMsg: `Writes memory of a process.

	write-mem <pid> <address> <hex bytes> [-force]

With -force page protections are bypassed for the duration of the write.`},
		{aliases: []string{"alias"}, cmdFn: alias, helpMsg: `Adds aliases to a command.

	alias <command> '<alias> [alias...]'`},
		{aliases: []string{"source"}, cmdFn: source, helpMsg: `Executes a file containing a list of commands.

	source <path>`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: `Exit the console, removing every breakpoint.`},
	}

	sort.Sort(byFirstAlias(c.cmds))
	c.index()
	return c
}

func (c *Commands) index() {
	c.names = trie.New()
	for i := range c.cmds {
		for _, alias := range c.cmds[i].aliases {
			c.names.Add(alias, i)
		}
	}
}

// Complete returns the command names starting with prefix.
func (c *Commands) Complete(prefix string) []string {
	r := c.names.PrefixSearch(strings.ToLower(prefix))
	sort.Strings(r)
	return r
}

// Find will look up the command function for the given command input.
// If it cannot find the command it will default to noCmdAvailable().
// If the command is an empty string it will do nothing.
func (c *Commands) Find(cmdstr string) cmdfunc {
	// If <enter> do nothing.
	if cmdstr == "" {
		return nullCommand
	}

	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v.cmdFn
		}
	}

	return noCmdAvailable
}

// Call takes a command to execute.
func (c *Commands) Call(cmdstr string, t *Term) error {
	cmdstr = strings.TrimSpace(cmdstr)
	if cmdstr == "" || strings.HasPrefix(cmdstr, "#") {
		return nil
	}
	v, err := argv.Argv(cmdstr,
		func(s string) (string, error) {
			return "", fmt.Errorf("Backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return err
	}
	if len(v) != 1 || len(v[0]) == 0 {
		return fmt.Errorf("illegal command line '%s'", cmdstr)
	}
	t.log.Debugf("command %q", v[0])
	return c.Find(v[0][0])(t, v[0][1:])
}

// Merge takes aliases defined in the config struct and merges them with the default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if c.cmds[i].builtinAliases != nil {
			c.cmds[i].aliases = append(c.cmds[i].aliases[:0], c.cmds[i].builtinAliases...)
		}
	}
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			if c.cmds[i].builtinAliases == nil {
				c.cmds[i].builtinAliases = make([]string, len(c.cmds[i].aliases))
				copy(c.cmds[i].builtinAliases, c.cmds[i].aliases)
			}
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
	c.index()
}

var errNoCmd = errors.New("command not available")

func noCmdAvailable(t *Term, args []string) error {
	return errNoCmd
}

func nullCommand(t *Term, args []string) error {
	return nil
}

func (c *Commands) help(t *Term, args []string) error {
	if len(args) > 0 {
		for _, cmd := range c.cmds {
			if cmd.match(args[0]) {
				fmt.Fprintln(t.stdout, cmd.helpMsg)
				return nil
			}
		}
		return errNoCmd
	}

	fmt.Fprintln(t.stdout, "The following commands are available:")

	for _, cgd := range commandGroupDescriptions {
		fmt.Fprintf(t.stdout, "\n%s:\n", cgd.description)
		w := new(tabwriter.Writer)
		w.Init(t.stdout, 0, 8, 0, '-', 0)
		for _, cmd := range c.cmds {
			if cmd.group != cgd.group {
				continue
			}
			h := cmd.helpMsg
			if idx := strings.Index(h, "\n"); idx >= 0 {
				h = h[:idx]
			}
			if len(cmd.aliases) > 1 {
				fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
			} else {
				fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(t.stdout)
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

// ExitRequestError is returned when the user
// exits the console.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

func exitCommand(t *Term, args []string) error {
	return ExitRequestError{}
}

func alias(t *Term, args []string) error {
	if len(args) != 2 {
		return errors.New("wrong number of arguments to alias")
	}
	for i := range t.cmds.cmds {
		if t.cmds.cmds[i].match(args[0]) {
			name := t.cmds.cmds[i].aliases[0]
			aliases := t.conf.Aliases
			if aliases == nil {
				aliases = make(map[string][]string)
				t.conf.Aliases = aliases
			}
			aliases[name] = append(aliases[name], config.SplitQuotedFields(args[1], '\'')...)
			t.cmds.Merge(aliases)
			return nil
		}
	}
	return errNoCmd
}

func source(t *Term, args []string) error {
	if len(args) != 1 {
		return errors.New("wrong number of arguments to source")
	}
	return t.cmds.executeFile(t, args[0])
}

func (c *Commands) executeFile(t *Term, name string) error {
	fh, err := os.Open(name)
	if err != nil {
		return err
	}
	defer fh.Close()

	scanner := bufio.NewScanner(fh)
	lineno := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lineno++

		if err := c.Call(line, t); err != nil {
			if _, isExitRequest := err.(ExitRequestError); isExitRequest {
				return err
			}
			fmt.Fprintf(t.stdout, "%s:%d: %v\n", name, lineno, err)
		}
	}

	return scanner.Err()
}

// parseUint parses a decimal or 0x prefixed hexadecimal number.
func parseUint(s string, bits int) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, bits)
	if err != nil {
		return 0, fmt.Errorf("malformed number %q", s)
	}
	return v, nil
}

func parseUint128(s string) (watch.Uint128, error) {
	v, ok := new(big.Int).SetString(s, 0)
	if !ok || v.Sign() < 0 || v.BitLen() > 128 {
		return watch.Uint128{}, fmt.Errorf("malformed 128 bit number %q", s)
	}
	lo := new(big.Int).And(v, new(big.Int).SetUint64(^uint64(0)))
	return watch.Uint128{Lo: lo.Uint64(), Hi: new(big.Int).Rsh(v, 64).Uint64()}, nil
}

func parsePid(s string) (int, error) {
	pid, err := strconv.Atoi(s)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("malformed pid %q", s)
	}
	return pid, nil
}

func parseHandle(s string) (watch.Handle, error) {
	h, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("malformed breakpoint handle %q", s)
	}
	return watch.Handle(h), nil
}

// flags removes the arguments starting with '-' from args and returns
// them separately.
func flags(args []string, allowed ...string) ([]string, map[string]bool, error) {
	var rest []string
	set := make(map[string]bool)
	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") || len(arg) == 1 {
			rest = append(rest, arg)
			continue
		}
		ok := false
		for _, a := range allowed {
			if arg == a {
				ok = true
			}
		}
		if !ok {
			return nil, nil, fmt.Errorf("unknown flag %s", arg)
		}
		set[arg] = true
	}
	return rest, set, nil
}

func (t *Term) controller() (*watch.Controller, error) {
	return t.cmds.dbg.Watch()
}

func handleArg(t *Term, args []string, n int, usage string) (*watch.Controller, watch.Handle, error) {
	if len(args) != n {
		return nil, 0, fmt.Errorf("usage: %s", usage)
	}
	ctrl, err := t.controller()
	if err != nil {
		return nil, 0, err
	}
	h, err := parseHandle(args[0])
	return ctrl, h, err
}

func addBreakpoint(t *Term, args []string) error {
	if len(args) != 4 {
		return errors.New("usage: add-bp <pid> <trigger> <length> <address>")
	}
	pid, err := parsePid(args[0])
	if err != nil {
		return err
	}
	trigger, err := watch.ParseTrigger(args[1])
	if err != nil {
		return err
	}
	length, err := parseUint(args[2], 8)
	if err != nil {
		return err
	}
	addr, err := parseUint(args[3], 64)
	if err != nil {
		return err
	}
	ctrl, err := t.controller()
	if err != nil {
		return err
	}
	h, err := ctrl.Arm(pid, addr, int(length), trigger)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Breakpoint %d set at %#x (%s, %d bytes) in process %d\n", h, addr, trigger, length, pid)
	return nil
}

func delBreakpoint(t *Term, args []string) error {
	ctrl, h, err := handleArg(t, args, 1, "del-bp <handle>")
	if err != nil {
		return err
	}
	if err := ctrl.Close(h); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Breakpoint %d cleared\n", h)
	return nil
}

func breakpoints(t *Term, args []string) error {
	ctrl, err := t.controller()
	if err != nil {
		return err
	}
	for _, h := range ctrl.Handles() {
		st, err := ctrl.State(h)
		if err != nil {
			continue
		}
		fmt.Fprintf(t.stdout, "Breakpoint %d: %s\n", h, st)
	}
	return nil
}

func capacity(t *Term, args []string) error {
	ctrl, err := t.controller()
	if err != nil {
		return err
	}
	c := ctrl.Capacity()
	fmt.Fprintf(t.stdout, "Breakpoints: %d\nWatchpoints: %d\n", c.Breakpoints, c.Watchpoints)
	if c.Shared {
		fmt.Fprintf(t.stdout, "(slots are shared, %d in total)\n", c.Total())
	}
	return nil
}

func cont(t *Term, args []string) error {
	ctrl, h, err := handleArg(t, args, 1, "continue <handle>")
	if err != nil {
		return err
	}
	return ctrl.Continue(h)
}

func step(t *Term, args []string) error {
	ctrl, h, err := handleArg(t, args, 1, "step <handle>")
	if err != nil {
		return err
	}
	return ctrl.Step(h)
}

func wait(t *Term, args []string) error {
	if len(args) == 0 || len(args) > 2 {
		return errors.New("usage: wait <handle> [timeout]")
	}
	timeout := t.conf.GetWaitTimeout()
	if len(args) == 2 {
		d, err := time.ParseDuration(args[1])
		if err != nil {
			return fmt.Errorf("malformed timeout %q: %v", args[1], err)
		}
		timeout = d
	}
	ctrl, h, err := handleArg(t, args[:1], 1, "wait <handle> [timeout]")
	if err != nil {
		return err
	}
	snap, err := ctrl.WaitForStop(h, timeout)
	if err != nil {
		return err
	}
	layout := ctrl.Layout()
	msg := fmt.Sprintf("hit %d at %#x", snap.Hits, snap.Address)
	if pc := layout.PC(); pc < len(snap.Registers.General) {
		msg += fmt.Sprintf(" %s=%#x", layout.GeneralNames[pc], snap.Registers.General[pc])
	}
	t.Println(fmt.Sprintf("> breakpoint %d ", h), msg)
	return nil
}

func isStopped(t *Term, args []string) error {
	ctrl, h, err := handleArg(t, args, 1, "is-stopped <handle>")
	if err != nil {
		return err
	}
	stopped, err := ctrl.IsStopped(h)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Stopped: %v\n", stopped)
	return nil
}

func getRegs(t *Term, args []string) error {
	args, fl, err := flags(args, "-simd")
	if err != nil {
		return err
	}
	ctrl, h, err := handleArg(t, args, 1, "get-regs <handle> [-simd]")
	if err != nil {
		return err
	}
	rf, err := ctrl.ReadRegisters(h)
	if err != nil {
		return err
	}
	layout := ctrl.Layout()
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 0, 8, 1, ' ', tabwriter.AlignRight)
	for i, v := range rf.General {
		fmt.Fprintf(w, "%s\t%#x\t\n", layout.GeneralNames[i], v)
	}
	if fl["-simd"] {
		for i, v := range rf.Vector {
			fmt.Fprintf(w, "%s\t%s\t\n", layout.Name(watch.SIMD, i), v)
		}
		fmt.Fprintf(w, "%s\t%#x\t\n", layout.StatusName, rf.Status)
		fmt.Fprintf(w, "%s\t%#x\t\n", layout.ControlName, rf.Control)
	}
	return w.Flush()
}

func registerIndex(layout watch.RegisterLayout, kind watch.Kind, s string) (int, error) {
	if idx, err := strconv.Atoi(s); err == nil {
		return idx, nil
	}
	k, idx, ok := layout.Lookup(s)
	if !ok || k != kind {
		return 0, fmt.Errorf("unknown %s register %q", kind, s)
	}
	return idx, nil
}

func setReg(t *Term, args []string) error {
	ctrl, h, err := handleArg(t, args, 3, "set-reg <handle> <register> <value>")
	if err != nil {
		return err
	}
	idx, err := registerIndex(ctrl.Layout(), watch.General, args[1])
	if err != nil {
		return err
	}
	v, err := parseUint(args[2], 64)
	if err != nil {
		return err
	}
	return ctrl.WriteRegister(h, watch.General, idx, watch.Uint128{Lo: v})
}

func setSimdReg(t *Term, args []string) error {
	ctrl, h, err := handleArg(t, args, 3, "set-simd-reg <handle> <register> <value>")
	if err != nil {
		return err
	}
	idx, err := registerIndex(ctrl.Layout(), watch.SIMD, args[1])
	if err != nil {
		return err
	}
	v, err := parseUint128(args[2])
	if err != nil {
		return err
	}
	return ctrl.WriteRegister(h, watch.SIMD, idx, v)
}

func getMemMap(t *Term, args []string) error {
	args, fl, err := flags(args, "-resident")
	if err != nil {
		return err
	}
	if len(args) != 1 {
		return errors.New("usage: get-mem-map <pid> [-resident]")
	}
	pid, err := parsePid(args[0])
	if err != nil {
		return err
	}
	res, err := t.cmds.dbg.Regions(pid, fl["-resident"])
	if err != nil {
		return err
	}
	for _, r := range res.Regions {
		fmt.Fprintln(t.stdout, r)
	}
	if !res.Complete {
		fmt.Fprintf(t.stdout, "(%d regions, listing truncated)\n", len(res.Regions))
	}
	return nil
}

func readMem(t *Term, args []string) error {
	args, fl, err := flags(args, "-force")
	if err != nil {
		return err
	}
	if len(args) != 3 {
		return errors.New("usage: read-mem <pid> <address> <size> [-force]")
	}
	pid, err := parsePid(args[0])
	if err != nil {
		return err
	}
	addr, err := parseUint(args[1], 64)
	if err != nil {
		return err
	}
	size, err := parseUint(args[2], 31)
	if err != nil {
		return err
	}
	buf, err := t.cmds.dbg.ReadMemory(pid, addr, int(size), fl["-force"] || t.cmds.dbg.Force())
	if len(buf) > 0 {
		fmt.Fprint(t.stdout, hex.Dump(buf))
	}
	if err != nil {
		return err
	}
	if uint64(len(buf)) < size {
		fmt.Fprintf(t.stdout, "(read %d of %d bytes)\n", len(buf), size)
	}
	return nil
}

func writeMem(t *Term, args []string) error {
	args, fl, err := flags(args, "-force")
	if err != nil {
		return err
	}
	if len(args) != 3 {
		return errors.New("usage: write-mem <pid> <address> <hex bytes> [-force]")
	}
	pid, err := parsePid(args[0])
	if err != nil {
		return err
	}
	addr, err := parseUint(args[1], 64)
	if err != nil {
		return err
	}
	data, err := hex.DecodeString(strings.TrimPrefix(args[2], "0x"))
	if err != nil {
		return fmt.Errorf("malformed bytes %q: %v", args[2], err)
	}
	n, err := t.cmds.dbg.WriteMemory(pid, addr, data, fl["-force"] || t.cmds.dbg.Force())
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Wrote %d of %d bytes\n", n, len(data))
	return nil
}

package cmds

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-delve/unwind/cmd/cfidump/cmds/helphelpers"
	"github.com/go-delve/unwind/pkg/config"
	"github.com/go-delve/unwind/pkg/dwarf/frame"
	"github.com/go-delve/unwind/pkg/dwarf/op"
	"github.com/go-delve/unwind/pkg/logflags"
	"github.com/go-delve/unwind/pkg/proc"
	"github.com/go-delve/unwind/pkg/unwind"
	"github.com/go-delve/unwind/pkg/version"
	"github.com/spf13/cobra"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// configPath is the configuration file to use instead of the default one.
	configPath string

	// archName overrides the architecture of the object.
	archName string
	// windowSave selects the interpretation of DW_CFA_GNU_window_save.
	windowSave string
	// staticBase is the address the object is loaded at.
	staticBase uint64

	// outerPC makes the rules command treat addresses as return addresses.
	outerPC bool
	// allRegs makes the rules command print unsaved registers too.
	allRegs bool

	unwindPid       int
	unwindRegs      []string
	unwindDepth     int
	unwindShowSaved bool

	conf *config.Config
)

const cfidumpCommandLongDesc = `cfidump inspects the call frame information of ELF objects.

It lists the frame description entries of .debug_frame and .eh_frame,
prints the unwind rules in effect at an address and unwinds the stack of
a thread given the values of its registers.`

// New returns an initialized command tree.
func New(docCall bool) *cobra.Command {
	conf = &config.Config{}

	// Main cfidump root command.
	rootCommand := &cobra.Command{
		Use:           "cfidump",
		Short:         "cfidump inspects DWARF call frame information.",
		Long:          cfidumpCommandLongDesc,
		SilenceUsage:  true,
		SilenceErrors: docCall,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(); err != nil {
				return err
			}
			if !cmd.Flags().Changed("log-output") && conf.LogOutput != "" {
				logOutput = conf.LogOutput
				log = true
			}
			return logflags.Setup(log, logOutput, logDest)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logflags.Close()
		},
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output: frame, unwind, op, proc.`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor.")
	rootCommand.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file (default is ~/.cfidump/config.yml).")
	rootCommand.PersistentFlags().StringVar(&archName, "arch", "", "Architecture of the object: amd64, arm64 or sparc64 (default is read from the object).")
	rootCommand.PersistentFlags().StringVar(&windowSave, "window-save", "", "Interpretation of DW_CFA_GNU_window_save: auto, sparc, aarch64 or none.")
	rootCommand.PersistentFlags().Uint64Var(&staticBase, "static-base", 0, "Address the object is loaded at.")

	defaultUsage := rootCommand.UsageFunc()
	rootCommand.SetUsageFunc(func(cmd *cobra.Command) error {
		helphelpers.Prepare(cmd)
		return defaultUsage(cmd)
	})

	// 'fdes' subcommand.
	fdesCommand := &cobra.Command{
		Use:   "fdes <object>",
		Short: "List the frame description entries of an object.",
		Args:  cobra.ExactArgs(1),
		RunE:  fdesCmd,
	}
	rootCommand.AddCommand(fdesCommand)

	// 'rules' subcommand.
	rulesCommand := &cobra.Command{
		Use:   "rules <object> <address>...",
		Short: "Print the unwind rules in effect at the given addresses.",
		Long: `Print the unwind rules in effect at the given addresses.

For every address the CFA rule and the rule of every register saved by the
function are printed. With --outer the addresses are treated as return
addresses: the rules of the preceding call instruction are printed.`,
		Args: cobra.MinimumNArgs(2),
		RunE: rulesCmd,
	}
	rulesCommand.Flags().BoolVar(&outerPC, "outer", false, "Treat addresses as return addresses.")
	rulesCommand.Flags().BoolVar(&allRegs, "all", false, "Also print registers that are not saved.")
	rootCommand.AddCommand(rulesCommand)

	// 'unwind' subcommand.
	unwindCommand := &cobra.Command{
		Use:   "unwind <object> --reg name=value...",
		Short: "Unwind a stack given the registers of a thread.",
		Long: `Unwind a stack given the registers of a thread.

Register values are passed with --reg, for example:

	cfidump unwind ./a.out --reg rip=0x401000 --reg rsp=0x7ffc0000 --pid 1234

The names pc and sp can be used for the program counter and the stack
pointer of every architecture. If --pid is given the memory of that process
is read to recover the registers saved on the stack, the process should be
stopped.`,
		Args: cobra.ExactArgs(1),
		RunE: unwindCmd,
	}
	unwindCommand.Flags().IntVar(&unwindPid, "pid", 0, "Process whose memory is read.")
	unwindCommand.Flags().StringArrayVar(&unwindRegs, "reg", nil, "Register value, as name=value.")
	unwindCommand.Flags().IntVar(&unwindDepth, "depth", 0, "Maximum stack depth (default is max-depth from the configuration).")
	unwindCommand.Flags().BoolVar(&unwindShowSaved, "saved", false, "Print where the registers of every frame are saved.")
	rootCommand.AddCommand(unwindCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cfidump\n%s\n", version.CfidumpVersion)
			if log {
				fmt.Fprintln(cmd.OutOrStdout(), version.BuildInfo())
			}
		},
	}
	rootCommand.AddCommand(versionCommand)

	return rootCommand
}

func loadConfig() error {
	if configPath != "" {
		c, err := config.LoadConfigFile(configPath)
		if err != nil {
			return err
		}
		conf = c
		return nil
	}
	conf = config.LoadConfig()
	return nil
}

// selectArch returns the architecture of obj, or the one forced by --arch
// or the configuration file.
func selectArch(obj *proc.ELFObject) (*unwind.Arch, error) {
	name := archName
	if name == "" {
		arch, err := obj.Arch()
		if err == nil || !errors.Is(err, proc.ErrUnsupportedArch) || conf.Arch == "" {
			return arch, err
		}
		name = conf.Arch
	}
	arch := unwind.ArchByName(name)
	if arch == nil {
		return nil, fmt.Errorf("unknown architecture %q", name)
	}
	return arch, nil
}

// windowSavePolicy returns the policy named name. The policy of arch is
// returned for auto.
func windowSavePolicy(name string, arch *unwind.Arch) (frame.WindowSavePolicy, error) {
	switch name {
	case "", "auto":
		return arch.WindowSave, nil
	case "sparc":
		return frame.SPARCWindowSave, nil
	case "aarch64":
		return frame.AArch64NegateRAState, nil
	case "none":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown window-save policy %q", name)
}

func loadBinaryInfo(path string) (*proc.BinaryInfo, error) {
	obj, err := proc.OpenELF(path)
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	arch, err := selectArch(obj)
	if err != nil {
		return nil, err
	}
	policy := windowSave
	if policy == "" {
		policy = conf.WindowSave
	}
	arch.WindowSave, err = windowSavePolicy(policy, arch)
	if err != nil {
		return nil, err
	}

	bi, err := proc.NewBinaryInfo(arch, conf.GetFDECacheSize())
	if err != nil {
		return nil, err
	}
	if err := bi.LoadObject(obj, staticBase); err != nil {
		return nil, err
	}
	return bi, nil
}

func parseAddress(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return v, nil
}

// parseRegister parses a name=value register assignment.
func parseRegister(arch *unwind.Arch, s string) (uint64, uint64, error) {
	i := strings.IndexByte(s, '=')
	if i < 0 {
		return 0, 0, fmt.Errorf("invalid register assignment %q, expected name=value", s)
	}
	name := strings.ToLower(s[:i])
	var regnum uint64
	switch name {
	case "pc":
		regnum = arch.PCRegNum
	case "sp":
		regnum = arch.SPRegNum
	default:
		n, ok := arch.NameToDwarf[name]
		if !ok {
			return 0, 0, fmt.Errorf("unknown register %q for %s", s[:i], arch.Name)
		}
		regnum = uint64(n)
	}
	v, err := strconv.ParseUint(s[i+1:], 0, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid value for register %s: %v", s[:i], err)
	}
	return regnum, v, nil
}

func fdesCmd(cmd *cobra.Command, args []string) error {
	bi, err := loadBinaryInfo(args[0])
	if err != nil {
		return err
	}
	out := newOutput(cmd)
	w := out.table()
	fmt.Fprintf(w, "BEGIN\tEND\tOFFSET\tCIE\tAUGMENTATION\tENC\tLSDA\n")
	for _, fde := range bi.FDEs() {
		aug := fde.CIE.Augmentation
		if fde.CIE.SignalFrame && !strings.Contains(aug, "S") {
			aug += "S"
		}
		fmt.Fprintf(w, "%s\t%s\t%#x\t%#x\t%s\t%s\t%s\n", out.addr(fde.Begin()), out.addr(fde.End()), fde.Offset(), fde.CIE.Offset(), aug, fde.CIE.PointerEncoding(), fde.CIE.LSDAEncoding())
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if err := bi.LoadError(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
	}
	return nil
}

func rulesCmd(cmd *cobra.Command, args []string) error {
	bi, err := loadBinaryInfo(args[0])
	if err != nil {
		return err
	}
	arch := bi.Arch
	e := &unwind.Engine{Index: bi, Arch: arch, StaticBase: bi.StaticBase}
	scope := unwind.NewScope()
	defer scope.Release()

	out := newOutput(cmd)
	for _, arg := range args[1:] {
		addr, err := parseAddress(arg)
		if err != nil {
			return err
		}
		pc := addr
		var fde *frame.FrameDescriptionEntry
		var ok bool
		if outerPC {
			fde, ok = e.Locate(addr)
			pc = addr - 1
		} else {
			fde, ok = e.LocatePC(addr)
		}
		if !ok {
			fmt.Fprintf(out, "%s: no FDE\n", out.addr(addr))
			continue
		}
		fs, err := e.FrameState(scope, fde, pc)
		if err != nil {
			return fmt.Errorf("%#x: %w", addr, err)
		}
		fmt.Fprintf(out, "%s: FDE %#x-%#x row %#x\n", out.addr(addr), fde.Begin(), fde.End(), fs.Loc())
		w := out.table()
		fmt.Fprintf(w, "\tcfa\t%s\n", formatCFA(fs.CFA, arch))
		for i, rule := range fs.Regs {
			if rule.Rule == frame.RuleUnsaved && !allRegs {
				continue
			}
			name := arch.RegName(uint64(i))
			if uint64(i) == fs.RetAddrReg {
				name += " (ra)"
			}
			fmt.Fprintf(w, "\t%s\t%s\n", name, formatRule(rule, arch))
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func formatCFA(rule frame.DWRule, arch *unwind.Arch) string {
	switch rule.Rule {
	case frame.RuleCFA:
		return fmt.Sprintf("%s%+d", arch.RegName(rule.Reg), rule.Offset)
	case frame.RuleExpression:
		return "{ " + prettyExpr(rule.Expression, arch) + "}"
	}
	return rule.String()
}

// formatRule prints rule using register names and disassembled
// expressions.
func formatRule(rule frame.DWRule, arch *unwind.Arch) string {
	switch rule.Rule {
	case frame.RuleRegister:
		return arch.RegName(rule.Reg)
	case frame.RuleExpression:
		return "[{ " + prettyExpr(rule.Expression, arch) + "}]"
	case frame.RuleValExpression:
		return "{ " + prettyExpr(rule.Expression, arch) + "}"
	}
	return rule.String()
}

func prettyExpr(expr []byte, arch *unwind.Arch) string {
	var buf strings.Builder
	op.PrettyPrint(&buf, expr, arch.PtrSize)
	return buf.String()
}

func unwindCmd(cmd *cobra.Command, args []string) error {
	bi, err := loadBinaryInfo(args[0])
	if err != nil {
		return err
	}
	arch := bi.Arch

	regs := op.NewDwarfRegisters(bi.StaticBase, nil, arch.ByteOrder, arch.PtrSize)
	havePC := false
	for _, s := range unwindRegs {
		regnum, v, err := parseRegister(arch, s)
		if err != nil {
			return err
		}
		if regnum == arch.PCRegNum {
			havePC = true
		}
		regs.AddReg(regnum, op.DwarfRegisterFromUint64(v))
	}
	if !havePC {
		return errors.New("the value of the program counter must be specified with --reg pc=<value>")
	}

	var mem unwind.MemoryReadWriter
	if unwindPid != 0 {
		pm, err := proc.OpenProcessMemory(unwindPid, false)
		if err != nil {
			return err
		}
		defer pm.Close()
		mem = pm
	}

	depth := unwindDepth
	if depth <= 0 {
		depth = conf.GetMaxDepth()
	}

	t := proc.NewTarget(bi, regs, mem)
	frames, err := t.Stacktrace(depth)
	if err != nil {
		return err
	}

	out := newOutput(cmd)
	for i := range frames {
		f := &frames[i]
		fmt.Fprintf(out, "#%-3d %s", f.Depth, out.addr(f.PC))
		if f.FDE != nil {
			fmt.Fprintf(out, " in %#x+%#x cfa=%#x", f.FDE.Begin(), f.PC-f.FDE.Begin(), f.CFA)
		}
		fmt.Fprintln(out)
		if unwindShowSaved {
			if err := printSaved(out, t, f, arch); err != nil {
				return err
			}
		}
		if f.Err != nil {
			fmt.Fprintf(out, "\terror: %v\n", f.Err)
		}
	}
	if len(frames) > 0 {
		last := &frames[len(frames)-1]
		if last.Err == nil && !last.Outermost() {
			fmt.Fprintf(out, "(more frames follow, maximum depth %d reached)\n", depth)
		}
	}
	return nil
}

// printSaved prints the registers of f whose location is not the one they
// have in the innermost frame.
func printSaved(out *output, t *proc.Target, f *proc.Stackframe, arch *unwind.Arch) error {
	w := out.table()
	for regnum := 0; regnum < arch.NumRegs; regnum++ {
		sr, err := t.SavedRegister(f, uint64(regnum))
		if err != nil {
			return err
		}
		switch sr.Kind {
		case proc.InRegister:
			if sr.Reg == uint64(regnum) {
				continue
			}
			fmt.Fprintf(w, "\t%s\tin %s\n", arch.RegName(uint64(regnum)), arch.RegName(sr.Reg))
		case proc.InMemory:
			v, err := t.RegisterValue(f, uint64(regnum))
			if err != nil {
				fmt.Fprintf(w, "\t%s\tat %#x\t(%v)\n", arch.RegName(uint64(regnum)), sr.Addr, err)
				continue
			}
			fmt.Fprintf(w, "\t%s\tat %#x\t= %#x\n", arch.RegName(uint64(regnum)), sr.Addr, v)
		case proc.Computed:
			fmt.Fprintf(w, "\t%s\t= %#x\n", arch.RegName(uint64(regnum)), sr.Value)
		case proc.Unavailable:
			if f.Depth > 0 {
				fmt.Fprintf(w, "\t%s\tundefined\n", arch.RegName(uint64(regnum)))
			}
		}
	}
	return w.Flush()
}

// Command mold-core is the thin CLI front end for the linking pipeline in
// internal/linker. Flag parsing, linker-script parsing, and response-file
// expansion are explicitly out of scope for the core (spec §1); this file
// is just enough of a driver to exercise internal/linker.Link end to end,
// grounded on the teacher's cmd/root.go cobra wiring.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/xyproto/moldcore/internal/config"
	"github.com/xyproto/moldcore/internal/linker"
)

var (
	flagOutput         string
	flagEntry          string
	flagSoname         string
	flagRpath          []string
	flagLibSearch      []string
	flagLibs           []string
	flagShared         bool
	flagStatic         bool
	flagPIE            bool
	flagRelocatable    bool
	flagGCSections     bool
	flagICF            string
	flagEhFrameHdr     bool
	flagHashStyle      string
	flagBuildID        string
	flagPackDynRelocs  string
	flagExportDynamic  bool
	flagUndefined      []string
	flagRequireDefined []string
	flagVersionScript  string
	flagDynamicList    string
	flagExcludeLibs    bool
	flagBsymbolic      bool
	flagBsymbolicFuncs bool
	flagDefsym         []string
	flagWrap           []string
	flagImageBase      string
	flagZFlags         []string
	flagNoRelax        bool
	flagNoThreads      bool
	flagThreadCount    int
	flagShuffleSeed    uint64
	flagUnresolved     string
	flagUnique         []string
	flagFatalWarnings  bool
	flagColor          string
	flagNoDemangle     bool
)

func buildOptions(inputs []string) (config.Options, error) {
	opts := config.Default()

	opts.Output = flagOutput
	opts.Entry = flagEntry
	opts.SonameFlag = flagSoname
	opts.Rpath = flagRpath
	opts.LibSearch = flagLibSearch
	opts.Static = flagStatic
	opts.PIE = flagPIE
	opts.GCSections = flagGCSections
	opts.EhFrameHdr = flagEhFrameHdr
	opts.BuildID = flagBuildID
	opts.ExportDynamic = flagExportDynamic
	opts.Undefined = flagUndefined
	opts.RequireDefined = flagRequireDefined
	opts.VersionScript = flagVersionScript
	opts.DynamicList = flagDynamicList
	opts.ExcludeLibs = flagExcludeLibs
	opts.Bsymbolic = flagBsymbolic
	opts.BsymbolicFunctions = flagBsymbolicFuncs
	opts.Wrap = flagWrap
	opts.Relax = !flagNoRelax
	opts.Threads = !flagNoThreads
	opts.ThreadCount = flagThreadCount
	opts.Unique = flagUnique
	opts.FatalWarnings = flagFatalWarnings
	opts.Demangle = !flagNoDemangle

	if flagRelocatable {
		opts.Kind = config.OutputRelocatable
	} else if flagShared {
		opts.Kind = config.OutputSharedObject
	} else {
		opts.Kind = config.OutputExecutable
	}

	switch flagICF {
	case "", "none":
		opts.ICF = config.ICFNone
	case "all":
		opts.ICF = config.ICFAll
	case "safe":
		opts.ICF = config.ICFSafe
	default:
		return opts, fmt.Errorf("unknown --icf value %q", flagICF)
	}

	switch flagHashStyle {
	case "", "sysv":
		opts.HashStyle = config.HashStyleSysV
	case "gnu":
		opts.HashStyle = config.HashStyleGNU
	case "both":
		opts.HashStyle = config.HashStyleSysV | config.HashStyleGNU
	default:
		return opts, fmt.Errorf("unknown --hash-style value %q", flagHashStyle)
	}

	switch flagPackDynRelocs {
	case "", "none":
		opts.PackRelocs = config.PackDynRelocsNone
	case "relr":
		opts.PackRelocs = config.PackDynRelocsRelr
	default:
		return opts, fmt.Errorf("unknown --pack-dyn-relocs value %q", flagPackDynRelocs)
	}

	switch flagUnresolved {
	case "", "report-all":
		opts.Unresolved = config.UnresolvedReportAll
	case "ignore-all":
		opts.Unresolved = config.UnresolvedIgnoreAll
	case "ignore-in-object-files":
		opts.Unresolved = config.UnresolvedIgnoreInObjectFiles
	case "ignore-in-shared-libs":
		opts.Unresolved = config.UnresolvedIgnoreInSharedLibs
	default:
		return opts, fmt.Errorf("unknown --unresolved-symbols value %q", flagUnresolved)
	}

	opts.ColorDiagnostics = flagColor == "always" || (flagColor != "never" && isTerminal(os.Stderr))

	opts.Defsym = map[string]string{}
	for _, kv := range flagDefsym {
		name, expr, ok := splitOnce(kv, '=')
		if !ok {
			return opts, fmt.Errorf("malformed --defsym=%q, expected SYM=EXPR", kv)
		}
		opts.Defsym[name] = expr
	}

	for _, z := range flagZFlags {
		switch z {
		case "now":
			opts.Now = true
		case "lazy":
			opts.Now = false
		case "relro":
			opts.Relro = true
		case "norelro":
			opts.Relro = false
		case "execstack":
			opts.ExecStack = true
		case "noexecstack":
			opts.ExecStack = false
		case "text":
			opts.ZText = true
		case "notext":
			opts.ZText = false
		case "copyreloc":
			opts.ZCopyReloc = true
		case "nocopyreloc":
			opts.ZCopyReloc = false
		case "separate-code", "separate-loadable-segments":
			opts.ZText = true
		case "noseparate-code":
		default:
			// defs/nodefs/initfirst/interpose/ibt/shstk/origin/nodlopen/nodelete,
			// keep-text-section-prefix, max-page-size=N: recorded for
			// forward compatibility, no core behavior hook yet.
		}
	}

	if flagImageBase != "" {
		base, perr := parseUint64(flagImageBase)
		if perr != nil {
			return opts, fmt.Errorf("bad --image-base %q: %w", flagImageBase, perr)
		}
		opts.ImageBase = base
	}

	if flagShuffleSeed != 0 {
		opts.Shuffle = true
		opts.ShuffleSeed = flagShuffleSeed
	}

	config.ApplyEnvironment(&opts)
	return opts, nil
}

func splitOnce(s string, sep byte) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}

func parseUint64(s string) (uint64, error) {
	var v uint64
	_, err := fmt.Sscanf(s, "0x%x", &v)
	if err == nil {
		return v, nil
	}
	_, err = fmt.Sscanf(s, "%d", &v)
	return v, err
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func resolveLibs(libSearch, libs []string) []string {
	var paths []string
	for _, lib := range libs {
		found := false
		for _, dir := range libSearch {
			for _, candidate := range []string{dir + "/lib" + lib + ".so", dir + "/lib" + lib + ".a"} {
				if _, err := os.Stat(candidate); err == nil {
					paths = append(paths, candidate)
					found = true
					break
				}
			}
			if found {
				break
			}
		}
		if !found {
			paths = append(paths, lib)
		}
	}
	return paths
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "mold-core [objects and archives...]",
		Short:         "parallel ELF linker core",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			inputs := append([]string{}, args...)
			inputs = append(inputs, resolveLibs(flagLibSearch, flagLibs)...)

			opts, oerr := buildOptions(inputs)
			if oerr != nil {
				return oerr
			}
			return linker.Link(opts, inputs)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&flagOutput, "output", "o", "a.out", "output file path")
	f.StringVarP(&flagEntry, "entry", "e", "", "entry point symbol")
	f.StringVar(&flagSoname, "soname", "", "DT_SONAME for -shared output")
	f.StringArrayVar(&flagRpath, "rpath", nil, "DT_RUNPATH entries")
	f.StringArrayVarP(&flagLibSearch, "library-path", "L", nil, "library search directories")
	f.StringArrayVarP(&flagLibs, "library", "l", nil, "link against libNAME.so/.a")
	f.BoolVar(&flagShared, "shared", false, "build ET_DYN shared object")
	f.BoolVar(&flagStatic, "static", false, "disallow dynamic linking")
	f.BoolVar(&flagPIE, "pie", false, "build a position-independent executable")
	f.BoolVarP(&flagRelocatable, "relocatable", "r", false, "merge inputs into a relocatable ET_REL")
	f.BoolVar(&flagGCSections, "gc-sections", false, "discard unreferenced sections")
	f.StringVar(&flagICF, "icf", "none", "identical code folding: all|none|safe")
	f.BoolVar(&flagEhFrameHdr, "eh-frame-hdr", false, "synthesize .eh_frame_hdr")
	f.StringVar(&flagHashStyle, "hash-style", "sysv", "symbol hash table style: sysv|gnu|both")
	f.StringVar(&flagBuildID, "build-id", "", "build-id note: none|md5|sha1|sha256|uuid|0xHEX")
	f.StringVar(&flagPackDynRelocs, "pack-dyn-relocs", "none", "pack relative relocations: relr|none")
	f.BoolVarP(&flagExportDynamic, "export-dynamic", "E", false, "put all global symbols in .dynsym")
	f.StringArrayVar(&flagUndefined, "undefined", nil, "force symbol to be treated as undefined/live")
	f.StringArrayVar(&flagRequireDefined, "require-defined", nil, "error if symbol is not defined")
	f.StringVar(&flagVersionScript, "version-script", "", "symbol version script path")
	f.StringVar(&flagDynamicList, "dynamic-list", "", "dynamic symbol list path")
	f.BoolVar(&flagExcludeLibs, "exclude-libs", false, "hide archive-contributed symbols")
	f.BoolVar(&flagBsymbolic, "Bsymbolic", false, "bind references to global symbols locally")
	f.BoolVar(&flagBsymbolicFuncs, "Bsymbolic-functions", false, "bind function references locally")
	f.StringArrayVar(&flagDefsym, "defsym", nil, "SYM=EXPR symbol alias")
	f.StringArrayVar(&flagWrap, "wrap", nil, "wrap SYM with __wrap_SYM")
	f.StringVar(&flagImageBase, "image-base", "", "base virtual address of the output image")
	f.StringArrayVarP(&flagZFlags, "z", "z", nil, "-z SUBOPTION, may be repeated")
	f.BoolVar(&flagNoRelax, "no-relax", false, "disable TLS/RISC-V relaxation")
	f.BoolVar(&flagNoThreads, "no-threads", false, "disable the work-stealing pool")
	f.IntVar(&flagThreadCount, "thread-count", 0, "worker thread count (0 = hardware concurrency)")
	f.Uint64Var(&flagShuffleSeed, "shuffle-sections", 0, "deterministic section shuffle seed")
	f.StringVar(&flagUnresolved, "unresolved-symbols", "report-all", "report-all|ignore-all|ignore-in-object-files|ignore-in-shared-libs")
	f.StringArrayVar(&flagUnique, "unique", nil, "keep matching sections from being merged/ICF'd")
	f.BoolVar(&flagFatalWarnings, "fatal-warnings", false, "treat warnings as errors")
	f.StringVar(&flagColor, "color-diagnostics", "auto", "always|auto|never")
	f.BoolVar(&flagNoDemangle, "no-demangle", false, "disable C++ name demangling in diagnostics")

	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mold-core: %v\n", err)
		os.Exit(1)
	}
}

// Package config holds the recognized CLI surface of spec §6 and the two
// environment variables mold-core honors. Flag parsing itself lives in
// cmd/mold-core (out of the core's scope per spec §1); this package is the
// plain-data target that parsing fills in.
package config

import (
	"github.com/xyproto/env/v2"
)

// OutputKind selects ET_EXEC / ET_DYN / ET_REL.
type OutputKind int

const (
	OutputExecutable OutputKind = iota
	OutputSharedObject
	OutputRelocatable
)

// ICFMode selects --icf={all,none,safe}.
type ICFMode int

const (
	ICFNone ICFMode = iota
	ICFAll
	ICFSafe
)

// UnresolvedPolicy selects --unresolved-symbols=...
type UnresolvedPolicy int

const (
	UnresolvedReportAll UnresolvedPolicy = iota
	UnresolvedIgnoreAll
	UnresolvedIgnoreInObjectFiles
	UnresolvedIgnoreInSharedLibs
)

// PackDynRelocs selects --pack-dyn-relocs=...
type PackDynRelocs int

const (
	PackDynRelocsNone PackDynRelocs = iota
	PackDynRelocsRelr
)

// HashStyle selects --hash-style=...
type HashStyle int

const (
	HashStyleSysV HashStyle = 1 << iota
	HashStyleGNU
)

// Options is the fully-resolved link configuration, the Go analogue of the
// source's Context::Args. cmd/mold-core populates it from cobra/pflag;
// ApplyEnvironment() layers the two honored environment variables on top.
type Options struct {
	Output       string
	Entry        string
	SonameFlag   string
	Rpath        []string
	LibSearch    []string
	Kind         OutputKind
	Static       bool
	PIE          bool
	GCSections   bool
	ICF          ICFMode
	EhFrameHdr   bool
	HashStyle    HashStyle
	BuildID      string
	PackRelocs   PackDynRelocs
	ExportDynamic bool
	Undefined    []string
	RequireDefined []string
	VersionScript string
	DynamicList   string
	ExcludeLibs   bool
	BsymbolicFunctions bool
	Bsymbolic     bool
	Defsym        map[string]string
	Wrap          []string
	ImageBase     uint64
	Now           bool
	Relro         bool
	ExecStack     bool
	ZText         bool
	ZCopyReloc    bool
	Relax         bool
	Threads       bool
	ThreadCount   int
	ShuffleSeed   uint64
	Shuffle       bool
	Unresolved    UnresolvedPolicy
	Unique        []string
	FatalWarnings bool
	ColorDiagnostics bool
	Demangle      bool

	// Environment-derived (spec §6).
	Repro   bool // MOLD_REPRO
	JobLock bool // MOLD_JOBS=1: process-wide global lock instead of a pool
}

// Default returns an Options with the spec's documented defaults applied
// (lazy binding, GNU hash disabled unless requested, relax on, demangle on).
func Default() Options {
	return Options{
		Kind:        OutputExecutable,
		HashStyle:   HashStyleSysV,
		Relax:       true,
		Threads:     true,
		ThreadCount: 0, // 0 means "hardware concurrency", resolved in linker.Context
		Demangle:    true,
		Unresolved:  UnresolvedReportAll,
	}
}

// ApplyEnvironment layers MOLD_REPRO / MOLD_JOBS onto o, using
// github.com/xyproto/env/v2 the way the teacher's own go.mod already
// requires it (but never imported it).
func ApplyEnvironment(o *Options) {
	o.Repro = env.Bool("MOLD_REPRO")
	if env.Int("MOLD_JOBS", 0) == 1 {
		o.JobLock = true
		o.Threads = false
		o.ThreadCount = 1
	}
}

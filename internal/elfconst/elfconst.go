// Package elfconst declares the ELF gABI constants the linker core needs to
// read and write object files directly. debug/elf's types are read-only and
// cannot represent a relocation table a linker mutates in place, so the
// constants are re-declared here the way aclements-go-obj rolls its own obj
// package instead of wrapping debug/elf.
package elfconst

// File class and data encoding (e_ident).
const (
	ELFCLASS32 = 1
	ELFCLASS64 = 2

	ELFDATA2LSB = 1
	ELFDATA2MSB = 2
)

// Object file type (e_type).
const (
	ET_NONE = 0
	ET_REL  = 1
	ET_EXEC = 2
	ET_DYN  = 3
	ET_CORE = 4
)

// Machine (e_machine). Only the three backends this rewrite ships are
// exhaustively useful; the rest are recognized for input typing only.
const (
	EM_386     = 3
	EM_SPARC64 = 43
	EM_X86_64  = 62
	EM_S390    = 22
	EM_PPC     = 20
	EM_PPC64   = 21
	EM_ARM     = 40
	EM_AARCH64 = 183
	EM_RISCV   = 243
	EM_LOONGARCH = 258
	EM_SH      = 42
	EM_68K     = 4
	EM_HPPA    = 15
	EM_MIPS    = 8
	EM_ALPHA   = 0x9026
)

// Section header type (sh_type).
const (
	SHT_NULL          = 0
	SHT_PROGBITS      = 1
	SHT_SYMTAB        = 2
	SHT_STRTAB        = 3
	SHT_RELA          = 4
	SHT_HASH          = 5
	SHT_DYNAMIC       = 6
	SHT_NOTE          = 7
	SHT_NOBITS        = 8
	SHT_REL           = 9
	SHT_SHLIB         = 10
	SHT_DYNSYM        = 11
	SHT_INIT_ARRAY    = 14
	SHT_FINI_ARRAY    = 15
	SHT_PREINIT_ARRAY = 16
	SHT_GROUP         = 17
	SHT_SYMTAB_SHNDX  = 18
	SHT_RELR          = 19
	SHT_GNU_HASH      = 0x6ffffff6
	SHT_GNU_verdef    = 0x6ffffffd
	SHT_GNU_verneed   = 0x6ffffffe
	SHT_GNU_versym    = 0x6fffffff
	SHT_LLVM_ADDRSIG  = 0x6fff4c03
	SHT_X86_64_UNWIND = 0x70000001
)

// Section header flags (sh_flags).
const (
	SHF_WRITE            = 1 << 0
	SHF_ALLOC            = 1 << 1
	SHF_EXECINSTR        = 1 << 2
	SHF_MERGE            = 1 << 4
	SHF_STRINGS          = 1 << 5
	SHF_INFO_LINK        = 1 << 6
	SHF_LINK_ORDER       = 1 << 7
	SHF_GROUP            = 1 << 9
	SHF_TLS              = 1 << 10
	SHF_COMPRESSED       = 1 << 11
	SHF_GNU_RETAIN       = 1 << 21
)

// Special section indices (st_shndx / sh_link).
const (
	SHN_UNDEF  = 0
	SHN_ABS    = 0xfff1
	SHN_COMMON = 0xfff2
	SHN_XINDEX = 0xffff
)

// Symbol binding (ELF64_ST_BIND).
const (
	STB_LOCAL  = 0
	STB_GLOBAL = 1
	STB_WEAK   = 2
	STB_GNU_UNIQUE = 10
)

// Symbol type (ELF64_ST_TYPE).
const (
	STT_NOTYPE  = 0
	STT_OBJECT  = 1
	STT_FUNC    = 2
	STT_SECTION = 3
	STT_FILE    = 4
	STT_COMMON  = 5
	STT_TLS     = 6
	STT_GNU_IFUNC = 10
)

// Symbol visibility (ELF64_ST_VISIBILITY).
const (
	STV_DEFAULT   = 0
	STV_INTERNAL  = 1
	STV_HIDDEN    = 2
	STV_PROTECTED = 3
)

// Program header type (p_type).
const (
	PT_NULL         = 0
	PT_LOAD         = 1
	PT_DYNAMIC      = 2
	PT_INTERP       = 3
	PT_NOTE         = 4
	PT_SHLIB        = 5
	PT_PHDR         = 6
	PT_TLS          = 7
	PT_GNU_EH_FRAME = 0x6474e550
	PT_GNU_STACK    = 0x6474e551
	PT_GNU_RELRO    = 0x6474e552
	PT_GNU_PROPERTY = 0x6474e553
)

// Program header flags (p_flags).
const (
	PF_X = 1 << 0
	PF_W = 1 << 1
	PF_R = 1 << 2
)

// Dynamic section tags (d_tag).
const (
	DT_NULL            = 0
	DT_NEEDED          = 1
	DT_PLTRELSZ        = 2
	DT_PLTGOT          = 3
	DT_HASH            = 4
	DT_STRTAB          = 5
	DT_SYMTAB          = 6
	DT_RELA            = 7
	DT_RELASZ          = 8
	DT_RELAENT         = 9
	DT_STRSZ           = 10
	DT_SYMENT          = 11
	DT_INIT            = 12
	DT_FINI            = 13
	DT_SONAME          = 14
	DT_RPATH           = 15
	DT_SYMBOLIC        = 16
	DT_REL             = 17
	DT_RELSZ           = 18
	DT_RELENT          = 19
	DT_PLTREL          = 20
	DT_DEBUG           = 21
	DT_TEXTREL         = 22
	DT_JMPREL          = 23
	DT_BIND_NOW        = 24
	DT_INIT_ARRAY      = 25
	DT_FINI_ARRAY      = 26
	DT_INIT_ARRAYSZ    = 27
	DT_FINI_ARRAYSZ    = 28
	DT_RUNPATH         = 29
	DT_FLAGS           = 30
	DT_PREINIT_ARRAY   = 32
	DT_PREINIT_ARRAYSZ = 33
	DT_RELACOUNT       = 0x6ffffff9
	DT_RELCOUNT        = 0x6ffffffa
	DT_FLAGS_1         = 0x6ffffffb
	DT_VERSYM          = 0x6ffffff0
	DT_VERDEF          = 0x6ffffffc
	DT_VERDEFNUM       = 0x6ffffffd
	DT_VERNEED         = 0x6ffffffe
	DT_VERNEEDNUM      = 0x6fffffff
	DT_GNU_HASH        = 0x6ffffef5
	DT_RELR            = 36
	DT_RELRSZ          = 35
	DT_RELRENT         = 37
	DT_AUXILIARY       = 0x7ffffffd
	DT_FILTER          = 0x7fffffff
)

// DT_FLAGS_1 bits.
const (
	DF_1_NOW       = 1 << 0
	DF_1_PIE       = 1 << 27
	DF_1_INITFIRST = 1 << 5
	DF_1_NODELETE  = 1 << 3
	DF_1_NOOPEN    = 1 << 6
	DF_1_ORIGIN    = 1 << 7
	DF_1_INTERPOSE = 1 << 10
)

// Relocation type numbers, x86-64 (R_X86_64_*).
const (
	R_X86_64_NONE            = 0
	R_X86_64_64              = 1
	R_X86_64_PC32            = 2
	R_X86_64_GOT32           = 3
	R_X86_64_PLT32           = 4
	R_X86_64_COPY            = 5
	R_X86_64_GLOB_DAT        = 6
	R_X86_64_JUMP_SLOT       = 7
	R_X86_64_RELATIVE        = 8
	R_X86_64_GOTPCREL        = 9
	R_X86_64_32              = 10
	R_X86_64_32S             = 11
	R_X86_64_16              = 12
	R_X86_64_PC16            = 13
	R_X86_64_8               = 14
	R_X86_64_PC8             = 15
	R_X86_64_DTPMOD64        = 16
	R_X86_64_DTPOFF64        = 17
	R_X86_64_TPOFF64         = 18
	R_X86_64_TLSGD           = 19
	R_X86_64_TLSLD           = 20
	R_X86_64_DTPOFF32        = 21
	R_X86_64_GOTTPOFF        = 22
	R_X86_64_TPOFF32         = 23
	R_X86_64_PC64            = 24
	R_X86_64_GOTPC32         = 26
	R_X86_64_PLTOFF64        = 31
	R_X86_64_GOTPCRELX       = 41
	R_X86_64_REX_GOTPCRELX   = 42
	R_X86_64_IRELATIVE       = 37
)

// Relocation type numbers, AArch64 (R_AARCH64_*).
const (
	R_AARCH64_ABS64               = 0x101
	R_AARCH64_ABS32                = 0x102
	R_AARCH64_PREL32                = 0x105
	R_AARCH64_PREL64                = 0x104
	R_AARCH64_CALL26                = 0x11b
	R_AARCH64_JUMP26                = 0x11a
	R_AARCH64_ADR_PREL_PG_HI21       = 0x113
	R_AARCH64_ADD_ABS_LO12_NC        = 0x115
	R_AARCH64_LDST64_ABS_LO12_NC     = 0x11e
	R_AARCH64_ADR_GOT_PAGE           = 0x137
	R_AARCH64_LD64_GOT_LO12_NC       = 0x138
	R_AARCH64_COPY                   = 0x400
	R_AARCH64_GLOB_DAT               = 0x401
	R_AARCH64_JUMP_SLOT              = 0x402
	R_AARCH64_RELATIVE               = 0x403
	R_AARCH64_TLS_DTPMOD             = 0x404
	R_AARCH64_TLS_DTPREL             = 0x405
	R_AARCH64_TLS_TPREL              = 0x406
	R_AARCH64_TLSDESC                = 0x407
	R_AARCH64_IRELATIVE              = 0x408
	R_AARCH64_TLSGD_ADR_PAGE21       = 0x201
	R_AARCH64_TLSGD_ADD_LO12_NC      = 0x202
	R_AARCH64_TLSIE_ADR_GOTTPREL_PAGE21 = 0x21d
	R_AARCH64_TLSIE_LD64_GOTTPREL_LO12_NC = 0x21e
	R_AARCH64_TLSLE_ADD_TPREL_HI12   = 0x225
	R_AARCH64_TLSLE_ADD_TPREL_LO12_NC = 0x227
)

// Relocation type numbers, RISC-V (R_RISCV_*).
const (
	R_RISCV_NONE        = 0
	R_RISCV_32          = 1
	R_RISCV_64          = 2
	R_RISCV_RELATIVE    = 3
	R_RISCV_COPY        = 4
	R_RISCV_JUMP_SLOT   = 5
	R_RISCV_TLS_DTPMOD32 = 6
	R_RISCV_TLS_DTPMOD64 = 7
	R_RISCV_TLS_DTPREL32 = 8
	R_RISCV_TLS_DTPREL64 = 9
	R_RISCV_TLS_TPREL32 = 10
	R_RISCV_TLS_TPREL64 = 11
	R_RISCV_IRELATIVE   = 58
	R_RISCV_BRANCH      = 16
	R_RISCV_JAL         = 17
	R_RISCV_CALL        = 18
	R_RISCV_CALL_PLT    = 19
	R_RISCV_GOT_HI20    = 20
	R_RISCV_TLS_GOT_HI20 = 21
	R_RISCV_TLS_GD_HI20 = 22
	R_RISCV_PCREL_HI20  = 23
	R_RISCV_PCREL_LO12_I = 24
	R_RISCV_PCREL_LO12_S = 25
	R_RISCV_HI20        = 26
	R_RISCV_LO12_I      = 27
	R_RISCV_LO12_S      = 28
	R_RISCV_TPREL_HI20  = 29
	R_RISCV_TPREL_ADD   = 32
	R_RISCV_TPREL_LO12_I = 30
	R_RISCV_ALIGN       = 43
	R_RISCV_RVC_BRANCH  = 44
	R_RISCV_RVC_JUMP    = 45
	R_RISCV_RELAX       = 51
)

// Build-id note type.
const NT_GNU_BUILD_ID = 3

// Build-id kinds (core, not an ELF constant).
type BuildIDKind int

const (
	BuildIDNone BuildIDKind = iota
	BuildIDHex
	BuildIDHash
	BuildIDUUID
)

const PageSize = 0x1000

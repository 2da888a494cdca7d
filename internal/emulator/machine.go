package emulator

import (
	"fmt"

	"github.com/xyproto/forwardcom/internal/isa"
	"github.com/xyproto/forwardcom/internal/objfile"
)

// Interrupt codes. An interrupt stops the running thread immediately.
type Interrupt int

const (
	IntNone Interrupt = iota
	IntUnknownInstruction
	IntWrongParameters
	IntAccessRead
	IntAccessWrite
	IntAccessExec
	IntArrayBounds
	IntMisalignedMemory
	IntMisalignedJump
	IntCallStackOverflow
	IntCallStackUnderflow
	IntBreakpoint
	IntStepLimit
)

func (i Interrupt) String() string {
	switch i {
	case IntNone:
		return "none"
	case IntUnknownInstruction:
		return "unknown instruction"
	case IntWrongParameters:
		return "wrong parameters"
	case IntAccessRead:
		return "read access violation"
	case IntAccessWrite:
		return "write access violation"
	case IntAccessExec:
		return "execute access violation"
	case IntArrayBounds:
		return "array bounds"
	case IntMisalignedMemory:
		return "misaligned memory access"
	case IntMisalignedJump:
		return "misaligned jump target"
	case IntCallStackOverflow:
		return "call stack overflow"
	case IntCallStackUnderflow:
		return "call stack underflow"
	case IntBreakpoint:
		return "breakpoint"
	case IntStepLimit:
		return "step limit exceeded"
	default:
		return "unknown interrupt"
	}
}

// Counters are the performance counters bumped on every executed
// instruction.
type Counters struct {
	Instructions uint64
	IntOps       uint64
	FloatOps     uint64
	VectorOps    uint64
	MemOps       uint64
	JumpOps      uint64
}

const maxCallDepth = 1024

// Machine is one emulated thread: registers, the loaded memory image,
// and its permission map. The struct is prepared for future parallel
// threads (the image and map are immutable once built and safely
// shareable); the current build runs exactly one.
type Machine struct {
	tables *isa.Table

	memBase uint64
	mem     []byte
	mmap    *MemMap

	// Per-thread cached map indices: fetch, read-constant, read-write.
	cacheFetch, cacheRead, cacheWrite int

	gp   [isa.NumGP]uint64
	vec  [isa.NumVector][]byte
	vlen [isa.NumVector]int

	numcontr, threadp, datap uint64
	ip                       uint64

	callStack []uint64

	// StepLimit aborts the loop after this many instructions; zero
	// means unlimited.
	StepLimit uint64

	Perf Counters

	// Output collects bytes written through the write system call, in
	// place of real terminal I/O.
	Output []byte

	stopped    bool
	interrupt  Interrupt
	ExitStatus uint64
}

// New loads a linked executable into a fresh machine.
func New(exe *objfile.Module, tables *isa.Table) (*Machine, error) {
	if len(exe.Sections) == 0 {
		return nil, fmt.Errorf("emulator: executable has no sections")
	}
	lo, hi := ^uint64(0), uint64(0)
	for _, sec := range exe.Sections {
		if sec.Address < lo {
			lo = sec.Address
		}
		if end := sec.Address + uint64(len(sec.Data)); end > hi {
			hi = end
		}
	}
	m := &Machine{
		tables:  tables,
		memBase: lo,
		mem:     make([]byte, hi-lo),
		mmap:    buildMemMap(exe),
		ip:      exe.Header.Entry,
		datap:   exe.Header.DataPBase,
		threadp: exe.Header.ThreadPBase,
	}
	for _, sec := range exe.Sections {
		if sec.Type != objfile.SecNoBits {
			copy(m.mem[sec.Address-lo:], sec.Data)
		}
	}
	for i := range m.vec {
		m.vec[i] = make([]byte, isa.MaxVectorLength)
	}
	if stack, _ := exe.SectionByName("__stack"); stack != nil {
		m.gp[isa.RegIndexSP] = stack.Address + uint64(len(stack.Data))
	} else {
		m.gp[isa.RegIndexSP] = hi
	}
	return m, nil
}

// GP returns a general-purpose register's value (test hook).
func (m *Machine) GP(n int) uint64 { return m.gp[n] }

// SetGP sets a general-purpose register (test hook).
func (m *Machine) SetGP(n int, v uint64) { m.gp[n] = v }

// Vector returns the live bytes of a vector register up to its current
// logical length.
func (m *Machine) Vector(n int) []byte { return m.vec[n][:m.vlen[n]] }

// SetVector loads bytes into a vector register and sets its length.
func (m *Machine) SetVector(n int, data []byte) {
	copy(m.vec[n], data)
	m.vlen[n] = len(data)
	if m.vlen[n] > isa.MaxVectorLength {
		m.vlen[n] = isa.MaxVectorLength
	}
}

func (m *Machine) VectorLen(n int) int { return m.vlen[n] }

func (m *Machine) IP() uint64 { return m.ip }

// Peek reads memory without permission checks or interrupt side
// effects (debugger/test hook).
func (m *Machine) Peek(addr uint64, size int) (uint64, bool) {
	if addr < m.memBase || addr+uint64(size) > m.memBase+uint64(len(m.mem)) {
		return 0, false
	}
	var v uint64
	p := addr - m.memBase
	for i := 0; i < size; i++ {
		v |= uint64(m.mem[p+uint64(i)]) << (8 * uint(i))
	}
	return v, true
}

// Interrupted returns the interrupt that stopped the machine, if any.
func (m *Machine) Interrupted() Interrupt { return m.interrupt }

// Interrupt stops the thread with the given code.
func (m *Machine) Interrupt(code Interrupt) {
	m.interrupt = code
	m.stopped = true
}

// Stop ends execution normally (exit system call).
func (m *Machine) Stop(status uint64) {
	m.ExitStatus = status
	m.stopped = true
}

// Run executes until the program exits, an interrupt fires, or the
// step limit is reached.
func (m *Machine) Run() Interrupt {
	for !m.stopped {
		if m.StepLimit != 0 && m.Perf.Instructions >= m.StepLimit {
			m.Interrupt(IntStepLimit)
			break
		}
		m.Step()
	}
	return m.interrupt
}

// Step executes one instruction: fetch, decode, dispatch, writeback,
// counters.
func (m *Machine) Step() {
	if m.stopped {
		return
	}
	if m.ip%4 != 0 {
		m.Interrupt(IntMisalignedJump)
		return
	}
	if !m.mmap.Check(m.ip, 4, PermExec, &m.cacheFetch) {
		m.Interrupt(IntAccessExec)
		return
	}
	words := []uint32{m.word(m.ip)}
	f, err := isa.DecodeFirstWord(words[0])
	if err != nil {
		m.Interrupt(IntUnknownInstruction)
		return
	}
	for len(words) < f.Key.IL {
		next := m.ip + uint64(len(words))*4
		if !m.mmap.Check(next, 4, PermExec, &m.cacheFetch) {
			m.Interrupt(IntAccessExec)
			return
		}
		words = append(words, m.word(next))
	}
	dec, err := isa.Decode(words)
	if err != nil {
		m.Interrupt(IntUnknownInstruction)
		return
	}

	nextIP := m.ip + uint64(dec.Len())*4
	if dec.Format.Category == "jump" {
		m.execJump(dec, nextIP)
	} else {
		instr, ok := m.tables.ByID(dec.Op1)
		if !ok {
			m.Interrupt(IntUnknownInstruction)
			return
		}
		prevIP := m.ip
		m.execute(dec, instr)
		if !m.stopped && m.ip == prevIP {
			m.ip = nextIP // handlers that redirect control (return) keep their target
		}
	}
	if m.interrupt != IntNone {
		return
	}
	m.bumpCounters(dec)
}

func (m *Machine) bumpCounters(dec *isa.Decoded) {
	m.Perf.Instructions++
	switch dec.Format.Category {
	case "jump":
		m.Perf.JumpOps++
	case "mem":
		m.Perf.MemOps++
	case "vector":
		m.Perf.VectorOps++
	default:
		if isa.OTIsFloat(dec.OT) {
			m.Perf.FloatOps++
		} else {
			m.Perf.IntOps++
		}
	}
}

func (m *Machine) word(addr uint64) uint32 {
	p := addr - m.memBase
	return uint32(m.mem[p]) | uint32(m.mem[p+1])<<8 | uint32(m.mem[p+2])<<16 | uint32(m.mem[p+3])<<24
}

// readMem loads size bytes little-endian with a permission check.
func (m *Machine) readMem(addr uint64, size int) (uint64, bool) {
	if !m.mmap.Check(addr, uint64(size), PermRead, &m.cacheRead) {
		m.Interrupt(IntAccessRead)
		return 0, false
	}
	var v uint64
	p := addr - m.memBase
	for i := 0; i < size; i++ {
		v |= uint64(m.mem[p+uint64(i)]) << (8 * uint(i))
	}
	return v, true
}

func (m *Machine) writeMem(addr uint64, size int, v uint64) bool {
	if !m.mmap.Check(addr, uint64(size), PermWrite, &m.cacheWrite) {
		m.Interrupt(IntAccessWrite)
		return false
	}
	p := addr - m.memBase
	for i := 0; i < size; i++ {
		m.mem[p+uint64(i)] = byte(v >> (8 * uint(i)))
	}
	return true
}

func (m *Machine) readMemBytes(addr uint64, n int) ([]byte, bool) {
	if !m.mmap.Check(addr, uint64(n), PermRead, &m.cacheRead) {
		m.Interrupt(IntAccessRead)
		return nil, false
	}
	p := addr - m.memBase
	return m.mem[p : p+uint64(n)], true
}

func (m *Machine) writeMemBytes(addr uint64, data []byte) bool {
	if !m.mmap.Check(addr, uint64(len(data)), PermWrite, &m.cacheWrite) {
		m.Interrupt(IntAccessWrite)
		return false
	}
	copy(m.mem[addr-m.memBase:], data)
	return true
}

// effectiveAddress computes a memory operand's address from the
// decoded fields: GP base register plus offset, or DATAP-relative for
// the implicit-base format.
func (m *Machine) effectiveAddress(dec *isa.Decoded) uint64 {
	if dec.Format.BaseDATAP {
		return m.datap + uint64(dec.Addr)
	}
	return m.gp[dec.Rt] + uint64(dec.Addr)
}

// execJump evaluates a jump-category instruction. The condition tests
// RT against zero for the single-register submodes and RT against RS
// for the fused compare-and-branch; OPJ 62 is call-and-link, 63 is
// unconditional.
func (m *Machine) execJump(dec *isa.Decoded, nextIP uint64) {
	var a, b uint64
	if dec.Format.Operands.Has(isa.OpRT) {
		a = m.gp[dec.Rt]
	}
	if dec.Format.Operands.Has(isa.OpRS) {
		b = m.gp[dec.Rs]
	}
	target := uint64(int64(nextIP) + dec.JumpOffset*4)

	taken := false
	switch dec.OPJ {
	case 0: // equal
		taken = a == b
	case 1: // not equal
		taken = a != b
	case 2: // less, signed: also serves the sub-then-zero-test lowering
		taken = int64(a) < int64(b)
	case 3: // greater or equal, signed
		taken = int64(a) >= int64(b)
	case 62: // call
		if len(m.callStack) >= maxCallDepth {
			m.Interrupt(IntCallStackOverflow)
			return
		}
		m.callStack = append(m.callStack, nextIP)
		taken = true
	case 63: // always
		taken = true
	default:
		m.Interrupt(IntUnknownInstruction)
		return
	}

	if taken {
		if target%4 != 0 {
			m.Interrupt(IntMisalignedJump)
			return
		}
		m.ip = target
	} else {
		m.ip = nextIP
	}
}

package isa

// systemFunctions maps the names of the built-in system functions to
// their call IDs, used by the linker to resolve sysfunc/syscall
// relocations against extern declarations.
var systemFunctions = map[string]uint32{
	"_exit":        1,
	"_abort":       2,
	"_time":        3,
	"_read":        0x10,
	"_write":       0x11,
	"_open":        0x12,
	"_close":       0x13,
	"_seek":        0x14,
	"_brk":         0x20,
	"_mmap":        0x21,
	"_munmap":      0x22,
	"_thread_self": 0x30,
}

// SystemFunctionID resolves a system-function name to its ID.
func SystemFunctionID(name string) (uint32, bool) {
	id, ok := systemFunctions[name]
	return id, ok
}

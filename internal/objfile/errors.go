package objfile

import "fmt"

func errAlignNotPow2(v uint64) error {
	return fmt.Errorf("objfile: alignment %d is not a power of two", v)
}

func errAlignTooLarge(v uint64) error {
	return fmt.Errorf("objfile: alignment %d exceeds the 4096 cap", v)
}

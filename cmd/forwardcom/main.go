// Command forwardcom is the ForwardCom toolchain driver: assembler,
// disassembler, linker, relinker, library manager, emulator, and file
// dumper behind one executable.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/xyproto/env/v2"

	"github.com/xyproto/forwardcom/internal/diag"
	"github.com/xyproto/forwardcom/internal/isa"
	"github.com/xyproto/forwardcom/internal/objfile"
)

func main() {
	tables, err := isa.LoadBuiltinTable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "forwardcom: %v\n", err)
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:           "forwardcom",
		Short:         "ForwardCom instruction set toolchain",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		assCmd(tables),
		disCmd(tables),
		linkCmd(tables),
		relinkCmd(tables),
		libCmd(),
		emuCmd(tables),
		dumpCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "forwardcom: %v\n", err)
		os.Exit(1)
	}
}

// errorLimit is the diagnostic abort threshold, overridable through
// the environment.
func errorLimit() int {
	return env.Int("FORWARDCOM_ERROR_LIMIT", 50)
}

func reportDiags(bag *diag.Bag) {
	for _, d := range bag.Items() {
		fmt.Fprintln(os.Stderr, d)
	}
}

func readModule(path string) (*objfile.Module, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return objfile.Read(f)
}

func writeModule(mod *objfile.Module, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return mod.Write(f)
}

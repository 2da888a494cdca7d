package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/xyproto/env/v2"

	"github.com/xyproto/forwardcom/internal/assembler"
	"github.com/xyproto/forwardcom/internal/diag"
	"github.com/xyproto/forwardcom/internal/disasm"
	"github.com/xyproto/forwardcom/internal/emulator"
	"github.com/xyproto/forwardcom/internal/isa"
	"github.com/xyproto/forwardcom/internal/library"
	"github.com/xyproto/forwardcom/internal/linker"
	"github.com/xyproto/forwardcom/internal/objfile"
)

func assCmd(tables *isa.Table) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "ass <source.fc>",
		Short: "Assemble a source file into an object module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			ctx := assembler.NewContext(tables)
			ctx.Diags.Threshold = errorLimit()
			mod := assembler.AssembleInto(ctx, src, args[0])
			reportDiags(ctx.Diags)
			if ctx.Diags.HasErrors() {
				return fmt.Errorf("assembly of %s failed", args[0])
			}
			if out == "" {
				out = replaceExt(args[0], ".ob")
			}
			return writeModule(mod, out)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output object file")
	return cmd
}

func disCmd(tables *isa.Table) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "dis <file.ob|file.ex>",
		Short: "Disassemble an object module or executable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mod, err := readModule(args[0])
			if err != nil {
				return err
			}
			listing, warnings := disasm.New(mod, tables).Run()
			for _, w := range warnings {
				fmt.Fprintf(os.Stderr, "warning: %s\n", w)
			}
			if out == "" {
				fmt.Print(listing)
				return nil
			}
			return os.WriteFile(out, []byte(listing), 0o644)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "list file (default stdout)")
	return cmd
}

func linkCmd(tables *isa.Table) *cobra.Command {
	var out, entry string
	var stack, heap uint64
	var incomplete, relinkable bool
	cmd := &cobra.Command{
		Use:   "link <module.ob|lib.li>...",
		Short: "Link object modules and libraries into an executable",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inputs, libs, err := loadLinkInputs(args)
			if err != nil {
				return err
			}
			bag := diag.NewBag(errorLimit())
			exe, err := linker.Link(inputs, libs, linker.Options{
				StackSize: stack, HeapSize: heap, EntrySymbol: entry,
				Incomplete: incomplete, Relinkable: relinkable, Tables: tables,
			}, bag)
			reportDiags(bag)
			if err != nil {
				return err
			}
			return writeModule(exe, out)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "a.ex", "output executable")
	cmd.Flags().StringVar(&entry, "entry", "main", "entry symbol")
	cmd.Flags().Uint64Var(&stack, "stack", 0, "stack size (bytes)")
	cmd.Flags().Uint64Var(&heap, "heap", 0, "heap size (bytes)")
	cmd.Flags().BoolVar(&incomplete, "incomplete", false, "permit unresolved symbols")
	cmd.Flags().BoolVar(&relinkable, "relink", false, "emit a relinkable executable")
	return cmd
}

func relinkCmd(tables *isa.Table) *cobra.Command {
	var out, entry string
	var remove, replace, add []string
	cmd := &cobra.Command{
		Use:   "relink <old.ex>",
		Short: "Split a relinkable executable, swap modules, and relink",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exe, err := readModule(args[0])
			if err != nil {
				return err
			}
			cmds := linker.RelinkCommands{Remove: remove}
			for _, path := range replace {
				mod, err := readModule(path)
				if err != nil {
					return err
				}
				cmds.Replace = append(cmds.Replace, linker.Input{Name: filepath.Base(path), Mod: mod})
			}
			for _, path := range add {
				mod, err := readModule(path)
				if err != nil {
					return err
				}
				cmds.Add = append(cmds.Add, linker.Input{Name: filepath.Base(path), Mod: mod})
			}
			bag := diag.NewBag(errorLimit())
			newExe, err := linker.Relink(exe, cmds, nil, linker.Options{EntrySymbol: entry, Tables: tables}, bag)
			reportDiags(bag)
			if err != nil {
				return err
			}
			return writeModule(newExe, out)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "a.ex", "output executable")
	cmd.Flags().StringVar(&entry, "entry", "main", "entry symbol")
	cmd.Flags().StringArrayVar(&remove, "remove", nil, "module to remove")
	cmd.Flags().StringArrayVar(&replace, "replace", nil, "replacement module file")
	cmd.Flags().StringArrayVar(&add, "add", nil, "module file to add")
	return cmd
}

func libCmd() *cobra.Command {
	var add, del, extract []string
	var list bool
	cmd := &cobra.Command{
		Use:   "lib <archive.li>",
		Short: "Create or maintain a static library",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			lib := &library.Library{}
			if data, err := os.ReadFile(path); err == nil {
				if lib, err = library.Load(strings.NewReader(string(data))); err != nil {
					return err
				}
			}
			seen := make(map[string]bool)
			for _, p := range add {
				name := filepath.Base(p)
				if seen[name] {
					return fmt.Errorf("lib: %q named twice on the command line", name)
				}
				seen[name] = true
				data, err := os.ReadFile(p)
				if err != nil {
					return err
				}
				if err := lib.Add(name, data, true); err != nil {
					return err
				}
			}
			for _, n := range del {
				if err := lib.Delete(n); err != nil {
					return err
				}
			}
			for _, n := range extract {
				data, err := lib.Extract(n)
				if err != nil {
					return err
				}
				if err := os.WriteFile(n, data, 0o644); err != nil {
					return err
				}
			}
			if list {
				idx, err := lib.Index()
				if err != nil {
					return err
				}
				for _, name := range lib.List() {
					fmt.Println(name)
				}
				for _, e := range idx {
					fmt.Printf("  %s -> %s\n", e.Name, lib.Members[e.Member].Name)
				}
				return nil
			}
			f, err := os.Create(path)
			if err != nil {
				return err
			}
			defer f.Close()
			return lib.Write(f)
		},
	}
	cmd.Flags().StringArrayVar(&add, "add", nil, "object file to add or replace")
	cmd.Flags().StringArrayVar(&del, "delete", nil, "member to delete")
	cmd.Flags().StringArrayVar(&extract, "extract", nil, "member to extract")
	cmd.Flags().BoolVar(&list, "list", false, "list members and symbol index")
	return cmd
}

func emuCmd(tables *isa.Table) *cobra.Command {
	var steps uint64
	cmd := &cobra.Command{
		Use:   "emu <program.ex>",
		Short: "Run an executable in the interpreting emulator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exe, err := readModule(args[0])
			if err != nil {
				return err
			}
			m, err := emulator.New(exe, tables)
			if err != nil {
				return err
			}
			m.StepLimit = steps
			if code := m.Run(); code != emulator.IntNone {
				return fmt.Errorf("emu: interrupt: %s at ip=%#x", code, m.IP())
			}
			os.Stdout.Write(m.Output)
			fmt.Fprintf(os.Stderr, "exit status %d after %d instructions\n",
				m.ExitStatus, m.Perf.Instructions)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&steps, "steps", uint64(env.Int("FORWARDCOM_STEP_LIMIT", 0)), "instruction step limit (0 = unlimited)")
	return cmd
}

func dumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump <file.ob|file.ex>",
		Short: "Print a file's header, section, symbol, and relocation tables",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mod, err := readModule(args[0])
			if err != nil {
				return err
			}
			dumpModule(os.Stdout, mod)
			return nil
		},
	}
}

// loadLinkInputs separates object modules from libraries by content.
func loadLinkInputs(paths []string) ([]linker.Input, []linker.NamedLibrary, error) {
	var inputs []linker.Input
	var libs []linker.NamedLibrary
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, nil, err
		}
		if strings.HasPrefix(string(data), library.Signature) {
			lib, err := library.Load(strings.NewReader(string(data)))
			if err != nil {
				return nil, nil, err
			}
			libs = append(libs, linker.NamedLibrary{Name: filepath.Base(p), Lib: lib})
			continue
		}
		mod, err := objfile.Read(strings.NewReader(string(data)))
		if err != nil {
			return nil, nil, err
		}
		inputs = append(inputs, linker.Input{Name: filepath.Base(p), Mod: mod})
	}
	return inputs, libs, nil
}

func replaceExt(path, ext string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ext
}

package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/chazu/quill/compiler/hash"
	"github.com/chazu/quill/manifest"
	"github.com/chazu/quill/store"
	"github.com/chazu/quill/vm"
)

// defaultStorePath is used when quill.toml names no store.
const defaultStorePath = ".quill/assemblies.db"

// handleStoreCommand processes the `quill store` subcommand.
// Usage:
//
//	quill store put [-O level] <template>...   # compile and store
//	quill store get [-o out.qasm] <name>       # write or disassemble
//	quill store ls                             # list stored assemblies
//	quill store rm <name>...                   # delete
func handleStoreCommand(m *manifest.Manifest, args []string) {
	if len(args) == 0 {
		fatalf("usage: quill store put|get|ls|rm ...")
	}

	path := m.StorePath()
	if path == "" {
		path = filepath.Join(m.Dir, defaultStorePath)
	}
	s, err := store.Open(path)
	if err != nil {
		fatalf("%v", err)
	}
	defer s.Close()

	sub, rest := args[0], args[1:]
	switch sub {
	case "put":
		err = storePut(m, s, rest)
	case "get":
		err = storeGet(s, rest)
	case "ls":
		err = storeList(os.Stdout, s)
	case "rm":
		err = storeRemove(s, rest)
	default:
		err = fmt.Errorf("unknown store command %q", sub)
	}
	if err != nil {
		s.Close()
		fatalf("%v", err)
	}
}

func storePut(m *manifest.Manifest, s *store.Store, args []string) error {
	fs := flag.NewFlagSet("store put", flag.ExitOnError)
	level := fs.String("O", m.Engine.Optimize, "Optimization level: none, callsite or all")
	fs.Parse(args)
	if fs.NArg() == 0 {
		return errors.New("usage: quill store put [-O level] <template>...")
	}
	lvl := optimizeLevel(*level)

	for _, target := range fs.Args() {
		tpl, source := compileTarget(m, target, lvl)
		rec, err := s.Put(storeName(target), hash.SourceHex(source), tpl.Assembly())
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Stored %s as %s (%d bytes)\n", rec.Name, rec.ID, rec.Size)
	}
	return nil
}

func storeGet(s *store.Store, args []string) error {
	fs := flag.NewFlagSet("store get", flag.ExitOnError)
	output := fs.String("o", "", "Write the assembly to this file instead of disassembling it")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: quill store get [-o out.qasm] <name>")
	}

	asm, _, err := s.Get(fs.Arg(0))
	if err != nil {
		return err
	}
	if *output == "" {
		fmt.Print(vm.Disassemble(asm))
		return nil
	}
	data, err := asm.MarshalBinary()
	if err != nil {
		return err
	}
	return os.WriteFile(*output, data, 0o644)
}

func storeList(w io.Writer, s *store.Store) error {
	recs, err := s.List()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tLEVEL\tSIZE\tSOURCE\tCREATED")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%.12s\t%s\n", r.Name, r.Level, r.Size, r.SourceHash, r.Created.Format(time.DateTime))
	}
	return tw.Flush()
}

func storeRemove(s *store.Store, names []string) error {
	if len(names) == 0 {
		return errors.New("usage: quill store rm <name>...")
	}
	for _, name := range names {
		if err := s.Delete(name); err != nil {
			return err
		}
	}
	return nil
}

// storeName is the key a template is stored under: the loader name the
// engine renders it by, or the base name of a file.
func storeName(target string) string {
	if isFile(target) {
		return filepath.Base(target)
	}
	return target
}

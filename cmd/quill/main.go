// Quill CLI - renders, compiles and inspects Quill templates
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/chazu/quill"
	"github.com/chazu/quill/diag"
	"github.com/chazu/quill/env"
	"github.com/chazu/quill/manifest"
	"github.com/chazu/quill/server"
	"github.com/chazu/quill/vm"

	_ "github.com/tliron/commonlog/simple"
)

// assemblyExt marks serialized assemblies on the command line.
const assemblyExt = ".qasm"

func main() {
	verbosity := flag.Int("v", -1, "Log verbosity, 0-2 (default from quill.toml)")
	logFile := flag.String("log", "", "Log file (default stderr)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: quill [options] <command> [arguments]\n\n")
		fmt.Fprintf(os.Stderr, "Renders, compiles and inspects Quill templates. Settings come from the\n")
		fmt.Fprintf(os.Stderr, "nearest quill.toml, if any.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nCommands:\n")
		fmt.Fprintf(os.Stderr, "  run [-env vars.yaml] [-interpret] [-O level] <template|file.qasm>\n")
		fmt.Fprintf(os.Stderr, "  compile [-O level] [-o out.qasm] <template>\n")
		fmt.Fprintf(os.Stderr, "  disasm [-O level] <template|file.qasm>\n")
		fmt.Fprintf(os.Stderr, "  store put|get|ls|rm ...\n")
		fmt.Fprintf(os.Stderr, "  lsp\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  quill run -env data.yaml page.qt       # Render page.qt to stdout\n")
		fmt.Fprintf(os.Stderr, "  quill compile -O callsite page.qt      # Write page.qasm\n")
		fmt.Fprintf(os.Stderr, "  quill run -env data.toml page.qasm     # Render a precompiled template\n")
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	m, err := loadManifest()
	if err != nil {
		fatalf("loading manifest: %v", err)
	}
	configureLogging(m, *verbosity, *logFile)

	switch args[0] {
	case "run":
		handleRunCommand(m, args[1:])
	case "compile":
		handleCompileCommand(m, args[1:])
	case "disasm":
		handleDisasmCommand(m, args[1:])
	case "store":
		handleStoreCommand(m, args[1:])
	case "lsp":
		handleLSPCommand(m)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", args[0])
		flag.Usage()
		os.Exit(2)
	}
}

// loadManifest finds the nearest quill.toml, falling back to defaults rooted
// at the working directory.
func loadManifest() (*manifest.Manifest, error) {
	m, err := manifest.FindAndLoad(".")
	if err != nil || m != nil {
		return m, err
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return manifest.Default(wd), nil
}

func configureLogging(m *manifest.Manifest, verbosity int, file string) {
	if verbosity < 0 {
		verbosity = m.Log.Verbosity
	}
	if file == "" {
		file = m.LogFile()
	}
	if file == "" {
		commonlog.Configure(verbosity, nil)
	} else {
		commonlog.Configure(verbosity, &file)
	}
}

// handleRunCommand processes the `quill run` subcommand.
func handleRunCommand(m *manifest.Manifest, args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	envFile := fs.String("env", "", "YAML, JSON or TOML file with template variables")
	interpret := fs.Bool("interpret", m.Interpret(), "Use the tree-walking interpreter")
	level := fs.String("O", m.Engine.Optimize, "Optimization level: none, callsite or all")
	fs.Parse(args)
	if fs.NArg() != 1 {
		fatalf("usage: quill run [-env file] [-interpret] [-O level] <template|file.qasm>")
	}
	target := fs.Arg(0)

	vars := env.New(nil)
	if *envFile != "" {
		var err error
		if vars, err = env.LoadFile(*envFile, nil); err != nil {
			fatalf("%v", err)
		}
	}

	m.Engine.Optimize = *level
	if *interpret {
		m.Engine.Strategy = manifest.StrategyInterpret
	}
	engine := newEngine(m)
	defer engine.Close()

	var (
		out   string
		diags diag.List
	)
	switch {
	case isAssembly(target):
		tpl := readAssembly(target, engine)
		out, diags = tpl.Execute(vars)
	case isFile(target):
		source := readFile(target)
		if *interpret {
			out, diags = quill.ImmediateApply(vars, source, quill.WithLoader(engine.Loader()))
		} else {
			out, diags = quill.CompileAndRun(target, source, vars, quill.WithOptimize(optimizeLevel(*level)), quill.WithLoader(engine.Loader()))
		}
	default:
		out, diags = engine.Render(target, vars)
	}

	io.WriteString(os.Stdout, out)
	exitOnErrors(target, diags)
}

// handleCompileCommand processes the `quill compile` subcommand.
func handleCompileCommand(m *manifest.Manifest, args []string) {
	fs := flag.NewFlagSet("compile", flag.ExitOnError)
	level := fs.String("O", m.Engine.Optimize, "Optimization level: none, callsite or all")
	output := fs.String("o", "", "Output file (default <template>"+assemblyExt+")")
	fs.Parse(args)
	if fs.NArg() != 1 {
		fatalf("usage: quill compile [-O level] [-o out%s] <template>", assemblyExt)
	}
	target := fs.Arg(0)

	tpl, _ := compileTarget(m, target, optimizeLevel(*level))
	path := *output
	if path == "" {
		path = outputName(target)
	}

	f, err := os.Create(path)
	if err != nil {
		fatalf("%v", err)
	}
	if err := tpl.Assembly().Write(f); err != nil {
		f.Close()
		fatalf("writing %s: %v", path, err)
	}
	if err := f.Close(); err != nil {
		fatalf("writing %s: %v", path, err)
	}
	fmt.Fprintf(os.Stderr, "Wrote %s (optimize=%s)\n", path, tpl.Assembly().Level)
}

// handleDisasmCommand processes the `quill disasm` subcommand.
func handleDisasmCommand(m *manifest.Manifest, args []string) {
	fs := flag.NewFlagSet("disasm", flag.ExitOnError)
	level := fs.String("O", m.Engine.Optimize, "Optimization level when compiling a template")
	fs.Parse(args)
	if fs.NArg() != 1 {
		fatalf("usage: quill disasm [-O level] <template|file%s>", assemblyExt)
	}
	target := fs.Arg(0)

	var asm *vm.Assembly
	if isAssembly(target) {
		f, err := os.Open(target)
		if err != nil {
			fatalf("%v", err)
		}
		defer f.Close()
		if asm, err = vm.ReadAssembly(f); err != nil {
			fatalf("reading %s: %v", target, err)
		}
	} else {
		tpl, _ := compileTarget(m, target, optimizeLevel(*level))
		asm = tpl.Assembly()
	}
	fmt.Print(vm.Disassemble(asm))
}

// handleLSPCommand runs the language server on stdio.
func handleLSPCommand(m *manifest.Manifest) {
	level, err := m.OptimizeLevel()
	if err != nil {
		fatalf("%v", err)
	}
	if err := server.NewLSP(level).Run(); err != nil {
		fatalf("language server: %v", err)
	}
}

// compileTarget compiles a template file, or a template name served by the
// manifest's loader. It returns the source with the template.
func compileTarget(m *manifest.Manifest, target string, level vm.OptimizeLevel) (*quill.Template, string) {
	engine := newEngine(m)
	defer engine.Close()

	var source string
	if isFile(target) {
		source = readFile(target)
	} else {
		text, err := engine.Loader().Load(target)
		if err != nil {
			fatalf("%v", err)
		}
		source = text
	}
	tpl, diags := quill.Compile(filepath.Base(target), source, quill.WithOptimize(level), quill.WithLoader(engine.Loader()))
	printDiagnostics(os.Stderr, target, diags)
	if tpl == nil {
		os.Exit(1)
	}
	return tpl, source
}

func newEngine(m *manifest.Manifest) *quill.Engine {
	if err := m.Validate(); err != nil {
		fatalf("%v", err)
	}
	engine, err := quill.NewEngineFromManifest(m)
	if err != nil {
		fatalf("%v", err)
	}
	return engine
}

func readAssembly(path string, engine *quill.Engine) *quill.Template {
	f, err := os.Open(path)
	if err != nil {
		fatalf("%v", err)
	}
	defer f.Close()
	tpl, err := quill.LoadTemplate(f, quill.WithLoader(engine.Loader()))
	if err != nil {
		fatalf("reading %s: %v", path, err)
	}
	return tpl
}

func readFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		fatalf("%v", err)
	}
	return string(data)
}

func optimizeLevel(s string) vm.OptimizeLevel {
	level, err := vm.ParseOptimizeLevel(s)
	if err != nil {
		fatalf("%v", err)
	}
	return level
}

func isAssembly(path string) bool {
	return strings.EqualFold(filepath.Ext(path), assemblyExt)
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// outputName replaces the template's extension with assemblyExt.
func outputName(target string) string {
	return strings.TrimSuffix(target, filepath.Ext(target)) + assemblyExt
}

func printDiagnostics(w io.Writer, name string, diags diag.List) {
	for _, d := range diags {
		fmt.Fprintf(w, "%s:%s\n", name, d)
	}
}

func exitOnErrors(name string, diags diag.List) {
	printDiagnostics(os.Stderr, name, diags)
	if diags.HasErrors() {
		os.Exit(1)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

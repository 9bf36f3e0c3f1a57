/*
 * classdeobf - a static deobfuscation engine for compiled bytecode archives
 * Licensed under the Mozilla Public License 2.0 (MPL-2.0)
 */

// Command classdeobf is a thin CLI over the pass package: it loads a
// directory of .class files into the map[string][]byte §6 specifies,
// runs a selection of registered passes, prints a run report, and
// writes the (possibly rewritten) classes back out.
package main

import (
	_ "embed"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jacobin-tools/classdeobf/loader"
	"github.com/jacobin-tools/classdeobf/pass"
	_ "github.com/jacobin-tools/classdeobf/passes/cleaning"
	_ "github.com/jacobin-tools/classdeobf/passes/generic"
	_ "github.com/jacobin-tools/classdeobf/passes/zkm"
	"github.com/jacobin-tools/classdeobf/report"
	"github.com/jacobin-tools/classdeobf/trace"
	"github.com/jacobin-tools/classdeobf/universe"
)

//go:embed passes.yaml
var catalogYAML []byte

const version = "0.1.0"

type catalogEntry struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description"`
}

type catalog struct {
	Passes []catalogEntry `yaml:"passes"`
}

type config struct {
	in      string
	out     string
	passes  string // comma-separated ids, or "all"
	verbose bool
	list    bool
	help    bool
	version bool
}

func main() {
	cfg, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if cfg.help {
		showUsage()
		return
	}
	if cfg.version {
		fmt.Printf("classdeobf v.%s\n", version)
		return
	}
	if cfg.list {
		if err := showCatalog(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	trace.Verbose = cfg.verbose
	if cfg.in == "" {
		fmt.Fprintln(os.Stderr, "classdeobf: -in is required (see -help)")
		os.Exit(2)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, "classdeobf:", err)
		os.Exit(1)
	}
}

func parseArgs(args []string) (*config, error) {
	cfg := &config{passes: "all"}
	for i := 0; i < len(args); i++ {
		switch a := args[i]; a {
		case "-help", "--help", "-h":
			cfg.help = true
		case "-showversion", "-version", "--version":
			cfg.version = true
		case "-list":
			cfg.list = true
		case "-verbose", "-v":
			cfg.verbose = true
		case "-in":
			i++
			if i >= len(args) {
				return nil, fmt.Errorf("classdeobf: -in requires an argument")
			}
			cfg.in = args[i]
		case "-out":
			i++
			if i >= len(args) {
				return nil, fmt.Errorf("classdeobf: -out requires an argument")
			}
			cfg.out = args[i]
		case "-passes":
			i++
			if i >= len(args) {
				return nil, fmt.Errorf("classdeobf: -passes requires an argument")
			}
			cfg.passes = args[i]
		default:
			return nil, fmt.Errorf("classdeobf: unrecognized option %q (see -help)", a)
		}
	}
	return cfg, nil
}

func showUsage() {
	fmt.Fprintln(os.Stderr, `Usage: classdeobf -in <dir> [options]

where options include:
  -in <dir>        directory of .class files to deobfuscate (required)
  -out <dir>       directory to write rewritten .class files into (optional)
  -passes <ids>    comma-separated pass ids to run, or "all" (default "all")
  -list            print the pass catalog and exit
  -verbose         enable trace-level logging
  -showversion     print the version and exit
  -help            print this message and exit`)
}

func showCatalog() error {
	var cat catalog
	if err := yaml.Unmarshal(catalogYAML, &cat); err != nil {
		return fmt.Errorf("classdeobf: decoding bundled pass catalog: %w", err)
	}
	descriptions := make(map[string]string, len(cat.Passes))
	for _, e := range cat.Passes {
		descriptions[e.ID] = e.Description
	}
	for _, md := range pass.ListPasses() {
		desc := descriptions[md.ID]
		if desc == "" {
			desc = md.Description
		}
		fmt.Printf("%-34s %s\n", md.ID, desc)
	}
	return nil
}

func run(cfg *config) error {
	files, err := readClassDir(cfg.in)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no .class files found under %s", cfg.in)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	u, err := loader.Load(ctx, files)
	if err != nil {
		return fmt.Errorf("loading classes: %w", err)
	}

	selection := resolveSelection(cfg.passes)
	start := time.Now()
	sum, err := pass.RunPipeline(ctx, u, selection, cfg.verbose)
	if err != nil {
		return fmt.Errorf("pipeline cancelled after %s: %w", time.Since(start), err)
	}

	fmt.Print(report.Build(sum, u).String())

	if cfg.out == "" {
		return nil
	}
	return writeClassDir(cfg.out, u)
}

func resolveSelection(spec string) []string {
	if spec == "all" || spec == "" {
		md := pass.ListPasses()
		ids := make([]string, len(md))
		for i, m := range md {
			ids[i] = m.ID
		}
		return ids
	}
	parts := strings.Split(spec, ",")
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			ids = append(ids, p)
		}
	}
	return ids
}

func readClassDir(dir string) (map[string][]byte, error) {
	files := map[string][]byte{}
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".class") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			rel = path
		}
		files[rel] = data
		return nil
	})
	return files, err
}

// writeClassDir re-encodes every class still in u and writes it under
// dir, one file per internal class name (with '/' translated to the
// platform separator), per §6's "receives the mutated map back"
// contract realized as a directory instead of an in-memory map.
func writeClassDir(dir string, u *universe.Universe) error {
	for _, name := range u.Names() {
		c := u.Get(name)
		if c == nil {
			continue
		}
		data, err := loader.WriteClass(c.Node)
		if err != nil {
			trace.Errorf("writing %s: %v", name, err)
			continue
		}
		path := filepath.Join(dir, filepath.FromSlash(name)+".class")
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
	}
	return nil
}

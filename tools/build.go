///usr/bin/true; exec /usr/bin/env go run "$0" "$@"

package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

const PACKAGE_NAME = "github.com/tinyrange/dlbridge"

// ============================================================================
// Targets
// ============================================================================

type crossBuild struct {
	GOOS   string
	GOARCH string
}

func (cb crossBuild) IsNative() bool {
	return cb.GOOS == runtime.GOOS && cb.GOARCH == runtime.GOARCH
}

func (cb crossBuild) OutputName(name string) string {
	if cb.IsNative() {
		return name
	}
	return fmt.Sprintf("%s_%s_%s", name, cb.GOOS, cb.GOARCH)
}

type buildOptions struct {
	Package     string
	OutputName  string
	OutputDir   string
	Build       crossBuild
	RaceEnabled bool
	Version     string
}

type buildOutput struct {
	Path string
}

// target is one named step. deps run first, each at most once.
type target struct {
	desc string
	deps []string
	run  func(b *builder) error
}

type builder struct {
	build   crossBuild
	outDir  string
	race    bool
	dryRun  bool
	version string
	extra   []string
	done    map[string]bool
	built   map[string]buildOutput
}

var targets = map[string]target{
	"dlbridge": {
		desc: "build the dlbridge CLI",
		run: func(b *builder) error {
			return b.goBuild("cmd/dlbridge", "dlbridge")
		},
	},
	"helper": {
		desc: "build the dlbridge-helper process",
		run: func(b *builder) error {
			return b.goBuild("cmd/dlbridge-helper", "dlbridge-helper")
		},
	},
	"default": {
		desc: "build every binary",
		deps: []string{"dlbridge", "helper"},
	},
	"fixture": {
		desc: "compile the native test library into the output directory",
		run: func(b *builder) error {
			out := filepath.Join(b.outDir, "libtestlib"+sharedExt(b.build.GOOS))
			return b.exec(nil, "cc", "-shared", "-fPIC", "-o", out, filepath.Join("internal", "api", "testdata", "testlib.c"))
		},
	},
	"test": {
		desc: "run the test suite (arguments after -- go to go test)",
		deps: []string{"helper"},
		run: func(b *builder) error {
			helper, err := filepath.Abs(b.built["helper"].Path)
			if err != nil {
				return err
			}
			args := []string{"go", "test"}
			if b.race {
				args = append(args, "-race")
			}
			args = append(args, b.extra...)
			args = append(args, "./...")
			return b.exec([]string{"DLBRIDGE_HELPER_PATH=" + helper}, args...)
		},
	},
	"install": {
		desc: "copy dlbridge-helper to the per-user helper directory",
		deps: []string{"helper"},
		run: func(b *builder) error {
			dir, err := helperInstallDir()
			if err != nil {
				return err
			}
			dst := filepath.Join(dir, "dlbridge-helper")
			fmt.Printf("install %s -> %s\n", b.built["helper"].Path, dst)
			if b.dryRun {
				return nil
			}
			return copyFile(dst, b.built["helper"].Path, 0755)
		},
	},
}

func (b *builder) Run(name string) error {
	t, ok := targets[name]
	if !ok {
		return fmt.Errorf("target %q not found", name)
	}
	if b.done[name] {
		return nil
	}
	b.done[name] = true
	for _, dep := range t.deps {
		if err := b.Run(dep); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if t.run == nil {
		return nil
	}
	fmt.Printf("==> %s\n", name)
	return t.run(b)
}

func (b *builder) goBuild(pkg, name string) error {
	out, err := goBuild(buildOptions{
		Package:     pkg,
		OutputName:  name,
		OutputDir:   b.outDir,
		Build:       b.build,
		RaceEnabled: b.race,
		Version:     b.version,
	}, b.dryRun)
	if err != nil {
		return err
	}
	b.built[targetFor(pkg)] = out
	return nil
}

func targetFor(pkg string) string {
	if pkg == "cmd/dlbridge-helper" {
		return "helper"
	}
	return filepath.Base(pkg)
}

func (b *builder) exec(env []string, args ...string) error {
	fmt.Println(strings.Join(args, " "))
	if b.dryRun {
		return nil
	}
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s failed: %w", args[0], err)
	}
	return nil
}

// ============================================================================
// Build System Core
// ============================================================================

func goBuild(opts buildOptions, dryRun bool) (buildOutput, error) {
	outputDir := "build"
	if opts.OutputDir != "" {
		outputDir = opts.OutputDir
	}
	output := filepath.Join(outputDir, opts.Build.OutputName(opts.OutputName))

	if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
		return buildOutput{}, fmt.Errorf("failed to create build directory: %w", err)
	}

	// The race detector requires cgo.
	env := os.Environ()
	env = append(env, "GOOS="+opts.Build.GOOS, "GOARCH="+opts.Build.GOARCH)
	if opts.RaceEnabled {
		env = append(env, "CGO_ENABLED=1")
	} else {
		env = append(env, "CGO_ENABLED=0")
	}

	args := []string{"go", "build", "-o", output}
	if opts.RaceEnabled {
		args = append(args, "-race")
	}
	if opts.Version != "" {
		args = append(args, fmt.Sprintf("-ldflags=-X main.Version=%s", opts.Version))
	}
	args = append(args, PACKAGE_NAME+"/"+opts.Package)

	fmt.Println(strings.Join(args, " "))
	if dryRun {
		return buildOutput{Path: output}, nil
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Env = env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return buildOutput{}, fmt.Errorf("go build failed: %w", err)
	}
	return buildOutput{Path: output}, nil
}

func sharedExt(goos string) string {
	if goos == "darwin" {
		return ".dylib"
	}
	return ".so"
}

// helperInstallDir mirrors the per-user directory searched for the helper.
func helperInstallDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "dlbridge", "bin"), nil
	}
	return filepath.Join(home, ".local", "share", "dlbridge", "bin"), nil
}

func copyFile(dstPath, srcPath string, perm os.FileMode) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open src: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return fmt.Errorf("mkdir dst dir: %w", err)
	}

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return fmt.Errorf("open dst: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	return nil
}

func getVersionFromGit() string {
	if ref := os.Getenv("GITHUB_REF_NAME"); ref != "" && strings.HasPrefix(ref, "v") {
		return ref
	}

	cmd := exec.Command("git", "describe", "--tags", "--always")
	out, err := cmd.Output()
	if err == nil {
		version := strings.TrimSpace(string(out))
		if version != "" {
			return version
		}
	}

	return "dev"
}

// ============================================================================
// CLI Interface
// ============================================================================

func main() {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	goos := fs.String("os", runtime.GOOS, "target GOOS")
	goarch := fs.String("arch", runtime.GOARCH, "target GOARCH")
	outDir := fs.String("o", "build", "output directory")
	race := fs.Bool("race", false, "enable the race detector")
	dryRun := fs.Bool("dry-run", false, "show what would be done without executing")
	list := fs.Bool("list", false, "list all available targets")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] [target] [-- args...]\n\nOptions:\n", os.Args[0])
		fs.PrintDefaults()
	}

	args := os.Args[1:]
	var extra []string
	for i, a := range args {
		if a == "--" {
			args, extra = args[:i], args[i+1:]
			break
		}
	}
	fs.Parse(args)

	if *list {
		var names []string
		for name := range targets {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Println("Available targets:")
		for _, name := range names {
			t := targets[name]
			deps := ""
			if len(t.deps) > 0 {
				deps = fmt.Sprintf(" <- %s", strings.Join(t.deps, ", "))
			}
			fmt.Printf("  %-10s %s%s\n", name, t.desc, deps)
		}
		return
	}

	name := "default"
	if fs.NArg() > 1 {
		fs.Usage()
		os.Exit(1)
	} else if fs.NArg() == 1 {
		name = fs.Arg(0)
	}

	b := &builder{
		build:   crossBuild{GOOS: *goos, GOARCH: *goarch},
		outDir:  *outDir,
		race:    *race,
		dryRun:  *dryRun,
		version: getVersionFromGit(),
		extra:   extra,
		done:    make(map[string]bool),
		built:   make(map[string]buildOutput),
	}
	if err := b.Run(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

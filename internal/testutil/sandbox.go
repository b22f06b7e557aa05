package testutil

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cruciblehq/cruxflow/internal/runtime"
)

// Runs commands in-process.
//
// Supported commands: echo [-n], true, false, exit CODE, cat [FILE...],
// write FILE TEXT, append FILE TEXT, mkdir [-p] DIR, rm [-rf] PATH, ls [DIR],
// grep [-r|-R] PATTERN PATH, pwd, env, sleep SECONDS and sh -c SCRIPT for
// scripts of commands joined by "&&". Paths resolve against
// the working directory, through bind mounts, onto the host rootfs.
// Anything else exits with code 127.
type Sandbox struct {
	mu    sync.Mutex
	specs []runtime.Spec // Specs of every command run, in order.
}

// Creates a sandbox.
func NewSandbox() *Sandbox {
	return &Sandbox{}
}

// Returns the number of commands run so far.
func (sb *Sandbox) Calls() int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return len(sb.specs)
}

// Returns how often a command starting with args ran.
func (sb *Sandbox) CallsOf(args ...string) int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	n := 0
	for _, s := range sb.specs {
		if len(s.Args) >= len(args) && slices.Equal(s.Args[:len(args)], args) {
			n++
		}
	}
	return n
}

// Runs a command and returns its exit code.
func (sb *Sandbox) Run(ctx context.Context, spec *runtime.Spec, stdout, stderr io.Writer) (int, error) {
	if err := spec.Validate(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	sb.mu.Lock()
	sb.specs = append(sb.specs, *spec)
	sb.mu.Unlock()

	p := &process{spec: spec, stdout: stdout, stderr: stderr}
	if err := os.MkdirAll(p.host(p.workdir()), 0755); err != nil {
		return 0, err
	}
	return p.exec(ctx, spec.Args)
}

// One command being interpreted.
type process struct {
	spec   *runtime.Spec
	stdout io.Writer
	stderr io.Writer
}

func (p *process) exec(ctx context.Context, args []string) (int, error) {
	switch args[0] {
	case "true":
		return 0, nil
	case "false":
		return 1, nil
	case "exit":
		if len(args) < 2 {
			return 0, nil
		}
		code, err := strconv.Atoi(args[1])
		if err != nil {
			return p.fail(2, "exit: %s: numeric argument required", args[1])
		}
		return code, nil
	case "echo":
		return p.echo(args[1:])
	case "cat":
		return p.cat(args[1:])
	case "write", "append":
		return p.write(args[0] == "append", args[1:])
	case "mkdir":
		return p.mkdir(args[1:])
	case "rm":
		return p.rm(args[1:])
	case "ls":
		return p.ls(args[1:])
	case "grep":
		return p.grep(args[1:])
	case "pwd":
		fmt.Fprintln(p.stdout, p.workdir())
		return 0, nil
	case "env":
		env := slices.Clone(p.spec.Env)
		slices.Sort(env)
		for _, kv := range env {
			fmt.Fprintln(p.stdout, kv)
		}
		return 0, nil
	case "sleep":
		return p.sleep(ctx, args[1:])
	case "sh", "/bin/sh", "/bin/bash":
		return p.shell(ctx, args[1:])
	default:
		return p.fail(127, "%s: command not found", args[0])
	}
}

func (p *process) echo(args []string) (int, error) {
	newline := true
	if len(args) > 0 && args[0] == "-n" {
		newline = false
		args = args[1:]
	}
	out := strings.Join(args, " ")
	if newline {
		out += "\n"
	}
	_, err := io.WriteString(p.stdout, out)
	return 0, err
}

func (p *process) cat(files []string) (int, error) {
	if len(files) == 0 {
		if p.spec.Stdin == nil {
			return 0, nil
		}
		_, err := io.Copy(p.stdout, p.spec.Stdin)
		return 0, err
	}
	code := 0
	for _, f := range files {
		b, err := os.ReadFile(p.host(f))
		if err != nil {
			code, _ = p.fail(1, "cat: %s: No such file or directory", f)
			continue
		}
		if _, err := p.stdout.Write(b); err != nil {
			return 0, err
		}
	}
	return code, nil
}

func (p *process) write(appending bool, args []string) (int, error) {
	if len(args) != 2 {
		return p.fail(2, "usage: write FILE TEXT")
	}
	target := p.host(args[0])
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return p.fail(1, "write: %v", err)
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appending {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(target, flags, 0644)
	if err != nil {
		return p.fail(1, "write: %v", err)
	}
	_, err = io.WriteString(f, args[1])
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return p.fail(1, "write: %v", err)
	}
	return 0, nil
}

func (p *process) mkdir(args []string) (int, error) {
	for _, a := range args {
		if a == "-p" {
			continue
		}
		if err := os.MkdirAll(p.host(a), 0755); err != nil {
			return p.fail(1, "mkdir: %v", err)
		}
	}
	return 0, nil
}

func (p *process) rm(args []string) (int, error) {
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			continue
		}
		if err := os.RemoveAll(p.host(a)); err != nil {
			return p.fail(1, "rm: %v", err)
		}
	}
	return 0, nil
}

func (p *process) ls(args []string) (int, error) {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	entries, err := os.ReadDir(p.host(dir))
	if err != nil {
		return p.fail(2, "ls: cannot access '%s': No such file or directory", dir)
	}
	for _, e := range entries {
		fmt.Fprintln(p.stdout, e.Name())
	}
	return 0, nil
}

// Prints matching lines prefixed with their path. Exits 1 when nothing
// matched.
func (p *process) grep(args []string) (int, error) {
	args = slices.DeleteFunc(slices.Clone(args), func(a string) bool {
		return a == "-r" || a == "-R"
	})
	if len(args) != 2 {
		return p.fail(2, "usage: grep [-r] PATTERN PATH")
	}
	pattern, root := args[0], args[1]

	matched := false
	err := filepath.WalkDir(p.host(root), func(hp string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(p.host(root), hp)
		if err != nil {
			return err
		}
		name := root
		if rel != "." {
			name = strings.TrimSuffix(root, "/") + "/" + filepath.ToSlash(rel)
		}

		f, err := os.Open(hp)
		if err != nil {
			return err
		}
		defer f.Close()
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			if strings.Contains(sc.Text(), pattern) {
				matched = true
				fmt.Fprintf(p.stdout, "%s:%s\n", name, sc.Text())
			}
		}
		return sc.Err()
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return p.fail(2, "grep: %s: No such file or directory", root)
		}
		return p.fail(2, "grep: %v", err)
	}
	if !matched {
		return 1, nil
	}
	return 0, nil
}

// Runs a script of commands joined by "&&". Words are split on white space;
// there is no quoting.
func (p *process) shell(ctx context.Context, args []string) (int, error) {
	if len(args) != 2 || args[0] != "-c" {
		return p.fail(2, "usage: sh -c SCRIPT")
	}
	for _, cmd := range strings.Split(args[1], "&&") {
		fields := strings.Fields(cmd)
		if len(fields) == 0 {
			continue
		}
		if code, err := p.exec(ctx, fields); err != nil || code != 0 {
			return code, err
		}
	}
	return 0, nil
}

// Sleeps, returning the context error when ctx is done first.
func (p *process) sleep(ctx context.Context, args []string) (int, error) {
	if len(args) != 1 {
		return p.fail(2, "usage: sleep SECONDS")
	}
	secs, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return p.fail(2, "sleep: invalid time interval '%s'", args[0])
	}
	t := time.NewTimer(time.Duration(secs * float64(time.Second)))
	defer t.Stop()
	select {
	case <-t.C:
		return 0, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Writes a message to stderr and returns code.
func (p *process) fail(code int, format string, args ...any) (int, error) {
	fmt.Fprintf(p.stderr, format+"\n", args...)
	return code, nil
}

func (p *process) workdir() string {
	if p.spec.Workdir == "" {
		return "/"
	}
	return p.spec.Workdir
}

// Maps a container path to the host, honouring bind mounts.
func (p *process) host(ctrPath string) string {
	if !path.IsAbs(ctrPath) {
		ctrPath = path.Join(p.workdir(), ctrPath)
	}
	ctrPath = path.Clean(ctrPath)

	best := -1
	for i, m := range p.spec.Mounts {
		if ctrPath == m.Target || strings.HasPrefix(ctrPath, strings.TrimSuffix(m.Target, "/")+"/") {
			if best < 0 || len(m.Target) > len(p.spec.Mounts[best].Target) {
				best = i
			}
		}
	}
	if best >= 0 {
		m := p.spec.Mounts[best]
		rel := strings.TrimPrefix(ctrPath, m.Target)
		return filepath.Join(m.Source, filepath.FromSlash(rel))
	}
	return filepath.Join(p.spec.Rootfs, filepath.FromSlash(ctrPath))
}

// Package procfs inspects local processes for liveness checks and the
// session-id derivation walk. It reads /proc directly and falls back to ps
// on hosts without procfs; when neither source works, callers must treat the
// result as unavailable rather than fabricate process facts.
package procfs

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// Process is one entry in an ancestor chain.
type Process struct {
	PID  int
	Name string // executable name (comm), lowercased
	Args []string
}

// Available reports whether procfs can be used for process introspection.
func Available() bool {
	_, err := os.Stat("/proc/self/stat")
	return err == nil
}

// Alive reports whether a process exists and is not a zombie.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if Zombie(pid) {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// Zombie checks whether a PID is in a zombie/dead state.
func Zombie(pid int) bool {
	if !Available() {
		return zombieFromPS(pid)
	}
	_, state, _, err := readStat(pid)
	if err != nil {
		return false
	}
	return state == 'Z' || state == 'X'
}

// Inspect returns the process entry for pid, or an error when neither procfs
// nor ps can describe it.
func Inspect(pid int) (Process, error) {
	if pid <= 0 {
		return Process{}, errors.New("invalid pid")
	}
	if Available() {
		name, _, _, err := readStat(pid)
		if err != nil {
			return Process{}, err
		}
		return Process{PID: pid, Name: name, Args: cmdline(pid)}, nil
	}
	return inspectFromPS(pid)
}

// ParentPID returns pid's parent, or 0 when the chain ends or cannot be read.
func ParentPID(pid int) int {
	if pid <= 0 {
		return 0
	}
	if Available() {
		_, _, ppid, err := readStat(pid)
		if err != nil {
			return 0
		}
		return ppid
	}
	out, err := exec.Command("ps", "-o", "ppid=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return 0
	}
	ppid, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return 0
	}
	return ppid
}

// Ancestors walks from pid up toward init, self first, at most max entries.
// The walk is best-effort: it stops at the first unreadable ancestor.
func Ancestors(pid int, max int) []Process {
	if max <= 0 {
		max = 32
	}
	var chain []Process
	seen := map[int]bool{}
	for pid > 1 && len(chain) < max && !seen[pid] {
		seen[pid] = true
		p, err := Inspect(pid)
		if err != nil {
			break
		}
		chain = append(chain, p)
		pid = ParentPID(pid)
	}
	return chain
}

// readStat parses /proc/<pid>/stat into (comm, state, ppid). The comm field
// may itself contain spaces and parens, so it is delimited by the last ')'.
func readStat(pid int) (name string, state byte, ppid int, err error) {
	b, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return "", 0, 0, err
	}
	line := string(b)
	open := strings.IndexByte(line, '(')
	closeIdx := strings.LastIndexByte(line, ')')
	if open < 0 || closeIdx < open || closeIdx+2 >= len(line) {
		return "", 0, 0, errors.New("malformed stat line")
	}
	name = strings.ToLower(strings.TrimSpace(line[open+1 : closeIdx]))
	rest := strings.Fields(line[closeIdx+2:])
	if len(rest) < 2 {
		return "", 0, 0, errors.New("malformed stat line")
	}
	state = rest[0][0]
	ppid, err = strconv.Atoi(rest[1])
	if err != nil {
		return "", 0, 0, err
	}
	return name, state, ppid, nil
}

func cmdline(pid int) []string {
	b, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "cmdline"))
	if err != nil || len(b) == 0 {
		return nil
	}
	parts := strings.Split(strings.TrimRight(string(b), "\x00"), "\x00")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func inspectFromPS(pid int) (Process, error) {
	comm, err := exec.Command("ps", "-o", "comm=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return Process{}, err
	}
	name := strings.ToLower(strings.TrimSpace(string(comm)))
	if name == "" {
		return Process{}, errors.New("process not found")
	}
	p := Process{PID: pid, Name: filepath.Base(name)}
	if args, err := exec.Command("ps", "-o", "args=", "-p", strconv.Itoa(pid)).Output(); err == nil {
		p.Args = strings.Fields(strings.TrimSpace(string(args)))
	}
	return p, nil
}

func zombieFromPS(pid int) bool {
	out, err := exec.Command("ps", "-o", "state=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return false
	}
	state := strings.TrimSpace(string(out))
	if state == "" {
		return false
	}
	c := state[0]
	return c == 'Z' || c == 'X'
}

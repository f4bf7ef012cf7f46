package qa

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/leeroybrun/edison-sub000/internal/errs"
	"github.com/leeroybrun/edison-sub000/internal/workspace"
)

// LatestRound returns the highest round number recorded for task, 0 when the
// task has no evidence yet. Round directories must be contiguous from 1; a
// gap means evidence was deleted by hand and nothing downstream can trust
// the numbering.
func LatestRound(paths workspace.Paths, task string) (int, error) {
	rounds, err := listRounds(paths, task)
	if err != nil {
		return 0, err
	}
	if len(rounds) == 0 {
		return 0, nil
	}
	for i, n := range rounds {
		if n != i+1 {
			return 0, &errs.IntegrityError{
				Subject: "evidence for " + task,
				Reason:  fmt.Sprintf("round directories are not contiguous: missing round-%d", i+1),
			}
		}
	}
	return rounds[len(rounds)-1], nil
}

// CreateRound allocates the next round directory for task and returns its
// number and path.
func CreateRound(paths workspace.Paths, task string) (int, string, error) {
	latest, err := LatestRound(paths, task)
	if err != nil {
		return 0, "", err
	}
	round := latest + 1
	dir := paths.EvidenceRound(task, round)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, "", &errs.IOError{Op: "mkdir", Path: dir, Err: err}
	}
	return round, dir, nil
}

// RoundFiles lists the evidence file basenames present in one round.
func RoundFiles(paths workspace.Paths, task string, round int) ([]string, error) {
	dir := paths.EvidenceRound(task, round)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &errs.NotFound{Kind: "evidence round", ID: fmt.Sprintf("%s round-%d", task, round), Path: dir}
		}
		return nil, &errs.IOError{Op: "readdir", Path: dir, Err: err}
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func listRounds(paths workspace.Paths, task string) ([]int, error) {
	dir := paths.EvidenceDir(task)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &errs.IOError{Op: "readdir", Path: dir, Err: err}
	}
	var rounds []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		num, ok := strings.CutPrefix(e.Name(), "round-")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(num)
		if err != nil || n < 1 {
			continue
		}
		rounds = append(rounds, n)
	}
	sort.Ints(rounds)
	return rounds, nil
}

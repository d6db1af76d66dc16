package scheduler

import (
	"fmt"
	"strconv"
	"strings"
)

// validateNoCircularDependency checks whether giving proposedID the
// dependency set deps would create a cycle. extra supplies the tentative
// dependency sets of other not-yet-inserted jobs in the same batch, keyed by
// their not-yet-assigned id, so a batch can reference siblings submitted in
// the same call without creating an undetected cycle between them.
func (s *Store) validateNoCircularDependency(proposedID uint32, deps []uint32, extra map[uint32][]uint32) error {
	visited := make(map[uint32]bool)
	var dfs func(id uint32) bool
	dfs = func(id uint32) bool {
		if id == proposedID {
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		var next []uint32
		if j, ok := s.jobs[id]; ok {
			next = j.DependsOnIDs
		} else if e, ok := extra[id]; ok {
			next = e
		}
		for _, n := range next {
			if dfs(n) {
				return true
			}
		}
		return false
	}
	for _, d := range deps {
		if dfs(d) {
			return fmt.Errorf("%w: job %d would create a cycle through dependency %d", ErrCircularDependency, proposedID, d)
		}
	}
	return nil
}

// depsExist reports the first dependency id (if any) that is neither an
// existing job nor present in extra.
func (s *Store) depsExist(deps []uint32, extra map[uint32][]uint32) (missing uint32, ok bool) {
	for _, d := range deps {
		if _, exists := s.jobs[d]; exists {
			continue
		}
		if _, exists := extra[d]; exists {
			continue
		}
		return d, false
	}
	return 0, true
}

// ResolveDependency resolves gctl's "@" (most recent job submitted by user)
// and "@~N" (N-th most recent before that) shorthand into a concrete job id
// (spec §6). "@" is equivalent to "@~0".
func (s *Store) ResolveDependency(user, shorthand string) (uint32, error) {
	if !strings.HasPrefix(shorthand, "@") {
		id, err := strconv.ParseUint(shorthand, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a job id or @-shorthand", ErrInvalidInput, shorthand)
		}
		if _, ok := s.jobs[uint32(id)]; !ok {
			return 0, ErrNotFound
		}
		return uint32(id), nil
	}

	back := 0
	rest := strings.TrimPrefix(shorthand, "@")
	if rest != "" {
		if !strings.HasPrefix(rest, "~") {
			return 0, fmt.Errorf("%w: %q is not a valid @-shorthand", ErrInvalidInput, shorthand)
		}
		n, err := strconv.Atoi(strings.TrimPrefix(rest, "~"))
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%w: %q is not a valid @-shorthand", ErrInvalidInput, shorthand)
		}
		back = n
	}

	ids := s.jobsByUser[user]
	if len(ids) == 0 {
		return 0, ErrNotFound
	}
	sorted := make([]uint32, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sortUint32s(sorted)
	// most-recent-first: submission order is id order since ids are assigned
	// monotonically at submit time.
	if back >= len(sorted) {
		return 0, ErrNotFound
	}
	return sorted[len(sorted)-1-back], nil
}

package state

import (
	"fmt"
	"time"

	"github.com/elitan/velo/internal/common"
)

// AddSnapshot appends a snapshot record.
func (s *Store) AddSnapshot(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc == nil {
		return fmt.Errorf("%w: state not initialized", common.ErrInvalidState)
	}
	s.doc.Snapshots = append(s.doc.Snapshots, snap)
	return nil
}

// GetSnapshotByID returns a snapshot by id.
func (s *Store) GetSnapshotByID(id string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc == nil {
		return nil, fmt.Errorf("snapshot %s: %w", id, common.ErrNotFound)
	}
	for i := range s.doc.Snapshots {
		if s.doc.Snapshots[i].ID == id {
			return &s.doc.Snapshots[i], nil
		}
	}
	return nil, fmt.Errorf("snapshot %s: %w", id, common.ErrNotFound)
}

// SnapshotsForBranch returns all snapshots of a namespaced branch name.
func (s *Store) SnapshotsForBranch(branchName string) []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Snapshot
	if s.doc == nil {
		return out
	}
	for _, snap := range s.doc.Snapshots {
		if snap.BranchName == branchName {
			out = append(out, snap)
		}
	}
	return out
}

// SnapshotsForProject returns all snapshots belonging to a project.
func (s *Store) SnapshotsForProject(projectName string) []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Snapshot
	if s.doc == nil {
		return out
	}
	for _, snap := range s.doc.Snapshots {
		if snap.ProjectName == projectName {
			out = append(out, snap)
		}
	}
	return out
}

// AllSnapshots returns every snapshot record.
func (s *Store) AllSnapshots() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc == nil {
		return nil
	}
	out := make([]Snapshot, len(s.doc.Snapshots))
	copy(out, s.doc.Snapshots)
	return out
}

// DeleteSnapshot removes a snapshot record by id.
func (s *Store) DeleteSnapshot(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc == nil {
		return fmt.Errorf("snapshot %s: %w", id, common.ErrNotFound)
	}
	for i := range s.doc.Snapshots {
		if s.doc.Snapshots[i].ID == id {
			s.doc.Snapshots = append(s.doc.Snapshots[:i], s.doc.Snapshots[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("snapshot %s: %w", id, common.ErrNotFound)
}

// DeleteSnapshotsForBranch removes all snapshot records of a branch and
// returns how many were removed.
func (s *Store) DeleteSnapshotsForBranch(branchName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteSnapshotsWhere(func(snap Snapshot) bool {
		return snap.BranchName == branchName
	})
}

// DeleteSnapshotsOlderThan removes snapshot records of a branch older
// than the cutoff and returns the removed records.
func (s *Store) DeleteSnapshotsOlderThan(branchName string, cutoff time.Time) []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []Snapshot
	if s.doc == nil {
		return removed
	}
	kept := s.doc.Snapshots[:0]
	for _, snap := range s.doc.Snapshots {
		if snap.BranchName == branchName && snap.CreatedAt.Before(cutoff) {
			removed = append(removed, snap)
			continue
		}
		kept = append(kept, snap)
	}
	s.doc.Snapshots = kept
	return removed
}

// deleteSnapshotsWhere removes matching snapshots. Caller holds s.mu.
func (s *Store) deleteSnapshotsWhere(match func(Snapshot) bool) int {
	if s.doc == nil {
		return 0
	}
	removed := 0
	kept := s.doc.Snapshots[:0]
	for _, snap := range s.doc.Snapshots {
		if match(snap) {
			removed++
			continue
		}
		kept = append(kept, snap)
	}
	s.doc.Snapshots = kept
	return removed
}

package state

import (
	"fmt"

	"github.com/elitan/velo/internal/common"
)

// AddBranch appends a branch to its project.
func (s *Store) AddBranch(projectName string, b Branch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc == nil {
		return fmt.Errorf("%w: state not initialized", common.ErrInvalidState)
	}
	for i := range s.doc.Projects {
		if s.doc.Projects[i].Name != projectName {
			continue
		}
		for _, existing := range s.doc.Projects[i].Branches {
			if existing.Name == b.Name {
				return fmt.Errorf("branch %q: %w", b.Name, common.ErrExists)
			}
		}
		s.doc.Projects[i].Branches = append(s.doc.Projects[i].Branches, b)
		return nil
	}
	return fmt.Errorf("project %q: %w", projectName, common.ErrNotFound)
}

// GetBranch returns the branch with the given namespaced name.
func (s *Store) GetBranch(name string) (*Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findBranch(name)
}

func (s *Store) findBranch(name string) (*Branch, error) {
	if s.doc == nil {
		return nil, fmt.Errorf("branch %q: %w", name, common.ErrNotFound)
	}
	for pi := range s.doc.Projects {
		for bi := range s.doc.Projects[pi].Branches {
			if s.doc.Projects[pi].Branches[bi].Name == name {
				return &s.doc.Projects[pi].Branches[bi], nil
			}
		}
	}
	return nil, fmt.Errorf("branch %q: %w", name, common.ErrNotFound)
}

// GetBranchByID returns a branch by id within a project.
func (s *Store) GetBranchByID(projectName, id string) (*Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc == nil {
		return nil, fmt.Errorf("branch %s: %w", id, common.ErrNotFound)
	}
	for pi := range s.doc.Projects {
		if s.doc.Projects[pi].Name != projectName {
			continue
		}
		for bi := range s.doc.Projects[pi].Branches {
			if s.doc.Projects[pi].Branches[bi].ID == id {
				return &s.doc.Projects[pi].Branches[bi], nil
			}
		}
	}
	return nil, fmt.Errorf("branch %s: %w", id, common.ErrNotFound)
}

// UpdateBranch replaces a branch record by namespaced name.
func (s *Store) UpdateBranch(b Branch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.findBranch(b.Name)
	if err != nil {
		return err
	}
	*existing = b
	return nil
}

// DeleteBranch removes a branch record and its snapshot records.
func (s *Store) DeleteBranch(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc == nil {
		return fmt.Errorf("branch %q: %w", name, common.ErrNotFound)
	}
	for pi := range s.doc.Projects {
		branches := s.doc.Projects[pi].Branches
		for bi := range branches {
			if branches[bi].Name == name {
				s.doc.Projects[pi].Branches = append(branches[:bi], branches[bi+1:]...)
				s.deleteSnapshotsWhere(func(snap Snapshot) bool {
					return snap.BranchName == name
				})
				return nil
			}
		}
	}
	return fmt.Errorf("branch %q: %w", name, common.ErrNotFound)
}

// ListAllBranches returns every branch across all projects.
func (s *Store) ListAllBranches() []Branch {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc == nil {
		return nil
	}
	var out []Branch
	for _, p := range s.doc.Projects {
		out = append(out, p.Branches...)
	}
	return out
}

// ListBranches returns a project's branches.
func (s *Store) ListBranches(projectName string) ([]Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc == nil {
		return nil, fmt.Errorf("project %q: %w", projectName, common.ErrNotFound)
	}
	for _, p := range s.doc.Projects {
		if p.Name == projectName {
			out := make([]Branch, len(p.Branches))
			copy(out, p.Branches)
			return out, nil
		}
	}
	return nil, fmt.Errorf("project %q: %w", projectName, common.ErrNotFound)
}

// GetMainBranch returns a project's primary branch.
func (s *Store) GetMainBranch(projectName string) (*Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc == nil {
		return nil, fmt.Errorf("project %q: %w", projectName, common.ErrNotFound)
	}
	for pi := range s.doc.Projects {
		if s.doc.Projects[pi].Name != projectName {
			continue
		}
		for bi := range s.doc.Projects[pi].Branches {
			if s.doc.Projects[pi].Branches[bi].IsPrimary {
				return &s.doc.Projects[pi].Branches[bi], nil
			}
		}
	}
	return nil, fmt.Errorf("primary branch of %q: %w", projectName, common.ErrNotFound)
}

// ChildBranches returns the direct children of a branch within a project.
func (s *Store) ChildBranches(projectName, branchID string) []Branch {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc == nil {
		return nil
	}
	var out []Branch
	for _, p := range s.doc.Projects {
		if p.Name != projectName {
			continue
		}
		for _, b := range p.Branches {
			if b.ParentBranchID != nil && *b.ParentBranchID == branchID {
				out = append(out, b)
			}
		}
	}
	return out
}

package state

import (
	"fmt"

	"github.com/elitan/velo/internal/common"
)

// AddProject appends a project. The project must carry exactly one
// primary branch; Save validates the full document.
func (s *Store) AddProject(p Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc == nil {
		return fmt.Errorf("%w: state not initialized", common.ErrInvalidState)
	}
	for _, existing := range s.doc.Projects {
		if existing.Name == p.Name {
			return fmt.Errorf("project %q: %w", p.Name, common.ErrExists)
		}
	}
	s.doc.Projects = append(s.doc.Projects, p)
	return nil
}

// GetProject returns the project with the given name.
func (s *Store) GetProject(name string) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc == nil {
		return nil, fmt.Errorf("project %q: %w", name, common.ErrNotFound)
	}
	for i := range s.doc.Projects {
		if s.doc.Projects[i].Name == name {
			return &s.doc.Projects[i], nil
		}
	}
	return nil, fmt.Errorf("project %q: %w", name, common.ErrNotFound)
}

// UpdateProject replaces a project record by name.
func (s *Store) UpdateProject(p Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc == nil {
		return fmt.Errorf("%w: state not initialized", common.ErrInvalidState)
	}
	for i := range s.doc.Projects {
		if s.doc.Projects[i].Name == p.Name {
			s.doc.Projects[i] = p
			return nil
		}
	}
	return fmt.Errorf("project %q: %w", p.Name, common.ErrNotFound)
}

// DeleteProject removes a project and its snapshot records.
func (s *Store) DeleteProject(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc == nil {
		return fmt.Errorf("project %q: %w", name, common.ErrNotFound)
	}
	for i := range s.doc.Projects {
		if s.doc.Projects[i].Name == name {
			s.doc.Projects = append(s.doc.Projects[:i], s.doc.Projects[i+1:]...)
			s.deleteSnapshotsWhere(func(snap Snapshot) bool {
				return snap.ProjectName == name
			})
			return nil
		}
	}
	return fmt.Errorf("project %q: %w", name, common.ErrNotFound)
}

// ListProjects returns all projects.
func (s *Store) ListProjects() []Project {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc == nil {
		return nil
	}
	out := make([]Project, len(s.doc.Projects))
	copy(out, s.doc.Projects)
	return out
}

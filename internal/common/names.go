// Copyright 2025 Velo Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"fmt"
	"regexp"
	"strings"
)

// ContainerPrefix is the fixed product prefix for container names.
// A branch's container is named <prefix>-<project>-<branch>.
const ContainerPrefix = "velo"

// MainBranch is the name of every project's primary branch.
const MainBranch = "main"

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidName reports whether s is a legal project or branch simple name.
func ValidName(s string) bool {
	return namePattern.MatchString(s)
}

// ValidateName returns a user error if s is not a legal simple name.
func ValidateName(kind, s string) error {
	if !ValidName(s) {
		return NewUserErrorf(ErrInvalidName,
			"names may only contain letters, digits, '_' and '-'",
			"invalid %s name %q", kind, s)
	}
	return nil
}

// BranchRef is a parsed namespaced branch name <project>/<branch>.
type BranchRef struct {
	Project string
	Branch  string
}

// String returns the namespaced form <project>/<branch>.
func (r BranchRef) String() string {
	return r.Project + "/" + r.Branch
}

// Dataset returns the branch's dataset simple name <project>-<branch>.
func (r BranchRef) Dataset() string {
	return r.Project + "-" + r.Branch
}

// ContainerName returns the branch's container name <prefix>-<project>-<branch>.
func (r BranchRef) ContainerName() string {
	return ContainerPrefix + "-" + r.Project + "-" + r.Branch
}

// ParseBranchRef parses a namespaced branch name. The name must contain
// exactly one '/' with a legal simple name on each side.
func ParseBranchRef(name string) (BranchRef, error) {
	parts := strings.Split(name, "/")
	if len(parts) != 2 {
		return BranchRef{}, NewUserErrorf(ErrInvalidName,
			"branch names are namespaced, e.g. myproject/dev",
			"invalid branch name %q: expected <project>/<branch>", name)
	}
	if !ValidName(parts[0]) || !ValidName(parts[1]) {
		return BranchRef{}, NewUserErrorf(ErrInvalidName,
			"names may only contain letters, digits, '_' and '-'",
			"invalid branch name %q", name)
	}
	return BranchRef{Project: parts[0], Branch: parts[1]}, nil
}

// ContainerNameFor returns the container name for a project/branch pair.
func ContainerNameFor(project, branch string) string {
	return fmt.Sprintf("%s-%s-%s", ContainerPrefix, project, branch)
}

// DatasetNameFor returns the dataset simple name for a project/branch pair.
func DatasetNameFor(project, branch string) string {
	return project + "-" + branch
}

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

// Package pitr selects the base snapshot for point-in-time recovery and
// parses recovery-target times.
package pitr

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/elitan/velo/internal/common"
	"github.com/elitan/velo/internal/state"
)

// SnapshotSource lists a branch's recorded snapshots.
type SnapshotSource interface {
	SnapshotsForBranch(branchName string) []state.Snapshot
}

// Selection is the chosen recovery base.
type Selection struct {
	FullSnapshotName string
	SnapshotName     string
	Snapshot         state.Snapshot
}

// SelectSnapshot returns the newest snapshot of the branch created
// strictly before target. WAL replay covers the distance from the
// snapshot to the target.
func SelectSnapshot(source SnapshotSource, branchName string, target time.Time) (*Selection, error) {
	snapshots := source.SnapshotsForBranch(branchName)

	var candidates []state.Snapshot
	for _, snap := range snapshots {
		if snap.CreatedAt.Before(target) {
			candidates = append(candidates, snap)
		}
	}
	if len(candidates) == 0 {
		return nil, common.NewUserErrorf(common.ErrNotFound,
			fmt.Sprintf("create snapshots of %s before the desired recovery point, or pick a later --pitr time", branchName),
			"no snapshot of %s exists before %s", branchName, target.Format(time.RFC3339))
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
	})

	best := candidates[0]
	short := best.ZFSSnapshot
	if idx := strings.LastIndex(short, "@"); idx >= 0 {
		short = short[idx+1:]
	}
	return &Selection{
		FullSnapshotName: best.ZFSSnapshot,
		SnapshotName:     short,
		Snapshot:         best,
	}, nil
}

// ParseTargetTime parses a recovery target. Accepts absolute ISO-8601
// (2025-10-07T14:30:00Z) and relative expressions "<N> <unit> ago" for
// minutes, hours, days and weeks.
func ParseTargetTime(input string, now time.Time) (time.Time, error) {
	input = strings.TrimSpace(input)

	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, input); err == nil {
			return t, nil
		}
	}

	fields := strings.Fields(strings.ToLower(input))
	if len(fields) == 3 && fields[2] == "ago" {
		n, err := strconv.Atoi(fields[0])
		if err == nil && n > 0 {
			var unit time.Duration
			switch strings.TrimSuffix(fields[1], "s") {
			case "minute":
				unit = time.Minute
			case "hour":
				unit = time.Hour
			case "day":
				unit = 24 * time.Hour
			case "week":
				unit = 7 * 24 * time.Hour
			default:
				unit = 0
			}
			if unit != 0 {
				return now.Add(-time.Duration(n) * unit), nil
			}
		}
	}

	return time.Time{}, common.NewUserErrorf(common.ErrInvalidName,
		`use an absolute time like "2025-10-07T14:30:00Z" or a relative one like "2 hours ago"`,
		"unrecognized time %q", input)
}

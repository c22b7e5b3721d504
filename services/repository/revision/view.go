// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package revision

import (
	"sort"
)

// rootFirst returns the points of v ordered from the root segment outwards.
func rootFirst(v View) View {
	out := make(View, len(v))
	for i, p := range v {
		out[len(v)-1-i] = p
	}
	return out
}

// MergeBase returns the newest view that both a and b can see: the common
// root-first prefix of their chains, cut at the first shared segment whose
// limits differ.
func MergeBase(a, b View) View {
	ra, rb := rootFirst(a), rootFirst(b)
	var common View
	for i := 0; i < len(ra) && i < len(rb); i++ {
		if ra[i].SegmentID != rb[i].SegmentID {
			break
		}
		if ra[i].Limit != rb[i].Limit {
			common = append(common, Point{SegmentID: ra[i].SegmentID, Limit: min(ra[i].Limit, rb[i].Limit)})
			break
		}
		common = append(common, ra[i])
	}
	return rootFirst(common)
}

// Diff returns the net changes that turn the content of from into the
// content of to, sorted by object id. Objects touched on either side but
// equal in both views are omitted.
func (tx *Tx) Diff(from, to View) ([]Change, error) {
	candidates, err := tx.candidates(from, to)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var changes []Change
	for _, id := range ids {
		before, err := tx.Get(from, id)
		if err != nil {
			return nil, err
		}
		after, err := tx.Get(to, id)
		if err != nil {
			return nil, err
		}
		switch {
		case before == nil && after == nil:
		case before == nil:
			changes = append(changes, Change{ObjectID: id, Kind: Added, After: after})
		case after == nil:
			changes = append(changes, Change{ObjectID: id, Kind: Removed, Before: before})
		case !before.Equal(after):
			changes = append(changes, Change{ObjectID: id, Kind: Changed, Before: before, After: after})
		}
	}
	return changes, nil
}

// candidates collects the ids of every object with a revision visible to
// exactly one of the two views.
func (tx *Tx) candidates(from, to View) (map[string]struct{}, error) {
	rf, rt := rootFirst(from), rootFirst(to)
	ids := make(map[string]struct{})

	i := 0
	for ; i < len(rf) && i < len(rt); i++ {
		if rf[i].SegmentID != rt[i].SegmentID {
			break
		}
		if rf[i].Limit != rt[i].Limit {
			lo, hi := min(rf[i].Limit, rt[i].Limit), max(rf[i].Limit, rt[i].Limit)
			if err := tx.touched(rf[i].SegmentID, lo, hi, ids); err != nil {
				return nil, err
			}
			i++
			break
		}
	}
	for _, rest := range []View{rf[min(i, len(rf)):], rt[min(i, len(rt)):]} {
		for _, p := range rest {
			if err := tx.touched(p.SegmentID, -1, p.Limit, ids); err != nil {
				return nil, err
			}
		}
	}
	return ids, nil
}

// CommitsBeyond returns the commits visible through view that base cannot
// see, oldest first. base is normally MergeBase(view, other).
func (tx *Tx) CommitsBeyond(view, base View) ([]Commit, error) {
	limits := make(map[int64]int64, len(base))
	for _, p := range base {
		limits[p.SegmentID] = p.Limit
	}

	var commits []Commit
	for _, p := range rootFirst(view) {
		after, shared := limits[p.SegmentID]
		if !shared {
			after = -1
		}
		if after >= p.Limit {
			continue
		}
		found, err := tx.Commits(p.SegmentID, after, p.Limit)
		if err != nil {
			return nil, err
		}
		commits = append(commits, found...)
	}
	sort.SliceStable(commits, func(i, j int) bool { return commits[i].Timestamp < commits[j].Timestamp })
	return commits, nil
}

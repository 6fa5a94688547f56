package cooper

import (
	"sort"

	"github.com/gocooper/cooper/internal/manifest"
)

// planMerge returns the names of the barrels the policy wants merged
// next, oldest first, or nil when the barrel set is already compact
// enough. The scheduler calls it again after every completed merge, so
// one group per call is sufficient.
func planMerge(strategy MergeStrategy, factor int, barrels []manifest.BarrelInfo) []string {
	if len(barrels) < 2 || strategy == MergeNone {
		return nil
	}
	// Barrels holding updated documents shadow older copies of the
	// same ids; compacting them early keeps queries from paying the
	// filtering cost on every read. The flag is advisory: merging is
	// never required for correctness.
	if names := updatePrefix(barrels); names != nil {
		return names
	}
	switch strategy {
	case MergeImmediate:
		return immediatePlan(factor, barrels)
	case MergeMultiway, MergeGeometric:
		return geometricPlan(factor, barrels)
	}
	return nil
}

// updatePrefix selects everything up to and including the newest barrel
// flagged as holding updates, so that every older copy of its ids is
// compacted away in one pass.
func updatePrefix(barrels []manifest.BarrelInfo) []string {
	last := -1
	for i, b := range barrels {
		if b.HasUpdateDocs {
			last = i
		}
	}
	if last < 1 {
		return nil
	}
	names := make([]string, 0, last+1)
	for _, b := range barrels[:last+1] {
		names = append(names, b.Name)
	}
	return names
}

// immediatePlan merges the two smallest barrels when their sizes are
// within factor of each other.
func immediatePlan(factor int, barrels []manifest.BarrelInfo) []string {
	idx := make([]int, len(barrels))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool {
		return barrels[idx[a]].NumDocs < barrels[idx[b]].NumDocs
	})
	a, b := barrels[idx[0]], barrels[idx[1]]
	small, large := a.NumDocs, b.NumDocs
	if small == 0 || large <= small*uint32(factor) {
		// Preserve barrel age order in the plan.
		if idx[0] > idx[1] {
			a, b = b, a
		}
		return []string{a.Name, b.Name}
	}
	return nil
}

// geometricPlan buckets barrels into size classes growing by factor and
// collapses the smallest class that has factor members. Used by both
// the multiway and geometric strategies; multiway is the degenerate
// single-pass form of the same grouping.
func geometricPlan(factor int, barrels []manifest.BarrelInfo) []string {
	classes := make(map[int][]manifest.BarrelInfo)
	for _, b := range barrels {
		classes[sizeClass(b.NumDocs, factor)] = append(classes[sizeClass(b.NumDocs, factor)], b)
	}
	levels := make([]int, 0, len(classes))
	for c := range classes {
		levels = append(levels, c)
	}
	sort.Ints(levels)
	for _, c := range levels {
		if members := classes[c]; len(members) >= factor {
			names := make([]string, factor)
			for i := 0; i < factor; i++ {
				names[i] = members[i].Name
			}
			return names
		}
	}
	return nil
}

// sizeClass returns the geometric class of a barrel: class n holds
// barrels of roughly factor^n documents.
func sizeClass(numDocs uint32, factor int) int {
	class := 0
	n := uint64(numDocs)
	for n >= uint64(factor) {
		n /= uint64(factor)
		class++
	}
	return class
}

// optimizePlan merges everything into one barrel.
func optimizePlan(barrels []manifest.BarrelInfo) []string {
	if len(barrels) < 2 {
		return nil
	}
	names := make([]string, len(barrels))
	for i, b := range barrels {
		names[i] = b.Name
	}
	return names
}

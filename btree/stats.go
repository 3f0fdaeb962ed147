// Copyright 2025 keelfs
// SPDX-License-Identifier: Apache-2.0

package btree

import "github.com/keelfs/keel/block"

// LevelStats aggregates the blocks at one level of the tree.
// Level 0 is the leaves.
type LevelStats struct {
	Level  int
	Blocks int
	Items  int
	// Free is the total reclaimable free bytes across the level.
	Free int
}

// Stats walks every reachable block and returns per-level aggregates,
// leaves first. Used by inspection tooling.
func (t *Tree) Stats() ([]LevelStats, error) {
	t.mu.RLock()
	root := *t.store.Root()
	t.mu.RUnlock()

	if root.Height == 0 {
		return nil, nil
	}
	levels := make([]LevelStats, root.Height)
	for i := range levels {
		levels[i].Level = i
	}
	if err := t.statsSubtree(root.Ref, int(root.Height)-1, levels); err != nil {
		return nil, err
	}
	return levels, nil
}

func (t *Tree) statsSubtree(ref block.Ref, level int, levels []LevelStats) error {
	h, err := t.store.ReadRef(ref)
	if err != nil {
		return err
	}
	defer t.store.Put(h)

	h.Lock()
	n := node(h.Data())
	nr := n.nrItems()

	st := &levels[level]
	st.Blocks++
	st.Items += nr
	st.Free += n.reclaimableFree()

	var refs []block.Ref
	if level > 0 {
		refs = make([]block.Ref, 0, nr)
		for i := 0; i < nr; i++ {
			refs = append(refs, n.refAt(i))
		}
	}
	h.Unlock()

	for _, r := range refs {
		if err := t.statsSubtree(r, level-1, levels); err != nil {
			return err
		}
	}
	return nil
}

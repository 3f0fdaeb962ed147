package btree

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/keelfs/keel/key"
)

// Readers may run in parallel with each other and with the single writer.
// The stable keys are never touched by the writer, so every reader must see
// all of them on every pass.
func TestConcurrentReaders(t *testing.T) {
	tr := newTestTree(t, 4096)

	const stable = 500
	for k := uint64(1); k <= stable; k++ {
		mustInsert(t, tr, k, fmt.Sprintf("val-%04d", k))
	}
	require.NoError(t, tr.store.CommitTx())

	var g errgroup.Group

	// the writer churns a disjoint key range
	g.Go(func() error {
		for round := 0; round < 20; round++ {
			for k := uint64(10000); k < 10020; k++ {
				var c Cursor
				if err := tr.Insert(key.FromUint64(k), 8, &c); err != nil {
					return err
				}
				copy(c.Val(), "churned!")
				c.Release()
			}
			for k := uint64(10000); k < 10020; k++ {
				if err := tr.Delete(key.FromUint64(k)); err != nil {
					return fmt.Errorf("round %d: %w", round, err)
				}
			}
		}
		return nil
	})

	for r := 0; r < 3; r++ {
		rng := rand.New(rand.NewSource(int64(r)))
		g.Go(func() error {
			for i := 0; i < 200; i++ {
				k := uint64(1 + rng.Intn(stable))
				var c Cursor
				if err := tr.Lookup(key.FromUint64(k), &c); err != nil {
					return err
				}
				want := fmt.Sprintf("val-%04d", k)
				got := string(c.Val())
				c.Release()
				if got != want {
					return fmt.Errorf("key %d: got %q, want %q", k, got, want)
				}
			}
			return nil
		})
	}

	// a scanning reader sees every stable key on each pass
	g.Go(func() error {
		for i := 0; i < 10; i++ {
			var c Cursor
			count := 0
			for {
				ok, err := tr.Next(key.FromUint64(1), key.FromUint64(stable), &c)
				if err != nil {
					return err
				}
				if !ok {
					break
				}
				count++
			}
			if count != stable {
				return fmt.Errorf("scan found %d of %d keys", count, stable)
			}
		}
		return nil
	})

	require.NoError(t, g.Wait())
	checkTree(t, tr)
}

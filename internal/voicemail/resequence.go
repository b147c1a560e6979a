package voicemail

import (
	"context"
	"fmt"
)

// resequence walks indices 0..last and renames every present message into
// the next free output slot, closing gaps while keeping relative order.
// The caller must hold the folder lock.
func resequence(ctx context.Context, b Backend, loc Location, last int) (int, error) {
	moved := 0
	dest := 0
	for x := 0; x <= last; x++ {
		ok, err := b.Exists(ctx, loc, x)
		if err != nil {
			return moved, fmt.Errorf("checking message %d of %s: %w", x, loc, err)
		}
		if !ok {
			continue
		}
		if x != dest {
			if err := b.Rename(ctx, loc, x, loc, dest); err != nil {
				return moved, fmt.Errorf("renaming message %d to %d in %s: %w", x, dest, loc, err)
			}
			moved++
		}
		dest++
	}
	return moved, nil
}

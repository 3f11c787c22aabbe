package util_test

import (
	"sort"
	"testing"

	"github.com/jmehdipour/evently/internal/util"
	"github.com/stretchr/testify/assert"
)

func TestNewID(t *testing.T) {
	const n = 1000

	ids := make([]string, 0, n)
	seen := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		id := util.NewID()
		assert.Len(t, id, 26)
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	// monotonic entropy keeps same-process ids lexically ordered
	assert.True(t, sort.StringsAreSorted(ids))
}

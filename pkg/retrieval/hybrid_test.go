package retrieval_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentmesh/memcore-go/pkg/retrieval"
)

func TestFuse_BothListsBoost(t *testing.T) {
	f := retrieval.NewFuser(60)

	// Id 2 appears in both lists; it must outrank the single-list leaders.
	fused := f.Fuse([]int64{1, 2, 3}, []int64{2, 4})

	assert.Equal(t, int64(2), fused[0].ID)
	assert.InDelta(t, 1.0/62+1.0/61, fused[0].Score, 1e-9)
}

func TestFuse_SingleList(t *testing.T) {
	f := retrieval.NewFuser(60)

	fused := f.Fuse([]int64{5, 6, 7}, nil)

	assert.Len(t, fused, 3)
	assert.Equal(t, int64(5), fused[0].ID)
	assert.Equal(t, int64(6), fused[1].ID)
	assert.Equal(t, int64(7), fused[2].ID)
	assert.InDelta(t, 1.0/61, fused[0].Score, 1e-9)
}

func TestFuse_Empty(t *testing.T) {
	f := retrieval.NewFuser(0)

	assert.Empty(t, f.Fuse())
	assert.Empty(t, f.Fuse(nil, nil))
}

func TestFuse_TieBreaksOnID(t *testing.T) {
	f := retrieval.NewFuser(60)

	// Both ids hold rank 1 in their own list: identical scores, lower id first.
	fused := f.Fuse([]int64{9}, []int64{3})

	assert.Equal(t, int64(3), fused[0].ID)
	assert.Equal(t, int64(9), fused[1].ID)
	assert.Equal(t, fused[0].Score, fused[1].Score)
}

func TestNewFuser_DefaultConstant(t *testing.T) {
	f := retrieval.NewFuser(-1)

	fused := f.Fuse([]int64{1})
	assert.InDelta(t, 1.0/(retrieval.DefaultRRFConstant+1), fused[0].Score, 1e-9)
}

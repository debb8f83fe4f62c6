package upstream

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPageQueryBuild(t *testing.T) {
	t.Parallel()

	since, _ := new(big.Int).SetString("18446744073709551617", 10)

	tests := []struct {
		name     string
		q        PageQuery
		contains []string
		absent   []string
		vars     map[string]interface{}
	}{
		{
			name:     "origin",
			q:        PageQuery{Collection: "agents", Selection: "id", OrderBy: "updatedAt", First: 500},
			contains: []string{"agents(first: $first, orderBy: updatedAt, orderDirection: asc)", "query Page($first: Int!)"},
			absent:   []string{"where", "skip"},
			vars:     map[string]interface{}{"first": 500},
		},
		{
			name:     "keyset",
			q:        PageQuery{Collection: "agents", Selection: "id", OrderBy: "updatedAt", First: 10, Since: since, AfterID: "0x1"},
			contains: []string{`where: {or: [{updatedAt_gt: "18446744073709551617"}, {updatedAt: "18446744073709551617", id_gt: "0x1"}]}`},
			absent:   []string{"skip"},
			vars:     map[string]interface{}{"first": 10},
		},
		{
			name:     "numeric lower bound",
			q:        PageQuery{Collection: "associations", Selection: "id", OrderBy: "blockNumber", First: 10, Since: big.NewInt(42)},
			contains: []string{`where: {blockNumber_gte: "42"}`},
			vars:     map[string]interface{}{"first": 10},
		},
		{
			name:     "offset",
			q:        PageQuery{Collection: "agents", Selection: "id", OrderBy: "updatedAt", Strategy: StrategyOffset, First: 10, Skip: 20, Since: big.NewInt(7), AfterID: "x"},
			contains: []string{"skip: $skip", `where: {updatedAt_gte: "7"}`, "$skip: Int!"},
			absent:   []string{"id_gt"},
			vars:     map[string]interface{}{"first": 10, "skip": 20},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := tt.q.Build()
			assert.Equal(t, tt.q.Collection, req.Collection)
			for _, s := range tt.contains {
				assert.Contains(t, req.Query, s)
			}
			for _, s := range tt.absent {
				assert.NotContains(t, req.Query, s)
			}
			assert.Equal(t, tt.vars, req.Variables)
		})
	}
}

func TestClassifyMessage(t *testing.T) {
	t.Parallel()

	assert.Equal(t, KindCapability, ClassifyMessage("Unknown argument `skip` on field `agents`"))
	assert.Equal(t, KindPaginationLimit, ClassifyMessage("The `skip` argument must be between 0 and 5000"))
	assert.Equal(t, KindTransient, ClassifyMessage("Store error: database timed out"))
	assert.Equal(t, KindFatal, ClassifyMessage("indexing_error"))
}

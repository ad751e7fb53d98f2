package extract

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsFatal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "consistency", err: &ConsistencyError{Dataset: "a/b", Violations: []string{"x"}}, want: true},
		{
			name: "wrapped corruption",
			err: &PublishError{Subset: "s", Err: fmt.Errorf("read: %w", &CacheCorruptionError{
				Path: "/tmp/x.parquet",
				Err:  errors.New("bad footer"),
			})},
			want: true,
		},
		{name: "shard", err: &ShardError{Locator: "hf://x", Err: errors.New("boom")}, want: false},
		{name: "interrupted", err: ErrInterrupted, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsFatal(tt.err))
		})
	}
}

func TestConsistencyErrorMessage(t *testing.T) {
	t.Parallel()

	err := &ConsistencyError{Dataset: "org/data", Violations: []string{"p1 has 2 splits", "p2 has 3 path patterns"}}
	require.EqualError(t, err, "inconsistent partition metadata for org/data: p1 has 2 splits; p2 has 3 path patterns")
}

func TestSlugAndLocator(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "HuggingFaceFW_fineweb", Slug("HuggingFaceFW/fineweb"))
	assert.Equal(t, "hf://datasets/HuggingFaceFW/fineweb/data/CC-MAIN-2013-20/000_00000.parquet",
		Locator("HuggingFaceFW/fineweb", "data/CC-MAIN-2013-20/000_00000.parquet"))
}

func TestSubsetStateTerminal(t *testing.T) {
	t.Parallel()

	assert.True(t, StateCleaned.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StatePublished.Terminal())
	assert.False(t, StateInProgress.Terminal())
}

package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "stackoverflow:123", KeyFor("stackoverflow", "123"))
	assert.Equal(t, []string{"so:1", "so:2"}, KeysFor("so", []string{"1", "2"}))
	assert.Equal(t, "so:recent", RecentKey("so"))
}

func TestSplitIDs(t *testing.T) {
	assert.Equal(t, "1;2;3", JoinIDs([]string{"1", "2", "3"}))
	assert.Equal(t, []string{"1", "2", "3"}, SplitIDs("1; 2;;3;"))
	assert.Empty(t, SplitIDs(""))
}

package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyShapes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "task:abc", TaskKey("abc"))
	assert.Equal(t, "task:abc:statistics", TaskStatisticsKey("abc"))
	assert.Equal(t, "tasks:pending:50", TaskListKey("pending", 50))
	assert.Equal(t, "tasks:all:100", TaskListKey("", 100))
	assert.Equal(t, "worker:w1:statistics", ClientStatisticsKey("w1"))
	assert.Equal(t, "document:d1", DocumentKey("d1"))
}

func TestNoopAlwaysMisses(t *testing.T) {
	t.Parallel()

	var dest string
	n := Noop{}
	n.Set(context.Background(), "k", "v", 0)
	assert.False(t, n.Get(context.Background(), "k", &dest))
	n.Delete(context.Background(), "k")
	n.DeletePattern(context.Background(), "task:*")
}

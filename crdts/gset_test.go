package crdts

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGSetMergeUnion(t *testing.T) {
	a := NewGSet().Add("x").Add("y")
	b := NewGSet().Add("y").Add("z")

	m := a.Merge(b).(GSet)
	assert.True(t, m.Contains("x"))
	assert.True(t, m.Contains("y"))
	assert.True(t, m.Contains("z"))
	assert.Len(t, m.Members(), 3)
}

func TestGSetMergeIdempotent(t *testing.T) {
	a := NewGSet().Add("x")
	assert.Equal(t, a, a.Merge(a))
}

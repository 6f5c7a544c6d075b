package oid

import (
	"encoding/json"
	"testing"

	testutils "github.com/jdillenkofer/strato/internal/testing"
	"github.com/stretchr/testify/assert"
)

func TestAllocateIsDeterministic(t *testing.T) {
	testutils.SkipIfIntegration(t)

	a := Allocate("/bucket/key")
	b := Allocate("/bucket/key")
	c := Allocate("/bucket/other")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, KindObject, a.Kind())
	assert.Equal(t, KindIndex, AllocateIndex("/bucket/key").Kind())
}

func TestResolveCollisionNeverReturnsCurrent(t *testing.T) {
	testutils.SkipIfIntegration(t)

	seed := "/bucket/key"
	current := Allocate(seed)
	seen := map[Id]struct{}{current: {}}
	for attempt := 1; attempt <= MaxCollisionRetryCount; attempt++ {
		next := ResolveCollision(seed, attempt, current)
		assert.NotEqual(t, current, next)
		assert.Equal(t, next, ResolveCollision(seed, attempt, current))
		_, dup := seen[next]
		assert.False(t, dup)
		seen[next] = struct{}{}
		current = next
	}
}

func TestResolveCollisionIsReproducible(t *testing.T) {
	testutils.SkipIfIntegration(t)

	seed := "/bucket/key"
	x := Allocate(seed)
	first := ResolveCollision(seed, 1, x)
	second := ResolveCollision(seed, 1, x)
	assert.Equal(t, first, second)
}

func TestStringAndParse(t *testing.T) {
	testutils.SkipIfIntegration(t)

	id := Allocate("/bucket/key")
	parsed, err := Parse(id.String())
	assert.Nil(t, err)
	assert.Equal(t, id, parsed)

	_, err = Parse("not-an-id")
	assert.ErrorIs(t, err, ErrInvalidId)
	_, err = Parse("nodash")
	assert.ErrorIs(t, err, ErrInvalidId)
}

func TestIdJsonUsesStringForm(t *testing.T) {
	testutils.SkipIfIntegration(t)

	id := Id{Hi: 1, Lo: 2}
	data, err := json.Marshal(struct {
		Id Id `json:"id"`
	}{id})
	assert.Nil(t, err)
	assert.Equal(t, `{"id":"AAAAAAAAAAE=-AAAAAAAAAAI="}`, string(data))
}

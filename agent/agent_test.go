package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDef() Definition {
	return Definition{
		Name:           "researcher",
		Role:           "Research assigned topics",
		Model:          "gpt-4o-mini",
		PermittedTools: []string{"search", "fetch"},
	}
}

func TestDefinition_Validate(t *testing.T) {
	assert.NoError(t, validDef().Validate())

	d := validDef()
	d.Name = ""
	assert.Error(t, d.Validate())

	d = validDef()
	d.Model = ""
	assert.Error(t, d.Validate())
}

func TestDefinition_Permits(t *testing.T) {
	d := validDef()
	assert.True(t, d.Permits("search"))
	assert.False(t, d.Permits("delete_everything"))
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(validDef()))

	got, ok := r.Get("researcher")
	require.True(t, ok)
	assert.Equal(t, "gpt-4o-mini", got.Model)

	_, ok = r.Get("ghost")
	assert.False(t, ok)
}

func TestRegistry_DuplicateRejected(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(validDef()))
	assert.ErrorContains(t, r.Register(validDef()), "already registered")
}

func TestRegistry_DefinitionsAreCopied(t *testing.T) {
	r := NewRegistry()
	def := validDef()
	require.NoError(t, r.Register(def))

	// Mutating the caller's slice after registration must not leak in
	def.PermittedTools[0] = "tampered"

	got, _ := r.Get("researcher")
	assert.Equal(t, "search", got.PermittedTools[0])

	// Nor does mutating the returned copy affect the registry
	got.PermittedTools[1] = "tampered"
	again, _ := r.Get("researcher")
	assert.Equal(t, "fetch", again.PermittedTools[1])
}

func TestRegistry_Freeze(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(validDef()))

	r.Freeze()
	assert.True(t, r.Frozen())

	other := validDef()
	other.Name = "writer"
	assert.ErrorContains(t, r.Register(other), "frozen")

	// Reads still work after the freeze
	got, ok := r.Get("researcher")
	require.True(t, ok)
	assert.Equal(t, "researcher", got.Name)
	assert.Equal(t, []string{"researcher"}, r.Names())
}

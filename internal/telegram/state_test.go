package telegram

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateManagerDefaults(t *testing.T) {
	m := NewStateManager()

	session := m.Get(100)
	assert.Equal(t, StateIdle, session.State)
	assert.Equal(t, "1:1", session.AspectRatio)
	assert.Equal(t, "1K", session.Resolution)
	assert.Empty(t, session.ReferenceURLs)
}

func TestStateManagerSetAndReset(t *testing.T) {
	m := NewStateManager()

	session := m.Get(100)
	session.State = StateAwaitingPrompt
	session.SelectedModel = "nano-banana-pro"
	m.Set(100, session)

	got := m.Get(100)
	assert.Equal(t, StateAwaitingPrompt, got.State)
	assert.Equal(t, "nano-banana-pro", got.SelectedModel)

	m.Reset(100)
	reset := m.Get(100)
	assert.Equal(t, StateIdle, reset.State)
	assert.Empty(t, reset.SelectedModel)
}

func TestStateManagerClearReferences(t *testing.T) {
	m := NewStateManager()

	session := m.Get(100)
	session.ReferenceURLs = []string{"https://cdn/a.png", "https://cdn/b.png"}
	session.SelectedModel = "flux-2/pro-image-to-image"
	m.Set(100, session)

	m.ClearReferences(100)
	got := m.Get(100)
	assert.Empty(t, got.ReferenceURLs)
	// Clearing references keeps the rest of the session intact.
	assert.Equal(t, "flux-2/pro-image-to-image", got.SelectedModel)
}

func TestStateManagerSessionsAreIndependent(t *testing.T) {
	m := NewStateManager()

	a := m.Get(1)
	a.State = StateAwaitingModel
	m.Set(1, a)

	b := m.Get(2)
	assert.Equal(t, StateIdle, b.State)
}

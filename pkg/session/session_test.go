package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndTail(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	defer m.Close()

	s, err := m.Attach("itak:discord:dm:42", "p-1")
	require.NoError(t, err)

	require.NoError(t, s.Append(TurnUser, "hello"))
	require.NoError(t, s.Append(TurnAssistant, "hi there"))

	tail := s.Tail(10)
	require.Len(t, tail, 2)
	assert.Equal(t, TurnUser, tail[0].Role)
	assert.Equal(t, "hi there", tail[1].Content)
}

func TestReattachReloadsTranscript(t *testing.T) {
	root := t.TempDir()

	m, err := NewManager(root)
	require.NoError(t, err)
	s, err := m.Attach("itak:console:dm:owner", "p-1")
	require.NoError(t, err)
	require.NoError(t, s.Append(TurnUser, "remember this"))
	require.NoError(t, s.Append(TurnAssistant, "noted"))
	require.NoError(t, m.Close())

	m2, err := NewManager(root)
	require.NoError(t, err)
	defer m2.Close()
	s2, err := m2.Attach("itak:console:dm:owner", "")
	require.NoError(t, err)

	tail := s2.Tail(0)
	require.Len(t, tail, 2)
	assert.Equal(t, "remember this", tail[0].Content)
	assert.Equal(t, "p-1", s2.Principal, "principal restored from the transcript header")
}

func TestAttachIsIdempotent(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	defer m.Close()

	a, err := m.Attach("itak:web:dm:x", "p-1")
	require.NoError(t, err)
	b, err := m.Attach("itak:web:dm:x", "p-1")
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestEmptyKeyRejected(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Attach("", "p-1")
	require.Error(t, err)
}

func TestCompactShrinksTailKeepsSummary(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	defer m.Close()

	s, err := m.Attach("itak:web:dm:y", "p-1")
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		require.NoError(t, s.Append(TurnUser, "turn"))
	}
	require.NoError(t, s.Compact("six turns of small talk", 6))

	tail := s.Tail(0)
	require.Len(t, tail, 1)
	assert.Equal(t, TurnSummary, tail[0].Role)
	assert.Equal(t, "six turns of small talk", tail[0].Content)
}

func TestDeleteRemovesSessionDir(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	defer m.Close()

	s, err := m.Attach("itak:web:dm:z", "p-1")
	require.NoError(t, err)
	require.NoError(t, s.Append(TurnUser, "bye"))
	dir := s.MediaDir()
	require.DirExists(t, dir)

	require.NoError(t, m.Delete("itak:web:dm:z"))
	assert.NoDirExists(t, dir)
	_, ok := m.Get("itak:web:dm:z")
	assert.False(t, ok)
}

func TestListSorted(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Attach("itak:b:dm:1", "p")
	require.NoError(t, err)
	_, err = m.Attach("itak:a:dm:1", "p")
	require.NoError(t, err)
	assert.Equal(t, []string{"itak:a:dm:1", "itak:b:dm:1"}, m.List())
}

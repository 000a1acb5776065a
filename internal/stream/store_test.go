package stream

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	return s
}

func TestAppendRead(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Append(RegistryLog, []byte(`{"type":"a"}`)))
	require.NoError(t, s.Append(RegistryLog, []byte(`{"type":"b"}`)))

	res, err := s.Read(RegistryLog)
	require.NoError(t, err)
	require.Len(t, res.Frames, 2)
	assert.Equal(t, `{"type":"a"}`, string(res.Frames[0]))
	assert.Equal(t, `{"type":"b"}`, string(res.Frames[1]))
	assert.False(t, res.Truncated)
}

func TestReadMissingLog(t *testing.T) {
	s := newTestStore(t)

	res, err := s.Read(SessionLog("abcdefabcdef"))
	require.NoError(t, err)
	assert.Empty(t, res.Frames)
	assert.False(t, res.Truncated)
}

func TestAppendRejectsEmbeddedNewline(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.Append(RegistryLog, []byte("{\"a\":\n1}")))
}

func TestTornTailDroppedAndOverwritten(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Append(RegistryLog, []byte(`{"type":"a"}`)))

	// Simulate a mid-write crash: a partial frame with no newline.
	full := filepath.Join(s.Root(), RegistryLog)
	f, err := os.OpenFile(full, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"type":"tor`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	res, err := s.Read(RegistryLog)
	require.NoError(t, err)
	require.Len(t, res.Frames, 1)
	assert.True(t, res.Truncated)

	// The next append must overwrite the torn bytes.
	require.NoError(t, s.Append(RegistryLog, []byte(`{"type":"b"}`)))

	res, err = s.Read(RegistryLog)
	require.NoError(t, err)
	require.Len(t, res.Frames, 2)
	assert.Equal(t, `{"type":"b"}`, string(res.Frames[1]))
	assert.False(t, res.Truncated)
}

func TestConcurrentAppendsDoNotInterleave(t *testing.T) {
	s := newTestStore(t)

	const writers = 8
	const perWriter = 25

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				frame := fmt.Sprintf(`{"writer":%d,"seq":%d}`, w, i)
				assert.NoError(t, s.Append(RegistryLog, []byte(frame)))
			}
		}(w)
	}
	wg.Wait()

	res, err := s.Read(RegistryLog)
	require.NoError(t, err)
	require.Len(t, res.Frames, writers*perWriter)
	for _, frame := range res.Frames {
		assert.True(t, len(frame) > 0 && frame[0] == '{' && frame[len(frame)-1] == '}',
			"frame bytes interleaved: %q", frame)
	}
}

func TestStreamsAreIndependent(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Append(SessionLog("aaaaaaaaaaaa"), []byte(`{"n":1}`)))
	require.NoError(t, s.Append(SessionLog("bbbbbbbbbbbb"), []byte(`{"n":2}`)))
	require.NoError(t, s.Append(ControlLog("aaaaaaaaaaaa"), []byte(`{"n":3}`)))

	a, err := s.Read(SessionLog("aaaaaaaaaaaa"))
	require.NoError(t, err)
	b, err := s.Read(SessionLog("bbbbbbbbbbbb"))
	require.NoError(t, err)
	c, err := s.Read(ControlLog("aaaaaaaaaaaa"))
	require.NoError(t, err)

	assert.Len(t, a.Frames, 1)
	assert.Len(t, b.Frames, 1)
	assert.Len(t, c.Frames, 1)
}

func TestExists(t *testing.T) {
	s := newTestStore(t)
	assert.False(t, s.Exists(SessionLog("aaaaaaaaaaaa")))
	require.NoError(t, s.Append(SessionLog("aaaaaaaaaaaa"), []byte(`{}`)))
	assert.True(t, s.Exists(SessionLog("aaaaaaaaaaaa")))
}

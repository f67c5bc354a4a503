package voice_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/book-expert/logger"
	"github.com/book-expert/voiceclone/internal/voice"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errMockSynthesize = errors.New("mock synthesize error")

type mockSynthesizer struct {
	mu    sync.Mutex
	texts []string
}

func (m *mockSynthesizer) Synthesize(_ context.Context, text string) ([]byte, error) {
	m.mu.Lock()
	m.texts = append(m.texts, text)
	m.mu.Unlock()

	if strings.Contains(text, "fail") {
		return nil, errMockSynthesize
	}

	return []byte("audio:" + text), nil
}

func writeChunks(t *testing.T, chunks []string) string {
	t.Helper()

	data, err := json.Marshal(chunks)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "chunks.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	return path
}

func newBatchLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "batch-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	return log
}

func TestProcessChunksWritesNumberedFiles(t *testing.T) {
	t.Parallel()

	synth := &mockSynthesizer{}

	engine, err := voice.NewBatchEngine(synth, newBatchLogger(t), voice.BatchOptions{Workers: 2})
	require.NoError(t, err)

	outputDir := filepath.Join(t.TempDir(), "out")

	err = engine.ProcessChunks(context.Background(), writeChunks(t, []string{"first", "second", "third"}), outputDir)
	require.NoError(t, err)

	for index, text := range []string{"first", "second", "third"} {
		data, readErr := os.ReadFile(filepath.Join(outputDir, []string{"chunk_0001.wav", "chunk_0002.wav", "chunk_0003.wav"}[index]))
		require.NoError(t, readErr)
		assert.Equal(t, "audio:"+text, string(data))
	}
}

func TestProcessChunksContinuesPastFailures(t *testing.T) {
	t.Parallel()

	synth := &mockSynthesizer{}

	engine, err := voice.NewBatchEngine(synth, newBatchLogger(t), voice.BatchOptions{Workers: 1, Extension: ".mp3"})
	require.NoError(t, err)

	outputDir := t.TempDir()

	err = engine.ProcessChunks(context.Background(), writeChunks(t, []string{"ok", "fail here", "also ok"}), outputDir)
	require.ErrorIs(t, err, errMockSynthesize)
	assert.Contains(t, err.Error(), "chunk 2 failed")

	assert.FileExists(t, filepath.Join(outputDir, "chunk_0001.mp3"))
	assert.NoFileExists(t, filepath.Join(outputDir, "chunk_0002.mp3"))
	assert.FileExists(t, filepath.Join(outputDir, "chunk_0003.mp3"))
}

func TestProcessChunksNormalizesText(t *testing.T) {
	t.Parallel()

	synth := &mockSynthesizer{}

	engine, err := voice.NewBatchEngine(synth, newBatchLogger(t), voice.BatchOptions{Normalize: true})
	require.NoError(t, err)

	err = engine.ProcessChunks(context.Background(), writeChunks(t, []string{"Dr. Who has 2 hearts"}), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, []string{"Doctor Who has two hearts."}, synth.texts)
}

func TestProcessChunksInputErrors(t *testing.T) {
	t.Parallel()

	engine, err := voice.NewBatchEngine(&mockSynthesizer{}, newBatchLogger(t), voice.BatchOptions{})
	require.NoError(t, err)

	ctx := context.Background()

	require.ErrorIs(t, engine.ProcessChunks(ctx, "", t.TempDir()), voice.ErrChunksPathEmpty)
	require.ErrorIs(t, engine.ProcessChunks(ctx, "chunks.json", ""), voice.ErrOutputDirEmpty)
	require.ErrorIs(t, engine.ProcessChunks(ctx, writeChunks(t, []string{}), t.TempDir()), voice.ErrNoChunksFound)
	require.ErrorIs(t, engine.ProcessSingleChunk(ctx, "", "out.wav"), voice.ErrTextEmpty)
	require.ErrorIs(t, engine.ProcessSingleChunk(ctx, "text", ""), voice.ErrOutputPathEmpty)

	_, err = voice.NewBatchEngine(nil, newBatchLogger(t), voice.BatchOptions{})
	require.Error(t, err)
}

func TestProcessChunksThroughBackend(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, voice.Options{})

	engine, err := voice.NewBatchEngine(fix.service, fix.log, voice.BatchOptions{Workers: 3})
	require.NoError(t, err)

	outputDir := t.TempDir()

	err = engine.ProcessChunks(context.Background(), writeChunks(t, []string{"one", "two", "three", "four"}), outputDir)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(outputDir, "chunk_0004.wav"))
	require.NoError(t, err)
	assert.Equal(t, "RIFFfour", string(data))
}

package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/book-expert/logger"
	"github.com/book-expert/voiceclone/internal/core"
	"github.com/book-expert/voiceclone/internal/voice/textprep"
)

const (
	filePermissions = 0o600
	dirPermissions  = 0o750

	defaultBatchWorkers = 4
	defaultAudioExt     = ".wav"
)

// Batch errors.
var (
	ErrChunksPathEmpty = errors.New("chunks path cannot be empty")
	ErrOutputDirEmpty  = errors.New("output directory cannot be empty")
	ErrOutputPathEmpty = errors.New("output path cannot be empty")
	ErrNoChunksFound   = errors.New("no chunks found")
	errSynthesizerNil  = errors.New("synthesizer cannot be nil")
)

const (
	outputFileFormat            = "chunk_%04d%s"
	errFmtChunkFailed           = "chunk %d failed: %w"
	logFmtBatchStarted          = "Synthesizing %d chunks with %d workers"
	logFmtGeneratedAudio        = "Generated audio: %s (%d bytes)"
	logFmtChunkProcessingFailed = "Failed to process chunk %d: %v"
	logFmtChunkProcessed        = "Processed chunk %d/%d"
)

// BatchOptions configures a BatchEngine.
type BatchOptions struct {
	Workers int
	// Normalize runs every chunk through textprep before synthesis.
	Normalize bool
	// Extension of the output files, ".wav" by default.
	Extension string
}

// BatchEngine synthesizes a list of text chunks into numbered audio files.
type BatchEngine struct {
	synth      core.Synthesizer
	normalizer *textprep.Normalizer
	workers    int
	extension  string
	log        *logger.Logger
}

// NewBatchEngine creates an engine that synthesizes through synth.
func NewBatchEngine(synth core.Synthesizer, log *logger.Logger, opts BatchOptions) (*BatchEngine, error) {
	if synth == nil {
		return nil, errSynthesizerNil
	}

	if log == nil {
		return nil, errLoggerNil
	}

	engine := &BatchEngine{
		synth:     synth,
		workers:   opts.Workers,
		extension: opts.Extension,
		log:       log,
	}

	if engine.workers <= 0 {
		engine.workers = defaultBatchWorkers
	}

	if engine.extension == "" {
		engine.extension = defaultAudioExt
	}

	if opts.Normalize {
		engine.normalizer = textprep.New()
	}

	return engine, nil
}

// ProcessChunks reads a JSON array of strings from chunksPath and writes
// chunk_0001.wav, chunk_0002.wav, ... into outputDir. A failed chunk does
// not stop the others; the last failure is returned.
func (e *BatchEngine) ProcessChunks(ctx context.Context, chunksPath, outputDir string) error {
	if chunksPath == "" {
		return ErrChunksPathEmpty
	}

	if outputDir == "" {
		return ErrOutputDirEmpty
	}

	chunks, err := readChunksFile(chunksPath)
	if err != nil {
		return fmt.Errorf("failed to read chunks: %w", err)
	}

	err = os.MkdirAll(outputDir, dirPermissions)
	if err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	e.log.Info(logFmtBatchStarted, len(chunks), e.workers)

	return e.processChunksParallel(ctx, chunks, outputDir)
}

// ProcessSingleChunk synthesizes text and writes the audio to outputPath.
func (e *BatchEngine) ProcessSingleChunk(ctx context.Context, text, outputPath string) error {
	if e.normalizer != nil {
		text = e.normalizer.Normalize(text)
	}

	if text == "" {
		return ErrTextEmpty
	}

	if outputPath == "" {
		return ErrOutputPathEmpty
	}

	err := os.MkdirAll(filepath.Dir(outputPath), dirPermissions)
	if err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	audio, err := e.synth.Synthesize(ctx, text)
	if err != nil {
		return fmt.Errorf("failed to generate speech: %w", err)
	}

	err = os.WriteFile(outputPath, audio, filePermissions)
	if err != nil {
		return fmt.Errorf("failed to write audio file: %w", err)
	}

	e.log.Info(logFmtGeneratedAudio, outputPath, len(audio))

	return nil
}

func readChunksFile(chunksPath string) ([]string, error) {
	data, err := os.ReadFile(chunksPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var chunks []string

	err = json.Unmarshal(data, &chunks)
	if err != nil {
		return nil, fmt.Errorf("failed to parse chunks JSON: %w", err)
	}

	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoChunksFound, chunksPath)
	}

	return chunks, nil
}

func (e *BatchEngine) processChunksParallel(ctx context.Context, chunks []string, outputDir string) error {
	var (
		waitGroup sync.WaitGroup
		mutex     sync.Mutex
		lastError error
	)

	workerPool := make(chan struct{}, e.workers)

	for chunkIndex, chunk := range chunks {
		waitGroup.Add(1)

		go func(index int, text string) {
			defer waitGroup.Done()

			select {
			case workerPool <- struct{}{}:
			case <-ctx.Done():
				mutex.Lock()
				lastError = fmt.Errorf(errFmtChunkFailed, index+1, ctx.Err())
				mutex.Unlock()

				return
			}

			defer func() { <-workerPool }()

			outputPath := filepath.Join(outputDir, fmt.Sprintf(outputFileFormat, index+1, e.extension))

			err := e.ProcessSingleChunk(ctx, text, outputPath)
			if err != nil {
				mutex.Lock()
				lastError = fmt.Errorf(errFmtChunkFailed, index+1, err)
				mutex.Unlock()

				e.log.Error(logFmtChunkProcessingFailed, index+1, err)

				return
			}

			e.log.Info(logFmtChunkProcessed, index+1, len(chunks))
		}(chunkIndex, chunk)
	}

	waitGroup.Wait()

	return lastError
}

// Package voice exposes the voice-cloning operations of the backend:
// sample management, model training, and speech synthesis.
package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voiceclone/internal/api"
)

// Backend paths.
const (
	UploadPath         = "/api/upload-sample/"
	ListPath           = "/api/upload-sample/list/"
	StatsPath          = "/api/samples/stats/"
	TrainPath          = "/api/train-model/"
	TextToSpeechPath   = "/api/text-to-speech"
	SpeechToSpeechPath = "/api/speech-to-speech"
	samplePathFormat   = "/api/upload-sample/%d/"
	taskPathFormat     = "/api/train-model/%s/"
)

// Limits and defaults.
const (
	MinValidSamples           = 5
	DefaultMaxFiles           = 10
	DefaultMaxFileSize        = 50 * 1024 * 1024
	DefaultTrainingInterval   = 15 * time.Second
	DefaultValidationInterval = 3 * time.Second
	SpeechToSpeechTimeout     = 30 * time.Second
	audioField                = "audio"
)

// Log messages.
const (
	logFmtUploading      = "Uploading %d samples (%d bytes)"
	logFmtUploaded       = "Uploaded %d/%d samples"
	logFmtTrainingQueued = "Training task %s queued"
	logFmtDeleted        = "Deleted sample %d"
)

// DefaultExtensions lists the accepted sample formats.
var DefaultExtensions = []string{".wav", ".mp3", ".m4a", ".ogg", ".flac"}

var (
	errClientNil = errors.New("api client cannot be nil")
	errLoggerNil = errors.New("logger cannot be nil")
)

// Options holds the local upload limits and polling intervals.
type Options struct {
	MaxFiles           int
	MaxFileSize        int64
	AllowedExtensions  []string
	TrainingInterval   time.Duration
	ValidationInterval time.Duration
}

// DefaultOptions returns the limits the backend enforces.
func DefaultOptions() Options {
	return Options{
		MaxFiles:           DefaultMaxFiles,
		MaxFileSize:        DefaultMaxFileSize,
		AllowedExtensions:  slices.Clone(DefaultExtensions),
		TrainingInterval:   DefaultTrainingInterval,
		ValidationInterval: DefaultValidationInterval,
	}
}

func (o Options) withDefaults() Options {
	defaults := DefaultOptions()

	if o.MaxFiles <= 0 {
		o.MaxFiles = defaults.MaxFiles
	}

	if o.MaxFileSize <= 0 {
		o.MaxFileSize = defaults.MaxFileSize
	}

	if len(o.AllowedExtensions) == 0 {
		o.AllowedExtensions = defaults.AllowedExtensions
	}

	if o.TrainingInterval <= 0 {
		o.TrainingInterval = defaults.TrainingInterval
	}

	if o.ValidationInterval <= 0 {
		o.ValidationInterval = defaults.ValidationInterval
	}

	return o
}

// Service performs voice operations through an authenticated client.
type Service struct {
	client *api.Client
	log    *logger.Logger
	opts   Options
}

// NewService creates a Service. Zero option fields take their defaults.
func NewService(client *api.Client, log *logger.Logger, opts Options) (*Service, error) {
	if client == nil {
		return nil, errClientNil
	}

	if log == nil {
		return nil, errLoggerNil
	}

	return &Service{client: client, log: log, opts: opts.withDefaults()}, nil
}

// Options returns the effective options.
func (s *Service) Options() Options {
	return s.opts
}

// ValidateFiles applies the local upload limits to paths.
func (s *Service) ValidateFiles(paths []string) error {
	if len(paths) == 0 {
		return ErrNoFiles
	}

	if len(paths) > s.opts.MaxFiles {
		return fmt.Errorf("%w: %d selected, at most %d per upload", ErrTooManyFiles, len(paths), s.opts.MaxFiles)
	}

	for _, path := range paths {
		ext := strings.ToLower(filepath.Ext(path))
		if !slices.Contains(s.opts.AllowedExtensions, ext) {
			return fmt.Errorf("%w: %s (accepted: %s)", ErrUnsupportedFormat, path, strings.Join(s.opts.AllowedExtensions, " "))
		}

		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", path, err)
		}

		if info.IsDir() {
			return fmt.Errorf("%w: %s is a directory", ErrUnsupportedFormat, path)
		}

		if info.Size() > s.opts.MaxFileSize {
			return fmt.Errorf("%w: %s is %s, limit %s",
				ErrFileTooLarge, path, FormatFileSize(info.Size()), FormatFileSize(s.opts.MaxFileSize))
		}
	}

	return nil
}

// UploadSamples uploads every file in one multipart request, one "audio"
// part per file. onProgress, if set, sees a non-decreasing percentage that
// ends at 100 on success.
func (s *Service) UploadSamples(
	ctx context.Context,
	paths []string,
	onProgress func(api.Progress),
) (*UploadResponse, error) {
	err := s.ValidateFiles(paths)
	if err != nil {
		return nil, err
	}

	files := make([]api.FormFile, 0, len(paths))
	for _, path := range paths {
		files = append(files, api.FormFile{Field: audioField, Path: path})
	}

	payload, contentType, err := api.EncodeMultipart(files, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to encode samples: %w", err)
	}

	s.log.Info(logFmtUploading, len(paths), len(payload))

	resp, err := s.client.Do(ctx, &api.Request{
		Method:      http.MethodPost,
		Path:        UploadPath,
		Body:        payload,
		ContentType: contentType,
		OnProgress:  onProgress,
	})
	if err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}

	var uploaded UploadResponse

	err = resp.Decode(&uploaded)
	if err != nil {
		return nil, err
	}

	s.log.Info(logFmtUploaded, uploaded.CreatedCount, uploaded.TotalCount)

	return &uploaded, nil
}

// ListSamples returns the user's samples.
func (s *Service) ListSamples(ctx context.Context) ([]Sample, error) {
	var samples []Sample

	err := s.client.DoJSON(ctx, http.MethodGet, ListPath, nil, &samples)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch samples: %w", err)
	}

	return samples, nil
}

// DeleteSample removes one sample.
func (s *Service) DeleteSample(ctx context.Context, id int64) error {
	err := s.client.DoJSON(ctx, http.MethodDelete, fmt.Sprintf(samplePathFormat, id), nil, nil)
	if err != nil {
		return fmt.Errorf("failed to delete sample %d: %w", id, err)
	}

	s.log.Info(logFmtDeleted, id)

	return nil
}

// SampleStats returns the validation summary.
func (s *Service) SampleStats(ctx context.Context) (*SampleStats, error) {
	var stats SampleStats

	err := s.client.DoJSON(ctx, http.MethodGet, StatsPath, nil, &stats)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch sample stats: %w", err)
	}

	return &stats, nil
}

// StartTraining queues a training task. The backend must answer 202; a
// structured rejection is returned as *TrainingRejectedError.
func (s *Service) StartTraining(ctx context.Context) (*TrainingTask, error) {
	resp, err := s.client.Do(ctx, &api.Request{Method: http.MethodPost, Path: TrainPath})
	if err != nil {
		return nil, asTrainingRejection(err)
	}

	if resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	var queued struct {
		TaskID string `json:"task_id"`
	}

	err = resp.Decode(&queued)
	if err != nil {
		return nil, err
	}

	s.log.Info(logFmtTrainingQueued, queued.TaskID)

	return &TrainingTask{
		TaskID:    queued.TaskID,
		Status:    TaskPending,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Train checks that enough samples are valid and then starts training.
func (s *Service) Train(ctx context.Context) (*TrainingTask, error) {
	stats, err := s.SampleStats(ctx)
	if err != nil {
		return nil, err
	}

	if !stats.CanTrain {
		return nil, &NotEnoughSamplesError{Valid: stats.ValidSamples, Required: MinValidSamples}
	}

	return s.StartTraining(ctx)
}

// TrainingStatus fetches the current state of a training task.
func (s *Service) TrainingStatus(ctx context.Context, taskID string) (*TrainingTask, error) {
	if strings.TrimSpace(taskID) == "" {
		return nil, ErrTaskIDEmpty
	}

	var task TrainingTask

	err := s.client.DoJSON(ctx, http.MethodGet, fmt.Sprintf(taskPathFormat, url.PathEscape(taskID)), nil, &task)
	if err != nil {
		return nil, fmt.Errorf("failed to get training status: %w", err)
	}

	return &task, nil
}

// TextToSpeech synthesizes text with the user's cloned voice. Text the
// backend considers too long fails with api.KindPayloadTooLarge.
func (s *Service) TextToSpeech(ctx context.Context, text string) (*SpeechResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrTextEmpty
	}

	var result SpeechResult

	err := s.client.DoJSON(ctx, http.MethodPost, TextToSpeechPath, map[string]string{"text": text}, &result)
	if err != nil {
		return nil, fmt.Errorf("text-to-speech failed: %w", err)
	}

	if result.AudioURL == "" {
		return nil, ErrAudioURLEmpty
	}

	return &result, nil
}

// SpeechToSpeech converts a recording to the cloned voice and returns the
// recognized text with the converted audio.
func (s *Service) SpeechToSpeech(ctx context.Context, audioPath string) (*SpeechResult, error) {
	payload, contentType, err := api.EncodeMultipart([]api.FormFile{{Field: audioField, Path: audioPath}}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to encode recording: %w", err)
	}

	resp, err := s.client.Do(ctx, &api.Request{
		Method:      http.MethodPost,
		Path:        SpeechToSpeechPath,
		Body:        payload,
		ContentType: contentType,
		Timeout:     SpeechToSpeechTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("speech-to-speech failed: %w", err)
	}

	var result SpeechResult

	err = resp.Decode(&result)
	if err != nil {
		return nil, err
	}

	if result.AudioURL == "" {
		return nil, ErrAudioURLEmpty
	}

	return &result, nil
}

// DownloadAudio writes the audio behind audioURL to w. Relative URLs are
// resolved against the backend origin.
func (s *Service) DownloadAudio(ctx context.Context, audioURL string, w io.Writer) (int64, error) {
	resp, err := s.client.Do(ctx, &api.Request{Method: http.MethodGet, Path: audioURL})
	if err != nil {
		return 0, fmt.Errorf("failed to download audio: %w", err)
	}

	written, err := io.Copy(w, bytes.NewReader(resp.Body))
	if err != nil {
		return written, fmt.Errorf("failed to write audio: %w", err)
	}

	return written, nil
}

// Synthesize returns the audio for text.
func (s *Service) Synthesize(ctx context.Context, text string) ([]byte, error) {
	result, err := s.TextToSpeech(ctx, text)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer

	_, err = s.DownloadAudio(ctx, result.AudioURL, &buf)
	if err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

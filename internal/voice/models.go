package voice

import "time"

// Sample validation states.
const (
	StatusUploaded   = "uploaded"
	StatusProcessing = "processing"
	StatusValid      = "valid"
	StatusInvalid    = "invalid"
)

// Training task states.
const (
	TaskPending   = "pending"
	TaskTraining  = "training"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// Sample is an uploaded voice recording.
type Sample struct {
	ID        int64     `json:"id"`
	AudioFile string    `json:"audio_file"`
	Duration  float64   `json:"duration,omitempty"`
	FileSize  int64     `json:"file_size,omitempty"`
	Status    string    `json:"status,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SampleStats summarizes the validation state of the user's samples.
type SampleStats struct {
	TotalSamples      int     `json:"total_samples"`
	ValidSamples      int     `json:"valid_samples"`
	ProcessingSamples int     `json:"processing_samples"`
	InvalidSamples    int     `json:"invalid_samples"`
	UploadedSamples   int     `json:"uploaded_samples"`
	CanTrain          bool    `json:"can_train"`
	TotalDuration     float64 `json:"total_duration"`
	AverageQuality    float64 `json:"average_quality"`
}

// UploadResponse is the backend's answer to a sample upload. Errors lists
// per-file failures of an otherwise accepted upload.
type UploadResponse struct {
	Samples      []Sample `json:"samples"`
	CreatedCount int      `json:"created_count"`
	TotalCount   int      `json:"total_count"`
	Message      string   `json:"message"`
	Errors       []string `json:"errors,omitempty"`
}

// TrainingTask tracks a model training job.
type TrainingTask struct {
	TaskID       string    `json:"task_id"`
	Status       string    `json:"status"`
	Progress     *int      `json:"progress,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Done reports whether the task reached a terminal state.
func (t *TrainingTask) Done() bool {
	return t.Status == TaskCompleted || t.Status == TaskFailed
}

// TrainingDetails explains a rejected training request.
type TrainingDetails struct {
	ValidSamples      int `json:"valid_samples"`
	RequiredSamples   int `json:"required_samples"`
	TotalSamples      int `json:"total_samples"`
	ProcessingSamples int `json:"processing_samples"`
	InvalidSamples    int `json:"invalid_samples"`
}

// SpeechResult is returned by text-to-speech; Text is set by speech-to-speech.
type SpeechResult struct {
	Text     string `json:"text,omitempty"`
	AudioURL string `json:"audio_url"`
}

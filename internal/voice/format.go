package voice

import (
	"fmt"
	"math"
	"strings"
)

const (
	secondsPerMinute = 60
	bytesPerUnit     = 1024
)

var sizeUnits = []string{"Bytes", "KB", "MB", "GB"}

var trainingGuidelines = []string{
	"Upload at least 5-10 high-quality voice samples",
	"Each sample should be 5-30 seconds long",
	"Speak clearly and at a natural pace",
	"Use different sentences and emotions",
	"Record in a quiet environment",
	"Avoid background noise and echo",
}

var statusLabels = map[string]string{
	StatusValid:      "Valid ✓",
	StatusInvalid:    "Invalid ✗",
	StatusProcessing: "Processing...",
	StatusUploaded:   "Uploaded",
}

// FormatDuration renders seconds as m:ss; zero or less is "0:00".
func FormatDuration(seconds float64) string {
	if seconds <= 0 || math.IsNaN(seconds) {
		return "0:00"
	}

	minutes := int(seconds / secondsPerMinute)
	remainder := int(math.Mod(seconds, secondsPerMinute))

	return fmt.Sprintf("%d:%02d", minutes, remainder)
}

// FormatFileSize renders a byte count with one decimal in the largest unit
// up to GB; zero or less is "0 Bytes".
func FormatFileSize(size int64) string {
	if size <= 0 {
		return "0 Bytes"
	}

	value := float64(size)
	unit := 0

	for value >= bytesPerUnit && unit < len(sizeUnits)-1 {
		value /= bytesPerUnit
		unit++
	}

	return fmt.Sprintf("%.1f %s", value, sizeUnits[unit])
}

// EstimateTrainingTime gives a rough training duration for sampleCount
// samples.
func EstimateTrainingTime(sampleCount int) string {
	switch {
	case sampleCount < MinValidSamples:
		return "Not enough samples"
	case sampleCount < 10:
		return "15-30 minutes"
	case sampleCount < 20:
		return "30-60 minutes"
	case sampleCount < 50:
		return "1-2 hours"
	default:
		return "2-4 hours"
	}
}

// TrainingGuidelines returns recording advice for good samples.
func TrainingGuidelines() []string {
	return append([]string(nil), trainingGuidelines...)
}

// StatusLabel is the display text of a sample status.
func StatusLabel(status string) string {
	if label, ok := statusLabels[status]; ok {
		return label
	}

	if status == "" {
		return "unknown"
	}

	return status
}

// SanitizeFilename replaces characters that are invalid in most filesystems.
func SanitizeFilename(name string) string {
	replacer := strings.NewReplacer(
		"<", "_", ">", "_", ":", "_", `"`, "_",
		"/", "_", `\`, "_", "|", "_", "?", "_", "*", "_",
	)

	return replacer.Replace(name)
}

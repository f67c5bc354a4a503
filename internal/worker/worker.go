// Package worker turns text-processed events from NATS into audio synthesized
// with the user's cloned voice.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/voiceclone/internal/core"
	"github.com/book-expert/voiceclone/internal/voice/textprep"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	handleMessageTimeout = 2 * time.Minute
	audioKeySuffix       = ".wav"

	resultSuccess = "success"
	resultFailure = "failure"
)

var (
	// ErrTextKeyEmpty indicates an event without a text object key.
	ErrTextKeyEmpty = errors.New("text key cannot be empty")
	// ErrTextEmpty indicates that the downloaded text is blank after normalization.
	ErrTextEmpty = errors.New("text is empty after normalization")

	errConnectionNil  = errors.New("nats connection cannot be nil")
	errSubjectEmpty   = errors.New("subject cannot be empty")
	errStoreNil       = errors.New("object store cannot be nil")
	errSynthesizerNil = errors.New("synthesizer cannot be nil")
	errLoggerNil      = errors.New("logger cannot be nil")
)

const (
	logFmtListening       = "Listening for text events on %s"
	logFmtInvalidEvent    = "Failed to parse event: %v"
	logFmtJobFailed       = "Failed to synthesize workflow %s page %d: %v"
	logFmtJobDone         = "Synthesized workflow %s page %d/%d into %s (%d bytes)"
	logFmtReplyFailed     = "Failed to publish reply event for workflow %s: %v"
	logFmtCleanupFailed   = "Failed to remove orphaned audio %s: %v"
	logMsgDrainingStopped = "Subscription drained"
)

// Option customizes a NatsWorker.
type Option func(*NatsWorker)

// WithNormalizer replaces the default text normalizer. A nil normalizer
// sends the text to the synthesizer unchanged.
func WithNormalizer(normalizer *textprep.Normalizer) Option {
	return func(w *NatsWorker) {
		w.normalizer = normalizer
	}
}

// WithMetrics counts processed jobs by result.
func WithMetrics(metrics *Metrics) Option {
	return func(w *NatsWorker) {
		w.metrics = metrics
	}
}

// Metrics counts worker jobs.
type Metrics struct {
	jobs *prometheus.CounterVec
}

// NewMetrics creates the worker collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	metrics := &Metrics{
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voiceclone",
			Subsystem: "worker",
			Name:      "jobs_total",
			Help:      "Text events handled by result.",
		}, []string{"result"}),
	}

	err := reg.Register(metrics.jobs)
	if err != nil {
		return nil, fmt.Errorf("failed to register worker metrics: %w", err)
	}

	return metrics, nil
}

// Jobs returns the job counter for result ("success" or "failure").
func (m *Metrics) Jobs(result string) prometheus.Counter {
	return m.jobs.WithLabelValues(result)
}

func (m *Metrics) observe(err error) {
	if m == nil {
		return
	}

	if err != nil {
		m.jobs.WithLabelValues(resultFailure).Inc()

		return
	}

	m.jobs.WithLabelValues(resultSuccess).Inc()
}

// NatsWorker listens for text events on a NATS subject and answers each
// with the key of the synthesized audio.
type NatsWorker struct {
	natsConnection *nats.Conn
	subject        string
	store          core.ObjectStore
	synth          core.Synthesizer
	normalizer     *textprep.Normalizer
	metrics        *Metrics
	log            *logger.Logger
}

// NewNatsWorker creates a worker. Text is normalized with textprep defaults
// unless WithNormalizer says otherwise.
func NewNatsWorker(
	natsConnection *nats.Conn,
	subject string,
	store core.ObjectStore,
	synth core.Synthesizer,
	log *logger.Logger,
	opts ...Option,
) (*NatsWorker, error) {
	switch {
	case natsConnection == nil:
		return nil, errConnectionNil
	case subject == "":
		return nil, errSubjectEmpty
	case store == nil:
		return nil, errStoreNil
	case synth == nil:
		return nil, errSynthesizerNil
	case log == nil:
		return nil, errLoggerNil
	}

	worker := &NatsWorker{
		natsConnection: natsConnection,
		subject:        subject,
		store:          store,
		synth:          synth,
		normalizer:     textprep.New(),
		log:            log,
	}

	for _, opt := range opts {
		opt(worker)
	}

	return worker, nil
}

// Run subscribes and blocks until ctx is done, then drains the subscription.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.Subscribe(w.subject, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.subject, err)
	}

	w.log.Info(logFmtListening, w.subject)

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	w.log.Info(logMsgDrainingStopped)

	return nil
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), handleMessageTimeout)
	defer cancel()

	event, err := parseEvent(msg)
	if err != nil {
		w.metrics.observe(err)
		w.log.Error(logFmtInvalidEvent, err)

		return
	}

	audioKey, size, err := w.synthesizePage(ctx, event)
	w.metrics.observe(err)

	if err != nil {
		w.log.Error(logFmtJobFailed, event.Header.WorkflowID, event.PageNumber, err)

		return
	}

	w.log.Info(logFmtJobDone, event.Header.WorkflowID, event.PageNumber, event.TotalPages, audioKey, size)

	if msg.Reply == "" {
		return
	}

	replyEvent := &events.AudioChunkCreatedEvent{
		Header:     replyHeader(event.Header),
		AudioKey:   audioKey,
		PageNumber: event.PageNumber,
		TotalPages: event.TotalPages,
	}

	err = publishReply(msg, replyEvent)
	if err != nil {
		w.log.Error(logFmtReplyFailed, event.Header.WorkflowID, err)

		deleteErr := w.store.Delete(ctx, audioKey)
		if deleteErr != nil {
			w.log.Warn(logFmtCleanupFailed, audioKey, deleteErr)
		}
	}
}

// synthesizePage downloads the page text, synthesizes it, and stores the
// audio under a fresh key.
func (w *NatsWorker) synthesizePage(ctx context.Context, event *events.TextProcessedEvent) (string, int, error) {
	if event.TextKey == "" {
		return "", 0, ErrTextKeyEmpty
	}

	textData, err := w.store.Download(ctx, event.TextKey)
	if err != nil {
		return "", 0, fmt.Errorf("failed to download text data for key '%s': %w", event.TextKey, err)
	}

	text := string(textData)
	if w.normalizer != nil {
		text = w.normalizer.Normalize(text)
	}

	if text == "" {
		return "", 0, fmt.Errorf("%w: key '%s'", ErrTextEmpty, event.TextKey)
	}

	audioData, err := w.synth.Synthesize(ctx, text)
	if err != nil {
		return "", 0, fmt.Errorf("failed to synthesize speech: %w", err)
	}

	audioKey := uuid.NewString() + audioKeySuffix

	err = w.store.Upload(ctx, audioKey, audioData)
	if err != nil {
		return "", 0, fmt.Errorf("failed to upload audio data for key '%s': %w", audioKey, err)
	}

	return audioKey, len(audioData), nil
}

// replyHeader keeps the workflow identity and stamps a new event.
func replyHeader(header events.EventHeader) events.EventHeader {
	header.EventID = uuid.NewString()
	header.Timestamp = time.Now()

	return header
}

func publishReply(msg *nats.Msg, replyEvent *events.AudioChunkCreatedEvent) error {
	replyData, err := json.Marshal(replyEvent)
	if err != nil {
		return fmt.Errorf("failed to marshal reply event: %w", err)
	}

	err = msg.Respond(replyData)
	if err != nil {
		return fmt.Errorf("failed to publish reply event: %w", err)
	}

	return nil
}

func parseEvent(msg *nats.Msg) (*events.TextProcessedEvent, error) {
	var event events.TextProcessedEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	return &event, nil
}

package main

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/voiceclone/internal/config"
	"github.com/book-expert/voiceclone/internal/core"
	"github.com/book-expert/voiceclone/internal/fakebackend"
	"github.com/book-expert/voiceclone/internal/objectstore"
	"github.com/book-expert/voiceclone/internal/tokenstore"
	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeAnswersTextEvents(t *testing.T) {
	t.Parallel()

	opts := test.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	natsServer := test.RunServer(&opts)

	t.Cleanup(natsServer.Shutdown)

	backend := fakebackend.New()
	t.Cleanup(backend.Close)

	dir := t.TempDir()
	ctx := context.Background()

	cfg := &config.Config{}
	cfg.Backend.URL = backend.URL()
	cfg.Session.Store = config.StoreFile
	cfg.Session.FilePath = filepath.Join(dir, "credentials.toml")
	cfg.NATS.URL = natsServer.ClientURL()
	cfg.Paths.BaseLogsDir = filepath.Join(dir, "logs")
	cfg.Paths.OutputDir = dir
	cfg.Metrics.ListenAddr = "127.0.0.1:0"
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())

	access, refresh := backend.Login("alice")
	tokens := tokenstore.NewFile(cfg.Session.FilePath)
	require.NoError(t, tokens.Set(ctx, core.AccessTokenKey, access))
	require.NoError(t, tokens.Set(ctx, core.RefreshTokenKey, refresh))

	natsConnection, err := nats.Connect(natsServer.ClientURL())
	require.NoError(t, err)
	t.Cleanup(natsConnection.Close)

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	store, err := objectstore.New(jetstreamContext, cfg.NATS.AudioObjectStoreBucket)
	require.NoError(t, err)
	require.NoError(t, store.Upload(ctx, "page-1.txt", []byte("good morning")))

	log, err := logger.New(cfg.Paths.BaseLogsDir, "worker-main-test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	serveCtx, cancel := context.WithCancel(ctx)
	errChan := make(chan error, 1)

	go func() {
		errChan <- serve(serveCtx, cfg, log)
	}()

	eventData, err := json.Marshal(&events.TextProcessedEvent{
		Header:     events.EventHeader{Timestamp: time.Now(), WorkflowID: uuid.NewString(), EventID: uuid.NewString()},
		TextKey:    "page-1.txt",
		PageNumber: 1,
		TotalPages: 1,
	})
	require.NoError(t, err)

	var reply *nats.Msg

	require.Eventually(t, func() bool {
		reply, err = natsConnection.Request(cfg.NATS.TextProcessedSubject, eventData, time.Second)

		return err == nil
	}, 10*time.Second, 50*time.Millisecond)

	var replyEvent events.AudioChunkCreatedEvent

	require.NoError(t, json.Unmarshal(reply.Data, &replyEvent))

	audio, err := store.Download(ctx, replyEvent.AudioKey)
	require.NoError(t, err)
	assert.Equal(t, "RIFFgood morning", string(audio))

	cancel()
	require.NoError(t, <-errChan)
}

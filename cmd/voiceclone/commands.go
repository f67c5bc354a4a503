package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/book-expert/voiceclone/internal/api"
	"github.com/book-expert/voiceclone/internal/auth"
	"github.com/book-expert/voiceclone/internal/voice"
)

// EnvPassword supplies the password when -password is omitted.
const EnvPassword = "VOICECLONE_PASSWORD"

const (
	defaultSpeechFile = "speech.wav"
	defaultClonedFile = "cloned.wav"
	outputPermissions = 0o600
)

var (
	errUsernameRequired = errors.New("username is required")
	errPasswordRequired = errors.New("password is required (use -password or " + EnvPassword + ")")
	errSampleIDRequired = errors.New("sample id is required")
	errTaskIDRequired   = errors.New("task id is required")
	errAudioRequired    = errors.New("an audio file is required")
	errChunksRequired   = errors.New("-chunks is required")
)

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, a *app, args []string) error
}

func commands() []command {
	return []command{
		{name: "login", summary: "Log in and store the session", run: runLogin},
		{name: "register", summary: "Create an account", run: runRegister},
		{name: "logout", summary: "Forget the stored session", run: runLogout},
		{name: "whoami", summary: "Show the logged-in user", run: runWhoami},
		{name: "upload", summary: "Upload voice samples", run: runUpload},
		{name: "samples", summary: "List voice samples", run: runSamples},
		{name: "delete", summary: "Delete a voice sample", run: runDelete},
		{name: "stats", summary: "Show sample statistics", run: runStats},
		{name: "train", summary: "Start training the voice model", run: runTrain},
		{name: "status", summary: "Show a training task", run: runStatus},
		{name: "tts", summary: "Synthesize text with the cloned voice", run: runTextToSpeech},
		{name: "sts", summary: "Re-voice a recording with the cloned voice", run: runSpeechToSpeech},
		{name: "batch", summary: "Synthesize a JSON array of text chunks", run: runBatch},
		{name: "guidelines", summary: "Show recording tips", run: runGuidelines},
	}
}

func findCommand(name string) (command, bool) {
	for _, cmd := range commands() {
		if cmd.name == name {
			return cmd, true
		}
	}

	return command{}, false
}

func printUsage(out io.Writer, globals *flag.FlagSet) {
	fmt.Fprintln(out, "Usage: voiceclone [-config file] [-verbose] <command> [flags]")
	fmt.Fprintln(out, "\nCommands:")

	for _, cmd := range commands() {
		fmt.Fprintf(out, "  %-11s %s\n", cmd.name, cmd.summary)
	}

	fmt.Fprintln(out, "\nGlobal flags:")
	globals.PrintDefaults()
}

func newFlagSet(a *app, name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.out)

	return fs
}

func passwordOrEnv(password string) string {
	if password != "" {
		return password
	}

	return os.Getenv(EnvPassword)
}

func runLogin(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "login")
	username := fs.String("username", "", "Account username")
	password := fs.String("password", "", "Account password")

	err := fs.Parse(args)
	if err != nil {
		return err
	}

	if *username == "" {
		return errUsernameRequired
	}

	secret := passwordOrEnv(*password)
	if secret == "" {
		return errPasswordRequired
	}

	user, err := a.session.Login(ctx, *username, secret)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "Logged in as %s\n", user.Username)

	return nil
}

func runRegister(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "register")

	var input auth.RegisterInput

	fs.StringVar(&input.Username, "username", "", "Account username")
	fs.StringVar(&input.Email, "email", "", "Email address")
	fs.StringVar(&input.Password, "password", "", "Password")
	fs.StringVar(&input.Password2, "confirm", "", "Password confirmation (defaults to -password)")
	fs.StringVar(&input.FirstName, "first-name", "", "First name")
	fs.StringVar(&input.LastName, "last-name", "", "Last name")

	err := fs.Parse(args)
	if err != nil {
		return err
	}

	input.Password = passwordOrEnv(input.Password)
	if input.Password2 == "" {
		input.Password2 = input.Password
	}

	user, err := a.session.Register(ctx, input)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "Registered and logged in as %s\n", user.Username)

	return nil
}

func runLogout(ctx context.Context, a *app, _ []string) error {
	err := a.session.Logout(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintln(a.out, "Logged out")

	return nil
}

func runWhoami(ctx context.Context, a *app, _ []string) error {
	err := a.session.Init(ctx)
	if err != nil {
		return err
	}

	user := a.session.User()
	if user == nil {
		return auth.ErrNotAuthenticated
	}

	fmt.Fprintf(a.out, "%s <%s>\n", user.Username, user.Email)

	expiry, err := a.session.TokenExpiry(ctx)
	if err == nil {
		fmt.Fprintf(a.out, "Access token expires %s\n", expiry.Local().Format(time.RFC1123))
	}

	return nil
}

func runUpload(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "upload")
	watch := fs.Bool("watch", false, "Wait until the backend has validated every sample")

	err := fs.Parse(args)
	if err != nil {
		return err
	}

	resp, err := a.service.UploadSamples(ctx, fs.Args(), func(progress api.Progress) {
		fmt.Fprintf(a.out, "\rUploading... %3d%%", progress.Percentage)
	})

	fmt.Fprintln(a.out)

	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "%s (%d/%d created)\n", resp.Message, resp.CreatedCount, resp.TotalCount)

	for _, uploadErr := range resp.Errors {
		fmt.Fprintf(a.out, "  ! %s\n", uploadErr)
	}

	if !*watch {
		return nil
	}

	stats, err := a.service.WatchValidation(ctx, func(_ []voice.Sample, stats *voice.SampleStats) {
		fmt.Fprintf(a.out, "Validating: %d valid, %d processing, %d invalid\n",
			stats.ValidSamples, stats.ProcessingSamples, stats.InvalidSamples)
	})
	if err != nil {
		return err
	}

	printStats(a.out, stats)

	return nil
}

func runSamples(ctx context.Context, a *app, _ []string) error {
	samples, stats, err := a.service.LoadSamples(ctx)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tFILE\tDURATION\tSIZE\tSTATUS")

	for _, sample := range samples {
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%s\n",
			sample.ID,
			filepath.Base(sample.AudioFile),
			voice.FormatDuration(sample.Duration),
			voice.FormatFileSize(sample.FileSize),
			voice.StatusLabel(sample.Status),
		)
	}

	err = writer.Flush()
	if err != nil {
		return fmt.Errorf("failed to write sample table: %w", err)
	}

	printStats(a.out, stats)

	return nil
}

func runDelete(ctx context.Context, a *app, args []string) error {
	if len(args) == 0 {
		return errSampleIDRequired
	}

	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid sample id %q: %w", args[0], err)
	}

	err = a.service.DeleteSample(ctx, id)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "Deleted sample %d\n", id)

	return nil
}

func runStats(ctx context.Context, a *app, _ []string) error {
	stats, err := a.service.SampleStats(ctx)
	if err != nil {
		return err
	}

	printStats(a.out, stats)

	return nil
}

func printStats(out io.Writer, stats *voice.SampleStats) {
	fmt.Fprintf(out, "Samples: %d total, %d valid, %d processing, %d invalid\n",
		stats.TotalSamples, stats.ValidSamples, stats.ProcessingSamples, stats.InvalidSamples)
	fmt.Fprintf(out, "Total duration: %s\n", voice.FormatDuration(stats.TotalDuration))

	if stats.CanTrain {
		fmt.Fprintf(out, "Ready to train (estimated %s)\n", voice.EstimateTrainingTime(stats.ValidSamples))

		return
	}

	fmt.Fprintf(out, "Need %d valid samples to train\n", voice.MinValidSamples)
}

func runTrain(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "train")
	wait := fs.Bool("wait", false, "Poll until training finishes")

	err := fs.Parse(args)
	if err != nil {
		return err
	}

	task, err := a.service.Train(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "Training task %s queued\n", task.TaskID)

	if !*wait {
		return nil
	}

	task, err = a.service.WaitForTraining(ctx, task.TaskID, func(update *voice.TrainingTask) {
		printTask(a.out, update)
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "Training %s\n", task.Status)

	return nil
}

func runStatus(ctx context.Context, a *app, args []string) error {
	if len(args) == 0 {
		return errTaskIDRequired
	}

	task, err := a.service.TrainingStatus(ctx, args[0])
	if err != nil {
		return err
	}

	printTask(a.out, task)

	return nil
}

func printTask(out io.Writer, task *voice.TrainingTask) {
	line := fmt.Sprintf("Task %s: %s", task.TaskID, task.Status)

	if task.Progress != nil {
		line += fmt.Sprintf(" (%d%%)", *task.Progress)
	}

	if task.ErrorMessage != "" {
		line += ": " + task.ErrorMessage
	}

	fmt.Fprintln(out, line)
}

func runTextToSpeech(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "tts")
	text := fs.String("text", "", "Text to synthesize (defaults to the remaining arguments)")
	output := fs.String("output", "", "Output file (defaults to speech.wav in the output directory)")

	err := fs.Parse(args)
	if err != nil {
		return err
	}

	input := *text
	if input == "" {
		input = strings.Join(fs.Args(), " ")
	}

	result, err := a.service.TextToSpeech(ctx, input)
	if err != nil {
		return err
	}

	return a.saveAudio(ctx, result.AudioURL, a.outputPath(*output, defaultSpeechFile))
}

func runSpeechToSpeech(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "sts")
	output := fs.String("output", "", "Output file (defaults to cloned.wav in the output directory)")

	err := fs.Parse(args)
	if err != nil {
		return err
	}

	if fs.NArg() == 0 {
		return errAudioRequired
	}

	result, err := a.service.SpeechToSpeech(ctx, fs.Arg(0))
	if err != nil {
		return err
	}

	if result.Text != "" {
		fmt.Fprintf(a.out, "Transcript: %s\n", result.Text)
	}

	return a.saveAudio(ctx, result.AudioURL, a.outputPath(*output, defaultClonedFile))
}

func (a *app) outputPath(requested, fallback string) string {
	if requested != "" {
		return requested
	}

	return filepath.Join(a.cfg.Paths.OutputDir, fallback)
}

func (a *app) saveAudio(ctx context.Context, audioURL, path string) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, outputPermissions)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	written, err := a.service.DownloadAudio(ctx, audioURL, file)
	closeErr := file.Close()

	if err != nil {
		_ = os.Remove(path)

		return err
	}

	if closeErr != nil {
		return fmt.Errorf("failed to close %s: %w", path, closeErr)
	}

	fmt.Fprintf(a.out, "Saved %s (%s)\n", path, voice.FormatFileSize(written))

	return nil
}

func runBatch(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "batch")
	chunks := fs.String("chunks", "", "JSON file containing an array of text chunks")
	outputDir := fs.String("out", "", "Directory for chunk_NNNN.wav files (defaults to the output directory)")
	workers := fs.Int("workers", a.cfg.Batch.Workers, "Concurrent synthesis requests")
	normalize := fs.Bool("normalize", a.cfg.Batch.NormalizeText, "Normalize text before synthesis")

	err := fs.Parse(args)
	if err != nil {
		return err
	}

	if *chunks == "" {
		return errChunksRequired
	}

	dir := *outputDir
	if dir == "" {
		dir = a.cfg.Paths.OutputDir
	}

	engine, err := voice.NewBatchEngine(a.service, a.log, voice.BatchOptions{
		Workers:   *workers,
		Normalize: *normalize,
	})
	if err != nil {
		return err
	}

	err = engine.ProcessChunks(ctx, *chunks, dir)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "Generated audio files in: %s\n", dir)

	return nil
}

func runGuidelines(_ context.Context, a *app, _ []string) error {
	fmt.Fprintln(a.out, "Recording guidelines:")

	for _, guideline := range voice.TrainingGuidelines() {
		fmt.Fprintf(a.out, "  - %s\n", guideline)
	}

	return nil
}

func joinLines(lines []string) string {
	return strings.Join(lines, "\n  ")
}

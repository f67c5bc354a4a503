// Package fakebackend serves the voice-cloning backend HTTP contract from
// memory. Tests use it to drive the client end to end and to count what the
// client actually sent.
package fakebackend

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Route names used by Hits.
const (
	RouteLogin          = "login"
	RouteRegister       = "register"
	RouteRefresh        = "refresh"
	RouteUser           = "user"
	RouteUpload         = "upload"
	RouteList           = "list"
	RouteDelete         = "delete"
	RouteStats          = "stats"
	RouteTrain          = "train"
	RouteTrainingStatus = "training-status"
	RouteTTS            = "tts"
	RouteSTS            = "sts"
	RouteMedia          = "media"
)

// MinTrainingSamples is the number of valid samples training requires.
const MinTrainingSamples = 5

// MaxTextLength is the longest text accepted by text-to-speech.
const MaxTextLength = 5000

const (
	signingKey   = "fakebackend-secret"
	accessTTL    = 5 * time.Minute
	progressStep = 50
)

type account struct {
	Username string
	Email    string
	Password string
}

type sample struct {
	ID        int64     `json:"id"`
	AudioFile string    `json:"audio_file"`
	Duration  float64   `json:"duration"`
	FileSize  int64     `json:"file_size"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`

	pendingChecks int
}

type task struct {
	TaskID       string    `json:"task_id"`
	Status       string    `json:"status"`
	Progress     int       `json:"progress"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Backend is an in-memory voice-cloning backend.
type Backend struct {
	Server *httptest.Server

	mu        sync.Mutex
	accounts  map[string]account
	access    map[string]string
	refresh   map[string]string
	samples   []*sample
	tasks     map[string]*task
	media     map[string][]byte
	hits      map[string]int
	auth      map[string][]string
	nextID    int64
	nextToken int

	failRefresh          bool
	registerIssuesTokens bool
	validationChecks     int
	failTraining         bool
}

// New starts a backend with one registered account, alice/secret.
func New() *Backend {
	backend := &Backend{
		accounts:         map[string]account{"alice": {Username: "alice", Email: "alice@example.com", Password: "secret"}},
		access:           make(map[string]string),
		refresh:          make(map[string]string),
		tasks:            make(map[string]*task),
		media:            make(map[string][]byte),
		hits:             make(map[string]int),
		auth:             make(map[string][]string),
		validationChecks: 1,
	}

	backend.Server = httptest.NewServer(backend.routes())

	return backend
}

// URL returns the backend origin.
func (b *Backend) URL() string {
	return b.Server.URL
}

// Close stops the server.
func (b *Backend) Close() {
	b.Server.Close()
}

// Hits returns how many requests reached route.
func (b *Backend) Hits(route string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.hits[route]
}

// Authorizations returns the Authorization headers received on route, in order.
func (b *Backend) Authorizations(route string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]string(nil), b.auth[route]...)
}

// Login issues a token pair for username without going through HTTP.
func (b *Backend) Login(username string) (string, string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.issueLocked(username)
}

// ExpireAccess makes every issued access token invalid.
func (b *Backend) ExpireAccess() {
	b.mu.Lock()
	b.access = make(map[string]string)
	b.mu.Unlock()
}

// SetFailRefresh makes the refresh endpoint reject every token.
func (b *Backend) SetFailRefresh(fail bool) {
	b.mu.Lock()
	b.failRefresh = fail
	b.mu.Unlock()
}

// SetRegisterIssuesTokens makes registration answer with a token pair.
func (b *Backend) SetRegisterIssuesTokens(issue bool) {
	b.mu.Lock()
	b.registerIssuesTokens = issue
	b.mu.Unlock()
}

// SetValidationChecks sets how many stats requests a new sample stays
// processing before it turns valid.
func (b *Backend) SetValidationChecks(checks int) {
	b.mu.Lock()
	b.validationChecks = checks
	b.mu.Unlock()
}

// SetFailTraining makes every training task fail on its next poll.
func (b *Backend) SetFailTraining(fail bool) {
	b.mu.Lock()
	b.failTraining = fail
	b.mu.Unlock()
}

// AddSamples inserts n samples with the given status.
func (b *Backend) AddSamples(n int, status string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for range n {
		b.addSampleLocked(fmt.Sprintf("seed-%d.wav", b.nextID+1), 1024, status)
	}
}

func (b *Backend) routes() http.Handler {
	router := chi.NewRouter()

	router.Post("/api/auth/token/", b.handleLogin(false))
	router.Post("/api/auth/login/", b.handleLogin(true))
	router.Post("/api/auth/register/", b.handleRegister)
	router.Post("/api/auth/token/refresh/", b.handleRefresh)
	router.Get("/media/{name}", b.handleMedia)

	router.Group(func(protected chi.Router) {
		protected.Use(b.requireAccess)
		protected.Get("/api/auth/user/", b.handleUser)
		protected.Post("/api/upload-sample/", b.handleUpload)
		protected.Get("/api/upload-sample/list/", b.handleList)
		protected.Delete("/api/upload-sample/{id}/", b.handleDelete)
		protected.Get("/api/samples/stats/", b.handleStats)
		protected.Post("/api/train-model/", b.handleTrain)
		protected.Get("/api/train-model/{taskID}/", b.handleTrainingStatus)
		protected.Post("/api/text-to-speech", b.handleTTS)
		protected.Post("/api/speech-to-speech", b.handleSTS)
	})

	return router
}

func (b *Backend) record(route string, r *http.Request) {
	b.mu.Lock()
	b.hits[route]++
	b.auth[route] = append(b.auth[route], r.Header.Get("Authorization"))
	b.mu.Unlock()
}

func (b *Backend) requireAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.record(routeOf(r), r)

		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

		b.mu.Lock()
		username, ok := b.access[token]
		b.mu.Unlock()

		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"detail": "Given token not valid for any token type",
			})

			return
		}

		r.Header.Set("X-Fake-User", username)
		next.ServeHTTP(w, r)
	})
}

func routeOf(r *http.Request) string {
	path := r.URL.Path

	switch {
	case path == "/api/auth/user/":
		return RouteUser
	case path == "/api/upload-sample/" && r.Method == http.MethodPost:
		return RouteUpload
	case path == "/api/upload-sample/list/":
		return RouteList
	case strings.HasPrefix(path, "/api/upload-sample/") && r.Method == http.MethodDelete:
		return RouteDelete
	case path == "/api/samples/stats/":
		return RouteStats
	case path == "/api/train-model/":
		return RouteTrain
	case strings.HasPrefix(path, "/api/train-model/"):
		return RouteTrainingStatus
	case path == "/api/text-to-speech":
		return RouteTTS
	case path == "/api/speech-to-speech":
		return RouteSTS
	default:
		return path
	}
}

func (b *Backend) handleLogin(withUser bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.record(RouteLogin, r)

		var creds struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}

		if !decodeJSON(w, r, &creds) {
			return
		}

		b.mu.Lock()
		acct, ok := b.accounts[creds.Username]

		if !ok || acct.Password != creds.Password {
			b.mu.Unlock()
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"detail": "No active account found with the given credentials",
			})

			return
		}

		access, refresh := b.issueLocked(acct.Username)
		b.mu.Unlock()

		body := map[string]any{"access": access, "refresh": refresh}
		if withUser {
			body["user"] = map[string]string{"username": acct.Username, "email": acct.Email}
		}

		writeJSON(w, http.StatusOK, body)
	}
}

func (b *Backend) handleRegister(w http.ResponseWriter, r *http.Request) {
	b.record(RouteRegister, r)

	var input struct {
		Username  string `json:"username"`
		Email     string `json:"email"`
		Password  string `json:"password"`
		Password2 string `json:"password2"`
	}

	if !decodeJSON(w, r, &input) {
		return
	}

	fields := make(map[string][]string)

	if input.Username == "" {
		fields["username"] = []string{"This field may not be blank."}
	}

	if !strings.Contains(input.Email, "@") {
		fields["email"] = []string{"Enter a valid email address."}
	}

	if input.Password != input.Password2 {
		fields["password"] = []string{"Password fields didn't match."}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.accounts[input.Username]; exists {
		fields["username"] = []string{"A user with that username already exists."}
	}

	if len(fields) > 0 {
		writeJSON(w, http.StatusBadRequest, fields)

		return
	}

	b.accounts[input.Username] = account{Username: input.Username, Email: input.Email, Password: input.Password}
	body := map[string]any{"username": input.Username, "email": input.Email}

	if b.registerIssuesTokens {
		access, refresh := b.issueLocked(input.Username)
		body["access"] = access
		body["refresh"] = refresh
		body["user"] = map[string]string{"username": input.Username, "email": input.Email}
	}

	writeJSON(w, http.StatusCreated, body)
}

func (b *Backend) handleRefresh(w http.ResponseWriter, r *http.Request) {
	b.record(RouteRefresh, r)

	var input struct {
		Refresh string `json:"refresh"`
	}

	if !decodeJSON(w, r, &input) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	username, ok := b.refresh[input.Refresh]
	if !ok || b.failRefresh {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"detail": "Token is invalid or expired",
		})

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"access": b.accessLocked(username)})
}

func (b *Backend) handleUser(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	acct := b.accounts[r.Header.Get("X-Fake-User")]
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"username": acct.Username, "email": acct.Email})
}

func (b *Backend) handleUpload(w http.ResponseWriter, r *http.Request) {
	err := r.ParseMultipartForm(32 << 20)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid multipart payload"})

		return
	}

	files := r.MultipartForm.File["audio"]
	if len(files) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "No audio files provided"})

		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	created := make([]*sample, 0, len(files))

	var uploadErrors []string

	for _, header := range files {
		if header.Size == 0 {
			uploadErrors = append(uploadErrors, header.Filename+": empty file")

			continue
		}

		created = append(created, b.addSampleLocked(header.Filename, header.Size, "processing"))
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"samples":       created,
		"created_count": len(created),
		"total_count":   len(files),
		"message":       fmt.Sprintf("%d samples uploaded", len(created)),
		"errors":        uploadErrors,
	})
}

func (b *Backend) handleList(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	writeJSON(w, http.StatusOK, b.samples)
}

func (b *Backend) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})

		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for index, existing := range b.samples {
		if existing.ID == id {
			b.samples = append(b.samples[:index], b.samples[index+1:]...)
			w.WriteHeader(http.StatusNoContent)

			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not found."})
}

func (b *Backend) handleStats(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := map[string]any{}

	var valid, processing, invalid, uploaded int

	var duration float64

	for _, existing := range b.samples {
		if existing.Status == "processing" {
			existing.pendingChecks--
			if existing.pendingChecks < 0 {
				existing.Status = "valid"
			}
		}

		switch existing.Status {
		case "valid":
			valid++
			duration += existing.Duration
		case "processing":
			processing++
		case "invalid":
			invalid++
		default:
			uploaded++
		}
	}

	stats["total_samples"] = len(b.samples)
	stats["valid_samples"] = valid
	stats["processing_samples"] = processing
	stats["invalid_samples"] = invalid
	stats["uploaded_samples"] = uploaded
	stats["can_train"] = valid >= MinTrainingSamples
	stats["total_duration"] = duration
	stats["average_quality"] = 0.9

	writeJSON(w, http.StatusOK, stats)
}

func (b *Backend) handleTrain(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var valid, processing, invalid int

	for _, existing := range b.samples {
		switch existing.Status {
		case "valid":
			valid++
		case "processing":
			processing++
		case "invalid":
			invalid++
		}
	}

	if valid < MinTrainingSamples {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": "Not enough valid samples",
			"details": map[string]int{
				"valid_samples":      valid,
				"required_samples":   MinTrainingSamples,
				"total_samples":      len(b.samples),
				"processing_samples": processing,
				"invalid_samples":    invalid,
			},
		})

		return
	}

	created := &task{TaskID: uuid.NewString(), Status: "pending", CreatedAt: time.Now().UTC()}
	b.tasks[created.TaskID] = created

	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": created.TaskID})
}

func (b *Backend) handleTrainingStatus(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, ok := b.tasks[chi.URLParam(r, "taskID")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not found."})

		return
	}

	switch {
	case existing.Status == "completed" || existing.Status == "failed":
	case b.failTraining:
		existing.Status = "failed"
		existing.ErrorMessage = "training diverged"
	default:
		existing.Progress += progressStep
		existing.Status = "training"

		if existing.Progress >= 100 {
			existing.Progress = 100
			existing.Status = "completed"
		}
	}

	writeJSON(w, http.StatusOK, existing)
}

func (b *Backend) handleTTS(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Text string `json:"text"`
	}

	if !decodeJSON(w, r, &input) {
		return
	}

	if strings.TrimSpace(input.Text) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Text is required"})

		return
	}

	if len(input.Text) > MaxTextLength {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "Text too long"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"audio_url": b.storeMedia([]byte("RIFF" + input.Text))})
}

func (b *Backend) handleSTS(w http.ResponseWriter, r *http.Request) {
	err := r.ParseMultipartForm(32 << 20)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid multipart payload"})

		return
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "No audio provided"})

		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable audio"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"text":      "transcribed " + header.Filename,
		"audio_url": b.storeMedia(append([]byte("RIFF"), content...)),
	})
}

func (b *Backend) handleMedia(w http.ResponseWriter, r *http.Request) {
	b.record(RouteMedia, r)

	b.mu.Lock()
	data, ok := b.media[chi.URLParam(r, "name")]
	b.mu.Unlock()

	if !ok {
		http.NotFound(w, r)

		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	_, _ = w.Write(data)
}

func (b *Backend) storeMedia(data []byte) string {
	name := uuid.NewString() + ".wav"

	b.mu.Lock()
	b.media[name] = data
	b.mu.Unlock()

	return "/media/" + name
}

func (b *Backend) addSampleLocked(name string, size int64, status string) *sample {
	b.nextID++

	created := &sample{
		ID:            b.nextID,
		AudioFile:     "/media/" + name,
		Duration:      12.5,
		FileSize:      size,
		Status:        status,
		CreatedAt:     time.Now().UTC(),
		pendingChecks: b.validationChecks,
	}
	b.samples = append(b.samples, created)

	return created
}

func (b *Backend) issueLocked(username string) (string, string) {
	b.nextToken++
	refresh := fmt.Sprintf("refresh-%d-%s", b.nextToken, username)
	b.refresh[refresh] = username

	return b.accessLocked(username), refresh
}

func (b *Backend) accessLocked(username string) string {
	b.nextToken++

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   username,
		ID:        strconv.Itoa(b.nextToken),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(accessTTL)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(signingKey))
	if err != nil {
		signed = fmt.Sprintf("access-%d-%s", b.nextToken, username)
	}

	b.access[signed] = username

	return signed
}

func decodeJSON(w http.ResponseWriter, r *http.Request, target any) bool {
	err := json.NewDecoder(r.Body).Decode(target)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "JSON parse error"})

		return false
	}

	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Package coqui provides a Coqui TTS-backed synthesizer that connects to
// either a Coqui XTTS v2 server or a standard Coqui TTS server via its REST
// API. It implements the tts.Synthesizer interface.
//
// Two API modes are supported:
//
//   - APIModeStandard (default): targets the standard Coqui TTS server
//     (ghcr.io/coqui-ai/tts-cpu). Synthesis is performed via GET /api/tts
//     with URL query parameters.
//
//   - APIModeXTTS: targets the Coqui XTTS v2 API server. Synthesis is
//     performed via POST /tts_to_audio/ with a JSON body.
//
// Both servers operate in batch mode (one HTTP call per utterance), so the
// chunk channel starts emitting once the WAV response has been received and
// decoded; chunking keeps the consumer's pacing and cancellation granular.
//
// Typical usage (standard server):
//
//	s, err := coqui.New("http://localhost:5002",
//	    coqui.WithLanguage("en"),
//	    coqui.WithTimeout(15*time.Second),
//	)
//	chunks, errs := s.Synthesize(ctx, tts.Request{Text: "Hello.", SampleRate: 24000})
package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/voicewire/voicewire/pkg/audio"
	"github.com/voicewire/voicewire/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Synthesizer = (*Synthesizer)(nil)

// ---- constants ----

const (
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second
	ttsEndpoint     = "/tts_to_audio/"
	apiTTSEndpoint  = "/api/tts"

	// pcmChunkSize is the size of each PCM chunk emitted on the audio channel.
	pcmChunkSize = 4096

	// audioChanBuf is the buffer depth of the returned chunk channel.
	audioChanBuf = 64
)

// ---- APIMode ----

// APIMode selects which Coqui server API the synthesizer will target.
type APIMode string

const (
	// APIModeXTTS targets the Coqui XTTS v2 API server (/tts_to_audio/).
	APIModeXTTS APIMode = "xtts"

	// APIModeStandard targets the standard Coqui TTS server (/api/tts).
	// This is the default mode.
	APIModeStandard APIMode = "standard"
)

// ---- options ----

// Option is a functional option for configuring a Coqui Synthesizer.
type Option func(*Synthesizer)

// WithLanguage sets the BCP-47 language code sent to the TTS server (e.g.
// "en", "de", "fr"). Defaults to "en" if not set.
func WithLanguage(lang string) Option {
	return func(s *Synthesizer) {
		s.language = lang
	}
}

// WithTimeout sets the per-request HTTP timeout for calls to the TTS server.
// Defaults to 30 s if not set.
func WithTimeout(d time.Duration) Option {
	return func(s *Synthesizer) {
		s.httpClient.Timeout = d
	}
}

// WithAPIMode sets the server API mode. Use APIModeStandard (default) for the
// standard Coqui TTS Docker image (ghcr.io/coqui-ai/tts-cpu) or APIModeXTTS
// for the XTTS v2 API server.
func WithAPIMode(mode APIMode) Option {
	return func(s *Synthesizer) {
		s.apiMode = mode
	}
}

// ---- Synthesizer ----

// Synthesizer implements tts.Synthesizer backed by a locally-running Coqui
// TTS server. Safe for concurrent use; multiple Synthesize calls may run in
// parallel.
type Synthesizer struct {
	serverURL  string
	language   string
	httpClient *http.Client
	apiMode    APIMode
}

// New creates a new Coqui Synthesizer that targets the TTS server at
// serverURL (e.g. "http://localhost:5002"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Synthesizer, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	s := &Synthesizer{
		serverURL: strings.TrimRight(serverURL, "/"),
		language:  defaultLanguage,
		apiMode:   APIModeStandard,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// languageFor resolves the language for one request: the request's own code
// when set, otherwise the synthesizer's configured default.
func (s *Synthesizer) languageFor(req tts.Request) string {
	if req.Language != "" {
		return req.Language
	}
	return s.language
}

// ttsRequest is the JSON body sent to POST /tts_to_audio/ (XTTS mode).
type ttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// Synthesize implements tts.Synthesizer. It performs a single HTTP synthesis
// call, strips the WAV container, resamples to req.SampleRate when needed,
// and emits the PCM in fixed-size chunks.
func (s *Synthesizer) Synthesize(ctx context.Context, req tts.Request) (<-chan []byte, <-chan error) {
	chunks := make(chan []byte, audioChanBuf)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		pcm, err := s.synthesize(ctx, req)
		if err != nil {
			errs <- err
			return
		}

		for len(pcm) > 0 {
			end := min(pcmChunkSize, len(pcm))
			select {
			case chunks <- pcm[:end]:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
			pcm = pcm[end:]
		}
	}()

	return chunks, errs
}

// synthesize dispatches to the appropriate implementation based on the
// configured API mode.
func (s *Synthesizer) synthesize(ctx context.Context, req tts.Request) ([]byte, error) {
	if req.Text == "" {
		return nil, errors.New("coqui: request text must not be empty")
	}
	if s.apiMode == APIModeStandard {
		return s.synthesizeStandard(ctx, req)
	}
	return s.synthesizeXTTS(ctx, req)
}

// synthesizeXTTS performs a single POST /tts_to_audio/ call (XTTS v2 mode)
// and returns the raw PCM (WAV header stripped).
func (s *Synthesizer) synthesizeXTTS(ctx context.Context, req tts.Request) ([]byte, error) {
	if req.VoiceID == "" {
		return nil, errors.New("coqui: VoiceID must not be empty (required for XTTS mode)")
	}
	body := ttsRequest{
		Text:       req.Text,
		SpeakerWav: req.VoiceID,
		Language:   s.languageFor(req),
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("coqui: marshal tts request: %w", err)
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.serverURL+ttsEndpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "audio/wav")

	return s.doSynthesis(hreq, req.SampleRate, ttsEndpoint)
}

// synthesizeStandard performs a single GET /api/tts request (standard server
// mode) using URL query parameters and returns the raw PCM.
func (s *Synthesizer) synthesizeStandard(ctx context.Context, req tts.Request) ([]byte, error) {
	params := url.Values{}
	params.Set("text", req.Text)
	if req.VoiceID != "" {
		params.Set("speaker_id", req.VoiceID)
	}
	if lang := s.languageFor(req); lang != "" {
		params.Set("language_id", lang)
	}

	reqURL := s.serverURL + apiTTSEndpoint + "?" + params.Encode()
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	hreq.Header.Set("Accept", "audio/wav")

	return s.doSynthesis(hreq, req.SampleRate, apiTTSEndpoint)
}

// doSynthesis executes the prepared HTTP request, decodes the WAV response
// and resamples to outputRate when it differs from the model's native rate.
func (s *Synthesizer) doSynthesis(hreq *http.Request, outputRate int, endpoint string) ([]byte, error) {
	resp, err := s.httpClient.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("coqui: %s %s: %w", hreq.Method, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: %s %s returned status %d", hreq.Method, endpoint, resp.StatusCode)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read WAV response: %w", err)
	}

	info, err := audio.ParseWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("coqui: %w", err)
	}

	pcm := wav[info.DataOffset : info.DataOffset+info.DataLen]
	src := audio.Format{SampleRate: info.SampleRate, Channels: info.Channels}
	if outputRate > 0 {
		pcm = audio.ToMono16(pcm, src, outputRate)
	} else if info.Channels == 2 {
		pcm = audio.StereoToMono(pcm)
	}
	return pcm, nil
}

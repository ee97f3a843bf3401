// Package coqui synthesises speech against a locally running Coqui TTS
// server. Two server flavours are supported: the stock TTS server image
// (GET /api/tts, voice catalogue from GET /details) and the XTTS v2 API
// server (POST /tts_to_audio/, catalogue from GET /studio_speakers). Both
// are batch servers that answer one WAV per utterance, so SynthesizeStream
// assembles incoming fragments into sentences and issues one HTTP call per
// sentence, emitting the decoded PCM in order.
package coqui

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/parley-ai/parley/pkg/audio"
	"github.com/parley-ai/parley/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

// Mode selects which Coqui server flavour requests are shaped for.
type Mode string

const (
	// ModeStandard targets the stock TTS server image. The default.
	ModeStandard Mode = "standard"

	// ModeXTTS targets the XTTS v2 API server.
	ModeXTTS Mode = "xtts"
)

const (
	defaultLanguage = "en"
	requestTimeout  = 30 * time.Second

	synthPath        = "/api/tts"
	detailsPath      = "/details"
	xttsSynthPath    = "/tts_to_audio/"
	xttsSpeakersPath = "/studio_speakers"
)

// Option configures a Provider.
type Option func(*Provider)

// WithLanguage sets the language code sent with every request. Defaults
// to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithMode selects the server flavour. Defaults to ModeStandard.
func WithMode(m Mode) Option {
	return func(p *Provider) { p.mode = m }
}

// WithTimeout bounds each HTTP request. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.client.Timeout = d }
}

// WithOutputRate resamples emitted PCM to the given rate. Defaults to the
// pipeline playback rate of 16 kHz. Non-positive values are ignored.
func WithOutputRate(rate int) Option {
	return func(p *Provider) {
		if rate > 0 {
			p.rate = rate
		}
	}
}

// Provider talks to one Coqui server. Safe for concurrent use.
type Provider struct {
	base     string
	mode     Mode
	language string
	rate     int
	client   *http.Client
}

// New creates a provider for the Coqui server at serverURL, e.g.
// "http://localhost:5002".
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: server URL is required")
	}
	p := &Provider{
		base:     strings.TrimRight(serverURL, "/"),
		mode:     ModeStandard,
		language: defaultLanguage,
		rate:     audio.SampleRate,
		client:   &http.Client{Timeout: requestTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// SampleRate returns the rate of the PCM emitted by SynthesizeStream.
func (p *Provider) SampleRate() int { return p.rate }

// SynthesizeStream assembles text fragments into sentences and synthesises
// them one by one, emitting each sentence's PCM on the returned channel
// before the next request is sent. The channel closes when all text is
// spoken, on synthesis failure, or when ctx is cancelled; callers check
// ctx.Err() to tell the cases apart.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	if p.mode == ModeXTTS && voice.ID == "" {
		return nil, errors.New("coqui: xtts synthesis needs a voice id")
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		var buf strings.Builder
		for {
			select {
			case frag, ok := <-text:
				if !ok {
					if rest := strings.TrimSpace(buf.String()); rest != "" {
						p.speak(ctx, rest, voice, out)
					}
					return
				}
				buf.WriteString(frag)
				for {
					sentence, rest, found := cutSentence(buf.String())
					if !found {
						break
					}
					buf.Reset()
					buf.WriteString(rest)
					if sentence == "" {
						continue
					}
					if !p.speak(ctx, sentence, voice, out) {
						return
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// speak synthesises one sentence and writes its PCM to out. Returns false
// when the stream should end.
func (p *Provider) speak(ctx context.Context, sentence string, voice tts.VoiceProfile, out chan<- []byte) bool {
	pcm, err := p.synthesize(ctx, sentence, voice)
	if err != nil {
		return false
	}
	for _, chunk := range audio.Chunks(pcm, audio.MaxChunkBytes) {
		select {
		case out <- chunk:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func (p *Provider) synthesize(ctx context.Context, sentence string, voice tts.VoiceProfile) ([]byte, error) {
	var (
		resp *http.Response
		err  error
	)
	if p.mode == ModeXTTS {
		resp, err = p.postXTTS(ctx, sentence, voice)
	} else {
		resp, err = p.getStandard(ctx, sentence, voice)
	}
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: synthesis answered %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read synthesis response: %w", err)
	}

	format, pcm, err := decodeWAV(body)
	if err != nil {
		return nil, err
	}
	if format.rate != p.rate && format.channels == 1 {
		pcm = audio.Resample16(pcm, format.rate, p.rate)
	}
	return pcm, nil
}

// xttsRequest is the POST /tts_to_audio/ body.
type xttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

func (p *Provider) postXTTS(ctx context.Context, sentence string, voice tts.VoiceProfile) (*http.Response, error) {
	payload, err := json.Marshal(xttsRequest{
		Text:       sentence,
		SpeakerWav: voice.ID,
		Language:   p.language,
	})
	if err != nil {
		return nil, fmt.Errorf("coqui: encode synthesis request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+xttsSynthPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("coqui: build synthesis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: synthesis request: %w", err)
	}
	return resp, nil
}

func (p *Provider) getStandard(ctx context.Context, sentence string, voice tts.VoiceProfile) (*http.Response, error) {
	q := url.Values{}
	q.Set("text", sentence)
	if voice.ID != "" {
		q.Set("speaker_id", voice.ID)
	}
	if p.language != "" {
		q.Set("language_id", p.language)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+synthPath+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: build synthesis request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: synthesis request: %w", err)
	}
	return resp, nil
}

// modelDetails is the GET /details body of the standard server. Speakers is
// empty for single-speaker models.
type modelDetails struct {
	ModelName string   `json:"model_name"`
	Language  string   `json:"language"`
	Speakers  []string `json:"speakers"`
}

// ListVoices returns the server's voice catalogue: studio speakers in XTTS
// mode, model speakers (or the model itself for single-speaker models) in
// standard mode.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	if p.mode == ModeXTTS {
		return p.xttsVoices(ctx)
	}
	return p.standardVoices(ctx)
}

func (p *Provider) xttsVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	var speakers map[string]json.RawMessage
	if err := p.getJSON(ctx, xttsSpeakersPath, &speakers); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(speakers))
	for name := range speakers {
		names = append(names, name)
	}
	sort.Strings(names)

	voices := make([]tts.VoiceProfile, 0, len(names))
	for _, name := range names {
		voices = append(voices, tts.VoiceProfile{
			ID:       name,
			Name:     name,
			Provider: "coqui",
			Metadata: map[string]string{"type": "studio"},
		})
	}
	return voices, nil
}

func (p *Provider) standardVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	var details modelDetails
	if err := p.getJSON(ctx, detailsPath, &details); err != nil {
		return nil, err
	}

	if len(details.Speakers) == 0 {
		name := details.ModelName
		if name == "" {
			name = "default"
		}
		return []tts.VoiceProfile{{
			ID:       name,
			Name:     name,
			Provider: "coqui",
			Metadata: map[string]string{"type": "single-speaker", "model_name": name},
		}}, nil
	}

	ids := append([]string(nil), details.Speakers...)
	sort.Strings(ids)
	voices := make([]tts.VoiceProfile, 0, len(ids))
	for _, id := range ids {
		voices = append(voices, tts.VoiceProfile{
			ID:       id,
			Name:     id,
			Provider: "coqui",
			Metadata: map[string]string{"type": "speaker", "model_name": details.ModelName},
		})
	}
	return voices, nil
}

func (p *Provider) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+path, nil)
	if err != nil {
		return fmt.Errorf("coqui: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("coqui: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("coqui: GET %s answered %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("coqui: decode %s response: %w", path, err)
	}
	return nil
}

// cutSentence splits the first complete sentence off s. A sentence ends at
// '.', '!' or '?' followed by whitespace or the end of s; a terminator glued
// to the next character (decimals, mid-token dots) does not end one.
func cutSentence(s string) (sentence, rest string, found bool) {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.', '!', '?':
			if i+1 >= len(s) || unicode.IsSpace(rune(s[i+1])) {
				return strings.TrimSpace(s[:i+1]), s[i+1:], true
			}
		}
	}
	return "", s, false
}

// wavFormat is the fmt-chunk metadata of a RIFF/WAVE payload.
type wavFormat struct {
	rate     int
	channels int
}

// decodeWAV walks the RIFF chunks of b and returns the format plus the raw
// samples of the data chunk. The fmt chunk size varies between encoders, so
// the header is parsed rather than skipped at a fixed offset. A missing fmt
// chunk falls back to the Coqui default of 22.05 kHz mono.
func decodeWAV(b []byte) (wavFormat, []byte, error) {
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return wavFormat{}, nil, errors.New("coqui: response is not a RIFF/WAVE payload")
	}

	f := wavFormat{rate: 22050, channels: 1}
	for off := 12; off+8 <= len(b); {
		id := string(b[off : off+4])
		size := int(binary.LittleEndian.Uint32(b[off+4 : off+8]))
		switch id {
		case "fmt ":
			if size >= 16 && off+8+16 <= len(b) {
				f.channels = int(binary.LittleEndian.Uint16(b[off+10 : off+12]))
				f.rate = int(binary.LittleEndian.Uint32(b[off+12 : off+16]))
			}
		case "data":
			end := off + 8 + size
			if end > len(b) {
				end = len(b)
			}
			return f, b[off+8 : end], nil
		}
		// Chunks are word-aligned.
		off += 8 + size + size%2
	}
	return wavFormat{}, nil, errors.New("coqui: wav payload has no data chunk")
}

package devbackend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bytedance/sonic"

	"github.com/zhouzirui/vera/client/internal/config"
)

func TestOpenAISpeechSynthesize(t *testing.T) {
	var got struct {
		Model          string `json:"model"`
		Input          string `json:"input"`
		Voice          string `json:"voice"`
		ResponseFormat string `json:"response_format"`
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/audio/speech" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := sonic.ConfigDefault.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte("ID3-mp3"))
	}))
	defer ts.Close()

	speech, err := NewOpenAISpeech(config.OpenAIConfig{
		APIKey:      "sk-test",
		BaseURL:     ts.URL + "/v1",
		SpeechModel: "tts-1",
		Voice:       "nova",
	})
	if err != nil {
		t.Fatalf("NewOpenAISpeech: %v", err)
	}

	audio, err := speech.Synthesize(context.Background(), "Walking helps with P.A.D.")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(audio) != "ID3-mp3" {
		t.Fatalf("unexpected audio %q", audio)
	}
	if got.Model != "tts-1" || got.Voice != "nova" || got.Input != "Walking helps with P.A.D." || got.ResponseFormat != "mp3" {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestNewSynthesizerOnlyForOpenAI(t *testing.T) {
	cases := []struct {
		name     string
		provider string
		speech   bool
		want     bool
	}{
		{name: "openai speaks", provider: "openai", speech: true, want: true},
		{name: "openai muted", provider: "openai", speech: false},
		{name: "echo", provider: "echo", speech: true},
		{name: "ark", provider: "ark", speech: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &config.DevBackendConfig{
				Provider: tc.provider,
				OpenAI:   config.OpenAIConfig{APIKey: "sk-test", Speech: tc.speech, SpeechModel: "tts-1", Voice: "nova"},
			}
			s, err := NewSynthesizer(cfg)
			if err != nil {
				t.Fatalf("NewSynthesizer: %v", err)
			}
			if (s != nil) != tc.want {
				t.Fatalf("synthesizer present = %v, want %v", s != nil, tc.want)
			}
		})
	}
}

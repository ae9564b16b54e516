package completion

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"google.golang.org/genai"
)

type fakeCompleter struct {
	reply string
	err   error
	got   string
}

func (f *fakeCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	f.got = prompt
	return f.reply, f.err
}

func TestHumanize(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"rate limit", genai.APIError{Code: 429, Message: "quota"}, "Too many requests"},
		{"rate limit ptr", &genai.APIError{Code: 429}, "Too many requests"},
		{"server", genai.APIError{Code: 500}, "temporarily unavailable"},
		{"forbidden", genai.APIError{Code: 403}, "denied"},
		{"offline", context.DeadlineExceeded, "offline"},
		{"empty", ErrEmptyCompletion, "nothing to say"},
		{"other", errors.New("boom"), "Something went wrong"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Humanize(tt.err); !strings.Contains(got, tt.want) {
				t.Fatalf("Humanize=%q want substring %q", got, tt.want)
			}
		})
	}
}

func TestOutcome(t *testing.T) {
	if Outcome(nil) != "ok" || Outcome(ErrEmptyCompletion) != "empty" || Outcome(genai.APIError{Code: 429}) != "rate_limited" {
		t.Fatalf("unexpected outcome labels")
	}
}

func serve(h http.Handler, method, body string) (*httptest.ResponseRecorder, response) {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, "/api/completion", strings.NewReader(body)))
	var out response
	_ = json.Unmarshal(rr.Body.Bytes(), &out)
	return rr, out
}

func TestHandler(t *testing.T) {
	tests := []struct {
		name       string
		completer  Completer
		method     string
		body       string
		wantStatus int
		wantResp   string
		wantErr    string
	}{
		{"ok", &fakeCompleter{reply: "hey!"}, http.MethodPost, `{"prompt":"hi"}`, 200, "hey!", ""},
		{"missing prompt", &fakeCompleter{}, http.MethodPost, `{"prompt":"  "}`, 400, "", "Missing prompt"},
		{"bad json", &fakeCompleter{}, http.MethodPost, `{`, 400, "", "invalid json"},
		{"not configured", nil, http.MethodPost, `{"prompt":"hi"}`, 500, "", "Missing Gemini API key"},
		{"empty reply", &fakeCompleter{err: ErrEmptyCompletion}, http.MethodPost, `{"prompt":"hi"}`, 200, NoResponseText, ""},
		{"rate limited", &fakeCompleter{err: genai.APIError{Code: 429}}, http.MethodPost, `{"prompt":"hi"}`, 429, "", "Too many requests. Please wait a moment and try again."},
		{"upstream", &fakeCompleter{err: genai.APIError{Code: 503}}, http.MethodPost, `{"prompt":"hi"}`, 500, "", "The AI service is temporarily unavailable. Please try again shortly."},
		{"method", &fakeCompleter{}, http.MethodGet, ``, 405, "", "method not allowed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, out := serve(NewHandler(nil, tt.completer, nil), tt.method, tt.body)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status=%d want=%d", rr.Code, tt.wantStatus)
			}
			if out.Response != tt.wantResp || out.Error != tt.wantErr {
				t.Fatalf("body=%+v want response=%q error=%q", out, tt.wantResp, tt.wantErr)
			}
		})
	}
}

func TestNewGeminiClientRequiresKey(t *testing.T) {
	if _, err := NewGeminiClient(context.Background(), nil, GeminiConfig{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err=%v want=%v", err, ErrNotConfigured)
	}
}

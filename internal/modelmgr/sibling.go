package modelmgr

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
)

// OllamaSibling asks a co-located Ollama daemon to drop its loaded model
// before we claim accelerator memory. Sending keep_alive 0 tells Ollama to
// unload immediately. The daemon being down is not an error worth failing a
// job over; callers treat every outcome as best-effort.
type OllamaSibling struct {
	baseURL string
	client  *http.Client
	log     *slog.Logger
}

func NewOllamaSibling(baseURL string, logger *slog.Logger) *OllamaSibling {
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaSibling{
		baseURL: baseURL,
		client:  &http.Client{},
		log:     logger.With("component", "ollama"),
	}
}

func (o *OllamaSibling) NotifyRelease(ctx context.Context) error {
	body := bytes.NewReader([]byte(`{"model": "", "keep_alive": 0}`))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", body)
	if err != nil {
		return fmt.Errorf("build ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama unreachable: %w", err)
	}
	defer resp.Body.Close()

	o.log.Info("requested ollama model unload", "status", resp.StatusCode)
	return nil
}

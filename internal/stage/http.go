package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPSource fetches stages from a game backend:
//
//	GET {base}/games             -> [{"id": 1, "name": "..."}]
//	GET {base}/games/{id}/words  -> ["사과", "바나나"]
type HTTPSource struct {
	base   string
	token  string
	client *http.Client
}

func NewHTTPSource(base, token string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPSource{
		base:   strings.TrimRight(base, "/"),
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

func (h *HTTPSource) Stages(ctx context.Context) ([]Stage, error) {
	var stages []Stage
	if err := h.get(ctx, "/games", &stages); err != nil {
		return nil, err
	}
	return stages, nil
}

func (h *HTTPSource) Words(ctx context.Context, stageID int) ([]string, error) {
	var words []string
	if err := h.get(ctx, fmt.Sprintf("/games/%d/words", stageID), &words); err != nil {
		return nil, err
	}
	return words, nil
}

func (h *HTTPSource) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.base+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w: %w", ErrSourceUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w: %w", path, ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("GET %s: %w", path, ErrUnknownStage)
	case resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: status %d: %s: %w", path, resp.StatusCode, strings.TrimSpace(string(body)), ErrSourceUnavailable)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w: %w", path, ErrSourceUnavailable, err)
	}
	return nil
}

package result

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPSink posts results to a game backend in its native shape:
//
//	{"level": 1, "playtime": 42, "correctNumber": 7}
type HTTPSink struct {
	endpoint string
	token    string
	client   *http.Client
}

type backendResult struct {
	Level         int `json:"level"`
	Playtime      int `json:"playtime"`
	CorrectNumber int `json:"correctNumber"`
}

func NewHTTPSink(endpoint, token string, timeout time.Duration) *HTTPSink {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPSink{endpoint: endpoint, token: token, client: &http.Client{Timeout: timeout}}
}

func (h *HTTPSink) Submit(ctx context.Context, rec Record) error {
	body, err := json.Marshal(backendResult{
		Level:         rec.StageID,
		Playtime:      rec.PlaytimeSeconds,
		CorrectNumber: rec.Score,
	})
	if err != nil {
		return submissionError("http", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return submissionError("http", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return submissionError("http", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return submissionError("http", fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}
	return nil
}

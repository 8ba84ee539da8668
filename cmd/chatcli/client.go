package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"ai-studychat-be/internal/dto"
)

type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

type streamHandlers struct {
	OnMetadata func(dto.StreamMetadata)
	OnToken    func(string)
	OnDone     func(dto.StreamDone)
	OnError    func(dto.StreamError)
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

func (c *apiClient) newRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.baseURL, "/")+path, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func decodeAPIError(resp *http.Response) error {
	var body struct {
		Message string `json:"message"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body.Message == "" {
		body.Message = resp.Status
	}
	return &apiError{Status: resp.StatusCode, Message: body.Message}
}

// Send posts one chat turn and dispatches the SSE events as they arrive.
func (c *apiClient) Send(ctx context.Context, req *dto.SendChatRequest, h streamHandlers) error {
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/api/chat/v1", req)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}
	return readEvents(resp.Body, func(event string, data []byte) error {
		switch event {
		case dto.StreamEventMetadata:
			var m dto.StreamMetadata
			if err := json.Unmarshal(data, &m); err != nil {
				return err
			}
			if h.OnMetadata != nil {
				h.OnMetadata(m)
			}
		case dto.StreamEventToken:
			var t dto.StreamToken
			if err := json.Unmarshal(data, &t); err != nil {
				return err
			}
			if h.OnToken != nil {
				h.OnToken(t.Delta)
			}
		case dto.StreamEventDone:
			var d dto.StreamDone
			if err := json.Unmarshal(data, &d); err != nil {
				return err
			}
			if h.OnDone != nil {
				h.OnDone(d)
			}
		case dto.StreamEventError:
			var e dto.StreamError
			if err := json.Unmarshal(data, &e); err != nil {
				return err
			}
			if h.OnError != nil {
				h.OnError(e)
			}
		}
		return nil
	})
}

// readEvents parses a text/event-stream body. Multi-line data fields are
// joined with newlines.
func readEvents(r io.Reader, fn func(event string, data []byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var (
		event string
		data  []string
	)
	flush := func() error {
		if event == "" && len(data) == 0 {
			return nil
		}
		if event == "" {
			event = "message"
		}
		err := fn(event, []byte(strings.Join(data, "\n")))
		event, data = "", nil
		return err
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return flush()
}

func (c *apiClient) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *apiClient) postJSON(ctx context.Context, path string, out interface{}) error {
	req, err := c.newRequest(ctx, http.MethodPost, path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *apiClient) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return err
	}
	return json.Unmarshal(envelope.Data, out)
}

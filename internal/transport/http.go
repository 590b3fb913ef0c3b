package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eleven-am/meeting-recorder/internal/recorder"
	"github.com/eleven-am/meeting-recorder/internal/shared"
)

const (
	quickPath          = "/transcription/quick"
	defaultHTTPTimeout = 30 * time.Second
	maxErrorBody       = 512
)

type HTTPConfig struct {
	BaseURL      string
	Tokens       TokenSource
	Client       *http.Client
	Params       Parameters
	SaveToPortal bool
	Relay        Publisher
	Log          *slog.Logger
}

func normalizeHTTPConfig(cfg HTTPConfig) HTTPConfig {
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if cfg.Params == (Parameters{}) {
		cfg.Params = DefaultParameters()
	}
	if cfg.Relay == nil {
		cfg.Relay = PublisherFunc(func(string, string) {})
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return cfg
}

// HTTPChannel uploads each chunk as its own multipart request. There is no
// connection to open; transcripts come back in the response body.
type HTTPChannel struct {
	cfg HTTPConfig
	log *slog.Logger

	mu    sync.Mutex
	state State
	meta  SessionMeta
}

func NewHTTPChannel(cfg HTTPConfig) *HTTPChannel {
	cfg = normalizeHTTPConfig(cfg)
	return &HTTPChannel{
		cfg:   cfg,
		log:   cfg.Log.With("component", "http_channel"),
		state: StateClosed,
	}
}

func (c *HTTPChannel) Kind() Kind { return KindBuffered }

func (c *HTTPChannel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *HTTPChannel) Open(_ context.Context, meta SessionMeta) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.meta = meta
	c.state = StateOpen
	return nil
}

// Send posts the chunk and relays any transcript in the reply before
// returning. A reply that lands after Close is discarded.
func (c *HTTPChannel) Send(ctx context.Context, chunk recorder.Chunk) error {
	c.mu.Lock()
	state, meta := c.state, c.meta
	c.mu.Unlock()

	if state != StateOpen {
		return ErrNotOpen
	}

	body, contentType, err := c.encode(chunk, meta)
	if err != nil {
		return fmt.Errorf("encode upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+quickPath, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	if tok := token(ctx, c.cfg.Tokens); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	start := time.Now()
	resp, err := c.cfg.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("upload rejected: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var reply quickResponse
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil && err != io.EOF {
		c.log.Debug("unreadable upload reply", "seq", chunk.Seq, "error", err)
		return nil
	}

	c.log.Debug("chunk uploaded",
		"session_id", meta.SessionID,
		"seq", chunk.Seq,
		"bytes", len(chunk.Payload),
		"latency_ms", time.Since(start).Milliseconds())

	if reply.Transcript == nil || reply.Transcript.Text == "" {
		return nil
	}
	if c.State() == StateClosed {
		c.log.Debug("discarding transcript received after close", "seq", chunk.Seq)
		return nil
	}
	c.cfg.Relay.Publish(meta.SessionID, reply.Transcript.Text)
	return nil
}

func (c *HTTPChannel) encode(chunk recorder.Chunk, meta SessionMeta) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)

	ext := chunk.Extension
	if ext == "" {
		ext = "bin"
	}
	ctype := chunk.ContentType
	if ctype == "" {
		ctype = "application/octet-stream"
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audio"; filename="chunk.%s"`, ext))
	h.Set("Content-Type", ctype)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(chunk.Payload); err != nil {
		return nil, "", err
	}

	params, err := json.Marshal(c.cfg.Params)
	if err != nil {
		return nil, "", err
	}

	fields := []struct{ name, value string }{
		{"parameters", string(params)},
		{"session_id", meta.SessionID},
		{"title", meta.MeetingName},
		{"save_to_portal", strconv.FormatBool(c.cfg.SaveToPortal)},
	}
	for _, f := range fields {
		if err := w.WriteField(f.name, f.value); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return body, w.FormDataContentType(), nil
}

func (c *HTTPChannel) Close(context.Context) error {
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	return nil
}

// Finalizer tells the backend no more chunks will arrive for a session.
type Finalizer struct {
	cfg HTTPConfig
	log *slog.Logger
}

func NewFinalizer(cfg HTTPConfig) *Finalizer {
	cfg = normalizeHTTPConfig(cfg)
	return &Finalizer{cfg: cfg, log: cfg.Log.With("component", "finalizer")}
}

func (f *Finalizer) Finalize(ctx context.Context, sessionID string) error {
	endpoint := fmt.Sprintf("%s%s/%s/finalize", f.cfg.BaseURL, quickPath, sessionID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return &shared.FinalizeError{SessionID: sessionID, Err: err}
	}
	if tok := token(ctx, f.cfg.Tokens); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := f.cfg.Client.Do(req)
	if err != nil {
		return &shared.FinalizeError{SessionID: sessionID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &shared.FinalizeError{
			SessionID: sessionID,
			Err:       fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))),
		}
	}

	f.log.Info("session finalized", "session_id", sessionID)
	return nil
}

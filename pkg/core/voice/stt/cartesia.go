package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	cartesiaWSURL   = "wss://api.cartesia.ai/stt/websocket"
	cartesiaVersion = "2025-04-16"
	defaultModel    = "ink-whisper"
)

// CartesiaProvider opens streaming transcription sessions against
// Cartesia's WebSocket STT endpoint.
type CartesiaProvider struct {
	apiKey  string
	baseURL string
}

func NewCartesia(apiKey string) *CartesiaProvider {
	return &CartesiaProvider{apiKey: apiKey, baseURL: cartesiaWSURL}
}

// NewCartesiaWithURL overrides the endpoint, used in tests against a
// local WebSocket server.
func NewCartesiaWithURL(apiKey, baseURL string) *CartesiaProvider {
	return &CartesiaProvider{apiKey: apiKey, baseURL: baseURL}
}

func (c *CartesiaProvider) NewStream(ctx context.Context, opts Options) (Stream, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse stt url: %w", err)
	}

	model := opts.Model
	if model == "" {
		model = defaultModel
	}
	language := opts.Language
	if language == "" {
		language = "en"
	}
	encoding := opts.Encoding
	if encoding == "" {
		encoding = "pcm_s16le"
	}
	sampleRate := opts.SampleRate
	if sampleRate == 0 {
		sampleRate = 16000
	}

	q := u.Query()
	q.Set("model", model)
	q.Set("language", language)
	q.Set("encoding", encoding)
	q.Set("sample_rate", fmt.Sprintf("%d", sampleRate))
	q.Set("api_key", c.apiKey)
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("X-API-Key", c.apiKey)
	headers.Set("Cartesia-Version", cartesiaVersion)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if len(body) > 0 {
				return nil, fmt.Errorf("stt connect (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
			}
		}
		return nil, fmt.Errorf("stt connect: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s := &cartesiaStream{
		conn:   conn,
		deltas: make(chan TranscriptDelta, 100),
		done:   make(chan struct{}),
		ctx:    streamCtx,
		cancel: cancel,
	}
	go s.readLoop()
	return s, nil
}

type cartesiaStream struct {
	conn    *websocket.Conn
	deltas  chan TranscriptDelta
	done    chan struct{}
	closed  atomic.Bool
	writeMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
}

type cartesiaResponse struct {
	Type    string `json:"type"` // "transcript", "flush_done", "done", "error"
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
	Error   string `json:"error"`
}

func (s *cartesiaStream) readLoop() {
	defer func() {
		close(s.deltas)
		close(s.done)
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg cartesiaResponse
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "transcript":
			select {
			case s.deltas <- TranscriptDelta{Text: msg.Text, IsFinal: msg.IsFinal}:
			case <-s.ctx.Done():
				return
			}
		case "flush_done":
			continue
		case "done", "error":
			return
		}
	}
}

func (s *cartesiaStream) SendAudio(data []byte) error {
	if s.closed.Load() {
		return fmt.Errorf("stt stream closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (s *cartesiaStream) Finalize() error {
	if s.closed.Load() {
		return fmt.Errorf("stt stream closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, []byte("finalize"))
}

func (s *cartesiaStream) Deltas() <-chan TranscriptDelta {
	return s.deltas
}

func (s *cartesiaStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cancel()

	s.writeMu.Lock()
	_ = s.conn.WriteMessage(websocket.TextMessage, []byte("done"))
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()

	return s.conn.Close()
}

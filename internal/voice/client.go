// Package voice adapts the upstream realtime voice provider to the gateway.
//
// A Client owns one bidirectional WebSocket to the OpenAI Realtime API and
// exchanges JSON events according to the Realtime protocol. Audio travels as
// base64-encoded PCM16 chunks; model tool calls are parsed into typed
// [sim.Intent] values. Everything the client learns is surfaced through
// [Callbacks]; it never touches session state itself, so the rest of the core
// stays functional when no client exists (fallback mode).
//
// All exported methods are safe for concurrent use.
package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/medrill/pulsegate/internal/resilience"
	"github.com/medrill/pulsegate/internal/sim"
)

const (
	defaultModel       = "gpt-4o-realtime-preview"
	defaultBaseURL     = "wss://api.openai.com/v1/realtime"
	defaultDialTimeout = 10 * time.Second
)

// Callbacks receive everything the upstream connection produces. All fields
// are optional; nil callbacks are skipped. Callbacks are invoked from the
// client's receive goroutine and must not block.
type Callbacks struct {
	// OnAudioOut receives decoded PCM16 chunks of the patient's voice.
	OnAudioOut func(pcm []byte)

	// OnTranscriptDelta receives the patient's spoken text: incremental
	// fragments with final=false, then the whole utterance with final=true.
	OnTranscriptDelta func(text string, final bool)

	// OnInputTranscript receives the recognised text of the doctor's speech.
	OnInputTranscript func(text string)

	// OnToolIntent receives model tool calls parsed into typed intents. The
	// intent has not passed the tool gate yet.
	OnToolIntent func(intent sim.Intent)

	// OnUsage receives token accounting, reported once per model response.
	OnUsage func(inputTokens, outputTokens int)

	// OnDisconnect fires when the connection drops for any reason other than
	// a local Close.
	OnDisconnect func(err error)
}

// Config parameterises a Client.
type Config struct {
	// APIKey authenticates against the upstream provider. Must not be empty;
	// a deployment without a key runs in fallback mode and never constructs
	// a Client.
	APIKey string

	// Model selects the realtime model. Defaults to gpt-4o-realtime-preview.
	Model string

	// BaseURL overrides the upstream endpoint, primarily for tests.
	BaseURL string

	// AllowInsecure permits ws:// endpoints. Production deployments must
	// leave this false.
	AllowInsecure bool

	// Voice selects the synthesised voice, e.g. "coral".
	Voice string

	// Instructions is the patient persona prompt sent on connect.
	Instructions string

	// DialTimeout bounds the WebSocket dial. Defaults to 10s.
	DialTimeout time.Duration

	// Breaker, when set, gates dial attempts so a dead upstream does not
	// cause a reconnect storm.
	Breaker *resilience.CircuitBreaker
}

// Client is the adapter around one upstream realtime connection. A Client may
// be reconnected after a drop by calling Connect again; Close is terminal.
type Client struct {
	cfg Config
	cb  Callbacks

	mu       sync.Mutex
	conn     *websocket.Conn
	connStop context.CancelFunc
	closed   bool
}

// NewClient validates cfg and returns an unconnected Client.
func NewClient(cfg Config, cb Callbacks) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("voice: APIKey must not be empty")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("voice: parse base URL: %w", err)
	}
	if u.Scheme != "wss" && !cfg.AllowInsecure {
		return nil, fmt.Errorf("voice: insecure scheme %q (set ALLOW_INSECURE_VOICE_WS to permit)", u.Scheme)
	}

	return &Client{cfg: cfg, cb: cb}, nil
}

// Connect dials the upstream, configures the session, and starts the receive
// loop. When a breaker is configured the dial runs through it, so a tripped
// breaker fails fast with [resilience.ErrCircuitOpen].
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("voice: client closed")
	}
	if c.conn != nil {
		c.mu.Unlock()
		return fmt.Errorf("voice: already connected")
	}
	c.mu.Unlock()

	dial := func() error { return c.dial(ctx) }
	if c.cfg.Breaker != nil {
		return c.cfg.Breaker.Execute(dial)
	}
	return dial()
}

func (c *Client) dial(ctx context.Context) error {
	wsURL := fmt.Sprintf("%s?model=%s", c.cfg.BaseURL, url.QueryEscape(c.cfg.Model))

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + c.cfg.APIKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return fmt.Errorf("voice: dial: %w", err)
	}

	connCtx, connStop := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		connStop()
		conn.Close(websocket.StatusNormalClosure, "client closed")
		return fmt.Errorf("voice: client closed")
	}
	c.conn = conn
	c.connStop = connStop
	c.mu.Unlock()

	if err := c.writeJSON(connCtx, conn, sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			Voice:             c.cfg.Voice,
			Instructions:      c.cfg.Instructions,
			Tools:             intentTools(),
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			InputAudioTranscription: &transcriptionParams{
				Model: "whisper-1",
			},
		},
	}); err != nil {
		c.dropConn(conn)
		return fmt.Errorf("voice: session update: %w", err)
	}

	go c.receiveLoop(connCtx, conn)

	slog.Info("voice: connected", "model", c.cfg.Model)
	return nil
}

// Connected reports whether an upstream connection is currently live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// SendAudioChunk forwards one PCM16 chunk of doctor audio upstream.
func (c *Client) SendAudioChunk(pcm []byte) error {
	return c.send(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// CommitAudio marks the buffered input audio as a finished utterance.
func (c *Client) CommitAudio() error {
	return c.send(typeOnlyMessage{Type: "input_audio_buffer.commit"})
}

// CreateResponse asks the model to reply now, without waiting for VAD.
func (c *Client) CreateResponse() error {
	return c.send(typeOnlyMessage{Type: "response.create"})
}

// CancelResponse interrupts the in-flight model response and discards its
// remaining audio.
func (c *Client) CancelResponse() error {
	return c.send(typeOnlyMessage{Type: "response.cancel"})
}

// UpdateInstructions replaces the patient persona mid-session, effective from
// the next model turn.
func (c *Client) UpdateInstructions(instructions string) error {
	return c.send(sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			Instructions:      instructions,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
		},
	})
}

// Close terminates the connection and makes the client unusable. Idempotent.
// Close never triggers OnDisconnect.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	stop := c.connStop
	c.conn = nil
	c.connStop = nil
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "session closed")
	}
	return nil
}

// send writes one event to the current connection.
func (c *Client) send(v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("voice: not connected")
	}
	return c.writeJSON(context.Background(), conn, v)
}

func (c *Client) writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("voice: marshal: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// dropConn clears the tracked connection if it is still the given one and
// closes it. Used on send failures and when the receive loop exits.
func (c *Client) dropConn(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		if c.connStop != nil {
			c.connStop()
			c.connStop = nil
		}
	}
	c.mu.Unlock()
	conn.Close(websocket.StatusNormalClosure, "session closed")
}

// receiveLoop reads events until the connection dies. The transcript
// accumulator is local: each connection gets a fresh one.
func (c *Client) receiveLoop(ctx context.Context, conn *websocket.Conn) {
	var transcript string

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.dropConn(conn)
			if ctx.Err() != nil {
				// Local Close cancelled the context.
				return
			}
			slog.Warn("voice: connection lost", "err", err)
			if c.cb.OnDisconnect != nil {
				c.cb.OnDisconnect(err)
			}
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		c.handleServerEvent(ctx, conn, &evt, &transcript)
	}
}

func (c *Client) handleServerEvent(ctx context.Context, conn *websocket.Conn, evt *serverEvent, transcript *string) {
	switch evt.Type {
	case "response.audio.delta":
		if evt.Delta == "" || c.cb.OnAudioOut == nil {
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(pcm) == 0 {
			return
		}
		c.cb.OnAudioOut(pcm)

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return
		}
		*transcript += evt.Delta
		if c.cb.OnTranscriptDelta != nil {
			c.cb.OnTranscriptDelta(evt.Delta, false)
		}

	case "response.audio_transcript.done":
		full := evt.Transcript
		if full == "" {
			full = *transcript
		}
		*transcript = ""
		if full != "" && c.cb.OnTranscriptDelta != nil {
			c.cb.OnTranscriptDelta(full, true)
		}

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript != "" && c.cb.OnInputTranscript != nil {
			c.cb.OnInputTranscript(evt.Transcript)
		}

	case "response.function_call_arguments.done":
		c.handleToolCall(ctx, conn, evt)

	case "response.done":
		if evt.Response == nil || evt.Response.Usage == nil || c.cb.OnUsage == nil {
			return
		}
		u := evt.Response.Usage
		if u.InputTokens > 0 || u.OutputTokens > 0 {
			c.cb.OnUsage(u.InputTokens, u.OutputTokens)
		}

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		slog.Warn("voice: upstream error event", "err", msg)
	}
}

// handleToolCall parses the call into an intent, surfaces it, and
// acknowledges so the model keeps talking. Validation and application happen
// downstream; the acknowledgement never claims the intent was applied.
func (c *Client) handleToolCall(ctx context.Context, conn *websocket.Conn, evt *serverEvent) {
	intent, err := parseToolIntent(evt.Name, evt.Arguments)

	output := `{"acknowledged":true}`
	if err != nil {
		slog.Debug("voice: unparseable tool call", "tool", evt.Name, "err", err)
		output = fmt.Sprintf(`{"error": %q}`, err.Error())
	} else if c.cb.OnToolIntent != nil {
		c.cb.OnToolIntent(intent)
	}

	_ = c.writeJSON(ctx, conn, outputItemMessage{
		Type: "conversation.item.create",
		Item: outputItem{
			Type:   "function_call_output",
			CallID: evt.CallID,
			Output: output,
		},
	})
	_ = c.writeJSON(ctx, conn, typeOnlyMessage{Type: "response.create"})
}

// ── Wire event types ──────────────────────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	Tools                   []realtimeTool       `json:"tools,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type realtimeTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type typeOnlyMessage struct {
	Type string `json:"type"`
}

type outputItemMessage struct {
	Type string     `json:"type"`
	Item outputItem `json:"item"`
}

type outputItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`
}

type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type responseUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type responseDetail struct {
	Usage *responseUsage `json:"usage,omitempty"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// response.audio_transcript.done /
	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// response.done
	Response *responseDetail `json:"response,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

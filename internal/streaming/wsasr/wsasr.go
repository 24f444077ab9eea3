// Package wsasr is a streaming recognition backend speaking the Deepgram-style
// websocket listen protocol.
package wsasr

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rbright/scribe/internal/streaming"
)

const defaultBaseURL = "wss://api.deepgram.com/v1"

// Config controls the websocket endpoint.
type Config struct {
	BaseURL          string
	APIKey           string
	Model            string
	HandshakeTimeout time.Duration
}

// Backend opens one websocket per recognition pass.
type Backend struct {
	cfg    Config
	dialer *websocket.Dialer
}

func New(cfg Config) *Backend {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	return &Backend{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
	}
}

func (b *Backend) Name() string { return "websocket" }

// Open dials the listen endpoint and starts the read and write loops.
func (b *Backend) Open(ctx context.Context, cfg streaming.PassConfig) (streaming.Pass, error) {
	wsURL, err := buildListenURL(b.cfg, cfg)
	if err != nil {
		return nil, streaming.NewError(streaming.CodeUnavailable, fmt.Errorf("%w: %w", streaming.ErrUnavailable, err))
	}

	headers := http.Header{}
	if key := strings.TrimSpace(b.cfg.APIKey); key != "" {
		headers.Set("Authorization", "Token "+key)
	}

	conn, resp, err := b.dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		return nil, classifyDial(resp, err)
	}

	p := &pass{
		conn:    conn,
		audio:   make(chan []byte, 32),
		results: make(chan streaming.Result, 64),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	p.wg.Add(2)
	go p.readLoop()
	go p.writeLoop()
	go func() {
		p.wg.Wait()
		close(p.done)
		_ = conn.Close()
	}()
	return p, nil
}

func classifyDial(resp *http.Response, err error) error {
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return streaming.NewError(streaming.CodePermissionDenied, fmt.Errorf("websocket handshake rejected (%s): %w", resp.Status, err))
		case http.StatusNotFound:
			return streaming.NewError(streaming.CodeUnavailable, fmt.Errorf("%w: %s: %w", streaming.ErrUnavailable, resp.Status, err))
		}
	}
	return streaming.NewError(streaming.CodeNetwork, fmt.Errorf("connect recognizer websocket: %w", err))
}

type pass struct {
	conn *websocket.Conn

	audio   chan []byte
	results chan streaming.Result
	closing chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeSendOnce sync.Once
	closeOnce     sync.Once
	sendMu        sync.RWMutex
	sendClosed    bool
}

func (p *pass) SendAudio(frame []int16) error {
	if len(frame) == 0 {
		return nil
	}
	chunk := make([]byte, len(frame)*2)
	for i, s := range frame {
		binary.LittleEndian.PutUint16(chunk[i*2:], uint16(s))
	}

	p.sendMu.RLock()
	defer p.sendMu.RUnlock()
	if p.sendClosed {
		return errors.New("audio stream is already closed")
	}
	select {
	case p.audio <- chunk:
		return nil
	case <-p.closing:
		return errors.New("recognizer websocket closed")
	case <-p.done:
		if err := p.waitErr(); err != nil {
			return err
		}
		return errors.New("recognizer websocket closed")
	}
}

func (p *pass) CloseSend() error {
	p.closeSendOnce.Do(func() {
		p.sendMu.Lock()
		p.sendClosed = true
		close(p.audio)
		p.sendMu.Unlock()
	})
	return nil
}

func (p *pass) Recv() (streaming.Result, error) {
	res, ok := <-p.results
	if ok {
		return res, nil
	}
	if err := p.waitErr(); err != nil {
		return streaming.Result{}, err
	}
	return streaming.Result{}, io.EOF
}

func (p *pass) Close() error {
	p.closeOnce.Do(func() {
		close(p.closing)
		_ = p.CloseSend()
		_ = p.conn.Close()
	})
	<-p.done
	return nil
}

func (p *pass) waitErr() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

func (p *pass) setErr(err error) {
	if err == nil {
		return
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		return
	}

	p.errMu.Lock()
	defer p.errMu.Unlock()
	if p.err == nil {
		p.err = err
	}
}

func (p *pass) writeLoop() {
	defer p.wg.Done()

	for chunk := range p.audio {
		if err := p.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			p.setErr(classifyConnErr(fmt.Errorf("send audio: %w", err)))
			// Unblocks readLoop so the pass ends with the send error.
			_ = p.conn.Close()
			return
		}
	}

	if err := p.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`)); err != nil {
		p.setErr(classifyConnErr(fmt.Errorf("close stream: %w", err)))
	}
}

func (p *pass) readLoop() {
	defer p.wg.Done()
	defer close(p.results)

	for {
		_, payload, err := p.conn.ReadMessage()
		if err != nil {
			select {
			case <-p.closing:
				// Local close; the adapter decides what the pass outcome is.
			default:
				p.setErr(classifyConnErr(err))
			}
			return
		}

		var response listenResponse
		if err := json.Unmarshal(payload, &response); err != nil {
			continue
		}

		if strings.EqualFold(response.Type, "Error") {
			message := strings.TrimSpace(response.Message)
			if message == "" {
				message = "recognizer returned an unknown error"
			}
			p.setErr(streaming.NewError(streaming.CodeNetwork, errors.New(message)))
			return
		}

		res, ok := response.result()
		if !ok {
			continue
		}
		select {
		case p.results <- res:
		case <-p.closing:
			return
		}
	}
}

// classifyConnErr maps websocket close codes onto recognition error classes.
func classifyConnErr(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.ClosePolicyViolation:
			return streaming.NewError(streaming.CodeNotAllowed, err)
		case websocket.CloseInternalServerErr:
			if strings.Contains(closeErr.Text, "NET-0001") {
				return streaming.NewError(streaming.CodeNoSpeech, err)
			}
		}
	}
	return streaming.NewError(streaming.CodeNetwork, err)
}

type listenAlternative struct {
	Transcript string `json:"transcript"`
}

type listenResponse struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	IsFinal bool   `json:"is_final"`

	Channel struct {
		Alternatives []listenAlternative `json:"alternatives"`
	} `json:"channel"`
}

func (r listenResponse) result() (streaming.Result, bool) {
	if r.Type != "" && !strings.EqualFold(r.Type, "Results") {
		return streaming.Result{}, false
	}
	if len(r.Channel.Alternatives) == 0 {
		return streaming.Result{}, false
	}
	res := streaming.Result{
		Transcript: strings.TrimSpace(r.Channel.Alternatives[0].Transcript),
		Final:      r.IsFinal,
	}
	for _, alt := range r.Channel.Alternatives[1:] {
		if text := strings.TrimSpace(alt.Transcript); text != "" {
			res.Alternatives = append(res.Alternatives, text)
		}
	}
	return res, res.Transcript != ""
}

func buildListenURL(cfg Config, pc streaming.PassConfig) (string, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	base = strings.TrimRight(base, "/")

	listenURL, err := url.Parse(base + "/listen")
	if err != nil {
		return "", fmt.Errorf("invalid recognizer base URL: %w", err)
	}
	if listenURL.Scheme != "ws" && listenURL.Scheme != "wss" {
		return "", fmt.Errorf("invalid recognizer base URL scheme %q", listenURL.Scheme)
	}

	sampleRate := pc.SampleRate
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	model := cfg.Model
	if pc.Model != "" {
		model = pc.Model
	}

	query := listenURL.Query()
	query.Set("model", model)
	query.Set("encoding", "linear16")
	query.Set("sample_rate", strconv.Itoa(sampleRate))
	query.Set("channels", "1")
	query.Set("interim_results", strconv.FormatBool(pc.InterimResults))
	query.Set("punctuate", strconv.FormatBool(pc.AutomaticPunctuation))
	if pc.MaxAlternatives > 0 {
		query.Set("alternatives", strconv.Itoa(pc.MaxAlternatives))
	}
	if pc.LanguageCode != "" {
		query.Set("language", pc.LanguageCode)
	}
	for _, phrase := range pc.Phrases {
		text := strings.TrimSpace(phrase.Text)
		if text == "" {
			continue
		}
		if phrase.Boost != 0 {
			text = fmt.Sprintf("%s:%g", text, phrase.Boost)
		}
		query.Add("keywords", text)
	}
	listenURL.RawQuery = query.Encode()
	return listenURL.String(), nil
}

// Package gemini connects live sessions to the Gemini Live API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"google.golang.org/genai"

	"github.com/antoniostano/teleagent/internal/audio"
	"github.com/antoniostano/teleagent/internal/live"
	"github.com/antoniostano/teleagent/internal/reliability"
	"github.com/antoniostano/teleagent/internal/tools"
)

const DefaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"

var errTransportClosed = errors.New("gemini transport closed")

type Config struct {
	APIKey string
	Model  string
	Logger logrus.FieldLogger
}

// Dialer opens Gemini Live sessions.
type Dialer struct {
	client *genai.Client
	model  string
	log    logrus.FieldLogger
}

func NewDialer(ctx context.Context, cfg Config) (*Dialer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini: api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Dialer{client: client, model: model, log: log.WithField("component", "gemini")}, nil
}

func (d *Dialer) Dial(ctx context.Context, params live.SessionParameters) (live.Transport, error) {
	model := d.model
	if params.Model != "" {
		model = params.Model
	}
	sess, err := d.client.Live.Connect(ctx, model, connectConfig(params))
	if err != nil {
		return nil, fmt.Errorf("gemini live connect: %w", err)
	}
	t := &transport{
		sess:    sess,
		inbound: make(chan live.InboundMessage, 64),
		done:    make(chan struct{}),
		log:     d.log.WithField("model", model),
	}
	go t.readLoop()
	return t, nil
}

func connectConfig(params live.SessionParameters) *genai.LiveConnectConfig {
	cfg := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if params.Voice != "" {
		cfg.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: params.Voice},
			},
		}
	}
	if params.SystemInstruction != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: params.SystemInstruction}}}
	}
	if decls := functionDeclarations(params.Tools); len(decls) > 0 {
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return cfg
}

func functionDeclarations(decls []tools.Declaration) []*genai.FunctionDeclaration {
	out := make([]*genai.FunctionDeclaration, 0, len(decls))
	for _, d := range decls {
		schema := &genai.Schema{
			Type:       genai.TypeObject,
			Properties: make(map[string]*genai.Schema, len(d.Params)),
		}
		for _, p := range d.Params {
			schema.Properties[p.Name] = &genai.Schema{Type: schemaType(p.Type), Description: p.Description}
			if p.Required {
				schema.Required = append(schema.Required, p.Name)
			}
		}
		out = append(out, &genai.FunctionDeclaration{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  schema,
		})
	}
	return out
}

func schemaType(t string) genai.Type {
	switch t {
	case "integer":
		return genai.TypeInteger
	case "number":
		return genai.TypeNumber
	case "boolean":
		return genai.TypeBoolean
	default:
		return genai.TypeString
	}
}

type transport struct {
	sess      *genai.Session
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    bool
	inbound   chan live.InboundMessage
	done      chan struct{}
	log       logrus.FieldLogger
}

func (t *transport) Inbound() <-chan live.InboundMessage { return t.inbound }

func (t *transport) SendAudio(_ context.Context, pkt audio.Packet) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.closed {
		return errTransportClosed
	}
	return t.sess.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{MIMEType: pkt.MIMEType, Data: pkt.PCM},
	})
}

func (t *transport) SendToolResponses(_ context.Context, responses []tools.Response) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.closed {
		return errTransportClosed
	}
	return t.sess.SendToolResponse(genai.LiveToolResponseInput{
		FunctionResponses: functionResponses(responses),
	})
}

func functionResponses(responses []tools.Response) []*genai.FunctionResponse {
	out := make([]*genai.FunctionResponse, 0, len(responses))
	for _, r := range responses {
		payload := map[string]any{"output": r.Result}
		if r.Failed() {
			payload = map[string]any{"error": r.Error}
		}
		out = append(out, &genai.FunctionResponse{ID: r.ID, Name: r.Name, Response: payload})
	}
	return out
}

func (t *transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		t.closed = true
		t.writeMu.Unlock()
		close(t.done)
		err = t.sess.Close()
	})
	return err
}

func (t *transport) readLoop() {
	defer close(t.inbound)
	for {
		msg, err := t.sess.Receive()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			t.push(classifyReceiveError(err))
			return
		}
		if msg.GoAway != nil {
			t.log.Warn("gemini session will be terminated soon")
		}
		for _, in := range translate(msg) {
			if !t.push(in) {
				return
			}
		}
	}
}

func (t *transport) push(msg live.InboundMessage) bool {
	select {
	case t.inbound <- msg:
		return true
	case <-t.done:
		return false
	}
}

// translate maps one server message onto zero or more inbound messages.
// Setup acknowledgements and usage reports carry nothing for the session.
func translate(msg *genai.LiveServerMessage) []live.InboundMessage {
	if msg == nil {
		return nil
	}
	var out []live.InboundMessage
	if sc := msg.ServerContent; sc != nil {
		if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
			out = append(out, live.Transcript{Role: live.RoleUser, Text: sc.InputTranscription.Text})
		}
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
					continue
				}
				if !strings.HasPrefix(part.InlineData.MIMEType, "audio/") {
					continue
				}
				out = append(out, live.AudioPayload{Data: part.InlineData.Data, MIMEType: part.InlineData.MIMEType})
			}
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			out = append(out, live.Transcript{Role: live.RoleAgent, Text: sc.OutputTranscription.Text})
		}
	}
	if tc := msg.ToolCall; tc != nil && len(tc.FunctionCalls) > 0 {
		calls := make([]tools.Call, 0, len(tc.FunctionCalls))
		for _, fc := range tc.FunctionCalls {
			if fc == nil {
				continue
			}
			calls = append(calls, tools.Call{ID: fc.ID, Name: fc.Name, Args: fc.Args})
		}
		out = append(out, live.ToolCallRequest{Calls: calls})
	}
	return out
}

func classifyReceiveError(err error) live.InboundMessage {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway {
			return live.SessionClosed{Reason: ce.Text, Code: ce.Code}
		}
		detail := fmt.Sprintf("connection closed with code %d", ce.Code)
		if ce.Text != "" {
			detail += ": " + ce.Text
		}
		if reliability.IsRetryableCloseCode(ce.Code) {
			detail += " (retryable)"
		}
		return live.SessionError{Detail: detail, Err: err}
	}
	return live.SessionError{Detail: err.Error(), Err: err}
}

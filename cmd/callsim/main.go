package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/teleagent/internal/audio"
	"github.com/antoniostano/teleagent/internal/protocol"
)

// callsim places one outbound call against a running agent, playing a WAV
// file (or silence) as the callee's microphone and recording the agent's
// voice to another WAV file.
type options struct {
	baseURL    string
	contactID  string
	inPath     string
	outPath    string
	micRate    int
	silence    time.Duration
	chunkMS    int
	realtime   float64
	linger     time.Duration
	timeout    time.Duration
	verbose    bool
	stdout     io.Writer
	httpClient *http.Client
}

type createCallRequest struct {
	ContactID string `json:"contact_id"`
}

type createCallResponse struct {
	CallID string `json:"call_id"`
	Status string `json:"status"`
}

type wsEnvelope struct {
	Type          string `json:"type"`
	State         string `json:"state,omitempty"`
	Status        string `json:"status,omitempty"`
	Level         string `json:"level,omitempty"`
	Message       string `json:"message,omitempty"`
	Code          string `json:"code,omitempty"`
	Detail        string `json:"detail,omitempty"`
	AppointmentID int64  `json:"appointment_id,omitempty"`
	Date          string `json:"date,omitempty"`
	Time          string `json:"time,omitempty"`
	StartMS       int64  `json:"start_ms,omitempty"`
	SampleRate    int    `json:"sample_rate,omitempty"`
	PCM16Base64   string `json:"pcm16_base64,omitempty"`
}

type summary struct {
	CallID      string
	FinalStatus string
	Booked      bool
	Chunks      int
	Errors      []string
	Recorded    audio.Buffer
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "callsim: %v\n", err)
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()
	sum, err := run(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "callsim: %v\n", err)
		os.Exit(1)
	}
	if cfg.outPath != "" && len(sum.Recorded.Samples) > 0 {
		if err := audio.WriteWAVFile(cfg.outPath, sum.Recorded); err != nil {
			fmt.Fprintf(os.Stderr, "callsim: write %s: %v\n", cfg.outPath, err)
			os.Exit(1)
		}
	}
	fmt.Fprintf(cfg.stdout, "callsim: call=%s status=%s booked=%t playback_chunks=%d recorded=%s\n",
		sum.CallID, sum.FinalStatus, sum.Booked, sum.Chunks, sum.Recorded.Duration())
}

func parseFlags(args []string) (options, error) {
	cfg := options{stdout: os.Stdout}
	fs := flag.NewFlagSet("callsim", flag.ContinueOnError)
	var silenceMS, lingerMS, timeoutMS int

	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "agent base URL")
	fs.StringVar(&cfg.contactID, "contact-id", "1", "contact to call")
	fs.StringVar(&cfg.inPath, "in", "", "PCM16 WAV played as the callee microphone (silence when empty)")
	fs.StringVar(&cfg.outPath, "out", "agent.wav", "WAV file receiving the agent playback (empty disables)")
	fs.IntVar(&cfg.micRate, "mic-rate", 48000, "capture rate reported when -in is empty")
	fs.IntVar(&silenceMS, "silence-ms", 3000, "silence sent when -in is empty")
	fs.IntVar(&cfg.chunkMS, "chunk-ms", 85, "microphone chunk size in milliseconds")
	fs.Float64Var(&cfg.realtime, "realtime", 1.0, "chunk pacing multiplier (1.0=realtime, 2.0=2x)")
	fs.IntVar(&lingerMS, "linger-ms", 4000, "time to keep listening after the microphone input is exhausted")
	fs.IntVar(&timeoutMS, "timeout-ms", 120000, "overall call timeout")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print call events")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	cfg.contactID = strings.TrimSpace(cfg.contactID)
	if cfg.contactID == "" {
		return options{}, fmt.Errorf("contact-id is required")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if cfg.micRate <= 0 {
		return options{}, fmt.Errorf("mic-rate must be > 0")
	}
	if silenceMS < 0 {
		silenceMS = 0
	}
	if lingerMS < 0 {
		lingerMS = 0
	}
	if timeoutMS < 1000 {
		timeoutMS = 1000
	}
	cfg.silence = time.Duration(silenceMS) * time.Millisecond
	cfg.linger = time.Duration(lingerMS) * time.Millisecond
	cfg.timeout = time.Duration(timeoutMS) * time.Millisecond
	cfg.httpClient = &http.Client{Timeout: 15 * time.Second}
	return cfg, nil
}

func run(ctx context.Context, cfg options) (summary, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	mic, err := loadMic(cfg)
	if err != nil {
		return summary{}, fmt.Errorf("prepare microphone audio: %w", err)
	}

	callID, err := createCall(ctx, cfg.httpClient, cfg.baseURL, cfg.contactID)
	if err != nil {
		return summary{}, fmt.Errorf("create call: %w", err)
	}
	sum := summary{CallID: callID}
	if cfg.verbose {
		fmt.Fprintf(cfg.stdout, "callsim: call=%s contact=%s mic_rate=%dHz mic=%s\n", callID, cfg.contactID, mic.SampleRate, mic.Duration())
	}

	wsURL, err := wsURLForCall(cfg.baseURL, callID)
	if err != nil {
		return sum, fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return sum, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()
	// Unblock the reader when the overall deadline passes.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	var writeMu sync.Mutex
	write := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	if err := write(protocol.ClientHello{
		Type:       protocol.TypeClientHello,
		CallID:     callID,
		MicStatus:  protocol.MicGranted,
		SampleRate: mic.SampleRate,
		TSMs:       time.Now().UnixMilli(),
	}); err != nil {
		return sum, fmt.Errorf("send hello: %w", err)
	}

	rec := &recorder{}
	done := make(chan error, 1)
	go func() { done <- readLoop(conn, cfg, rec, &sum) }()

	sendErr := make(chan error, 1)
	go func() {
		err := sendMic(ctx, write, callID, mic, cfg.chunkMS, cfg.realtime)
		if err == nil {
			select {
			case <-time.After(cfg.linger):
			case <-ctx.Done():
				sendErr <- ctx.Err()
				return
			}
			err = write(protocol.ClientControl{
				Type:   protocol.TypeClientControl,
				CallID: callID,
				Action: protocol.ActionHangup,
				Reason: "callsim_done",
				TSMs:   time.Now().UnixMilli(),
			})
		}
		sendErr <- err
	}()

	var readErr error
	select {
	case readErr = <-done:
	case err := <-sendErr:
		readErr = <-done
		// A send failing because the server hung up first is not an error; the
		// read loop already reported how the call ended.
		if readErr == nil && err != nil && !errors.Is(err, websocket.ErrCloseSent) && ctx.Err() != nil {
			readErr = err
		}
	}

	sum.Recorded = rec.Buffer()
	sum.Chunks = rec.Chunks()
	if readErr != nil {
		return sum, readErr
	}
	return sum, nil
}

func loadMic(cfg options) (audio.Buffer, error) {
	if cfg.inPath == "" {
		n := int(cfg.silence * time.Duration(cfg.micRate) / time.Second)
		return audio.Buffer{Samples: make([]float32, n), SampleRate: cfg.micRate, Channels: 1}, nil
	}
	buf, err := audio.ReadWAVFile(cfg.inPath)
	if err != nil {
		return audio.Buffer{}, err
	}
	if len(buf.Samples) == 0 {
		return audio.Buffer{}, fmt.Errorf("%s holds no samples", cfg.inPath)
	}
	return buf, nil
}

func createCall(ctx context.Context, client *http.Client, baseURL, contactID string) (string, error) {
	payload, err := json.Marshal(createCallRequest{ContactID: contactID})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/calls", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var out createCallResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.CallID) == "" {
		return "", fmt.Errorf("missing call_id in response")
	}
	return out.CallID, nil
}

func wsURLForCall(baseURL, callID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/calls/" + url.PathEscape(callID) + "/ws"
	return u.String(), nil
}

// chunkSamples cuts samples into windows of chunkMS at rate. The last window
// may be short.
func chunkSamples(samples []float32, rate, chunkMS int) [][]float32 {
	size := rate * chunkMS / 1000
	if size <= 0 {
		size = 1
	}
	var out [][]float32
	for off := 0; off < len(samples); off += size {
		end := min(off+size, len(samples))
		out = append(out, samples[off:end])
	}
	return out
}

func sendMic(ctx context.Context, write func(any) error, callID string, mic audio.Buffer, chunkMS int, realtime float64) error {
	for i, chunk := range chunkSamples(mic.Samples, mic.SampleRate, chunkMS) {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := protocol.ClientAudioChunk{
			Type:        protocol.TypeClientAudioChunk,
			CallID:      callID,
			Seq:         i + 1,
			PCM16Base64: audio.EncodeBase64(chunk),
			SampleRate:  mic.SampleRate,
			TSMs:        time.Now().UnixMilli(),
		}
		if err := write(msg); err != nil {
			return err
		}
		pause := time.Duration(float64(time.Duration(len(chunk))*time.Second/time.Duration(mic.SampleRate)) / realtime)
		if pause <= 0 {
			pause = time.Millisecond
		}
		select {
		case <-time.After(pause):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func readLoop(conn *websocket.Conn, cfg options, rec *recorder, sum *summary) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("ws read: %w", err)
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch protocol.MessageType(env.Type) {
		case protocol.TypePlaybackChunk:
			if err := rec.Add(env.StartMS, env.PCM16Base64, env.SampleRate); err != nil && cfg.verbose {
				fmt.Fprintf(cfg.stdout, "callsim: dropped playback chunk: %v\n", err)
			}
		case protocol.TypeCallState:
			sum.FinalStatus = env.Status
			if cfg.verbose {
				fmt.Fprintf(cfg.stdout, "callsim: state=%s status=%s\n", env.State, env.Status)
			}
		case protocol.TypeLogEvent:
			if cfg.verbose {
				fmt.Fprintf(cfg.stdout, "callsim: [%s] %s\n", env.Level, env.Message)
			}
		case protocol.TypeAppointmentBooked:
			sum.Booked = true
			if cfg.verbose {
				fmt.Fprintf(cfg.stdout, "callsim: booked appointment=%d %s %s\n", env.AppointmentID, env.Date, env.Time)
			}
		case protocol.TypeErrorEvent:
			sum.Errors = append(sum.Errors, env.Code)
			if cfg.verbose {
				fmt.Fprintf(cfg.stdout, "callsim: error_event code=%s detail=%s\n", env.Code, env.Detail)
			}
		}
	}
}

// recorder lays playback chunks on a timeline by their start offset, so gaps
// the agent left between turns stay audible in the output file.
type recorder struct {
	mu      sync.Mutex
	rate    int
	samples []float32
	chunks  int
}

func (r *recorder) Add(startMS int64, payload string, rate int) error {
	buf, err := audio.DecodeBase64(payload, rate)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rate == 0 {
		r.rate = rate
	}
	samples := buf.Samples
	if rate != r.rate {
		samples = audio.Resample(samples, rate, r.rate)
	}
	at := max(int(startMS*int64(r.rate)/1000), 0)
	if need := at + len(samples); need > len(r.samples) {
		r.samples = append(r.samples, make([]float32, need-len(r.samples))...)
	}
	copy(r.samples[at:], samples)
	r.chunks++
	return nil
}

func (r *recorder) Buffer() audio.Buffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rate == 0 {
		return audio.Buffer{}
	}
	return audio.Buffer{Samples: append([]float32(nil), r.samples...), SampleRate: r.rate, Channels: 1}
}

func (r *recorder) Chunks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chunks
}

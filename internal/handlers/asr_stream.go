package handlers

import (
	"encoding/base64"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/voicehive/backend/internal/asr"
	"github.com/voicehive/backend/internal/errdefs"
	"github.com/voicehive/backend/pb"
)

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamFrame is both directions of the /v1/asr/stream protocol. The client
// sends config, audio, and end frames; the server answers with partial,
// final, and error frames.
type streamFrame struct {
	Type string `json:"type"`

	// client → server
	Config *streamConfig `json:"config,omitempty"`
	Audio  string        `json:"audio,omitempty"` // base64

	// server → client
	Transcript   string     `json:"transcript,omitempty"`
	Confidence   float32    `json:"confidence,omitempty"`
	LanguageCode string     `json:"language_code,omitempty"`
	Error        *errorBody `json:"error,omitempty"`
}

// wsWriter serializes frame writes; the read loop and the result pump
// both emit frames.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) writeFrame(f streamFrame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(f)
}

func (w *wsWriter) writeError(err error) {
	_ = w.writeFrame(streamFrame{
		Type: "error",
		Error: &errorBody{
			Kind:    string(errdefs.KindOf(err)),
			Message: err.Error(),
		},
	})
}

type streamConfig struct {
	Encoding       string `json:"encoding"`
	SampleRateHz   int32  `json:"sample_rate_hz"`
	LanguageCode   string `json:"language_code"`
	InterimResults bool   `json:"interim_results"`
	Model          string `json:"model"`
}

// HandleASRStream serves the websocket at /v1/asr/stream. The first frame
// must be a config frame; audio or end before it terminates the stream with
// a validation error frame.
func HandleASRStream(proxy *asr.Proxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := streamUpgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("[ASRStream] Upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		out := &wsWriter{conn: conn}
		ctx := r.Context()
		var session *asr.StreamSession
		resultsDone := make(chan struct{})

		// Read loop drives the session; the result pump runs beside it
		// once a session exists.
		for {
			var frame streamFrame
			if err := conn.ReadJSON(&frame); err != nil {
				if session != nil {
					session.Close()
					<-resultsDone
				}
				return
			}

			switch frame.Type {
			case "config":
				if session != nil {
					out.writeError(errdefs.Validation("config frame already received"))
					continue
				}
				if frame.Config == nil {
					out.writeError(errdefs.Validation("config frame has no config"))
					continue
				}
				encoding, err := parseEncoding(frame.Config.Encoding)
				if err != nil {
					out.writeError(err)
					continue
				}
				session, err = proxy.OpenStream(ctx, &pb.RecognitionConfig{
					Encoding:        encoding,
					SampleRateHertz: frame.Config.SampleRateHz,
					LanguageCode:    frame.Config.LanguageCode,
					InterimResults:  frame.Config.InterimResults,
					Model:           frame.Config.Model,
				})
				if err != nil {
					out.writeError(err)
					return
				}
				go pumpResults(out, session, resultsDone)

			case "audio":
				if session == nil {
					out.writeError(errdefs.Validation("audio frame before config"))
					return
				}
				raw, err := base64.StdEncoding.DecodeString(frame.Audio)
				if err != nil {
					out.writeError(errdefs.Validation("audio must be base64-encoded"))
					continue
				}
				if err := session.PushAudio(ctx, raw); err != nil {
					out.writeError(err)
					<-resultsDone
					return
				}

			case "end":
				if session == nil {
					out.writeError(errdefs.Validation("end frame before config"))
					return
				}
				session.EndOfStream()
				<-resultsDone
				return

			default:
				out.writeError(errdefs.Validationf("unknown frame type %q", frame.Type))
			}
		}
	}
}

// pumpResults relays recognition results to the client in upstream order.
func pumpResults(out *wsWriter, session *asr.StreamSession, done chan<- struct{}) {
	defer close(done)
	for res := range session.Results() {
		if res.Err != nil {
			out.writeError(res.Err)
			return
		}
		kind := "partial"
		if res.IsFinal {
			kind = "final"
		}
		frame := streamFrame{
			Type:         kind,
			Transcript:   res.Transcript,
			Confidence:   res.Confidence,
			LanguageCode: res.LanguageCode,
		}
		if err := out.writeFrame(frame); err != nil {
			session.Close()
			return
		}
	}
}

package asr

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/voicehive/backend/internal/errdefs"
	"github.com/voicehive/backend/pb"
)

const (
	// Audio frames queue here while the upstream send catches up.
	defaultAudioQueueDepth = 64

	// Cancellation is noticed within one heartbeat tick.
	heartbeatInterval = time.Second
)

// StreamResult is one recognition event on a live session. Err is set on
// the terminal event when the session failed.
type StreamResult struct {
	Transcript   string
	Confidence   float32
	IsFinal      bool
	LanguageCode string
	Err          error
}

// StreamSession is one live recognition stream. Results arrive in upstream
// order on Results(); the channel closes after the final result or a
// terminal error.
type StreamSession struct {
	stream  pb.Recognizer_StreamingRecognizeClient
	cancel  context.CancelFunc
	audioQ  chan []byte
	results chan StreamResult
	done    chan struct{}
}

// OpenStream validates the config, opens an upstream stream, and sends the
// config frame before any audio is accepted. The first-frame-is-config
// protocol is enforced here so callers cannot get it wrong.
func (p *Proxy) OpenStream(ctx context.Context, cfg *pb.RecognitionConfig) (*StreamSession, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	ch, err := p.pool.Get()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	stream, err := ch.client.StreamingRecognize(ctx)
	if err != nil {
		cancel()
		p.markIfConnFailure(ch, err)
		return nil, mapRPCError(err)
	}
	if err := stream.Send(&pb.StreamingRecognizeRequest{Config: cfg}); err != nil {
		cancel()
		return nil, mapRPCError(err)
	}

	s := &StreamSession{
		stream:  stream,
		cancel:  cancel,
		audioQ:  make(chan []byte, defaultAudioQueueDepth),
		results: make(chan StreamResult, 16),
		done:    make(chan struct{}),
	}
	go s.sendLoop(ctx)
	go s.recvLoop(ctx)
	return s, nil
}

// Results is the ordered event channel.
func (s *StreamSession) Results() <-chan StreamResult { return s.results }

// PushAudio enqueues one audio frame. Blocks when the queue is full so the
// caller inherits upstream backpressure.
func (s *StreamSession) PushAudio(ctx context.Context, frame []byte) error {
	select {
	case s.audioQ <- frame:
		return nil
	case <-s.done:
		return errdefs.Cancelled("stream session closed")
	case <-ctx.Done():
		return errdefs.Cancelled("stream push cancelled")
	}
}

// EndOfStream stops accepting audio and lets the upstream drain its final
// results. Results() closes once the drain completes.
func (s *StreamSession) EndOfStream() {
	close(s.audioQ)
}

// Close aborts the session. In-flight results are dropped.
func (s *StreamSession) Close() {
	s.cancel()
}

func (s *StreamSession) sendLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case frame, ok := <-s.audioQ:
			if !ok {
				if err := s.stream.CloseSend(); err != nil {
					slog.Warn("[ASRStream] CloseSend failed", "error", err)
				}
				return
			}
			if err := s.stream.Send(&pb.StreamingRecognizeRequest{Audio: frame}); err != nil {
				// recvLoop surfaces the stream error; stop sending.
				return
			}
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *StreamSession) recvLoop(ctx context.Context) {
	defer close(s.results)
	defer close(s.done)
	defer s.cancel()

	for {
		resp, err := s.stream.Recv()
		if err == io.EOF {
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				s.emit(ctx, StreamResult{Err: errdefs.Cancelled("stream session cancelled")})
				return
			}
			s.emit(ctx, StreamResult{Err: mapRPCError(err)})
			return
		}
		for _, r := range resp.Results {
			if len(r.Alternatives) == 0 {
				continue
			}
			alt := r.Alternatives[0]
			s.emit(ctx, StreamResult{
				Transcript:   alt.Transcript,
				Confidence:   alt.Confidence,
				IsFinal:      r.IsFinal,
				LanguageCode: r.LanguageCode,
			})
		}
	}
}

func (s *StreamSession) emit(ctx context.Context, res StreamResult) {
	select {
	case s.results <- res:
	case <-ctx.Done():
	}
}

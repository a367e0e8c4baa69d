// Package pb carries the logical wire types for the speech recognition
// backend. The upstream recognizer speaks gRPC; these types mirror its
// surface so the proxy, the pool, and the tests share one vocabulary.
package pb

import (
	"context"
	"io"
	"strings"
	"sync"

	"google.golang.org/grpc"
)

// Recognition Types

type AudioEncoding int32

const (
	AudioEncoding_ENCODING_UNSPECIFIED AudioEncoding = 0
	AudioEncoding_LINEAR16             AudioEncoding = 1
	AudioEncoding_FLAC                 AudioEncoding = 2
	AudioEncoding_MULAW                AudioEncoding = 3
)

func (e AudioEncoding) String() string {
	switch e {
	case AudioEncoding_LINEAR16:
		return "LINEAR16"
	case AudioEncoding_FLAC:
		return "FLAC"
	case AudioEncoding_MULAW:
		return "MULAW"
	default:
		return "ENCODING_UNSPECIFIED"
	}
}

type RecognitionConfig struct {
	Encoding          AudioEncoding
	SampleRateHertz   int32
	LanguageCode      string
	MaxAlternatives   int32
	InterimResults    bool
	EnableSeparation  bool // speaker separation hint, passed through
	Model             string
}

type RecognitionAudio struct {
	Content []byte
}

type RecognizeRequest struct {
	Config *RecognitionConfig
	Audio  *RecognitionAudio
}

type WordInfo struct {
	Word        string
	StartTimeMs int64
	EndTimeMs   int64
}

type SpeechRecognitionAlternative struct {
	Transcript string
	Confidence float32
	Words      []*WordInfo
}

type SpeechRecognitionResult struct {
	Alternatives []*SpeechRecognitionAlternative
	IsFinal      bool
	LanguageCode string
}

type RecognizeResponse struct {
	Results []*SpeechRecognitionResult
}

// Streaming Types

type StreamingRecognizeRequest struct {
	// Exactly one of Config or Audio is set. The first frame on a stream
	// must carry Config.
	Config *RecognitionConfig
	Audio  []byte
}

type StreamingRecognizeResponse struct {
	Results []*SpeechRecognitionResult
}

// Language Detection Types

type DetectLanguageRequest struct {
	Audio           *RecognitionAudio
	SampleRateHertz int32
	Encoding        AudioEncoding
}

type LanguageCandidate struct {
	LanguageCode string
	Confidence   float32
}

type DetectLanguageResponse struct {
	Candidates []*LanguageCandidate
}

// Service Interfaces

type Recognizer_StreamingRecognizeClient interface {
	Send(*StreamingRecognizeRequest) error
	Recv() (*StreamingRecognizeResponse, error)
	CloseSend() error
	grpc.ClientStream
}

type RecognizerClient interface {
	Recognize(ctx context.Context, in *RecognizeRequest, opts ...grpc.CallOption) (*RecognizeResponse, error)
	StreamingRecognize(ctx context.Context, opts ...grpc.CallOption) (Recognizer_StreamingRecognizeClient, error)
	DetectLanguage(ctx context.Context, in *DetectLanguageRequest, opts ...grpc.CallOption) (*DetectLanguageResponse, error)
}

// MockRecognizerClient is the in-memory recognizer used in tests and local
// development. Transcripts echo a fixed phrase; streams produce one final
// result per audio frame batch.
type MockRecognizerClient struct {
	Transcript string
	Language   string
	Confidence float32
}

func NewMockRecognizerClient() *MockRecognizerClient {
	return &MockRecognizerClient{
		Transcript: "hello front desk",
		Language:   "en-US",
		Confidence: 0.97,
	}
}

func (m *MockRecognizerClient) Recognize(ctx context.Context, in *RecognizeRequest, opts ...grpc.CallOption) (*RecognizeResponse, error) {
	return &RecognizeResponse{
		Results: []*SpeechRecognitionResult{{
			Alternatives: []*SpeechRecognitionAlternative{{
				Transcript: m.Transcript,
				Confidence: m.Confidence,
				Words:      mockWords(m.Transcript),
			}},
			IsFinal:      true,
			LanguageCode: m.Language,
		}},
	}, nil
}

// mockWords fabricates evenly spaced word offsets, 300ms per word.
func mockWords(transcript string) []*WordInfo {
	const wordMs = 300
	var words []*WordInfo
	for i, w := range strings.Fields(transcript) {
		words = append(words, &WordInfo{
			Word:        w,
			StartTimeMs: int64(i * wordMs),
			EndTimeMs:   int64((i + 1) * wordMs),
		})
	}
	return words
}

func (m *MockRecognizerClient) DetectLanguage(ctx context.Context, in *DetectLanguageRequest, opts ...grpc.CallOption) (*DetectLanguageResponse, error) {
	return &DetectLanguageResponse{
		Candidates: []*LanguageCandidate{{LanguageCode: m.Language, Confidence: m.Confidence}},
	}, nil
}

func (m *MockRecognizerClient) StreamingRecognize(ctx context.Context, opts ...grpc.CallOption) (Recognizer_StreamingRecognizeClient, error) {
	return newMockStream(ctx, m), nil
}

// mockStream turns every received audio frame into a pending final result
// drained by Recv after CloseSend.
type mockStream struct {
	grpc.ClientStream
	ctx    context.Context
	parent *MockRecognizerClient

	mu      sync.Mutex
	cond    *sync.Cond
	pending []*StreamingRecognizeResponse
	closed  bool
	gotCfg  bool
}

func newMockStream(ctx context.Context, parent *MockRecognizerClient) *mockStream {
	s := &mockStream{ctx: ctx, parent: parent}
	s.cond = sync.NewCond(&s.mu)
	context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cond.Broadcast()
	})
	return s
}

func (s *mockStream) Context() context.Context { return s.ctx }

func (s *mockStream) Send(req *StreamingRecognizeRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.Config != nil {
		s.gotCfg = true
		return nil
	}
	if !s.gotCfg {
		return io.ErrUnexpectedEOF
	}
	s.pending = append(s.pending, &StreamingRecognizeResponse{
		Results: []*SpeechRecognitionResult{{
			Alternatives: []*SpeechRecognitionAlternative{{
				Transcript: s.parent.Transcript,
				Confidence: s.parent.Confidence,
			}},
			IsFinal:      true,
			LanguageCode: s.parent.Language,
		}},
	})
	s.cond.Broadcast()
	return nil
}

func (s *mockStream) CloseSend() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
	return nil
}

// Recv blocks until a result is pending or the stream is closed, matching
// real stream semantics.
func (s *mockStream) Recv() (*StreamingRecognizeResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.pending) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.pending) > 0 {
		resp := s.pending[0]
		s.pending = s.pending[1:]
		return resp, nil
	}
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

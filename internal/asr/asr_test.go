package asr

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/voicehive/backend/internal/circuitbreaker"
	"github.com/voicehive/backend/internal/errdefs"
	"github.com/voicehive/backend/internal/resilience"
	"github.com/voicehive/backend/pb"
)

func testProxy(t *testing.T, dial DialFunc) *Proxy {
	t.Helper()
	pool := NewChannelPool(PoolConfig{Addr: "recognizer:50051", Size: 3, Dial: dial})
	t.Cleanup(pool.Close)
	breakers := circuitbreaker.NewManager(&circuitbreaker.Config{
		FailureThreshold: 5,
		Window:           time.Minute,
		RecoveryTimeout:  2 * time.Minute,
	}, nil)
	exec := resilience.NewExecutor("asr", breakers, resilience.Defaults{
		Deadline:   time.Second,
		MaxRetries: 1,
		RetryBackoff: resilience.BackoffConfig{
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
		},
	})
	return NewProxy(pool, exec, ProxyConfig{})
}

func mockDial(client pb.RecognizerClient) DialFunc {
	return func(addr string) (*grpc.ClientConn, pb.RecognizerClient, error) {
		return nil, client, nil
	}
}

func validConfig() *pb.RecognitionConfig {
	return &pb.RecognitionConfig{
		Encoding:        pb.AudioEncoding_LINEAR16,
		SampleRateHertz: 16000,
		LanguageCode:    "en-US",
	}
}

func TestValidateConfigRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*pb.RecognitionConfig)
	}{
		{"unknown encoding", func(c *pb.RecognitionConfig) { c.Encoding = pb.AudioEncoding_ENCODING_UNSPECIFIED }},
		{"sample rate too low", func(c *pb.RecognitionConfig) { c.SampleRateHertz = 7999 }},
		{"sample rate too high", func(c *pb.RecognitionConfig) { c.SampleRateHertz = 48001 }},
		{"too many alternatives", func(c *pb.RecognitionConfig) { c.MaxAlternatives = 11 }},
		{"missing language", func(c *pb.RecognitionConfig) { c.LanguageCode = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := ValidateConfig(cfg)
			assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err))
		})
	}
}

func TestTranscribeReturnsFinalResult(t *testing.T) {
	mock := pb.NewMockRecognizerClient()
	p := testProxy(t, mockDial(mock))

	got, err := p.Transcribe(context.Background(), &pb.RecognizeRequest{
		Config: validConfig(),
		Audio:  &pb.RecognitionAudio{Content: []byte("pcm")},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello front desk", got.Transcript)
	assert.Equal(t, "en-US", got.LanguageCode)
	assert.InDelta(t, 0.97, got.Confidence, 0.001)

	require.Len(t, got.Words, 3)
	assert.Equal(t, "hello", got.Words[0].Word)
	assert.Equal(t, int64(0), got.Words[0].StartTimeMs)
	assert.Less(t, got.Words[0].EndTimeMs, got.Words[1].EndTimeMs)
	assert.GreaterOrEqual(t, got.ProcessingTimeMs, int64(0))
}

// rankedClient returns three ranked hypotheses for the same audio.
type rankedClient struct {
	*pb.MockRecognizerClient
}

func (c *rankedClient) Recognize(ctx context.Context, in *pb.RecognizeRequest, opts ...grpc.CallOption) (*pb.RecognizeResponse, error) {
	return &pb.RecognizeResponse{
		Results: []*pb.SpeechRecognitionResult{{
			Alternatives: []*pb.SpeechRecognitionAlternative{
				{Transcript: "book a room", Confidence: 0.91},
				{Transcript: "book a broom", Confidence: 0.64},
				{Transcript: "cook a room", Confidence: 0.31},
			},
			IsFinal:      true,
			LanguageCode: "en-US",
		}},
	}, nil
}

func TestTranscribeHonorsMaxAlternatives(t *testing.T) {
	p := testProxy(t, mockDial(&rankedClient{pb.NewMockRecognizerClient()}))

	cfg := validConfig()
	cfg.MaxAlternatives = 2
	got, err := p.Transcribe(context.Background(), &pb.RecognizeRequest{
		Config: cfg,
		Audio:  &pb.RecognitionAudio{Content: []byte("pcm")},
	})
	require.NoError(t, err)
	assert.Equal(t, "book a room", got.Transcript)
	require.Len(t, got.Alternatives, 1, "primary plus one runner-up")
	assert.Equal(t, "book a broom", got.Alternatives[0].Transcript)

	// Default (unset) keeps the primary only.
	got, err = p.Transcribe(context.Background(), &pb.RecognizeRequest{
		Config: validConfig(),
		Audio:  &pb.RecognitionAudio{Content: []byte("pcm")},
	})
	require.NoError(t, err)
	assert.Empty(t, got.Alternatives)
}

func TestTranscribeRejectsEmptyAudio(t *testing.T) {
	p := testProxy(t, mockDial(pb.NewMockRecognizerClient()))
	_, err := p.Transcribe(context.Background(), &pb.RecognizeRequest{Config: validConfig()})
	assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err))
}

func TestDetectLanguageFallsBackWhenPoolDown(t *testing.T) {
	failDial := func(addr string) (*grpc.ClientConn, pb.RecognizerClient, error) {
		return nil, nil, fmt.Errorf("connection refused")
	}
	p := testProxy(t, failDial)

	got := p.DetectLanguage(context.Background(), []byte("audio"), pb.AudioEncoding_LINEAR16, 16000)
	require.Len(t, got, 1)
	assert.Equal(t, "en-US", got[0].LanguageCode)
	assert.InDelta(t, 0.5, got[0].Confidence, 0.001)
}

// multiCandidateClient returns two detection candidates below the
// confidence floor.
type multiCandidateClient struct {
	*pb.MockRecognizerClient
}

func (c *multiCandidateClient) DetectLanguage(ctx context.Context, in *pb.DetectLanguageRequest, opts ...grpc.CallOption) (*pb.DetectLanguageResponse, error) {
	return &pb.DetectLanguageResponse{
		Candidates: []*pb.LanguageCandidate{
			{LanguageCode: "de-DE", Confidence: 0.72},
			{LanguageCode: "nl-NL", Confidence: 0.21},
		},
	}, nil
}

func TestDetectLanguageLowConfidenceReturnsRunnerUp(t *testing.T) {
	client := &multiCandidateClient{pb.NewMockRecognizerClient()}
	p := testProxy(t, mockDial(client))

	got := p.DetectLanguage(context.Background(), []byte("audio"), pb.AudioEncoding_LINEAR16, 16000)
	require.Len(t, got, 2)
	assert.Equal(t, "de-DE", got[0].LanguageCode)
	assert.Equal(t, "nl-NL", got[1].LanguageCode)
}

func TestDetectLanguageHighConfidenceSingleCandidate(t *testing.T) {
	mock := pb.NewMockRecognizerClient() // confidence 0.97
	p := testProxy(t, mockDial(mock))

	got := p.DetectLanguage(context.Background(), []byte("audio"), pb.AudioEncoding_LINEAR16, 16000)
	require.Len(t, got, 1)
	assert.Equal(t, "en-US", got[0].LanguageCode)
}

func TestTrimToWindowBoundsPCM(t *testing.T) {
	// 10 seconds of 8kHz LINEAR16 is 160000 bytes; the window keeps 5s.
	audio := make([]byte, 160000)
	trimmed := trimToWindow(audio, pb.AudioEncoding_LINEAR16, 8000)
	assert.Len(t, trimmed, 80000)

	// FLAC passes through untouched.
	flac := make([]byte, 160000)
	assert.Len(t, trimToWindow(flac, pb.AudioEncoding_FLAC, 8000), 160000)
}

func TestStreamSessionOrderedFinals(t *testing.T) {
	p := testProxy(t, mockDial(pb.NewMockRecognizerClient()))

	session, err := p.OpenStream(context.Background(), validConfig())
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, session.PushAudio(ctx, []byte("frame")))
	}
	// Give the send loop time to forward the frames upstream.
	time.Sleep(50 * time.Millisecond)
	session.EndOfStream()

	finals := 0
	for res := range session.Results() {
		require.NoError(t, res.Err)
		if res.IsFinal {
			finals++
			assert.Equal(t, "hello front desk", res.Transcript)
		}
	}
	assert.Equal(t, 3, finals)
}

func TestOpenStreamRejectsInvalidConfig(t *testing.T) {
	p := testProxy(t, mockDial(pb.NewMockRecognizerClient()))
	cfg := validConfig()
	cfg.SampleRateHertz = 100
	_, err := p.OpenStream(context.Background(), cfg)
	assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err))
}

func TestPoolStaysHealthyWithOneChannel(t *testing.T) {
	calls := 0
	flaky := func(addr string) (*grpc.ClientConn, pb.RecognizerClient, error) {
		calls++
		if calls > 1 {
			return nil, nil, fmt.Errorf("refused")
		}
		return nil, pb.NewMockRecognizerClient(), nil
	}
	pool := NewChannelPool(PoolConfig{Addr: "x", Size: 3, Dial: flaky})
	t.Cleanup(pool.Close)

	assert.True(t, pool.Healthy())
	ch, err := pool.Get()
	require.NoError(t, err)
	assert.NotNil(t, ch.client)
}

func TestMarkedDownLeaseReopensOnNextGet(t *testing.T) {
	dials := 0
	dial := func(addr string) (*grpc.ClientConn, pb.RecognizerClient, error) {
		dials++
		return nil, pb.NewMockRecognizerClient(), nil
	}
	pool := NewChannelPool(PoolConfig{Addr: "x", Size: 1, Dial: dial})
	t.Cleanup(pool.Close)

	lease, err := pool.Get()
	require.NoError(t, err)
	require.NotNil(t, lease.client)

	pool.MarkDown(lease)
	assert.False(t, pool.Healthy())

	// The in-hand snapshot stays usable while the slot redials underneath.
	_, err = lease.client.Recognize(context.Background(), &pb.RecognizeRequest{
		Config: validConfig(),
		Audio:  &pb.RecognitionAudio{Content: []byte("pcm")},
	})
	require.NoError(t, err)

	fresh, err := pool.Get()
	require.NoError(t, err)
	assert.NotNil(t, fresh.client)
	assert.Equal(t, 2, dials, "slot redialed on the next borrow")
	assert.True(t, pool.Healthy())
}

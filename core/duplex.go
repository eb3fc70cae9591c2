package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koscakluka/aria-core/core/audio"
	"github.com/koscakluka/aria-core/core/vad"
)

const (
	txQueueCapacity    = 64
	playQueueCapacity  = 512
	levelQueueCapacity = 16
)

// Device is the hardware half of the duplex engine: two device-clocked PCM
// streams sharing one audio context. Capture hands frames to onFrame; playback
// pulls frames through pull, which must fill the whole output buffer.
//
// Both callbacks run on real-time device threads and must not block.
// StopCapture, StopPlayback, and Close are idempotent and succeed when the
// stream was never started, so teardown is safe after a partial startup.
type Device interface {
	StartCapture(ctx context.Context, onFrame func(frame []byte)) error
	StopCapture() error
	StartPlayback(ctx context.Context, pull func(out []byte)) error
	StopPlayback() error
	Close() error
	EncodingInfo() audio.EncodingInfo
}

// SpeechDetector classifies one capture frame as speech or silence.
type SpeechDetector interface {
	IsSpeech(frame []byte) bool
}

// AudioDuplexEngine owns the physical input/output streams for the lifetime
// of one session. Capture frames are VAD-gated onto an outbound queue drained
// by a forwarding loop; playback frames are drained one at a time by the
// hardware callback, with silence on underrun.
//
// The engine is single-use: after Stop it cannot be restarted. The
// orchestrator builds a fresh engine per connection.
type AudioDuplexEngine struct {
	device   Device
	detector SpeechDetector
	encoding audio.EncodingInfo

	frameDuration time.Duration
	frameBytes    int

	txQueue   chan []byte
	playQueue chan []byte
	levels    chan float64

	onLevel func(level float64)

	// leftover holds the tail of PlayOutput data that did not fill a whole
	// frame yet.
	leftover   []byte
	leftoverMu sync.Mutex

	started        atomic.Bool
	stopped        atomic.Bool
	cancel         context.CancelFunc
	forwardRunning atomic.Bool
	forwardDone    chan struct{}
}

type AudioDuplexOption func(*AudioDuplexEngine)

// WithSpeechDetector replaces the default RMS detector.
func WithSpeechDetector(detector SpeechDetector) AudioDuplexOption {
	return func(e *AudioDuplexEngine) { e.detector = detector }
}

// WithLevelMeter registers a callback receiving the normalized level of
// every captured frame, speech or not. It is invoked from the forwarding
// loop, never from the capture callback.
func WithLevelMeter(callback func(level float64)) AudioDuplexOption {
	return func(e *AudioDuplexEngine) { e.onLevel = callback }
}

// WithFrameDuration overrides the 20ms frame boundary.
func WithFrameDuration(duration time.Duration) AudioDuplexOption {
	return func(e *AudioDuplexEngine) { e.frameDuration = duration }
}

func NewAudioDuplexEngine(device Device, opts ...AudioDuplexOption) *AudioDuplexEngine {
	e := &AudioDuplexEngine{
		device:        device,
		detector:      vad.New(),
		encoding:      device.EncodingInfo(),
		frameDuration: audio.DefaultFrameDuration,
		txQueue:       make(chan []byte, txQueueCapacity),
		playQueue:     make(chan []byte, playQueueCapacity),
		levels:        make(chan float64, levelQueueCapacity),
		forwardDone:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.encoding.IsZero() {
		e.encoding = audio.GetDefaultEncodingInfo()
	}
	e.frameBytes = e.encoding.FrameBytes(e.frameDuration)
	return e
}

func (e *AudioDuplexEngine) EncodingInfo() audio.EncodingInfo { return e.encoding }

// Start opens playback then capture and launches the forwarding loop, which
// delivers speech frames to send in capture order. If either stream fails to
// open, whatever was started is torn down before returning.
func (e *AudioDuplexEngine) Start(ctx context.Context, send func(chunk []byte) error) error {
	if e.stopped.Load() {
		return fmt.Errorf("audio engine already stopped")
	}
	if !e.started.CompareAndSwap(false, true) {
		return fmt.Errorf("audio engine already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	if err := e.device.StartPlayback(ctx, e.pullFrame); err != nil {
		_ = e.Stop()
		return fmt.Errorf("failed to start playback stream: %w", err)
	}
	if err := e.device.StartCapture(ctx, e.captureFrame); err != nil {
		_ = e.Stop()
		return fmt.Errorf("failed to start capture stream: %w", err)
	}

	e.forwardRunning.Store(true)
	go e.forwardLoop(ctx, send)
	return nil
}

// Stop cancels the forwarding loop, closes both streams, and releases the
// device. Safe to call repeatedly and after a partially failed Start.
func (e *AudioDuplexEngine) Stop() error {
	if !e.stopped.CompareAndSwap(false, true) {
		return nil
	}

	if e.cancel != nil {
		e.cancel()
	}
	if e.forwardRunning.Load() {
		<-e.forwardDone
	}

	errs := errors.Join(
		e.device.StopCapture(),
		e.device.StopPlayback(),
		e.device.Close(),
	)

	// Drained under leftoverMu so a concurrent PlayOutput either finished
	// before the drain or observes stopped and enqueues nothing.
	e.leftoverMu.Lock()
	defer e.leftoverMu.Unlock()
	e.leftover = nil
	for {
		select {
		case <-e.playQueue:
		default:
			return errs
		}
	}
}

// PlayOutput segments an arbitrary-length buffer into frame-sized chunks and
// enqueues them for playback. A tail shorter than one frame is held back
// until the next call completes it. When the queue is full the oldest frame
// is dropped so latency stays bounded.
func (e *AudioDuplexEngine) PlayOutput(data []byte) {
	if len(data) == 0 {
		return
	}

	e.leftoverMu.Lock()
	defer e.leftoverMu.Unlock()
	if e.stopped.Load() {
		return
	}

	e.leftover = append(e.leftover, data...)
	for len(e.leftover) >= e.frameBytes {
		frame := make([]byte, e.frameBytes)
		copy(frame, e.leftover[:e.frameBytes])
		e.leftover = e.leftover[e.frameBytes:]
		e.enqueueFrame(frame)
	}
}

func (e *AudioDuplexEngine) enqueueFrame(frame []byte) {
	for {
		select {
		case e.playQueue <- frame:
			return
		default:
		}
		select {
		case <-e.playQueue:
			logger.Warn("playback queue full, dropping oldest frame")
		default:
		}
	}
}

// captureFrame runs on the capture device thread. It meters every frame and
// forwards only speech-classified frames, both through non-blocking queue
// operations.
func (e *AudioDuplexEngine) captureFrame(frame []byte) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("capture callback panicked", "panic", r)
		}
	}()

	// Metering is independent of the VAD decision.
	select {
	case e.levels <- vad.Level(frame):
	default:
	}

	if !e.detector.IsSpeech(frame) {
		return
	}

	// The device owns the frame buffer; copy before it leaves this callback.
	owned := make([]byte, len(frame))
	copy(owned, frame)
	select {
	case e.txQueue <- owned:
	default:
		// Dropping under backpressure bounds bandwidth and keeps the
		// callback real-time safe.
	}
}

// pullFrame runs on the playback device thread. An empty queue yields one
// frame of silence, never a blocked or shortened callback.
func (e *AudioDuplexEngine) pullFrame(out []byte) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("playback callback panicked", "panic", r)
		}
	}()

	select {
	case frame := <-e.playQueue:
		n := copy(out, frame)
		e.fillSilence(out[n:])
	default:
		e.fillSilence(out)
	}
}

func (e *AudioDuplexEngine) fillSilence(out []byte) {
	silence := e.encoding.SilenceValue()
	for i := range out {
		out[i] = silence
	}
}

func (e *AudioDuplexEngine) forwardLoop(ctx context.Context, send func(chunk []byte) error) {
	defer close(e.forwardDone)

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-e.txQueue:
			if err := send(frame); err != nil {
				logger.Warn("failed to forward captured audio", "error", err)
			}
		case level := <-e.levels:
			if e.onLevel != nil {
				e.onLevel(level)
			}
		}
	}
}

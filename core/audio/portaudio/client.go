// Package portaudio implements the duplex audio device on top of the
// PortAudio bindings. It is the fallback backend for hosts where the
// miniaudio backend misbehaves.
package portaudio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/koscakluka/aria-core/core/audio"
)

// Duplex owns one capture and one playback stream. PortAudio streams are
// blocking, so each direction runs its own pump goroutine.
type Duplex struct {
	encoding     audio.EncodingInfo
	frameSamples int

	captureStream  *portaudio.Stream
	playbackStream *portaudio.Stream
	in             []int16
	out            []int16

	captureStop  chan struct{}
	captureDone  chan struct{}
	playbackStop chan struct{}
	playbackDone chan struct{}

	mu     sync.Mutex
	closed bool
}

func NewDuplex() (*Duplex, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize portaudio: %w", err)
	}

	encoding := audio.GetDefaultEncodingInfo()
	frameSamples := encoding.FrameSamples(audio.DefaultFrameDuration)

	d := &Duplex{
		encoding:     encoding,
		frameSamples: frameSamples,
		in:           make([]int16, frameSamples),
		out:          make([]int16, frameSamples),
	}

	var err error
	if d.captureStream, err = portaudio.OpenDefaultStream(1, 0, float64(encoding.SampleRate), frameSamples, d.in); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("failed to open capture stream: %w", err)
	}
	if d.playbackStream, err = portaudio.OpenDefaultStream(0, 1, float64(encoding.SampleRate), frameSamples, d.out); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("failed to open playback stream: %w", err)
	}

	return d, nil
}

func (d *Duplex) StartCapture(ctx context.Context, onFrame func(frame []byte)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.captureStream == nil {
		return fmt.Errorf("capture stream not initialized")
	} else if d.captureStop != nil {
		return nil
	}

	if err := d.captureStream.Start(); err != nil {
		return fmt.Errorf("failed to start capture stream: %w", err)
	}

	d.captureStop = make(chan struct{})
	d.captureDone = make(chan struct{})
	go d.captureLoop(ctx, onFrame, d.captureStop, d.captureDone)
	return nil
}

func (d *Duplex) captureLoop(ctx context.Context, onFrame func(frame []byte), stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		default:
		}

		if err := d.captureStream.Read(); err != nil {
			continue
		}
		buffer := bytes.Buffer{}
		_ = binary.Write(&buffer, binary.LittleEndian, d.in)
		onFrame(buffer.Bytes())
	}
}

func (d *Duplex) StopCapture() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.captureStop == nil {
		return nil
	}

	close(d.captureStop)
	<-d.captureDone
	d.captureStop = nil
	d.captureDone = nil

	if err := d.captureStream.Stop(); err != nil {
		return fmt.Errorf("failed to stop capture stream: %w", err)
	}
	return nil
}

func (d *Duplex) StartPlayback(ctx context.Context, pull func(out []byte)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.playbackStream == nil {
		return fmt.Errorf("playback stream not initialized")
	} else if d.playbackStop != nil {
		return nil
	}

	if err := d.playbackStream.Start(); err != nil {
		return fmt.Errorf("failed to start playback stream: %w", err)
	}

	d.playbackStop = make(chan struct{})
	d.playbackDone = make(chan struct{})
	go d.playbackLoop(ctx, pull, d.playbackStop, d.playbackDone)
	return nil
}

func (d *Duplex) playbackLoop(ctx context.Context, pull func(out []byte), stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	frame := make([]byte, d.frameSamples*2)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		default:
		}

		pull(frame)
		_ = binary.Read(bytes.NewReader(frame), binary.LittleEndian, d.out)
		if err := d.playbackStream.Write(); err != nil {
			continue
		}
	}
}

func (d *Duplex) StopPlayback() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.playbackStop == nil {
		return nil
	}

	close(d.playbackStop)
	<-d.playbackDone
	d.playbackStop = nil
	d.playbackDone = nil

	if err := d.playbackStream.Stop(); err != nil {
		return fmt.Errorf("failed to stop playback stream: %w", err)
	}
	return nil
}

func (d *Duplex) Close() error {
	err := errors.Join(d.StopCapture(), d.StopPlayback())

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return err
	}
	d.closed = true

	if d.captureStream != nil {
		err = errors.Join(err, d.captureStream.Close())
		d.captureStream = nil
	}
	if d.playbackStream != nil {
		err = errors.Join(err, d.playbackStream.Close())
		d.playbackStream = nil
	}
	return errors.Join(err, portaudio.Terminate())
}

func (d *Duplex) EncodingInfo() audio.EncodingInfo {
	return d.encoding
}

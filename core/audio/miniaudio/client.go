// Package miniaudio implements the duplex audio device on top of malgo.
package miniaudio

import (
	"context"
	"errors"
	"fmt"

	"github.com/gen2brain/malgo"
	"github.com/koscakluka/aria-core/core/audio"
)

// Duplex owns one capture and one playback device sharing a malgo context.
type Duplex struct {
	// audioContext is only saved to be able to uninitialize it, it is an
	// ownership thing
	audioContext *malgo.AllocatedContext
	playbackClient
	captureClient
}

func NewDuplex() (*Duplex, error) {
	audioCtx, err := malgo.InitContext(
		nil,
		malgo.ContextConfig{},
		func(message string) {},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio context: %w", err)
	}

	duplex := Duplex{audioContext: audioCtx}

	if err := duplex.playbackClient.Init(audioCtx); err != nil {
		_ = duplex.Close()
		return nil, fmt.Errorf("failed to initialize playback device: %w", err)
	}

	if err := duplex.captureClient.Init(audioCtx); err != nil {
		_ = duplex.Close()
		return nil, fmt.Errorf("failed to initialize capture device: %w", err)
	}

	return &duplex, nil
}

func (d *Duplex) StartCapture(_ context.Context, onFrame func(frame []byte)) error {
	return d.captureClient.Start(onFrame)
}

func (d *Duplex) StopCapture() error {
	return d.captureClient.Stop()
}

func (d *Duplex) StartPlayback(_ context.Context, pull func(out []byte)) error {
	return d.playbackClient.Start(pull)
}

func (d *Duplex) StopPlayback() error {
	return d.playbackClient.Stop()
}

func (d *Duplex) Close() error {
	err := errors.Join(
		d.captureClient.Uninit(),
		d.playbackClient.Uninit(),
	)
	if d.audioContext != nil {
		err = errors.Join(err, d.audioContext.Uninit())
		d.audioContext.Free()
		d.audioContext = nil
	}
	return err
}

func (d *Duplex) EncodingInfo() audio.EncodingInfo {
	return audio.GetDefaultEncodingInfo()
}

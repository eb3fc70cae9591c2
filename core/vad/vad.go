// Package vad provides a pure-Go voice activity detector for linear16 PCM
// frames.
//
// Classification is based on RMS energy with hysteresis so short energy dips
// inside an utterance do not flip the decision back and forth.
package vad

import "math"

type Detector struct {
	speechThreshold  float64 // normalized RMS level to enter speech
	silenceThreshold float64 // normalized RMS level to leave speech
	speechFrames     int     // consecutive speech frames needed to trigger
	silenceFrames    int     // consecutive silence frames needed to end

	inSpeech     bool
	speechCount  int
	silenceCount int
}

type Option func(*Detector)

// WithThresholds overrides the enter/leave RMS thresholds. The leave
// threshold should be below the enter threshold to keep the hysteresis.
func WithThresholds(speech, silence float64) Option {
	return func(d *Detector) {
		d.speechThreshold = speech
		d.silenceThreshold = silence
	}
}

// WithHangover overrides how many consecutive frames are needed to enter and
// to leave the speech state.
func WithHangover(speechFrames, silenceFrames int) Option {
	return func(d *Detector) {
		d.speechFrames = speechFrames
		d.silenceFrames = silenceFrames
	}
}

// New returns a detector tuned for 20ms linear16 frames.
func New(opts ...Option) *Detector {
	d := &Detector{
		speechThreshold:  0.015,
		silenceThreshold: 0.008,
		speechFrames:     2,  // ~40ms to start
		silenceFrames:    25, // ~500ms to end
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// IsSpeech classifies one linear16 little-endian frame and returns whether
// the detector currently considers the stream to be speech.
func (d *Detector) IsSpeech(frame []byte) bool {
	level := RMS(frame)

	if d.inSpeech {
		if level < d.silenceThreshold {
			d.silenceCount++
			d.speechCount = 0
			if d.silenceCount >= d.silenceFrames {
				d.inSpeech = false
				d.silenceCount = 0
			}
		} else {
			d.silenceCount = 0
		}
	} else {
		if level >= d.speechThreshold {
			d.speechCount++
			d.silenceCount = 0
			if d.speechCount >= d.speechFrames {
				d.inSpeech = true
				d.speechCount = 0
			}
		} else {
			d.speechCount = 0
		}
	}

	return d.inSpeech
}

// Reset clears the hysteresis state.
func (d *Detector) Reset() {
	d.inSpeech = false
	d.speechCount = 0
	d.silenceCount = 0
}

// RMS returns the normalized (0..1) root-mean-square level of a linear16
// little-endian frame.
func RMS(frame []byte) float64 {
	samples := len(frame) / 2
	if samples == 0 {
		return 0
	}

	var sum float64
	for i := 0; i+1 < len(frame); i += 2 {
		s := float64(int16(uint16(frame[i]) | uint16(frame[i+1])<<8)) / 32768.0
		sum += s * s
	}
	return math.Sqrt(sum / float64(samples))
}

// Level returns the normalized (0..1) mean absolute level of a linear16
// little-endian frame, used for UI metering.
func Level(frame []byte) float64 {
	samples := len(frame) / 2
	if samples == 0 {
		return 0
	}

	var sum float64
	for i := 0; i+1 < len(frame); i += 2 {
		sum += math.Abs(float64(int16(uint16(frame[i]) | uint16(frame[i+1])<<8)))
	}
	return sum / float64(samples) / 32768.0
}

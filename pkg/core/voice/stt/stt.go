// Package stt wraps a streaming speech-recognition channel. The gateway
// treats transcription as an opaque service: audio goes in, interim and
// final transcript events come out.
package stt

import "context"

// Options configures one transcription stream.
type Options struct {
	Model      string // provider-specific model id
	Language   string // ISO language code, e.g. "en", "de"
	Encoding   string // raw audio encoding, e.g. "pcm_s16le"
	SampleRate int    // audio sample rate in Hz
}

// TranscriptDelta is one streaming transcript update.
type TranscriptDelta struct {
	Text    string
	IsFinal bool
}

// Stream is one live transcription session. Deltas is closed when the
// stream ends, whether by Close or by the remote side.
type Stream interface {
	SendAudio(data []byte) error
	// Finalize flushes buffered audio and forces a final transcript
	// without closing the stream.
	Finalize() error
	Deltas() <-chan TranscriptDelta
	Close() error
}

// Provider opens transcription streams.
type Provider interface {
	NewStream(ctx context.Context, opts Options) (Stream, error)
}

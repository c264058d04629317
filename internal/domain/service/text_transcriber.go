package service

import (
	"context"
	"strings"
	"sync"
)

// TextTranscriber treats every written chunk as an already-transcribed final line.
// It lets the audio socket be driven by plain text during development.
type TextTranscriber struct {
	handler TranscriptHandler
	mu      sync.Mutex
	started bool
	muted   bool
}

func NewTextTranscriber(_ string, _ string, handler TranscriptHandler) Transcriber {
	return &TextTranscriber{handler: handler}
}

func (t *TextTranscriber) Start(_ context.Context) error {
	t.mu.Lock()
	t.started = true
	t.mu.Unlock()
	return nil
}

func (t *TextTranscriber) Write(chunk []byte) error {
	t.mu.Lock()
	active := t.started && !t.muted
	t.mu.Unlock()
	if !active {
		return nil
	}

	text := strings.TrimSpace(string(chunk))
	if text == "" {
		return nil
	}
	t.handler.OnPartial(text)
	t.handler.OnFinal(text, nil)
	return nil
}

func (t *TextTranscriber) Flush() error { return nil }

func (t *TextTranscriber) ResumeFromMute() error {
	t.mu.Lock()
	t.muted = false
	t.mu.Unlock()
	return nil
}

func (t *TextTranscriber) Stop() error {
	t.mu.Lock()
	t.started = false
	t.mu.Unlock()
	return nil
}

package service

import (
	"context"

	"pactroom/internal/domain/entity"
)

// TranscriptHandler receives recognized speech for one speaker.
type TranscriptHandler interface {
	OnPartial(text string)
	OnFinal(text string, words []entity.WordTiming)
}

// Transcriber is a streaming speech-to-text session. Write accepts one audio chunk.
type Transcriber interface {
	Start(ctx context.Context) error
	Write(chunk []byte) error
	Flush() error
	ResumeFromMute() error
	Stop() error
}

type TranscriberFactory func(roomID, userID string, handler TranscriptHandler) Transcriber

package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/models"
)

func TestRenderMessage(t *testing.T) {
	edited := time.Now()
	msg := models.Message{
		ID:        "m1",
		Sender:    models.UserRef{ID: "u1", Name: "Ana"},
		Content:   models.Content{Type: models.ContentText, Text: "hello"},
		CreatedAt: time.Now(),
		EditedAt:  &edited,
		Reactions: []models.Reaction{
			{User: models.UserRef{ID: "u1"}, Emoji: "👍"},
			{User: models.UserRef{ID: "u2"}, Emoji: "🔥"},
			{User: models.UserRef{ID: "u3"}, Emoji: "👍"},
		},
	}

	line := render(msg)
	assert.Contains(t, line, "m1 Ana: hello (edited)")
	assert.Contains(t, line, " 👍2 🔥1")

	gif := models.Message{ID: "m2", Sender: models.UserRef{ID: "u2"}, Content: models.Content{Type: models.ContentGIF, URL: "https://x/y.gif"}}
	assert.Contains(t, render(gif), "m2 u2: [gif] https://x/y.gif")
}

func TestRunLineRejectsUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	err := runLine(context.Background(), nil, nil, "/shout hi", &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/shout")
}

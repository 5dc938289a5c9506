package ws

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"chat-sync/internal/models"
)

func newID() string {
	return uuid.NewString()
}

func encode(kind models.EventKind, payload any) ([]byte, bool) {
	data, err := models.EncodeEnvelope(kind, payload)
	if err != nil {
		log.Error().Err(err).Str("component", "ws").Str("type", string(kind)).Msg("encode frame")
		return nil, false
	}
	return data, true
}

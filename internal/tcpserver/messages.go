package tcpserver

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/zerratar/RavenNest-sub002/internal/token"
)

// The TCP protocol carries a small fixed set of untagged JSON messages from
// legacy clients. Inbound data is decoded by trial against the declared
// decoder order below; the first shape that parses strictly and validates
// its required fields wins. Client behavior depends on this order, so it is
// declared once and never reordered.

// ExperienceUpdate is one skill's progress for a player.
type ExperienceUpdate struct {
	PlayerID   uuid.UUID `json:"playerId"`
	SkillIndex int       `json:"skillIndex"`
	Level      int       `json:"level"`
	Experience float64   `json:"experience"`
}

// SaveExperienceRequest persists a batch of skill progress.
type SaveExperienceRequest struct {
	SessionToken string             `json:"sessionToken"`
	ExpUpdates   []ExperienceUpdate `json:"expUpdates"`
}

// CharacterStateUpdate is one player's current in-game state.
type CharacterStateUpdate struct {
	PlayerID uuid.UUID `json:"playerId"`
	Health   int       `json:"health"`
	Island   string    `json:"island"`
	Task     string    `json:"task"`
	X        float64   `json:"x"`
	Y        float64   `json:"y"`
	Z        float64   `json:"z"`
}

// SaveStateRequest persists a batch of player states.
type SaveStateRequest struct {
	SessionToken string                 `json:"sessionToken"`
	StateUpdates []CharacterStateUpdate `json:"stateUpdates"`
}

// GameStateRequest asks for the authoritative state of one player.
type GameStateRequest struct {
	SessionToken string    `json:"sessionToken"`
	PlayerID     uuid.UUID `json:"playerId"`
}

// GameStateResponse answers a GameStateRequest.
type GameStateResponse struct {
	PlayerID uuid.UUID             `json:"playerId"`
	State    *CharacterStateUpdate `json:"state,omitempty"`
	Skills   []ExperienceUpdate    `json:"skills,omitempty"`
}

// AuthenticationRequest binds the session token to the connection.
type AuthenticationRequest struct {
	SessionToken  string `json:"sessionToken"`
	ClientVersion string `json:"clientVersion,omitempty"`
}

// AuthenticationResponse reports the binding outcome.
type AuthenticationResponse struct {
	Succeeded bool   `json:"succeeded"`
	UserName  string `json:"userName,omitempty"`
}

// PlayerUpdate is one outbound-or-inbound incremental player change.
type PlayerUpdate struct {
	PlayerID uuid.UUID       `json:"playerId"`
	Kind     string          `json:"kind"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// PlayerUpdatesBatch carries a batch of incremental player changes.
type PlayerUpdatesBatch struct {
	SessionToken string         `json:"sessionToken"`
	Updates      []PlayerUpdate `json:"updates"`
}

// Event is one outbound domain event queued on a connection.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// EventBatch is the single message a queue drain sends.
type EventBatch struct {
	Events []Event `json:"events"`
}

// inboundMessage is implemented by every recognized TCP message shape.
type inboundMessage interface {
	rawToken() string
}

func (m *SaveExperienceRequest) rawToken() string { return m.SessionToken }
func (m *SaveStateRequest) rawToken() string      { return m.SessionToken }
func (m *GameStateRequest) rawToken() string      { return m.SessionToken }
func (m *AuthenticationRequest) rawToken() string { return m.SessionToken }
func (m *PlayerUpdatesBatch) rawToken() string    { return m.SessionToken }

// GameHandler is the external game-rule processor recognized messages are
// handed to. The transport never interprets their contents.
type GameHandler interface {
	SaveExperience(ctx context.Context, tok *token.SessionToken, req *SaveExperienceRequest) error
	SaveState(ctx context.Context, tok *token.SessionToken, req *SaveStateRequest) error
	GameState(ctx context.Context, tok *token.SessionToken, req *GameStateRequest) (*GameStateResponse, error)
	PlayerUpdates(ctx context.Context, tok *token.SessionToken, req *PlayerUpdatesBatch) error
}

type decoderEntry struct {
	name   string
	decode func(data []byte) (inboundMessage, bool)
}

// decodeStrict parses data into v, rejecting unknown fields so shapes with
// disjoint field sets never cross-match.
func decodeStrict(data []byte, v any) bool {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return false
	}
	// Reject trailing content after the message object.
	return !dec.More()
}

// decoders is the priority-ordered shape list. First structural match wins.
var decoders = []decoderEntry{
	{
		name: "save_experience",
		decode: func(data []byte) (inboundMessage, bool) {
			var m SaveExperienceRequest
			if !decodeStrict(data, &m) || m.SessionToken == "" || len(m.ExpUpdates) == 0 {
				return nil, false
			}
			return &m, true
		},
	},
	{
		name: "save_state",
		decode: func(data []byte) (inboundMessage, bool) {
			var m SaveStateRequest
			if !decodeStrict(data, &m) || m.SessionToken == "" || len(m.StateUpdates) == 0 {
				return nil, false
			}
			return &m, true
		},
	},
	{
		name: "game_state",
		decode: func(data []byte) (inboundMessage, bool) {
			var m GameStateRequest
			if !decodeStrict(data, &m) || m.SessionToken == "" || m.PlayerID == uuid.Nil {
				return nil, false
			}
			return &m, true
		},
	},
	{
		name: "authenticate",
		decode: func(data []byte) (inboundMessage, bool) {
			var m AuthenticationRequest
			if !decodeStrict(data, &m) || m.SessionToken == "" {
				return nil, false
			}
			return &m, true
		},
	},
	{
		name: "player_updates",
		decode: func(data []byte) (inboundMessage, bool) {
			var m PlayerUpdatesBatch
			if !decodeStrict(data, &m) || m.SessionToken == "" || len(m.Updates) == 0 {
				return nil, false
			}
			return &m, true
		},
	},
}

// tryDecode attempts each known shape in declared order.
func tryDecode(data []byte) (inboundMessage, string, bool) {
	for _, entry := range decoders {
		if msg, ok := entry.decode(data); ok {
			return msg, entry.name, true
		}
	}
	return nil, "", false
}

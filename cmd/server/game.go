package main

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zerratar/RavenNest-sub002/internal/dispatch"
	"github.com/zerratar/RavenNest-sub002/internal/logger"
	"github.com/zerratar/RavenNest-sub002/internal/packet"
	"github.com/zerratar/RavenNest-sub002/internal/tcpserver"
	"github.com/zerratar/RavenNest-sub002/internal/token"
)

// gameService is the in-process game state store both transports hand their
// recognized messages to. State is kept in memory and flushed per session by
// the orchestrator's processing loop; a persistent backend slots in behind
// the same interfaces.
type gameService struct {
	mu     sync.RWMutex
	states map[uuid.UUID]tcpserver.CharacterStateUpdate
	skills map[uuid.UUID]map[int]tcpserver.ExperienceUpdate

	// players touched since the last flush, keyed by owning user
	dirty map[uuid.UUID]map[uuid.UUID]struct{}
}

func newGameService() *gameService {
	return &gameService{
		states: make(map[uuid.UUID]tcpserver.CharacterStateUpdate),
		skills: make(map[uuid.UUID]map[int]tcpserver.ExperienceUpdate),
		dirty:  make(map[uuid.UUID]map[uuid.UUID]struct{}),
	}
}

func (g *gameService) markDirty(userID, playerID uuid.UUID) {
	set, ok := g.dirty[userID]
	if !ok {
		set = make(map[uuid.UUID]struct{})
		g.dirty[userID] = set
	}
	set[playerID] = struct{}{}
}

// SaveExperience records a batch of skill progress updates.
func (g *gameService) SaveExperience(ctx context.Context, tok *token.SessionToken, req *tcpserver.SaveExperienceRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, up := range req.ExpUpdates {
		bydex, ok := g.skills[up.PlayerID]
		if !ok {
			bydex = make(map[int]tcpserver.ExperienceUpdate)
			g.skills[up.PlayerID] = bydex
		}
		bydex[up.SkillIndex] = up
		g.markDirty(tok.UserID, up.PlayerID)
	}
	return nil
}

// SaveState records a batch of player state updates.
func (g *gameService) SaveState(ctx context.Context, tok *token.SessionToken, req *tcpserver.SaveStateRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, up := range req.StateUpdates {
		g.states[up.PlayerID] = up
		g.markDirty(tok.UserID, up.PlayerID)
	}
	return nil
}

// GameState answers with the recorded state and skills for one player.
func (g *gameService) GameState(ctx context.Context, tok *token.SessionToken, req *tcpserver.GameStateRequest) (*tcpserver.GameStateResponse, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	resp := &tcpserver.GameStateResponse{PlayerID: req.PlayerID}
	if st, ok := g.states[req.PlayerID]; ok {
		stCopy := st
		resp.State = &stCopy
	}
	for _, up := range g.skills[req.PlayerID] {
		resp.Skills = append(resp.Skills, up)
	}
	return resp, nil
}

// PlayerUpdates applies incremental player changes.
func (g *gameService) PlayerUpdates(ctx context.Context, tok *token.SessionToken, req *tcpserver.PlayerUpdatesBatch) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, up := range req.Updates {
		g.markDirty(tok.UserID, up.PlayerID)
	}
	return nil
}

// Process is one simulation step for a user's session: flush whatever that
// user's connections have written since the last tick.
func (g *gameService) Process(ctx context.Context, userID uuid.UUID) error {
	g.mu.Lock()
	set := g.dirty[userID]
	delete(g.dirty, userID)
	g.mu.Unlock()

	if len(set) > 0 {
		logger.L.Debug("session state flushed",
			zap.String("user_id", userID.String()),
			zap.Int("players", len(set)),
		)
	}
	return nil
}

// registerPacketTypes declares the payload shapes carried over the envelope
// protocol so inbound packets decode into concrete types.
func registerPacketTypes(reg *packet.TypeRegistry) {
	reg.RegisterType(tcpserver.SaveExperienceRequest{})
	reg.RegisterType(tcpserver.SaveStateRequest{})
	reg.RegisterType(tcpserver.GameStateRequest{})
	reg.RegisterType(tcpserver.GameStateResponse{})
	reg.RegisterType(tcpserver.PlayerUpdatesBatch{})
	reg.RegisterType(tcpserver.AuthenticationRequest{})
	reg.RegisterType(tcpserver.AuthenticationResponse{})
}

// registerHandlers mounts the service on the envelope-protocol dispatch table.
func (g *gameService) registerHandlers(table *dispatch.Table) {
	table.Register("save_experience", dispatch.HandlerFunc(
		func(ctx context.Context, conn dispatch.Conn, env *packet.Envelope) {
			req, ok := env.Payload.(*tcpserver.SaveExperienceRequest)
			if !ok {
				return
			}
			tok := &token.SessionToken{SessionID: conn.SessionID(), UserID: conn.UserID()}
			if err := g.SaveExperience(ctx, tok, req); err != nil {
				logger.L.Warn("save experience failed", zap.Error(err))
			}
		}))

	table.Register("save_state", dispatch.HandlerFunc(
		func(ctx context.Context, conn dispatch.Conn, env *packet.Envelope) {
			req, ok := env.Payload.(*tcpserver.SaveStateRequest)
			if !ok {
				return
			}
			tok := &token.SessionToken{SessionID: conn.SessionID(), UserID: conn.UserID()}
			if err := g.SaveState(ctx, tok, req); err != nil {
				logger.L.Warn("save state failed", zap.Error(err))
			}
		}))

	table.Register("game_state", dispatch.HandlerFunc(
		func(ctx context.Context, conn dispatch.Conn, env *packet.Envelope) {
			req, ok := env.Payload.(*tcpserver.GameStateRequest)
			if !ok {
				return
			}
			tok := &token.SessionToken{SessionID: conn.SessionID(), UserID: conn.UserID()}
			resp, err := g.GameState(ctx, tok, req)
			if err != nil {
				logger.L.Warn("game state query failed", zap.Error(err))
				return
			}
			if env.CorrelationID != uuid.Nil {
				if err := conn.Reply(env.CorrelationID, env.ID, resp); err != nil {
					logger.L.Debug("game state reply dropped", zap.Error(err))
				}
			}
		}))

	table.Register("player_updates", dispatch.HandlerFunc(
		func(ctx context.Context, conn dispatch.Conn, env *packet.Envelope) {
			req, ok := env.Payload.(*tcpserver.PlayerUpdatesBatch)
			if !ok {
				return
			}
			tok := &token.SessionToken{SessionID: conn.SessionID(), UserID: conn.UserID()}
			if err := g.PlayerUpdates(ctx, tok, req); err != nil {
				logger.L.Warn("player updates failed", zap.Error(err))
			}
		}))
}

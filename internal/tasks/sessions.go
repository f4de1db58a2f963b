package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"

	"github.com/taskrelay/taskrelay/internal/bus"
	"github.com/taskrelay/taskrelay/internal/domain"
	"github.com/taskrelay/taskrelay/internal/recorder"
)

// GetSession returns a session with its full conversation.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	sess, err := s.Sessions.GetByID(ctx, s.DB, sessionID)
	if err != nil {
		return nil, err
	}
	sess.Messages = []domain.Message{}
	for msg, err := range s.messages(ctx, sessionID, 0) {
		if err != nil {
			return nil, err
		}
		sess.Messages = append(sess.Messages, msg)
	}
	return sess, nil
}

// ListSessions returns session headers, optionally for one codebase.
func (s *Service) ListSessions(ctx context.Context, codebaseID string) ([]*domain.Session, error) {
	out, err := s.Sessions.List(ctx, s.DB, codebaseID)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []*domain.Session{}
	}
	return out, nil
}

// SessionMessages returns the turns of a session after seq.
func (s *Service) SessionMessages(ctx context.Context, sessionID string, after int64) (iter.Seq2[domain.Message, error], error) {
	if _, err := s.Sessions.GetByID(ctx, s.DB, sessionID); err != nil {
		return nil, err
	}
	return s.messages(ctx, sessionID, after), nil
}

// AppendMessage adds a turn to an existing session.
func (s *Service) AppendMessage(ctx context.Context, sessionID string, msg domain.Message) (domain.Message, error) {
	if strings.TrimSpace(msg.Content) == "" {
		return domain.Message{}, domain.NewEngineError(domain.ErrInvalidParams, "message content is required")
	}
	switch msg.Role {
	case "":
		msg.Role = domain.RoleUser
	case domain.RoleUser, domain.RoleAssistant, domain.RoleAgent:
	default:
		return domain.Message{}, domain.Errorf(domain.ErrInvalidParams, "unknown role %q", msg.Role)
	}
	if _, err := s.Sessions.GetByID(ctx, s.DB, sessionID); err != nil {
		return domain.Message{}, err
	}
	return s.appendTurn(ctx, sessionID, msg)
}

// ExportSession renders a session's conversation ledger.
func (s *Service) ExportSession(ctx context.Context, sessionID string) (*recorder.Export, error) {
	if _, err := s.Sessions.GetByID(ctx, s.DB, sessionID); err != nil {
		return nil, err
	}
	return s.Recorder.Export(ctx, recorder.SessionKey(sessionID))
}

func (s *Service) appendTurn(ctx context.Context, sessionID string, msg domain.Message) (domain.Message, error) {
	msg.Seq = 0
	msg.CreatedAt = s.now()
	rec, err := s.Recorder.Record(ctx, recorder.SessionKey(sessionID), bus.SessionMessages(sessionID), domain.StreamMessage, msg)
	if err != nil {
		return domain.Message{}, err
	}
	msg.Seq = rec.Seq
	if err := s.Sessions.Touch(ctx, s.DB, sessionID, msg.CreatedAt); err != nil {
		return msg, err
	}
	return msg, nil
}

func (s *Service) messages(ctx context.Context, sessionID string, after int64) iter.Seq2[domain.Message, error] {
	return func(yield func(domain.Message, error) bool) {
		for rec, err := range s.Recorder.ReadFrom(ctx, recorder.SessionKey(sessionID), after) {
			if err != nil {
				yield(domain.Message{}, err)
				return
			}
			msg, err := messageFrom(rec)
			if !yield(msg, err) || err != nil {
				return
			}
		}
	}
}

func messageFrom(rec domain.LedgerRecord) (domain.Message, error) {
	var msg domain.Message
	if err := json.Unmarshal(rec.Payload, &msg); err != nil {
		return domain.Message{}, fmt.Errorf("decode session message %s/%d: %w", rec.Key, rec.Seq, err)
	}
	msg.Seq = rec.Seq
	return msg, nil
}

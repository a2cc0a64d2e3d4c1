package envelope

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"stockline/internal/domain"
	"stockline/internal/repo"
)

// EnqueueInput is what a producer supplies; everything else on the envelope
// belongs to the store or the executor.
type EnqueueInput struct {
	AccountID string
	Type      string
	Payload   json.RawMessage
	OpID      string
	CreatedBy string
}

// Service is the envelope creation path.
type Service struct {
	Repo   repo.Repo
	Feed   Feed
	Now    func() time.Time
	Logger *zap.Logger
}

// Enqueue durably stores a pending envelope and announces it on the feed.
// Payload validation is left to the executor so that a malformed intent
// still gets a terminal status the producer can observe.
func (s Service) Enqueue(ctx context.Context, in EnqueueInput) (domain.Request, error) {
	if strings.TrimSpace(in.AccountID) == "" {
		return domain.Request{}, errors.New("account id required")
	}
	if strings.TrimSpace(in.Type) == "" {
		return domain.Request{}, errors.New("request type required")
	}
	payload := in.Payload
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = json.RawMessage("{}")
	}
	if !json.Valid(payload) {
		return domain.Request{}, errors.New("payload must be valid JSON")
	}
	now := s.Now
	if now == nil {
		now = time.Now
	}
	req := domain.Request{
		ID:        uuid.NewString(),
		AccountID: in.AccountID,
		Type:      in.Type,
		Status:    domain.RequestPending,
		Payload:   payload,
		CreatedBy: strings.TrimSpace(in.CreatedBy),
		CreatedAt: now().UTC().Format(time.RFC3339Nano),
	}
	if op := strings.TrimSpace(in.OpID); op != "" {
		req.OpID = &op
	}
	req, err := s.Repo.InsertRequest(ctx, nil, req)
	if err != nil {
		return domain.Request{}, err
	}
	if s.Feed != nil {
		s.Feed.Publish(Notification{RequestID: req.ID, AccountID: req.AccountID})
	}
	if s.Logger != nil {
		s.Logger.Debug("request enqueued",
			zap.String("request_id", req.ID),
			zap.String("request_type", req.Type),
			zap.Stringp("op_id", req.OpID))
	}
	return req, nil
}

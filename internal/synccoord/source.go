package synccoord

import (
	"context"
	"errors"
	"net/http"

	"stockline/internal/domain"
	"stockline/internal/repo"
	stocklinesdk "stockline/sdk/go"
)

// ErrRequestGone means the source has no record of a tracked request.
var ErrRequestGone = errors.New("request no longer exists")

// StatusSource fetches the current state of a request.
type StatusSource interface {
	RequestStatus(ctx context.Context, accountID, requestID string) (domain.Request, error)
}

// RepoSource reads request status straight from the local database.
type RepoSource struct {
	Repo repo.Repo
}

func (s RepoSource) RequestStatus(ctx context.Context, accountID, requestID string) (domain.Request, error) {
	req, err := s.Repo.GetRequest(ctx, nil, requestID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Request{}, ErrRequestGone
	}
	if err != nil {
		return domain.Request{}, err
	}
	if accountID != "" && req.AccountID != accountID {
		return domain.Request{}, ErrRequestGone
	}
	return req, nil
}

// RemoteSource asks a stockline server over HTTP.
type RemoteSource struct {
	Client *stocklinesdk.Client
}

func (s RemoteSource) RequestStatus(ctx context.Context, accountID, requestID string) (domain.Request, error) {
	r, err := s.Client.ForAccount(accountID).GetRequest(ctx, requestID)
	if err != nil {
		var apiErr *stocklinesdk.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return domain.Request{}, ErrRequestGone
		}
		return domain.Request{}, err
	}
	return domain.Request{
		ID:           r.ID,
		AccountID:    r.AccountID,
		Type:         r.Type,
		Status:       r.Status,
		OpID:         r.OpID,
		Payload:      r.Payload,
		CreatedBy:    r.CreatedBy,
		CreatedAt:    r.CreatedAt,
		AppliedAt:    r.AppliedAt,
		Deduped:      r.Deduped,
		DedupedFrom:  r.DedupedFrom,
		ErrorCode:    r.ErrorCode,
		ErrorMessage: r.ErrorMessage,
	}, nil
}

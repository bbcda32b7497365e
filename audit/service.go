package audit

import "context"

type Service struct {
	repo *Repository
}

func NewService(repo *Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) Attempts(ctx context.Context, requestID string) ([]Attempt, error) {
	return s.repo.Attempts(ctx, requestID)
}

func (s *Service) Cancellation(ctx context.Context, requestID string) (Cancellation, error) {
	return s.repo.Cancellation(ctx, requestID)
}

func (s *Service) Events(ctx context.Context, requestID string) ([]Event, error) {
	return s.repo.Events(ctx, requestID)
}

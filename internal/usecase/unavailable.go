package usecase

import "context"

// UnavailableService answers every call with ErrorUnavailable. It stands in
// for TurnService when the completion provider could not be initialized.
type UnavailableService struct {
	cause error
}

func Unavailable(cause error) *UnavailableService {
	return &UnavailableService{cause: cause}
}

func (s *UnavailableService) PlayTurn(context.Context, TurnInput) (TurnOutput, error) {
	return TurnOutput{}, newError(ErrorUnavailable, "provider_unavailable", s.cause)
}

func (s *UnavailableService) History(context.Context, HistoryInput) (HistoryOutput, error) {
	return HistoryOutput{}, newError(ErrorUnavailable, "provider_unavailable", s.cause)
}

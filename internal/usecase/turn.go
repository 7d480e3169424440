package usecase

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dungeon-agent/internal/agent"
	"dungeon-agent/internal/dice"
	"dungeon-agent/internal/domain"
	"dungeon-agent/internal/repository"
)

const (
	defaultMaxActionLength = 1000
	defaultTurnTimeout     = 2 * time.Minute
	defaultLeaseRetry      = 200 * time.Millisecond
	// leaseGrace keeps a lease alive past the turn timeout for the final write.
	leaseGrace = 30 * time.Second
)

// TurnState is a step of the turn pipeline.
type TurnState string

const (
	StateAwaitingAction TurnState = "AWAITING_ACTION"
	StateRouting        TurnState = "ROUTING"
	StateRolling        TurnState = "ROLLING"
	StateFiltering      TurnState = "FILTERING"
	StateNarrating      TurnState = "NARRATING"
	StatePersisted      TurnState = "PERSISTED"
	StateFailed         TurnState = "FAILED"
)

type Moderator interface {
	Moderate(ctx context.Context, input string) (bool, error)
}

type DecisionRouter interface {
	Decide(ctx context.Context, in agent.DecisionInput) (domain.Decision, agent.DecisionResult)
}

type RelevanceFilter interface {
	Run(ctx context.Context, in agent.FilterInput) (agent.Relevance, error)
}

type StoryNarrator interface {
	Generate(ctx context.Context, req agent.NarrationRequest) (string, error)
}

type SkillResolver interface {
	Resolve(abilityScore, dc int) dice.Outcome
}

// Dependencies are the collaborators of a TurnService. Moderator, Leases and
// Logger are optional; without Leases turns are only serialized within this
// process.
type Dependencies struct {
	Turns      repository.ConversationStore
	Leases     repository.ThreadLeaser
	Characters repository.CharacterReader
	Router     DecisionRouter
	Filters    RelevanceFilter
	Narrator   StoryNarrator
	Dice       SkillResolver
	Moderator  Moderator
	Logger     *zap.Logger
}

// Options tune a TurnService. LeaseTTL defaults to TurnTimeout plus a grace
// period and must outlast a turn.
type Options struct {
	MaxActionLength int
	TurnTimeout     time.Duration
	LeaseTTL        time.Duration
	LeaseRetry      time.Duration
}

// TurnService resolves player actions into narrated turns.
type TurnService struct {
	turns        repository.ConversationStore
	characters   repository.CharacterReader
	router       DecisionRouter
	filters      RelevanceFilter
	narrator     StoryNarrator
	dice         SkillResolver
	moderator    Moderator
	logger       *zap.Logger
	locks        *threadLocks
	leases       *leasePoller
	maxActionLen int
	turnTimeout  time.Duration
}

type TurnInput struct {
	UserID      string
	CharacterID string
	Action      string
}

type TurnOutput struct {
	ThreadID   domain.ThreadID
	PlayerTurn domain.Turn
	Turn       domain.Turn
	Decision   domain.Decision
}

type HistoryInput struct {
	UserID      string
	CharacterID string
}

type HistoryOutput struct {
	ThreadID domain.ThreadID
	Turns    []domain.Turn
}

func NewTurnService(deps Dependencies, opts Options) (*TurnService, error) {
	switch {
	case deps.Turns == nil:
		return nil, errors.New("usecase: conversation store must not be nil")
	case deps.Characters == nil:
		return nil, errors.New("usecase: character reader must not be nil")
	case deps.Router == nil:
		return nil, errors.New("usecase: decision router must not be nil")
	case deps.Filters == nil:
		return nil, errors.New("usecase: relevance filters must not be nil")
	case deps.Narrator == nil:
		return nil, errors.New("usecase: narrator must not be nil")
	}
	if deps.Dice == nil {
		deps.Dice = dice.NewResolver(nil)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if opts.MaxActionLength <= 0 {
		opts.MaxActionLength = defaultMaxActionLength
	}
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = defaultTurnTimeout
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = opts.TurnTimeout + leaseGrace
	}
	if opts.LeaseRetry <= 0 {
		opts.LeaseRetry = defaultLeaseRetry
	}
	var leases *leasePoller
	if deps.Leases != nil {
		leases = &leasePoller{
			leases:  deps.Leases,
			ttl:     opts.LeaseTTL,
			retry:   opts.LeaseRetry,
			logger:  deps.Logger,
			newName: uuid.NewString,
		}
	}
	return &TurnService{
		turns:        deps.Turns,
		characters:   deps.Characters,
		router:       deps.Router,
		filters:      deps.Filters,
		narrator:     deps.Narrator,
		dice:         deps.Dice,
		moderator:    deps.Moderator,
		logger:       deps.Logger,
		locks:        newThreadLocks(),
		leases:       leases,
		maxActionLen: opts.MaxActionLength,
		turnTimeout:  opts.TurnTimeout,
	}, nil
}

// PlayTurn runs one player action through the pipeline. Turns of one thread
// are serialized; once the thread lock is held the work continues even if
// ctx is canceled.
func (s *TurnService) PlayTurn(ctx context.Context, in TurnInput) (TurnOutput, error) {
	action := strings.TrimSpace(in.Action)
	if action == "" {
		return TurnOutput{}, newError(ErrorInvalidInput, "empty_action", nil)
	}
	if utf8.RuneCountInString(action) > s.maxActionLen {
		return TurnOutput{}, newError(ErrorInvalidInput, "action_too_long", nil)
	}
	character, threadID, err := s.character(ctx, in.UserID, in.CharacterID)
	if err != nil {
		return TurnOutput{}, err
	}

	unlock, err := s.lock(ctx, threadID)
	if err != nil {
		return TurnOutput{}, newError(ErrorInternal, "thread_lock_error", err)
	}
	defer unlock()

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.turnTimeout)
	defer cancel()
	return s.play(pctx, threadID, character, action)
}

// lock holds the thread for this process and, when a lease store is
// configured, for every other process sharing the conversation store.
func (s *TurnService) lock(ctx context.Context, id domain.ThreadID) (func(), error) {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.leases == nil {
		return unlock, nil
	}
	release, err := s.leases.Acquire(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}
	return func() {
		release()
		unlock()
	}, nil
}

func (s *TurnService) play(ctx context.Context, threadID domain.ThreadID, character domain.Character, action string) (TurnOutput, error) {
	log := s.logger.With(zap.String("thread_id", threadID.String()))
	fail := func(e *Error) (TurnOutput, error) {
		log.Warn("turn failed",
			zap.String("state", string(StateFailed)),
			zap.String("code", string(e.Code)),
			zap.String("reason", e.Reason),
			zap.Error(e.Err),
		)
		return TurnOutput{}, e
	}
	log.Debug("turn state", zap.String("state", string(StateAwaitingAction)))

	lastNarration, ok, err := s.turns.MostRecent(ctx, threadID, domain.RoleAI)
	if err != nil {
		return fail(newError(ErrorInternal, "store_read_error", err))
	}
	if !ok {
		return TurnOutput{}, newError(ErrorNotInitialized, "thread_not_initialized", nil)
	}

	if s.moderator != nil {
		flagged, err := s.moderator.Moderate(ctx, action)
		if err != nil {
			return fail(agentError("moderation_error", err))
		}
		if flagged {
			return TurnOutput{}, newError(ErrorInvalidInput, "action_flagged", nil)
		}
	}

	history, err := s.turns.ListByThread(ctx, threadID)
	if err != nil {
		return fail(newError(ErrorInternal, "store_read_error", err))
	}
	playerTurn, err := s.turns.Append(ctx, threadID, domain.RoleCharacter, action)
	if err != nil {
		return fail(newError(ErrorInternal, "store_append_error", err))
	}

	log.Debug("turn state", zap.String("state", string(StateRouting)))
	decision, res := s.router.Decide(ctx, agent.DecisionInput{
		Character:     character,
		LastNarration: lastNarration.Content,
		Action:        action,
	})
	log.Info("action classified",
		zap.String("next_action", string(decision.NextAction)),
		zap.Stringer("router_status", res.Status),
	)

	var prompt string
	if decision.IsSkillCheck() {
		log.Debug("turn state", zap.String("state", string(StateRolling)))
		outcome := s.dice.Resolve(*decision.AbilityScore, *decision.DC)
		log.Info("skill check resolved",
			zap.String("ability", *decision.Ability),
			zap.Int("roll", outcome.Roll),
			zap.Int("total", outcome.Total),
			zap.Int("dc", outcome.DC),
			zap.Bool("success", outcome.Success),
		)
		prompt = buildSkillCheckContext(action, decision, outcome, character)
	} else {
		log.Debug("turn state", zap.String("state", string(StateFiltering)))
		rel, err := s.filters.Run(ctx, agent.FilterInput{
			Sheet:   character.Sheet,
			Context: lastNarration.Content,
			Action:  action,
		})
		if err != nil {
			return fail(agentError("relevance_error", err))
		}
		prompt = buildNarrativeContext(action, lastNarration.Content, decision.Text(), rel)
	}

	log.Debug("turn state", zap.String("state", string(StateNarrating)))
	narration, err := s.narrator.Generate(ctx, agent.NarrationRequest{
		ThreadID:  threadID,
		Character: character,
		Prompt:    prompt,
		History:   history,
	})
	if err != nil {
		// The player turn stays in the log without a reply; the next turn
		// narrates on top of it.
		return fail(agentError("narrative_error", err))
	}

	aiTurn, err := s.turns.Append(ctx, threadID, domain.RoleAI, narration)
	if err != nil {
		return fail(newError(ErrorInternal, "store_append_error", err))
	}
	log.Debug("turn state", zap.String("state", string(StatePersisted)), zap.String("turn_id", aiTurn.ID))

	return TurnOutput{
		ThreadID:   threadID,
		PlayerTurn: playerTurn,
		Turn:       aiTurn,
		Decision:   decision,
	}, nil
}

// History returns the ordered turns of a thread. An empty thread is opened
// with a synthesized narrator turn; concurrent callers create only one.
func (s *TurnService) History(ctx context.Context, in HistoryInput) (HistoryOutput, error) {
	character, threadID, err := s.character(ctx, in.UserID, in.CharacterID)
	if err != nil {
		return HistoryOutput{}, err
	}

	turns, err := s.turns.ListByThread(ctx, threadID)
	if err != nil {
		return HistoryOutput{}, newError(ErrorInternal, "store_read_error", err)
	}
	if len(turns) > 0 {
		return HistoryOutput{ThreadID: threadID, Turns: turns}, nil
	}

	unlock, err := s.lock(ctx, threadID)
	if err != nil {
		return HistoryOutput{}, newError(ErrorInternal, "thread_lock_error", err)
	}
	defer unlock()

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.turnTimeout)
	defer cancel()

	turns, err = s.turns.ListByThread(pctx, threadID)
	if err != nil {
		return HistoryOutput{}, newError(ErrorInternal, "store_read_error", err)
	}
	if len(turns) > 0 {
		return HistoryOutput{ThreadID: threadID, Turns: turns}, nil
	}

	opening, err := s.narrator.Generate(pctx, agent.NarrationRequest{
		ThreadID:  threadID,
		Character: character,
		Prompt:    agent.OpeningPrompt(character),
	})
	if err != nil {
		s.logger.Warn("opening narration failed", zap.String("thread_id", threadID.String()), zap.Error(err))
		return HistoryOutput{}, agentError("narrative_error", err)
	}
	turn, err := s.turns.AppendOpening(pctx, threadID, opening)
	if errors.Is(err, repository.ErrThreadOpened) {
		// Another writer opened the thread first; its turn wins.
		s.logger.Info("thread opened elsewhere", zap.String("thread_id", threadID.String()))
		turns, err = s.turns.ListByThread(pctx, threadID)
		if err != nil {
			return HistoryOutput{}, newError(ErrorInternal, "store_read_error", err)
		}
		return HistoryOutput{ThreadID: threadID, Turns: turns}, nil
	}
	if err != nil {
		return HistoryOutput{}, newError(ErrorInternal, "store_append_error", err)
	}
	s.logger.Info("thread opened", zap.String("thread_id", threadID.String()), zap.String("turn_id", turn.ID))
	return HistoryOutput{ThreadID: threadID, Turns: []domain.Turn{turn}}, nil
}

func (s *TurnService) character(ctx context.Context, userID, characterID string) (domain.Character, domain.ThreadID, error) {
	userID, characterID = strings.TrimSpace(userID), strings.TrimSpace(characterID)
	if userID == "" || characterID == "" {
		return domain.Character{}, "", newError(ErrorInvalidInput, "missing_identity", nil)
	}
	c, err := s.characters.GetCharacter(ctx, userID, characterID)
	if errors.Is(err, repository.ErrNotFound) {
		return domain.Character{}, "", newError(ErrorNotFound, "character_not_found", err)
	}
	if err != nil {
		return domain.Character{}, "", newError(ErrorInternal, "character_lookup_error", err)
	}
	return c, domain.NewThreadID(userID, characterID), nil
}

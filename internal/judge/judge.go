package judge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"debatenow/internal/apperrors"
	"debatenow/internal/events"
	"debatenow/internal/stats"
	"debatenow/internal/store"
	"debatenow/models"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// DefaultTranscriptWait bounds how long the claimer waits for the opponent's
// transcript before judging without it.
const DefaultTranscriptWait = 5 * time.Second

var (
	// ErrDebateRunning is returned when judging is requested before the
	// debate has ended.
	ErrDebateRunning = apperrors.NewMissingState("DEBATE_RUNNING", "debate has not ended yet")

	errJudged  = errors.New("judge: evaluation already stored")
	errClaimed = errors.New("judge: claimed by another participant")
)

// Verdict is the stored result of judging a match.
type Verdict struct {
	Evaluation string       `json:"evaluation"`
	Winner     models.Party `json:"winner,omitempty"`
	WinnerID   string       `json:"winnerId,omitempty"`
	LoserID    string       `json:"loserId,omitempty"`
}

func verdictOf(m *models.Match) *Verdict {
	v := &Verdict{Evaluation: m.Evaluation, Winner: models.Party(m.Winner)}
	if v.Winner != "" {
		v.WinnerID = m.UserFor(v.Winner)
		v.LoserID = m.UserFor(v.Winner.Opposite())
	}
	return v
}

type Options struct {
	Policy         PenaltyPolicy
	TranscriptWait time.Duration
	Clock          clockwork.Clock
	Stats          stats.Sink
	Events         events.Publisher
	Logger         zerolog.Logger
}

// Judge requests at most one evaluation per match, shared by both parties.
type Judge struct {
	store          store.Store
	oracle         Oracle
	policy         PenaltyPolicy
	transcriptWait time.Duration
	clock          clockwork.Clock
	stats          stats.Sink
	events         events.Publisher
	log            zerolog.Logger
}

func New(s store.Store, oracle Oracle, opts Options) *Judge {
	if opts.Policy == "" {
		opts.Policy = PolicyOverride
	}
	if opts.TranscriptWait <= 0 {
		opts.TranscriptWait = DefaultTranscriptWait
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Events == nil {
		opts.Events = events.NopPublisher{}
	}
	return &Judge{
		store:          s,
		oracle:         oracle,
		policy:         opts.Policy,
		transcriptWait: opts.TranscriptWait,
		clock:          opts.Clock,
		stats:          opts.Stats,
		events:         opts.Events,
		log:            opts.Logger.With().Str("component", "judge").Logger(),
	}
}

// Run returns the verdict of an ended match on behalf of userID. The first
// caller claims judging and asks the oracle; a concurrent caller waits for
// the stored result. An oracle failure releases the claim and is returned
// as an apperrors oracle error, so the caller may retry.
func (j *Judge) Run(ctx context.Context, matchID, userID string) (*Verdict, error) {
	for {
		match, err := j.claim(ctx, matchID, userID)
		switch {
		case errors.Is(err, errJudged):
			return verdictOf(match), nil
		case errors.Is(err, errClaimed):
			j.log.Debug().Str("match_id", matchID).Str("claimed_by", match.JudgingClaimedBy).Msg("Waiting for the other participant's evaluation")
			match, err = j.awaitEvaluation(ctx, matchID)
			if err != nil {
				return nil, err
			}
			if match.Evaluation != "" {
				return verdictOf(match), nil
			}
			continue
		case err != nil:
			return nil, err
		}
		return j.judge(ctx, matchID, userID)
	}
}

func (j *Judge) claim(ctx context.Context, matchID, userID string) (*models.Match, error) {
	var match *models.Match
	err := j.store.RunTransaction(ctx, func(tx store.Tx) error {
		m, err := tx.GetMatch(matchID)
		if err != nil {
			return err
		}
		match = m
		switch {
		case m.Evaluation != "":
			return errJudged
		case !m.DebateEnded:
			return ErrDebateRunning
		case m.JudgingClaimedBy != "" && m.JudgingClaimedBy != userID:
			return errClaimed
		}
		return tx.UpdateMatch(matchID, store.MatchUpdate{JudgingClaimedBy: &userID})
	})
	return match, err
}

// awaitEvaluation blocks until the match carries an evaluation or the claim
// is released.
func (j *Judge) awaitEvaluation(ctx context.Context, matchID string) (*models.Match, error) {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	snapshots, err := j.store.WatchMatch(watchCtx, matchID)
	if err != nil {
		return nil, fmt.Errorf("watch match: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case m, ok := <-snapshots:
			if !ok {
				return nil, fmt.Errorf("watch match: %w", store.ErrClosed)
			}
			if m.Evaluation != "" || m.JudgingClaimedBy == "" {
				return m, nil
			}
		}
	}
}

// awaitTranscripts gives the opponent a moment to write its transcript.
func (j *Judge) awaitTranscripts(ctx context.Context, matchID string) (*models.Match, error) {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	snapshots, err := j.store.WatchMatch(watchCtx, matchID)
	if err != nil {
		return nil, fmt.Errorf("watch match: %w", err)
	}
	timer := j.clock.NewTimer(j.transcriptWait)
	defer timer.Stop()

	var last *models.Match
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.Chan():
			if last == nil {
				return j.store.GetMatch(ctx, matchID)
			}
			j.log.Warn().Str("match_id", matchID).Msg("Judging without both transcripts")
			return last, nil
		case m, ok := <-snapshots:
			if !ok {
				return nil, fmt.Errorf("watch match: %w", store.ErrClosed)
			}
			last = m
			if m.InitiatorTranscript != "" && m.ReceiverTranscript != "" {
				return m, nil
			}
		}
	}
}

func (j *Judge) release(ctx context.Context, matchID, userID string) {
	err := j.store.RunTransaction(ctx, func(tx store.Tx) error {
		m, err := tx.GetMatch(matchID)
		if err != nil {
			return err
		}
		if m.JudgingClaimedBy != userID {
			return nil
		}
		return tx.UpdateMatch(matchID, store.MatchUpdate{JudgingClaimedBy: store.String("")})
	})
	if err != nil {
		j.log.Error().Err(err).Str("match_id", matchID).Msg("Releasing judging claim failed")
	}
}

func (j *Judge) judge(ctx context.Context, matchID, userID string) (*Verdict, error) {
	match, err := j.awaitTranscripts(ctx, matchID)
	if err != nil {
		j.release(context.WithoutCancel(ctx), matchID, userID)
		return nil, err
	}

	evaluation, err := j.oracle.Evaluate(ctx, RequestFor(match))
	if err != nil {
		j.release(context.WithoutCancel(ctx), matchID, userID)
		j.log.Error().Err(err).Str("match_id", matchID).Msg("Scoring oracle failed")
		return nil, apperrors.NewOracle("ORACLE_FAILED", "scoring oracle failed", err)
	}

	winner, text := DecideWinner(evaluation, match, j.policy)
	var stored *models.Match
	err = j.store.RunTransaction(ctx, func(tx store.Tx) error {
		m, err := tx.GetMatch(matchID)
		if err != nil {
			return err
		}
		stored = m
		if m.Evaluation != "" {
			return errJudged
		}
		return tx.UpdateMatch(matchID, store.MatchUpdate{
			Evaluation: &text,
			Winner:     store.String(string(winner)),
			Active:     store.Bool(false),
		})
	})
	if errors.Is(err, errJudged) {
		return verdictOf(stored), nil
	}
	if err != nil {
		j.release(context.WithoutCancel(ctx), matchID, userID)
		return nil, fmt.Errorf("store evaluation: %w", err)
	}

	stored.Evaluation, stored.Winner = text, string(winner)
	v := verdictOf(stored)
	if winner == "" {
		j.log.Warn().Str("match_id", matchID).Msg("Evaluation names no winner")
	} else {
		j.log.Info().Str("match_id", matchID).Str("winner", string(winner)).Msg("Debate judged")
		if j.stats != nil {
			if err := stats.RecordResult(ctx, j.stats, v.WinnerID, v.LoserID, j.clock.Now()); err != nil {
				j.log.Error().Err(err).Str("match_id", matchID).Msg("Recording judged result failed")
			}
		}
	}

	o := events.NewOutcome(events.KindJudged, matchID)
	o.WinnerID, o.LoserID = v.WinnerID, v.LoserID
	if match.DominancePenalty != nil {
		o.Reason = string(j.policy)
	}
	if err := j.events.Publish(ctx, o); err != nil {
		j.log.Warn().Err(err).Msg("Publishing verdict failed")
	}
	return v, nil
}

// Package signaling carries session descriptions and ICE candidates between
// the two seats of a match through the shared record store.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"debatenow/internal/store"
	"debatenow/models"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrAnswerExists aborts an answer write when the current offer already
	// holds one.
	ErrAnswerExists = errors.New("signaling: answer already written")
	// ErrOfferReplaced aborts an answer to an offer that is no longer current.
	ErrOfferReplaced = errors.New("signaling: offer replaced")
)

// Exchange negotiates one peer connection for one seat of a match. The
// initiator offers and the receiver answers.
type Exchange struct {
	store   store.Store
	peer    Peer
	matchID string
	party   models.Party
	log     zerolog.Logger

	mu        sync.Mutex
	applied   map[string]bool
	pending   []models.IceCandidateRecord
	remoteSet bool
	// resync re-lists the remote stream once the next remote description
	// is installed.
	resync bool
}

func NewExchange(s store.Store, peer Peer, matchID string, party models.Party, logger zerolog.Logger) *Exchange {
	return &Exchange{
		store:   s,
		peer:    peer,
		matchID: matchID,
		party:   party,
		log:     logger.With().Str("component", "signaling").Str("party", string(party)).Logger(),
		applied: make(map[string]bool),
	}
}

func (e *Exchange) localRole() models.CandidateRole  { return models.CandidateRoleFor(e.party) }
func (e *Exchange) remoteRole() models.CandidateRole { return e.localRole().Opposite() }

// Run negotiates as the seat's signaling role and keeps streaming candidates
// until ctx ends. It returns nil on cancellation.
func (e *Exchange) Run(ctx context.Context) error {
	if e.party == models.PartyInitiator {
		return e.RunOfferer(ctx)
	}
	return e.RunAnswerer(ctx)
}

// RunOfferer writes an offer, then applies the first answer to it. It offers
// again when the receiver rejoins.
func (e *Exchange) RunOfferer(ctx context.Context) error {
	return e.run(ctx, e.offer)
}

// RunAnswerer waits for an offer, applies it and writes an answer. Each new
// offer generation is answered again.
func (e *Exchange) RunAnswerer(ctx context.Context) error {
	return e.run(ctx, e.answer)
}

func (e *Exchange) run(ctx context.Context, negotiate func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.publishLocalCandidates(gctx) })
	g.Go(func() error { return e.applyRemoteCandidates(gctx) })
	g.Go(func() error { return negotiate(gctx) })
	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (e *Exchange) offer(ctx context.Context) error {
	matches, err := e.store.WatchMatch(ctx, e.matchID)
	if err != nil {
		return fmt.Errorf("watch match for answer: %w", err)
	}
	gen, err := e.writeOffer(ctx)
	if err != nil {
		return err
	}

	haveAnswer := false
	for m := range matches {
		if m.Offer != nil && m.Offer.Generation > gen {
			e.log.Info().Int("generation", m.Offer.Generation).Msg("Offer replaced by another connection")
			return nil
		}
		if m.RenegotiateGeneration == gen {
			// The receiver rejoined after answering this offer; offer again.
			if err := e.restart(); err != nil {
				return err
			}
			haveAnswer = false
			if gen, err = e.writeOffer(ctx); err != nil {
				return err
			}
			continue
		}
		// Answers to older offers are left for the connection that made them.
		if m.Answer == nil || m.Answer.Generation != gen || haveAnswer {
			continue
		}
		if err := e.peer.SetRemoteDescription(*m.Answer); err != nil {
			return fmt.Errorf("apply answer: %w", err)
		}
		haveAnswer = true
		e.log.Info().Int("generation", gen).Msg("Answer applied")
		e.remoteDescriptionSet(ctx)
	}
	return ctx.Err()
}

// writeOffer creates an offer and stores it as the match's next generation,
// clearing any answer to an earlier one.
func (e *Exchange) writeOffer(ctx context.Context) (int, error) {
	offer, err := e.peer.CreateOffer(ctx)
	if err != nil {
		return 0, fmt.Errorf("create offer: %w", err)
	}
	err = e.store.RunTransaction(ctx, func(tx store.Tx) error {
		cur, err := tx.GetMatch(e.matchID)
		if err != nil {
			return err
		}
		offer.Generation = 1
		if cur.Offer != nil {
			offer.Generation = cur.Offer.Generation + 1
		}
		return tx.UpdateMatch(e.matchID, store.MatchUpdate{Offer: &offer, ClearAnswer: true})
	})
	if err != nil {
		return 0, fmt.Errorf("write offer: %w", err)
	}
	e.log.Info().Int("generation", offer.Generation).Msg("Offer written")
	return offer.Generation, nil
}

func (e *Exchange) answer(ctx context.Context) error {
	matches, err := e.store.WatchMatch(ctx, e.matchID)
	if err != nil {
		return fmt.Errorf("watch match for offer: %w", err)
	}
	// A missing offer is not an error; keep watching until one appears.
	answered := -1
	joined := true
	for m := range matches {
		snapshot := joined
		joined = false
		if m.Offer == nil || m.Offer.Generation == answered {
			continue
		}
		offer := *m.Offer
		if e.peer.HasRemoteDescription() {
			// The initiator rejoined with a fresh offer.
			if err := e.restart(); err != nil {
				return err
			}
		}
		written, err := e.answerOffer(ctx, offer)
		if err != nil {
			return err
		}
		answered = offer.Generation
		if written {
			e.remoteDescriptionSet(ctx)
			continue
		}
		if !snapshot || m.Answer == nil || m.Answer.Generation != offer.Generation {
			continue
		}
		// The offer was answered by this seat's previous connection before
		// we joined; ask the initiator for a fresh one.
		err = e.store.UpdateMatch(ctx, e.matchID, store.MatchUpdate{RenegotiateGeneration: store.Int(offer.Generation)})
		if err != nil {
			return fmt.Errorf("request renegotiation: %w", err)
		}
		e.log.Info().Int("generation", offer.Generation).Msg("Renegotiation requested")
	}
	return ctx.Err()
}

// answerOffer installs offer and writes an answer to it unless that offer
// already holds one. It reports whether this call wrote the answer.
func (e *Exchange) answerOffer(ctx context.Context, offer models.SessionDescription) (bool, error) {
	if err := e.peer.SetRemoteDescription(offer); err != nil {
		return false, fmt.Errorf("apply offer: %w", err)
	}
	answer, err := e.peer.CreateAnswer(ctx)
	if err != nil {
		return false, fmt.Errorf("create answer: %w", err)
	}
	answer.Generation = offer.Generation
	err = e.store.RunTransaction(ctx, func(tx store.Tx) error {
		cur, err := tx.GetMatch(e.matchID)
		if err != nil {
			return err
		}
		if cur.Offer == nil || cur.Offer.Generation != offer.Generation {
			return ErrOfferReplaced
		}
		if cur.Answer != nil && cur.Answer.Generation == offer.Generation {
			return ErrAnswerExists
		}
		return tx.UpdateMatch(e.matchID, store.MatchUpdate{Answer: &answer})
	})
	switch {
	case err == nil:
		e.log.Info().Int("generation", offer.Generation).Msg("Answer written")
		return true, nil
	case errors.Is(err, ErrAnswerExists):
		e.log.Debug().Msg("Answer already present, keeping it")
		return false, nil
	case errors.Is(err, ErrOfferReplaced):
		// The newer offer arrives on the watch.
		e.log.Debug().Msg("Offer replaced before answering")
		return false, nil
	}
	return false, fmt.Errorf("write answer: %w", err)
}

// restart resets the peer and forgets which remote candidates were applied,
// so every record is applied again to the new session.
func (e *Exchange) restart() error {
	if err := e.peer.Reset(); err != nil {
		return fmt.Errorf("reset peer: %w", err)
	}
	e.mu.Lock()
	e.remoteSet = false
	e.resync = true
	e.applied = make(map[string]bool)
	e.pending = nil
	e.mu.Unlock()
	e.log.Info().Msg("Renegotiating")
	return nil
}

func (e *Exchange) publishLocalCandidates(ctx context.Context) error {
	local := e.peer.LocalCandidates()
	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-local:
			if !ok {
				return nil
			}
			_, err := e.store.AddCandidate(ctx, models.IceCandidateRecord{
				MatchID:   e.matchID,
				Role:      e.localRole(),
				Candidate: c,
			})
			if err != nil && ctx.Err() == nil {
				e.log.Warn().Err(err).Msg("Publishing local candidate failed")
			}
		}
	}
}

func (e *Exchange) applyRemoteCandidates(ctx context.Context) error {
	records, err := e.store.WatchCandidates(ctx, e.matchID, e.remoteRole())
	if err != nil {
		return fmt.Errorf("watch remote candidates: %w", err)
	}
	for rec := range records {
		e.mu.Lock()
		if e.applied[rec.ID] {
			e.mu.Unlock()
			continue
		}
		if !e.remoteSet {
			// Candidates cannot be applied before the remote description;
			// hold them until it is installed.
			e.pending = append(e.pending, rec)
			e.mu.Unlock()
			continue
		}
		e.applied[rec.ID] = true
		e.mu.Unlock()
		e.apply(rec)
	}
	return nil
}

func (e *Exchange) remoteDescriptionSet(ctx context.Context) {
	e.mu.Lock()
	e.remoteSet = true
	pending := e.pending
	e.pending = nil
	resync := e.resync
	e.resync = false
	e.mu.Unlock()
	if resync {
		records, err := e.store.ListCandidates(ctx, e.matchID, e.remoteRole())
		if err != nil {
			e.log.Warn().Err(err).Msg("Listing remote candidates failed")
		}
		pending = append(pending, records...)
	}

	e.mu.Lock()
	var fresh []models.IceCandidateRecord
	for _, rec := range pending {
		if !e.applied[rec.ID] {
			e.applied[rec.ID] = true
			fresh = append(fresh, rec)
		}
	}
	e.mu.Unlock()
	for _, rec := range fresh {
		e.apply(rec)
	}
}

// apply installs one remote candidate. Failures are logged and never stop
// the stream.
func (e *Exchange) apply(rec models.IceCandidateRecord) bool {
	if err := e.peer.AddICECandidate(rec.Candidate); err != nil {
		e.log.Debug().Err(err).Str("candidate_id", rec.ID).Msg("Remote candidate rejected")
		return false
	}
	return true
}

// RetryReport summarizes a RetryICE pass.
type RetryReport struct {
	Applied int `json:"applied"`
	Failed  int `json:"failed"`
}

// RetryICE re-reads the whole remote candidate stream and re-applies every
// record, continuing past individual failures.
func (e *Exchange) RetryICE(ctx context.Context) (RetryReport, error) {
	var report RetryReport
	records, err := e.store.ListCandidates(ctx, e.matchID, e.remoteRole())
	if err != nil {
		return report, fmt.Errorf("list remote candidates: %w", err)
	}
	for _, rec := range records {
		if e.apply(rec) {
			report.Applied++
		} else {
			report.Failed++
		}
		e.mu.Lock()
		e.applied[rec.ID] = true
		e.mu.Unlock()
	}
	e.log.Info().Int("applied", report.Applied).Int("failed", report.Failed).Msg("ICE retry finished")
	return report, nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"debatenow/internal/dominance"
	"debatenow/internal/judge"
	"debatenow/internal/logging"
	"debatenow/internal/pairing"
	"debatenow/internal/session"
	"debatenow/internal/transport"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type debateFlags struct {
	user       string
	name       string
	role       string
	match      string
	audio      string
	transcript string
	loopback   bool
}

// fileTranscript serves a prepared transcript for a headless seat.
type fileTranscript string

func (t fileTranscript) Transcript() string { return string(t) }

func newDebateCmd(configPath *string) *cobra.Command {
	var f debateFlags
	cmd := &cobra.Command{
		Use:   "debate",
		Short: "Take a seat in a debate without a browser",
		Long: "Joins the waiting pool (or rejoins --match), negotiates the call and " +
			"follows the debate to its verdict. --audio streams an Ogg/Opus file; " +
			"frames are dropped while the stage mutes this seat.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			b, err := openBackend(ctx, cfg)
			if err != nil {
				return err
			}
			defer b.Close(context.Background())
			return runDebate(ctx, b, f)
		},
	}
	fs := cmd.Flags()
	fs.StringVarP(&f.user, "user", "u", "", "user id to sit as (required)")
	fs.StringVarP(&f.name, "name", "n", "", "display name")
	fs.StringVarP(&f.role, "role", "r", "", "role to debate as, e.g. Kamala")
	fs.StringVarP(&f.match, "match", "m", "", "rejoin this match instead of queueing")
	fs.StringVar(&f.audio, "audio", "", "Ogg/Opus file to speak")
	fs.StringVar(&f.transcript, "transcript", "", "text file submitted as this seat's transcript")
	fs.BoolVar(&f.loopback, "loopback", false, "gather loopback ICE candidates, for two seats on one host")
	cmd.MarkFlagRequired("user")
	return cmd
}

func runDebate(ctx context.Context, b *backend, f debateFlags) error {
	cfg := b.cfg
	matchID := f.match
	if matchID == "" {
		if f.role == "" {
			return errors.New("--role is required unless --match is given")
		}
		coord, err := pairing.NewCoordinator(b.store, pairing.Options{
			Matchups:       cfg.Pairing.Matchups,
			RescanInterval: cfg.Pairing.RescanInterval,
		})
		if err != nil {
			return err
		}
		if _, err := coord.Sweep(ctx, f.user); err != nil {
			return err
		}
		entryID, err := coord.Join(ctx, f.user, f.role, f.name)
		if err != nil {
			return err
		}
		log.Info().Str("role", f.role).Msg("Waiting for an opponent")
		matchID, err = coord.WatchForOpponent(ctx, f.user, f.role, entryID)
		if err != nil {
			leaveCtx := context.WithoutCancel(ctx)
			_ = coord.Leave(leaveCtx, f.user, entryID)
			return err
		}
	}

	logger := logging.ForMatch(matchID, f.user)
	peer, err := transport.NewPionPeer(transport.Config{
		ICEServers:      transport.ICEServersFromURLs(cfg.ICE.URLs, cfg.ICE.Username, cfg.ICE.Credential),
		IncludeLoopback: f.loopback,
	}, logger)
	if err != nil {
		return err
	}

	opts := session.Options{
		TakeoverGrace: cfg.Debate.TakeoverGrace,
		Grace:         cfg.Disconnect.Grace,
		Audio:         peer,
		Local:         peer.LocalActivity(),
		Remote:        peer.RemoteActivity(),
		Thresholds: dominance.Thresholds{
			SpeakingLevel: cfg.Dominance.SpeakingLevel,
			MinTotal:      cfg.Dominance.MinTotal,
			WarningShare:  cfg.Dominance.WarningShare,
			PenaltyShare:  cfg.Dominance.PenaltyShare,
		},
		SampleInterval: cfg.Dominance.SampleInterval,
		Oracle:         b.judgeOracle(),
		Policy:         b.policy,
		Stats:          b.sink,
		Events:         b.events,
		Logger:         logger,
	}
	if f.transcript != "" {
		data, err := os.ReadFile(f.transcript)
		if err != nil {
			peer.Close()
			return fmt.Errorf("read transcript: %w", err)
		}
		opts.Transcripts = fileTranscript(strings.TrimSpace(string(data)))
	}

	sess, err := session.New(ctx, b.store, matchID, f.user, peer, opts)
	if err != nil {
		peer.Close()
		return err
	}
	logger.Info().Str("party", string(sess.Party())).Msg("Seated")

	if f.audio != "" {
		go speak(ctx, peer, f.audio)
	}
	reportCtx, stopReport := context.WithCancel(ctx)
	reported := make(chan struct{})
	go func() {
		defer close(reported)
		report(reportCtx, sess)
	}()

	runErr := sess.Run(ctx)
	stopReport()
	<-reported
	select {
	case v := <-sess.Verdicts():
		printVerdict(v)
	default:
	}
	if runErr != nil {
		return runErr
	}
	if ctx.Err() != nil {
		// Interrupted: leave the match rather than let the grace timer decide.
		return sess.End(context.Background())
	}
	return nil
}

func speak(ctx context.Context, peer *transport.PionPeer, path string) {
	file, err := os.Open(path)
	if err != nil {
		log.Error().Err(err).Msg("Opening audio failed")
		return
	}
	defer file.Close()
	if err := peer.StreamOgg(ctx, file); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Streaming audio failed")
	}
}

func report(ctx context.Context, sess *session.Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case v := <-sess.Views():
			log.Info().Int("stage", v.StageIndex).Str("name", v.Stage.Name).
				Bool("speaking", v.AudioAllowed).Dur("remaining", v.Remaining).Msg("Stage")
		case w := <-sess.Warnings():
			log.Warn().Bool("active", w.Active).Float64("share", w.Share).Msg("Dominance warning")
		case err := <-sess.Errors():
			log.Warn().Err(err).Msg("Session advisory")
		case v := <-sess.Verdicts():
			printVerdict(v)
		}
	}
}

func printVerdict(v *judge.Verdict) {
	log.Info().Str("winner", string(v.Winner)).Str("winner_id", v.WinnerID).Msg("Verdict")
	fmt.Println(v.Evaluation)
}

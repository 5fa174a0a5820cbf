package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/rtcsession/internal/adapters/http"
	"github.com/dkeye/rtcsession/internal/adapters/rtc"
	sig "github.com/dkeye/rtcsession/internal/adapters/signal"
	"github.com/dkeye/rtcsession/internal/app/session"
	"github.com/dkeye/rtcsession/internal/config"
	"github.com/dkeye/rtcsession/internal/domain"
	"github.com/dkeye/rtcsession/internal/packet"
)

// logObserver prints session events.
type logObserver struct{}

func (logObserver) OnStateChange(s domain.ConnectionState) {
	log.Info().Str("state", s.String()).Msg("session state")
}

func (logObserver) OnTrackSubscribed(t domain.RemoteTrack) {
	log.Info().Str("track_id", t.ID).Str("stream_id", t.StreamID).Str("kind", t.Kind).Msg("track subscribed")
}

func (logObserver) OnTrackUnsubscribed(t domain.RemoteTrack) {
	log.Info().Str("track_id", t.ID).Msg("track unsubscribed")
}

func (logObserver) OnDataPacket(p packet.DataPacket) {
	ev := log.Info().Str("kind", p.Kind.Reliability().String())
	if p.User != nil {
		ev = ev.Str("from", p.User.ParticipantSID).Str("topic", p.User.Topic).Int("bytes", len(p.User.Payload))
	}
	ev.Msg("data packet")
}

func iceServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return rtc.DefaultICEServers()
	}
	return []webrtc.ICEServer{{URLs: urls}}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	factory, err := rtc.NewFactory(rtc.FactoryOptions{IncludeLoopback: cfg.IncludeLoopback, Logger: log.Logger})
	if err != nil {
		log.Fatal().Err(err).Msg("webrtc setup failed")
	}

	client, err := sig.Dial(ctx, cfg.SignalURL, sig.Options{
		Token:        cfg.Token,
		PingInterval: cfg.PingInterval,
		RejoinLimit:  cfg.RejoinLimit,
		RejoinWindow: cfg.RejoinWindow,
		Logger:       log.Logger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("signal connect failed")
	}

	coord := session.New(session.Options{
		Factory:  factory,
		Signaler: client,
		Policy: session.SimplePolicy{
			MaxResumeAttempts: cfg.MaxResumeAttempts,
			MaxFullAttempts:   cfg.MaxFullAttempts,
		},
		ICEServers:              iceServers(cfg.ICEServers),
		NegotiationDelay:        cfg.NegotiationDelay,
		ChannelOpenTimeout:      cfg.ChannelOpenTimeout,
		PrimaryConnectTimeout:   cfg.PrimaryConnectTimeout,
		PublisherConnectTimeout: cfg.PublisherConnectTimeout,
		Logger:                  log.Logger,
	})
	coord.AddObserver(logObserver{})

	// The signal loop outlives ctx so the leave frame can still go out.
	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer stop()
		log.Info().Str("url", cfg.SignalURL).Str("session_id", coord.ID()).Msg("signal connected")
		return client.Run(runCtx, coord)
	})

	var srv *http.Server
	if cfg.DebugAddr != "" {
		srv = &http.Server{
			Addr:    cfg.DebugAddr,
			Handler: router.SetupRouter(cfg, coord),
		}
		g.Go(func() error {
			log.Info().Str("addr", cfg.DebugAddr).Msg("diagnostics API started")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := client.Leave(); err != nil {
			log.Debug().Err(err).Msg("leave not sent")
		}
		if err := coord.Close(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("session close")
		}
		if srv != nil {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Server forced to shutdown")
			}
		}
		// the write loop flushes the queued leave before the socket closes
		runCancel()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("exited with error")
		os.Exit(1)
	}
	log.Info().Msg("Client exited gracefully")
}

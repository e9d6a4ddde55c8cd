package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/peerdial/peerdial/internal/audio"
	"github.com/peerdial/peerdial/internal/call"
	"github.com/peerdial/peerdial/internal/config"
	"github.com/peerdial/peerdial/internal/media"
	"github.com/peerdial/peerdial/internal/relay"
	"github.com/peerdial/peerdial/internal/ringbuffer"
	"github.com/peerdial/peerdial/internal/rtc"
)

func main() {
	var (
		callTarget = flag.String("call", "", "user id to call on startup")
		video      = flag.Bool("video", false, "place a video call")
		autoAnswer = flag.Bool("auto-answer", false, "answer incoming calls automatically")
		useCapture = flag.Bool("capture", false, "use real camera/microphone instead of the synthetic tone")
	)
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := config.LoadPeer()
	if cfg.UserID == "" {
		logger.Fatal("USER_ID must be set")
	}
	logger.Info("peer starting",
		zap.String("relay", cfg.RelayURL),
		zap.String("user", cfg.UserID),
		zap.Bool("capture", *useCapture),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	client, err := relay.Dial(ctx, cfg.RelayURL, logger)
	cancel()
	if err != nil {
		logger.Fatal("failed to reach relay", zap.Error(err))
	}
	defer client.Close()

	pionCfg := rtc.PionConfig{STUNServers: cfg.STUNServers}
	var devices media.Devices = media.NewSynthetic(logger)
	if *useCapture {
		capture, err := media.NewCapture(logger)
		if err != nil {
			logger.Warn("device capture unavailable, using synthetic audio", zap.Error(err))
		} else {
			devices = capture
			pionCfg.ConfigureEngine = capture.ConfigureEngine
		}
	}

	deps := call.Deps{
		Mailbox:    client,
		Transports: rtc.NewPionFactory(pionCfg, logger),
		Devices:    devices,
		Logger:     logger,
	}
	self := call.Identity{ID: cfg.UserID, Name: cfg.DisplayName}

	coord, err := call.NewCoordinator(deps, self, call.Config{
		IncomingTimeout: cfg.IncomingTimeout,
		FailureGrace:    cfg.FailureGrace,
	})
	if err != nil {
		logger.Fatal("failed to start coordinator", zap.Error(err))
	}

	go handleEvents(coord, logger, cfg.RingBufferSec, *autoAnswer)

	if *callTarget != "" {
		info, err := coord.StartCall(context.Background(), call.Identity{ID: *callTarget}, *video)
		if err != nil {
			logger.Fatal("call failed", zap.String("callee", *callTarget), zap.Error(err))
		}
		logger.Info("calling", zap.String("call", info.ID), zap.String("callee", *callTarget))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	coord.Close(shutdownCtx)
}

func handleEvents(coord *call.Coordinator, logger *zap.Logger, ringSec int, autoAnswer bool) {
	for ev := range coord.Events() {
		switch ev.Kind {
		case call.EventIncomingCall:
			logger.Info("incoming call",
				zap.String("call", ev.Incoming.ID),
				zap.String("caller", ev.Incoming.CallerID),
				zap.Bool("video", ev.Incoming.Video),
			)
			if autoAnswer {
				if _, err := coord.AnswerCall(context.Background(), ev.Incoming.ID); err != nil {
					logger.Warn("auto-answer failed", zap.Error(err))
				}
			}
		case call.EventRemoteTrack:
			if ev.Track.Kind == media.KindAudio && ev.Track.Pion != nil {
				go meterRemoteAudio(ev.Track, logger, ringSec)
			}
		case call.EventEnded:
			logger.Info("call over", zap.String("reason", string(ev.Reason)))
		}
	}
}

// meterRemoteAudio decodes the remote Opus stream, keeps the last stretch in
// a ring buffer, and logs the signal level once a second.
func meterRemoteAudio(track media.RemoteTrack, logger *zap.Logger, ringSec int) {
	dec, err := audio.NewDecoder()
	if err != nil {
		logger.Error("failed to create opus decoder", zap.Error(err))
		return
	}
	ring := ringbuffer.New(ringSec)
	pcm := make([]int16, audio.MaxFrameSize)
	lastLog := time.Now()

	logger.Info("remote audio started", zap.String("codec", track.Pion.Codec().MimeType))
	for {
		pkt, _, err := track.Pion.ReadRTP()
		if err != nil {
			logger.Info("remote audio ended", zap.Error(err))
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := dec.Decode(pkt.Payload, pcm)
		if err != nil {
			continue
		}
		ring.Write(audio.Downsample48to16(pcm[:n]))

		if time.Since(lastLog) >= time.Second {
			lastLog = time.Now()
			logger.Info("remote audio level",
				zap.Float64("rms", audio.RMS(ring.Snapshot(1))),
				zap.Float64("buffered_sec", ring.Available()),
			)
		}
	}
}

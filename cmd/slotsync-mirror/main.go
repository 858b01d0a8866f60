package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/slotsync/internal/slotmirror"
)

func main() {
	baseURL := flag.String("base-url", envOrDefault("SLOTSYNC_BASE_URL", "http://127.0.0.1:8080"), "slotsync base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("SLOTSYNC_TOKEN")), "bearer token with slots:read")
	accountID := flag.String("account", strings.TrimSpace(os.Getenv("SLOTSYNC_ACCOUNT")), "account ID")
	stateFile := flag.String("state-file", strings.TrimSpace(os.Getenv("SLOTSYNC_MIRROR_FILE")), "snapshot file path")
	window := flag.Duration("window", durationEnv("SLOTSYNC_MIRROR_WINDOW", 14*24*time.Hour), "how far ahead to mirror")
	interval := flag.Duration("interval", durationEnv("SLOTSYNC_MIRROR_INTERVAL", 30*time.Second), "poll or reconnect interval")
	intervalJitter := flag.Float64("interval-jitter", floatEnv("SLOTSYNC_MIRROR_INTERVAL_JITTER", 0.2), "interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv("SLOTSYNC_MIRROR_TIMEOUT", 15*time.Second), "per-request timeout")
	follow := flag.Bool("follow", true, "follow the change stream instead of polling")
	once := flag.Bool("once", false, "sync once and exit")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		log.Fatalf("token is required (--token or SLOTSYNC_TOKEN)")
	}
	if strings.TrimSpace(*accountID) == "" {
		log.Fatalf("account is required (--account or SLOTSYNC_ACCOUNT)")
	}
	if strings.TrimSpace(*stateFile) == "" {
		log.Fatalf("state-file is required (--state-file or SLOTSYNC_MIRROR_FILE)")
	}
	if *interval <= 0 {
		*interval = 30 * time.Second
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	// The stream is long lived, so the client timeout only bounds the
	// handshake and list calls through their contexts.
	client := slotmirror.NewHTTPClient(*baseURL, *token, &http.Client{})
	mirror, err := slotmirror.NewMirror(client, slotmirror.MirrorOptions{
		AccountID: *accountID,
		StateFile: *stateFile,
		Window:    *window,
		Logger:    logger,
	})
	if err != nil {
		log.Fatalf("failed to initialize mirror: %v", err)
	}
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	poll := func() {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		changed, err := mirror.SyncOnce(ctx)
		if err != nil {
			logger.Warn("mirror sync failed", "error", err)
			return
		}
		logger.Info("mirror sync completed", "changed", changed)
	}

	if *once {
		poll()
		return
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		if *follow {
			if err := mirror.Follow(rootCtx); err != nil {
				logger.Warn("mirror stream ended", "error", err)
			}
		} else {
			poll()
		}
		timer := time.NewTimer(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
		select {
		case <-rootCtx.Done():
			timer.Stop()
			logger.Info("mirror stopping", "reason", rootCtx.Err())
			return
		case <-timer.C:
		}
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}

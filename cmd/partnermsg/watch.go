package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	partnermsg "github.com/tendai-dev/onboarding-kyb-sub002"
)

const (
	pollDefault   = 5 * time.Second
	unreadDefault = 30 * time.Second
)

var watchMetricsAddr string

func init() {
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9102)")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch <thread-id>",
	Short: "Follow a thread live",
	Long: "Open the thread, join its real-time group and print new messages as they arrive.\n" +
		"Falls back to polling while the hub is unreachable. Stop with Ctrl-C.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		threadID := args[0]

		reg := prometheus.NewRegistry()
		metrics := partnermsg.NewMetrics(reg)

		env := getEnv(partnermsg.WithMetrics(metrics))
		defer env.close()
		logger := env.logger

		cache, err := openCache(env.cfg.Default.CacheDir)
		if err != nil {
			return err
		}

		var channel *partnermsg.Channel
		if env.cfg.Default.HubURL != "" {
			channel = partnermsg.NewChannel(env.cfg.Default.HubURL, partnermsg.ChannelConfig{
				Identity: identityOf(env.cfg),
				Logger:   logger,
				Metrics:  metrics,
			})
		}
		session := partnermsg.NewSession(env.client, channel, partnermsg.SessionOptions{
			PollInterval:   durationOr(env.cfg.Default.PollInterval, pollDefault),
			UnreadInterval: durationOr(env.cfg.Default.UnreadInterval, unreadDefault),
			Cache:          cache,
			Logger:         logger,
			Metrics:        metrics,
		})
		defer cache.Close()
		defer session.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		startCtx, cancel := context.WithTimeout(ctx, commandTimeout)
		err = session.Start(startCtx)
		if err == nil {
			err = session.SelectThread(startCtx, threadID)
		}
		cancel()
		if err != nil {
			return fmt.Errorf("failed to open thread: %w", err)
		}

		seen := make(map[string]bool)
		for _, m := range session.Sync.Window() {
			seen[m.ID] = true
			printMessage(m)
		}
		if channel != nil {
			printEvents(channel, threadID)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return session.Run(gctx) })
		g.Go(func() error {
			// New window entries are printed whether they arrived by push or poll.
			tick := time.NewTicker(250 * time.Millisecond)
			defer tick.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-tick.C:
					for _, m := range session.Sync.Window() {
						if !seen[m.ID] && !m.IsTemporary() {
							seen[m.ID] = true
							printMessage(m)
						}
					}
				}
			}
		})
		if watchMetricsAddr != "" {
			srv := &http.Server{
				Addr:              watchMetricsAddr,
				Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
				ReadHeaderTimeout: 5 * time.Second,
			}
			g.Go(func() error {
				logger.Info("serving metrics", zap.String("addr", watchMetricsAddr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("metrics server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
		}
		return g.Wait()
	},
}

// openCache returns a pebble cache under dir, or an in-memory cache when
// dir is empty.
func openCache(dir string) (partnermsg.Cache, error) {
	if dir == "" {
		return partnermsg.NewMemoryCache(), nil
	}
	c, err := partnermsg.OpenPebbleCache(filepath.Clean(dir))
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	return c, nil
}

// printEvents reports channel lifecycle and hub activity on stderr.
func printEvents(ch *partnermsg.Channel, threadID string) {
	ch.OnStateChange(func(s partnermsg.ConnectionState) {
		fmt.Fprintf(os.Stderr, "-- %s\n", s)
	})
	ch.Subscribe(partnermsg.EventReconnecting, func(ev partnermsg.Event) {
		fmt.Fprintf(os.Stderr, "-- reconnecting (attempt %d in %s)\n", ev.Reconnect.Attempt, ev.Reconnect.Delay)
	})
	ch.Subscribe(partnermsg.EventClosed, func(ev partnermsg.Event) {
		if ev.Err != nil {
			fmt.Fprintf(os.Stderr, "-- live updates stopped: %v; polling continues\n", ev.Err)
		}
	})
	ch.Subscribe(partnermsg.EventUserTyping, func(ev partnermsg.Event) {
		if ev.Typing != nil && ev.Typing.ThreadID == threadID {
			fmt.Fprintf(os.Stderr, "-- %s is typing\n", valueOrDefault(ev.Typing.UserName, "someone"))
		}
	})
	ch.Subscribe(partnermsg.EventMessageError, func(ev partnermsg.Event) {
		if ev.Failure != nil {
			fmt.Fprintf(os.Stderr, "-- send failed: %s\n", ev.Failure.Reason)
		}
	})
}

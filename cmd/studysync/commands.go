package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/studysync/internal/httpapi"
	"github.com/agentworkforce/studysync/internal/inbox"
	"github.com/agentworkforce/studysync/internal/offline"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the local API, connectivity monitor and inbox watcher",
		Long: `Runs until interrupted. The connectivity monitor probes the remote
service and sweeps the offline store on every offline to online transition.
When inbox.dir is set, action files dropped there are queued.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.withStack(ctx, c.serve)
		},
	}
}

func (c *cli) serve(ctx context.Context, s *stack) error {
	api := httpapi.NewServerWithConfig(s.store, s.agent, httpapi.ServerConfig{
		JWTSecret:       c.cfg.HTTP.JWTSecret,
		RateLimitMax:    c.cfg.HTTP.RateLimitMax,
		RateLimitWindow: c.cfg.HTTP.RateLimitWindow,
		MaxBodyBytes:    c.cfg.HTTP.MaxBodyBytes,
		Logger:          c.logger.Named("http"),
		Gatherer:        s.registry,
	})
	srv := &http.Server{
		Addr:              c.cfg.HTTP.Addr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.logger.Info("studysync listening",
			zap.String("addr", srv.Addr),
			zap.String("store", s.store.Backend().Name()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return pkgerrors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return s.monitor.Run(gctx)
	})
	if dir := c.cfg.Inbox.Dir; dir != "" {
		watcher, err := inbox.NewWatcher(dir, s.store, inbox.Options{
			Logger: c.logger.Named("inbox"),
			OnEnqueue: func(offline.Action) {
				s.monitor.Trigger()
			},
		})
		if err != nil {
			return err
		}
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}

	err := g.Wait()
	c.logger.Info("studysync stopped")
	return err
}

func newSyncCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync sweep now and print the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStack(cmd.Context(), func(ctx context.Context, s *stack) error {
				if c.cfg.Sync.Timeout > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, c.cfg.Sync.Timeout)
					defer cancel()
				}
				result, syncErr := s.syncer.SyncOnce(ctx)
				out := map[string]any{"result": result}
				if syncErr != nil {
					out["error"] = syncErr.Error()
				}
				if err := printJSON(cmd.OutOrStdout(), out); err != nil {
					return err
				}
				return syncErr
			})
		},
	}
}

func newStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pending actions and unsynced records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStack(cmd.Context(), func(ctx context.Context, s *stack) error {
				status, err := s.store.SyncStatus(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), status)
			})
		},
	}
}

func newEnqueueCmd(c *cli) *cobra.Command {
	var (
		kind     string
		endpoint string
		method   string
		payload  string
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue an action for the next sync",
		Long: `Queues one action without attempting delivery.

Example:
  studysync enqueue --kind todo.complete --endpoint /rest/v1/todos?id=eq.42 \
    --method PATCH --payload '{"todoId":"42"}'
  studysync enqueue --kind pet.feed --endpoint /rest/v1/rpc/feed_pet --payload @feed.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readPayload(payload)
			if err != nil {
				return err
			}
			return c.withStack(cmd.Context(), func(ctx context.Context, s *stack) error {
				action, err := s.store.EnqueueAction(ctx, offline.Action{
					Kind:           kind,
					TargetEndpoint: endpoint,
					Method:         method,
					Payload:        body,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), action)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "action kind, for example todo.create")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "target endpoint, relative to remote.baseURL or absolute")
	cmd.Flags().StringVar(&method, "method", "POST", "HTTP method used on delivery")
	cmd.Flags().StringVar(&payload, "payload", "{}", "JSON payload, or @path to read it from a file")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("endpoint")
	return cmd
}

func newClearCmd(c *cli) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every queued action, cached response and local record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to clear offline data without --yes")
			}
			return c.withStack(cmd.Context(), func(ctx context.Context, s *stack) error {
				if err := s.store.ClearOfflineData(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "offline data cleared")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm that unsynced data may be lost")
	return cmd
}

// readPayload accepts inline JSON or @path.
func readPayload(raw string) (json.RawMessage, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return json.RawMessage("{}"), nil
	}
	data := []byte(raw)
	if strings.HasPrefix(raw, "@") {
		var err error
		data, err = os.ReadFile(strings.TrimPrefix(raw, "@"))
		if err != nil {
			return nil, pkgerrors.Wrap(err, "read payload")
		}
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

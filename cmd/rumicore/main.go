// Command rumicore serves the capability brokerage core: one capability
// proxy UDS listener per trusted principal plus the shared egress proxy,
// dispatching every call through a single Services value built once at
// startup.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rumi-ai/rumi-core/internal/services"
)

func main() {
	dataRoot := flag.String("data-root", "./rumi-data", "root directory for trust/grant/store state")
	principalsFlag := flag.String("principals", "", "comma-separated principal ids to open capability sockets for")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := services.New(ctx, *dataRoot)
	if err != nil {
		log.Fatalf("rumicore: %v", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			svc.Log.Error("rumicore: shutdown error", "error", err)
		}
	}()

	for _, principalID := range splitNonEmpty(*principalsFlag) {
		if err := svc.OpenPrincipal(ctx, principalID); err != nil {
			log.Fatalf("rumicore: %v", err)
		}
		svc.Log.Info("rumicore: listening", slog.String("principal_id", principalID))
	}

	<-ctx.Done()
	svc.Log.Info("rumicore: shutting down")
}

func splitNonEmpty(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

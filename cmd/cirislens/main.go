package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	cirislens "github.com/CIRISAI/CIRISLens-sub000"
	"github.com/CIRISAI/CIRISLens-sub000/internal/auth"
	"github.com/CIRISAI/CIRISLens-sub000/internal/config"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	mintSubject := flag.String("mint-token", "", "mint a repository access token for this subject and exit (bootstrap)")
	mintTier := flag.String("tier", "full", "access tier for -mint-token: full, partner, or public")
	mintScope := flag.String("agent-scope", "", "comma-separated agent_id_hash values for -mint-token (partner tier)")
	flag.Parse()

	if *mintSubject != "" {
		os.Exit(mintToken(*mintSubject, *mintTier, *mintScope))
	}
	os.Exit(run())
}

func run() int {
	level := slog.LevelInfo
	if os.Getenv("CIRISLENS_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := cirislens.New(
		cirislens.WithVersion(version),
		cirislens.WithLogger(logger),
	)
	if err != nil {
		slog.Error("startup failed", "error", err)
		return 1
	}
	if err := app.Run(ctx); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

// mintToken issues a signed repository JWT without starting the server. The
// signing key comes from the configured key files, so the token is valid
// against any replica using the same pair. The token goes to stdout and
// nowhere else.
func mintToken(subject, tier, scope string) int {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}
	if cfg.JWTPrivateKeyPath == "" || cfg.JWTPublicKeyPath == "" {
		fmt.Fprintln(os.Stderr, "CIRISLENS_JWT_PRIVATE_KEY and CIRISLENS_JWT_PUBLIC_KEY must be set: a token signed with an ephemeral key would be rejected by the server")
		return 1
	}

	mgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		fmt.Fprintf(os.Stderr, "auth: %v\n", err)
		return 1
	}

	var agentScope []string
	if scope != "" {
		agentScope = strings.Split(scope, ",")
	}

	token, expiresAt, err := mgr.IssueToken(subject, auth.Tier(tier), agentScope, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
		return 1
	}

	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "subject=%s tier=%s expires=%s\n", subject, tier, expiresAt.Format("2006-01-02T15:04:05Z07:00"))
	return 0
}

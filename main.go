package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/gluk-w/claworc/shell-relay/internal/audit"
	"github.com/gluk-w/claworc/shell-relay/internal/auth"
	"github.com/gluk-w/claworc/shell-relay/internal/config"
	"github.com/gluk-w/claworc/shell-relay/internal/database"
	"github.com/gluk-w/claworc/shell-relay/internal/handlers"
	"github.com/gluk-w/claworc/shell-relay/internal/logging"
	"github.com/gluk-w/claworc/shell-relay/internal/metrics"
	"github.com/gluk-w/claworc/shell-relay/internal/orchestrator"
	"github.com/gluk-w/claworc/shell-relay/internal/registry"
	"github.com/gluk-w/claworc/shell-relay/internal/relay"
	"github.com/gluk-w/claworc/shell-relay/internal/shell"
	"github.com/gluk-w/claworc/shell-relay/internal/sshterminal"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 && os.Args[1] == "hash-token" {
		runHashToken(os.Args[2:])
		return
	}

	flags := pflag.NewFlagSet("shell-relay", pflag.ExitOnError)
	envFile := flags.String("env-file", "", "load settings from this .env file")
	listen := flags.String("listen", "", "HTTP/WebSocket listen address (overrides RELAY_LISTEN_ADDR)")
	muxListen := flags.String("mux-listen", "", "yamux TCP listen address (overrides RELAY_MUX_ADDR)")
	profilesPath := flags.String("profiles", "", "command profiles YAML file (overrides RELAY_PROFILES_PATH)")
	flags.Parse(os.Args[1:])

	if *envFile != "" {
		config.Load(*envFile)
	} else {
		config.Load()
	}
	cfg := &config.Cfg
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *muxListen != "" {
		cfg.MuxAddr = *muxListen
	}
	if *profilesPath != "" {
		cfg.ProfilesPath = *profilesPath
	}

	logging.Init()
	defer logging.Close()

	log.Printf("Config: AuthDisabled=%v, Listen=%s, Mux=%q, %s",
		cfg.AuthDisabled, cfg.ListenAddr, cfg.MuxAddr, cfg.HumanSummary())

	var profiles config.Profiles
	if cfg.ProfilesPath != "" {
		p, err := config.LoadProfiles(cfg.ProfilesPath)
		if err != nil {
			log.Fatalf("Profiles: %v", err)
		}
		profiles = p
		log.Printf("Loaded %d command profile(s): %v", len(p), p.Names())
	}

	launcher, sshSpawner := buildLauncher()
	if sshSpawner != nil {
		defer sshSpawner.Close()
	}
	log.Printf("Backends: %v", launcher.Backends())

	collector := metrics.New()
	reg := registry.New(launcher, registry.Config{
		IdleTimeout:    cfg.IdleTimeout,
		SweepInterval:  cfg.SweepInterval,
		MaxSessions:    cfg.MaxSessions,
		ScrollbackSize: cfg.ScrollbackBytes,
		Record:         cfg.RecordingEnabled,
		RecordLimit:    cfg.RecordingLimit,
		KillGrace:      cfg.KillGrace,
	}, collector)

	var auditor *audit.Auditor
	if cfg.AuditEnabled {
		if err := database.Init(cfg.AuditDBPath); err != nil {
			log.Fatalf("Database init: %v", err)
		}
		defer database.Close()
		auditor = audit.New(database.DB, cfg.AuditRetentionDays)
		if err := auditor.Start(); err != nil {
			log.Fatalf("Audit: %v", err)
		}
		reg.AddSink(auditor)
	}

	if err := reg.Start(); err != nil {
		log.Fatalf("Registry: %v", err)
	}

	authz := buildAuthorizer()
	resume, err := auth.NewResumeSigner(cfg.ResumeKey, cfg.ResumeTTL)
	if err != nil {
		log.Fatalf("Resume tokens: %v", err)
	}

	relaySrv := relay.NewServer(relay.Config{
		HandshakeTimeout: cfg.HandshakeTimeout,
		ShutdownGrace:    cfg.ShutdownGrace,
		MaxFrameSize:     cfg.MaxFrameBytes,
		InputRate:        cfg.InputRateBytes,
		InputBurst:       cfg.InputBurstBytes,
		DefaultShell:     cfg.DefaultShell,
		OriginPatterns:   cfg.AllowedOrigins,
	}, relay.Deps{
		Registry:   reg,
		Authorizer: authz,
		Resume:     resume,
		Profiles:   profiles,
		Metrics:    collector,
	})

	router := handlers.NewRouter(&handlers.API{
		Registry:   reg,
		Relay:      relaySrv,
		Authorizer: authz,
		Auditor:    auditor,
		Metrics:    collector,
		Profiles:   profiles,
		Launcher:   launcher,
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var tlsCfg *tls.Config
	if cfg.TLSEnabled() {
		tlsCfg, err = cfg.TLSConfig()
		if err != nil {
			log.Fatalf("TLS: %v", err)
		}
		srv.TLSConfig = tlsCfg
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s (tls=%v)", cfg.ListenAddr, tlsCfg != nil)
		var err error
		if tlsCfg != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	if cfg.MuxAddr != "" {
		ln, err := net.Listen("tcp", cfg.MuxAddr)
		if err != nil {
			log.Fatalf("Mux listener: %v", err)
		}
		if tlsCfg != nil {
			ln = tls.NewListener(ln, tlsCfg)
		}
		go func() {
			if err := relaySrv.ServeMux(ln); err != nil {
				log.Printf("Mux listener stopped: %v", err)
			}
		}()
	}

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+15*time.Second)
	defer cancel()

	if err := relaySrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Relay shutdown: %v", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	if auditor != nil {
		if err := auditor.Close(shutdownCtx); err != nil {
			log.Printf("Audit shutdown: %v", err)
		}
	}
	log.Println("Server stopped")
}

// buildLauncher registers the local spawner and every enabled remote
// backend. A remote backend that fails to initialize is skipped with a
// warning so the relay still serves local sessions.
func buildLauncher() (*shell.Launcher, *sshterminal.Spawner) {
	cfg := config.Cfg
	allowed := shell.NewAllowList(append(cfg.AllowedShells, cfg.DefaultShell)...)
	launcher := shell.NewLauncher(allowed)
	launcher.Register(shell.BackendLocal, &shell.LocalSpawner{})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if cfg.DockerEnabled {
		if sp, err := orchestrator.NewDockerSpawner(ctx, cfg.DockerHost); err != nil {
			log.Printf("WARNING: docker backend disabled: %v", err)
		} else {
			launcher.Register(shell.BackendDocker, sp)
		}
	}

	if cfg.K8sEnabled {
		if sp, err := orchestrator.NewKubernetesSpawner(ctx, cfg.KubeConfig, cfg.K8sNamespace); err != nil {
			log.Printf("WARNING: kubernetes backend disabled: %v", err)
		} else {
			launcher.Register(shell.BackendKubernetes, sp)
		}
	}

	var sshSpawner *sshterminal.Spawner
	if cfg.SSHEnabled {
		signer, pub, err := sshterminal.EnsureKeyPair(cfg.SSHKeyPath)
		if err != nil {
			log.Fatalf("SSH key init: %v", err)
		}
		log.Printf("SSH public key for target hosts: %s", pub)
		sshSpawner, err = sshterminal.NewSpawner(sshterminal.Config{
			User:           cfg.SSHUser,
			Signer:         signer,
			DefaultAddr:    cfg.SSHAddr,
			KnownHostsPath: cfg.SSHKnownHosts,
		})
		if err != nil {
			log.Fatalf("SSH backend: %v", err)
		}
		launcher.Register(shell.BackendSSH, sshSpawner)
	}
	return launcher, sshSpawner
}

func buildAuthorizer() auth.Authorizer {
	cfg := config.Cfg
	if cfg.AuthDisabled {
		log.Printf("WARNING: authentication is disabled; every client is an admin")
		return auth.Disabled{}
	}
	if cfg.TokenFile == "" {
		log.Fatalf("RELAY_TOKEN_FILE is required unless RELAY_AUTH_DISABLED=true")
	}
	tokens, err := auth.LoadTokenFile(cfg.TokenFile)
	if err != nil {
		log.Fatalf("Token file: %v", err)
	}
	log.Printf("Loaded %d client token(s)", tokens.Len())
	return tokens
}

func runHashToken(args []string) {
	fs := pflag.NewFlagSet("hash-token", pflag.ExitOnError)
	token := fs.String("token", "", "token to hash (a random one is generated when empty)")
	fs.Parse(args)

	if *token == "" {
		t, err := auth.GenerateToken()
		if err != nil {
			log.Fatalf("Failed to generate token: %v", err)
		}
		*token = t
		fmt.Printf("token: %s\n", t)
	}

	hash, err := auth.HashToken(*token)
	if err != nil {
		log.Fatalf("Failed to hash token: %v", err)
	}
	fmt.Printf("hash: %s\n", hash)
}

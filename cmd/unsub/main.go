package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"unsub/internal/agent"
	"unsub/internal/auth"
	"unsub/internal/config"
	"unsub/internal/core"
	"unsub/internal/credvault"
	"unsub/internal/db"
	httpx "unsub/internal/http"
	"unsub/internal/msg"
	"unsub/internal/relay"
	"unsub/internal/timerq"
	"unsub/internal/vps"
	"unsub/internal/zap"

	"github.com/nbd-wtf/go-nostr"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	gdb, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal(err)
	}
	if err := db.AutoMigrateAndIndexes(gdb); err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	vault, err := credvault.New(gdb, cfg.VaultKey)
	if err != nil {
		log.Fatal(err)
	}

	relayCli, err := relay.New(ctx, cfg.BotSecretKey, cfg.Relays)
	if err != nil {
		log.Fatal(err)
	}
	botPubkey := cfg.BotPubkey
	if botPubkey == "" {
		botPubkey = relayCli.Pubkey()
	}

	msgLog := &msg.Log{DB: gdb}
	sender := &msg.Logged{Sender: relayCli, Log: msgLog}

	store := vps.NewClient(cfg.VPSBaseURL, cfg.VPSSecret)
	agentJWT := auth.NewJWT(cfg.AgentSecret)
	agentCli := agent.NewClient(cfg.AgentBaseURL, agentJWT)

	queue := timerq.New(timerq.NewGormStore(gdb), cfg.TickInterval)

	mgr := core.NewManager(store, agentCli,
		&core.GormJobStore{DB: gdb}, &core.GormSessionStore{DB: gdb},
		queue, sender, vault, core.Options{
			MaxAgentJobs:     cfg.MaxAgentJobs,
			OutreachInterval: cfg.OutreachInterval,
			OTPTimeout:       cfg.OTPTimeout,
			PaymentExpiry:    cfg.PaymentExpiry,
			LastChanceWindow: cfg.LastChanceWindow,
		})
	queue.OnFire(mgr.HandleTimer)

	verifier := &zap.Verifier{
		RecipientPubkey: botPubkey,
		ProviderPubkey:  cfg.ZapProviderPubkey,
		Directory:       store,
		Settler:         mgr,
		Send:            sender,
	}

	go queue.Run(ctx)

	go relayCli.Listen(ctx,
		func(ctx context.Context, pubkey, text string) {
			msgLog.Record(pubkey, msg.DirectionIn, text)
			if err := mgr.HandleUserMessage(ctx, pubkey, text); err != nil {
				log.Printf("main: handle message from %s: %v", pubkey, err)
			}
		},
		func(ctx context.Context, ev *nostr.Event) {
			if err := verifier.HandleReceipt(ctx, ev); err != nil {
				log.Printf("main: receipt %s: %v", ev.ID, err)
			}
		})

	go func() {
		t := time.NewTicker(cfg.TickInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if _, err := mgr.PollAndClaim(ctx); err != nil {
					log.Printf("main: poll: %v", err)
				}
				if err := mgr.ProcessInvites(ctx); err != nil {
					log.Printf("main: invites: %v", err)
				}
			}
		}
	}()

	go func() {
		t := time.NewTicker(cfg.HeartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := store.Heartbeat(ctx); err != nil {
					log.Printf("main: heartbeat: %v", err)
				}
			}
		}
	}()

	go func() {
		t := time.NewTicker(cfg.MaintenanceInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := mgr.SyncRemote(ctx); err != nil {
					log.Printf("main: sync: %v", err)
				}
				mgr.Maintain(ctx)
				if _, err := queue.Purge(cfg.TimerRetention); err != nil {
					log.Printf("main: purge timers: %v", err)
				}
				if _, err := msgLog.Trim(cfg.MessageRetention); err != nil {
					log.Printf("main: trim messages: %v", err)
				}
			}
		}
	}()

	r := httpx.NewRouter(cfg, agentJWT, mgr, mgr)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("listening on %s\n", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	// graceful shutdown
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}

// Command settlementd runs the withdrawal settlement pipeline: proof
// orchestration, chain submission, multisig-gated payout and the stall
// sweeper, with a prometheus metrics listener.
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/veilpay/settlement/internal/clients"
	"github.com/veilpay/settlement/internal/config"
	"github.com/veilpay/settlement/internal/db"
	"github.com/veilpay/settlement/internal/events"
	"github.com/veilpay/settlement/internal/intent"
	"github.com/veilpay/settlement/internal/repository"
	"github.com/veilpay/settlement/internal/services"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(*logLevel); err == nil {
		log.SetLevel(level)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("load configuration")
	}

	gdb, err := db.Open(cfg.Database)
	if err != nil {
		log.WithError(err).Fatal("open database")
	}

	withdrawRepo := repository.NewWithdrawRequestRepository(gdb)
	allocationRepo := repository.NewAllocationRepository(gdb)
	checkbookRepo := repository.NewCheckbookRepository(gdb)
	nullifierRepo := repository.NewNullifierRepository(gdb)
	queueRootRepo := repository.NewQueueRootRepository(gdb)
	multisigRepo := repository.NewMultisigRepository(gdb)

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.NATS.URL != "" {
		publisher, err = events.NewNATSPublisher(cfg.NATS, log)
		if err != nil {
			log.WithError(err).Fatal("connect event bus")
		}
	}
	defer publisher.Close()

	resolver := intent.NewResolver(intent.NewGormRouteSource(gdb))
	prover := clients.NewProverClient(cfg.Prover)

	// All chains share one signer endpoint; per-chain keys live behind it.
	signerURL := ""
	if len(cfg.Chains) > 0 {
		signerURL = cfg.Chains[0].SignerURL
	}
	signer := clients.NewSignerClient(signerURL)

	submitter, err := services.NewChainSubmitter(cfg.Chains, signer, log)
	if err != nil {
		log.WithError(err).Fatal("build chain submitter")
	}
	defer submitter.Close()

	orchestrator := services.NewProofOrchestrator(
		withdrawRepo, allocationRepo, checkbookRepo, nullifierRepo, queueRootRepo,
		prover, resolver, publisher, cfg.Prover, log)
	multisig := services.NewMultisigService(multisigRepo, withdrawRepo, submitter, cfg, publisher, log)
	withdraw := services.NewWithdrawService(
		withdrawRepo, allocationRepo, checkbookRepo, nullifierRepo, queueRootRepo,
		orchestrator, submitter, multisig, resolver, cfg, publisher, log)

	sweeper := services.NewSweepService(withdrawRepo, nullifierRepo, multisigRepo, withdraw, cfg.Sweep, log)
	sweeper.Start()
	defer sweeper.Stop()

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		log.WithField("addr", cfg.Metrics.Addr).Info("metrics listener started")
		if err := http.ListenAndServe(cfg.Metrics.Addr, nil); err != nil {
			log.WithError(err).Error("metrics listener stopped")
		}
	}()

	log.Info("settlement service started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/algorand/go-algorand-sdk/v2/types"

	"confio/cmd/internal/passphrase"
	"confio/config"
	"confio/crypto"
	"confio/ledger"
	"confio/native/common"
	"confio/native/escrow"
	"confio/native/payment"
	"confio/native/send"
	"confio/services/sto/auth"
	"confio/services/sto/fsm"
	"confio/services/sto/models"
	"confio/services/sto/outbox"
	"confio/services/sto/preflight"
	"confio/services/sto/recon"
	"confio/services/sto/server"
	"confio/services/sto/session"
	"confio/services/sto/submit"
)

type app struct {
	handler    http.Handler
	dispatcher *outbox.Dispatcher
	scheduler  *recon.Scheduler
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	if cfg.SkipRecipientOptInCheck {
		logger.Warn("recipient opt-in check disabled; payments to merchants without a holding will fail on chain")
	}

	db, err := models.Open(cfg.Database.DSN, models.OpenOptions{
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
		AutoMigrate:  cfg.Database.AutoMigrate,
		Verbose:      cfg.VerboseLogs,
	})
	if err != nil {
		return nil, err
	}

	signer, err := sponsorSigner(cfg, passphrase.NewSource(passphrase.DefaultEnvVar))
	if err != nil {
		return nil, err
	}
	if err := signer.AssertMatches(cfg.SponsorAddress); err != nil {
		return nil, err
	}

	node, err := ledger.NewAlgodNode(algodConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("algod client: %w", err)
	}
	gw := ledger.NewGateway(node, ledgerConfig(cfg), logger)

	pcfg := preflightConfig(cfg, signer.Address())
	checker := preflight.New(gw, signer, pcfg, logger)
	coord := submit.NewCoordinator(gw, signer.Address(), logger)
	machine := fsm.New(db, fsm.Assets{CUSD: cfg.CUSDAssetID, CONFIO: cfg.CONFIOAssetID}, logger)

	pauses, err := common.ParsePauses(cfg.PausedActions)
	if err != nil {
		return nil, err
	}
	if paused := pauses.Paused(); len(paused) > 0 {
		logger.Warn("sponsored actions paused", "actions", paused)
	}
	orch := server.NewOrchestrator(server.Deps{
		Gateway:     gw,
		Signer:      signer,
		Checker:     checker,
		Coordinator: coord,
		Machine:     machine,
		Config:      pcfg,
		Pauses:      pauses,
		Quota: common.NewQuotaBook(common.Quota{
			MaxGroupsPerEpoch: cfg.Quota.MaxGroupsPerEpoch,
			MaxFeePerEpoch:    cfg.Quota.MaxFeePerEpoch,
			EpochSeconds:      cfg.Quota.EpochSeconds,
		}),
		Logger:      logger,
		PreparedTTL: cfg.PreparedTTL,
	})

	authn := auth.NewAuthenticator(auth.Config{
		Secret:    cfg.Auth.JWTSecret,
		Issuer:    cfg.Auth.Issuer,
		Audience:  cfg.Auth.Audience,
		ClockSkew: cfg.Auth.ClockSkew,
	}, db)
	hub := session.NewHub(server.TradeRoomMembers(db), logger)
	sessions := session.NewServer(session.Config{
		Keepalive:      cfg.Session.Keepalive,
		IdleTimeout:    cfg.Session.IdleTimeout,
		RatePerSecond:  cfg.Session.RatePerSecond,
		Burst:          cfg.Session.Burst,
		OriginPatterns: cfg.Session.OriginPatterns,
	}, authn, orch, hub, logger)

	handler := server.NewRouter(server.RouterConfig{
		Orchestrator: orch,
		Session:      sessions,
		Auth:         authn,
		DB:           db,
		Logger:       logger,
	})

	dispatcher := outbox.NewDispatcher(db, hub, nil, outbox.Config{
		Interval:    cfg.Outbox.Interval,
		BatchSize:   cfg.Outbox.BatchSize,
		MaxAttempts: cfg.Outbox.MaxAttempts,
	}, logger)
	scheduler := recon.NewScheduler(recon.SchedulerConfig{
		Reconciler: recon.NewReconciler(machine, gw, checker, logger),
		Interval:   cfg.Recon.Interval,
		Logger:     logger,
	})

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &app{handler: handler, dispatcher: dispatcher, scheduler: scheduler}, nil
}

// mnemonicSource yields the sponsor mnemonic for "prompt" key refs.
type mnemonicSource interface {
	Get() (string, error)
}

func sponsorSigner(cfg *config.Config, prompt mnemonicSource) (crypto.SponsorSigner, error) {
	kind, value := cfg.SponsorKey()
	switch kind {
	case config.KeyRefKMS:
		signer, err := crypto.NewKMSSigner(crypto.KMSConfig{
			BaseURL:    cfg.KMS.BaseURL,
			KeyLabel:   value,
			Address:    cfg.SponsorAddress,
			CACertPath: cfg.KMS.CACertPath,
			ClientCert: cfg.KMS.ClientCert,
			ClientKey:  cfg.KMS.ClientKey,
			Timeout:    cfg.KMS.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return signer, nil
	case config.KeyRefPrompt:
		words, err := prompt.Get()
		if err != nil {
			return nil, err
		}
		value = words
	}
	signer, err := crypto.NewMnemonicSigner(value)
	if err != nil {
		return nil, err
	}
	return signer, nil
}

func algodConfig(cfg *config.Config) ledger.AlgodConfig {
	return ledger.AlgodConfig{
		AlgodURL:     cfg.AlgodEndpoint,
		AlgodToken:   cfg.AlgodToken,
		IndexerURL:   cfg.IndexerEndpoint,
		IndexerToken: cfg.IndexerToken,
	}
}

func ledgerConfig(cfg *config.Config) ledger.Config {
	return ledger.Config{
		TTLSuggestedParams: cfg.TTLSuggestedParams,
		TTLAppInfo:         cfg.TTLAppInfo,
		TTLAppOptIn:        cfg.TTLAppOptIn,
		TTLRecipientOptIn:  cfg.TTLRecipientOptIn,
		ParamsTimeout:      cfg.ParamsTimeout,
		ReadTimeout:        cfg.ReadTimeout,
		SubmitTimeout:      cfg.SubmitTimeout,
		ConfirmTimeout:     cfg.ConfirmTimeout,
		ConfirmationRounds: cfg.ConfirmationRounds,
	}
}

// preflightConfig leaves the payment fee recipient empty; it is read from
// the payment application's global state on every prepare.
func preflightConfig(cfg *config.Config, sponsor types.Address) preflight.Config {
	return preflight.Config{
		Payment: payment.Config{
			AppID:         cfg.PaymentAppID,
			CUSDAssetID:   cfg.CUSDAssetID,
			CONFIOAssetID: cfg.CONFIOAssetID,
			Sponsor:       sponsor,
		},
		P2P: escrow.Config{
			AppID:         cfg.P2PAppID,
			Sponsor:       sponsor,
			CUSDAssetID:   cfg.CUSDAssetID,
			CONFIOAssetID: cfg.CONFIOAssetID,
		},
		Send: send.Config{
			Sponsor:       sponsor,
			CUSDAssetID:   cfg.CUSDAssetID,
			CONFIOAssetID: cfg.CONFIOAssetID,
		},
		SkipRecipientOptInCheck: cfg.SkipRecipientOptInCheck,
	}
}

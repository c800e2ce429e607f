package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CONFIO_"

type lookupFunc func(string) (string, bool)

// applyEnv overlays CONFIO_* variables on cfg. Secrets are usually supplied
// this way rather than in the file.
func applyEnv(cfg *Config, lookup lookupFunc) error {
	strs := map[string]*string{
		"LISTEN":           &cfg.Listen,
		"NETWORK_NAME":     &cfg.NetworkName,
		"ENVIRONMENT":      &cfg.Environment,
		"SPONSOR_ADDRESS":  &cfg.SponsorAddress,
		"SPONSOR_KEY_REF":  &cfg.SponsorKeyRef,
		"ALGOD_ENDPOINT":   &cfg.AlgodEndpoint,
		"ALGOD_TOKEN":      &cfg.AlgodToken,
		"INDEXER_ENDPOINT": &cfg.IndexerEndpoint,
		"INDEXER_TOKEN":    &cfg.IndexerToken,
		"DATABASE_DSN":     &cfg.Database.DSN,
		"JWT_SECRET":       &cfg.Auth.JWTSecret,
		"KMS_BASE_URL":     &cfg.KMS.BaseURL,
		"LOG_FILE":         &cfg.Log.File,
		"OTEL_ENDPOINT":    &cfg.Otel.Endpoint,
		"OTEL_HEADERS":     &cfg.Otel.Headers,
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	uints := map[string]*uint64{
		"PAYMENT_APP_ID":      &cfg.PaymentAppID,
		"P2P_APP_ID":          &cfg.P2PAppID,
		"SEND_APP_ID":         &cfg.SendAppID,
		"CUSD_ASSET_ID":       &cfg.CUSDAssetID,
		"CONFIO_ASSET_ID":     &cfg.CONFIOAssetID,
		"CONFIRMATION_ROUNDS": &cfg.ConfirmationRounds,
	}
	for key, dst := range uints {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
	}

	bools := map[string]*bool{
		"SKIP_RECIPIENT_OPT_IN_CHECK": &cfg.SkipRecipientOptInCheck,
		"VERBOSE_LOGS":                &cfg.VerboseLogs,
	}
	for key, dst := range bools {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = b
	}

	if v, ok := lookup(EnvPrefix + "RECON_INTERVAL"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%sRECON_INTERVAL: %w", EnvPrefix, err)
		}
		cfg.Recon.Interval = d
	}
	if v, ok := lookup(EnvPrefix + "PAUSED_ACTIONS"); ok {
		cfg.PausedActions = nil
		for _, a := range strings.Split(v, ",") {
			if a = strings.TrimSpace(a); a != "" {
				cfg.PausedActions = append(cfg.PausedActions, a)
			}
		}
	}
	return nil
}

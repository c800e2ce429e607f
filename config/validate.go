package config

import (
	"fmt"
	"strings"

	"confio/crypto"
)

// Confirmation wait bounds, in rounds.
var (
	MinConfirmationRounds = uint64(8)
	MaxConfirmationRounds = uint64(10)
)

// Validate reports the first class of problems found: missing required
// settings, then malformed ones.
func (c *Config) Validate() error {
	var missing []string
	require := func(name string, ok bool) {
		if !ok {
			missing = append(missing, name)
		}
	}
	require("sponsor_address", strings.TrimSpace(c.SponsorAddress) != "")
	require("sponsor_key_ref", strings.TrimSpace(c.SponsorKeyRef) != "")
	require("algod_endpoint", strings.TrimSpace(c.AlgodEndpoint) != "")
	require("indexer_endpoint", strings.TrimSpace(c.IndexerEndpoint) != "")
	require("payment_app_id", c.PaymentAppID != 0)
	require("p2p_app_id", c.P2PAppID != 0)
	require("cusd_asset_id", c.CUSDAssetID != 0)
	require("confio_asset_id", c.CONFIOAssetID != 0)
	require("network_name", strings.TrimSpace(c.NetworkName) != "")
	require("database.dsn", strings.TrimSpace(c.Database.DSN) != "")
	require("auth.jwt_secret", strings.TrimSpace(c.Auth.JWTSecret) != "")
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}

	if _, err := crypto.ParseAddress(c.SponsorAddress); err != nil {
		return fmt.Errorf("sponsor_address: %w", err)
	}
	if c.CUSDAssetID == c.CONFIOAssetID {
		return fmt.Errorf("cusd_asset_id and confio_asset_id must differ")
	}
	if c.ConfirmationRounds < MinConfirmationRounds || c.ConfirmationRounds > MaxConfirmationRounds {
		return fmt.Errorf("confirmation_rounds must be within %d..%d", MinConfirmationRounds, MaxConfirmationRounds)
	}
	switch kind, value := c.SponsorKey(); kind {
	case KeyRefKMS:
		if value == "" {
			return fmt.Errorf("sponsor_key_ref: kms key label is empty")
		}
		if strings.TrimSpace(c.KMS.BaseURL) == "" {
			return fmt.Errorf("kms.base_url is required for kms key refs")
		}
	case KeyRefMnemonic:
		if n := len(strings.Fields(value)); n != 25 {
			return fmt.Errorf("sponsor_key_ref: mnemonic has %d words, want 25", n)
		}
	}
	if c.Session.RatePerSecond < 0 || c.Session.Burst < 0 {
		return fmt.Errorf("session: rate_per_second and burst must not be negative")
	}
	if c.Quota.MaxGroupsPerEpoch > 0 && c.Quota.EpochSeconds == 0 {
		return fmt.Errorf("quota: epoch_seconds is required when max_groups_per_epoch is set")
	}
	return nil
}

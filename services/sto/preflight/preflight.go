package preflight

import (
	"context"
	"log/slog"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/types"
	"golang.org/x/sync/errgroup"

	stoerrors "confio/core/errors"
	"confio/ledger"
	"confio/native/escrow"
	"confio/native/payment"
	"confio/native/send"
)

// Global state keys read from the payment and trade applications.
const (
	KeySponsor      = "sponsor_address"
	KeyFeeRecipient = "fee_recipient"
	KeyAdmin        = "admin"
	KeyCUSD         = "cusd_asset_id"
	KeyCONFIO       = "confio_asset_id"
)

// SponsorView is the part of the sponsor signer preflight needs.
type SponsorView interface {
	Address() types.Address
	AssertMatches(expected string) error
}

// Config names the applications and operator overrides.
type Config struct {
	Payment payment.Config
	P2P     escrow.Config
	Send    send.Config

	SkipRecipientOptInCheck bool
}

// Checker runs the per-action chain checks.
type Checker struct {
	gw      *ledger.Gateway
	sponsor SponsorView
	cfg     Config
	logger  *slog.Logger
	nowFn   func() time.Time
}

func New(gw *ledger.Gateway, sponsor SponsorView, cfg Config, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{gw: gw, sponsor: sponsor, cfg: cfg, logger: logger.With("component", "preflight"), nowFn: time.Now}
}

// SetNowFunc overrides the clock used by time-gated checks.
func (c *Checker) SetNowFunc(now func() time.Time) {
	if now == nil {
		c.nowFn = time.Now
		return
	}
	c.nowFn = now
}

// appConfig verifies the application's sponsor and asset registration and
// returns its state.
func (c *Checker) appConfig(ctx context.Context, appID uint64, assetIDs ...uint64) (ledger.AppInfo, error) {
	info, err := c.gw.AppInfo(ctx, appID)
	if err != nil {
		return ledger.AppInfo{}, err
	}
	onChain, ok := info.GlobalAddress(KeySponsor)
	if !ok {
		return ledger.AppInfo{}, stoerrors.AppMisconfigured("application %d has no sponsor configured", appID)
	}
	if err := c.sponsor.AssertMatches(onChain.String()); err != nil {
		return ledger.AppInfo{}, err
	}
	cusd, _ := info.GlobalUint(KeyCUSD)
	confio, _ := info.GlobalUint(KeyCONFIO)
	for _, asset := range assetIDs {
		if asset == 0 || (asset != cusd && asset != confio) {
			return ledger.AppInfo{}, stoerrors.AppMisconfigured("asset %d is not registered on application %d", asset, appID)
		}
	}
	return info, nil
}

func (c *Checker) appOptedIn(ctx context.Context, appID, assetID uint64) error {
	ok, err := c.gw.AppAssetOptIn(ctx, crypto.GetApplicationAddress(appID), assetID)
	if err != nil {
		return err
	}
	if !ok {
		return stoerrors.AppMisconfigured("application %d is not opted in to asset %d", appID, assetID)
	}
	return nil
}

// common runs the checks shared by every application-backed action.
func (c *Checker) common(ctx context.Context, appID uint64, assetIDs ...uint64) (ledger.AppInfo, error) {
	g, gctx := errgroup.WithContext(ctx)
	var info ledger.AppInfo
	g.Go(func() error {
		var err error
		info, err = c.appConfig(gctx, appID, assetIDs...)
		return err
	})
	for _, asset := range assetIDs {
		asset := asset
		g.Go(func() error { return c.appOptedIn(gctx, appID, asset) })
	}
	if err := g.Wait(); err != nil {
		return ledger.AppInfo{}, err
	}
	return info, nil
}

func (c *Checker) balanceAtLeast(ctx context.Context, addr types.Address, assetID, need uint64) error {
	have, err := c.gw.AccountAssetHolding(ctx, addr, assetID)
	if err != nil {
		return err
	}
	if have < need {
		return stoerrors.InsufficientBalance(need, have, assetID)
	}
	return nil
}

// PaymentArgs describe a payment about to be built.
type PaymentArgs struct {
	Payer    types.Address
	Merchant types.Address
	AssetID  uint64
	Amount   uint64
}

// PaymentReport carries what the builder and the client need from preflight.
type PaymentReport struct {
	FeeRecipient types.Address
	NeedsFunding bool
}

// Payment checks a merchant payment.
func (c *Checker) Payment(ctx context.Context, a PaymentArgs) (PaymentReport, error) {
	if _, err := c.cfg.Payment.MethodFor(a.AssetID); err != nil {
		return PaymentReport{}, err
	}
	var report PaymentReport
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		info, err := c.common(gctx, c.cfg.Payment.AppID, a.AssetID)
		if err != nil {
			return err
		}
		recipient, ok := info.GlobalAddress(KeyFeeRecipient)
		if !ok || recipient.IsZero() {
			return stoerrors.AppMisconfigured("payment application has no fee recipient")
		}
		report.FeeRecipient = recipient
		return nil
	})
	g.Go(func() error { return c.balanceAtLeast(gctx, a.Payer, a.AssetID, a.Amount) })
	g.Go(func() error {
		if c.cfg.SkipRecipientOptInCheck {
			c.logger.Warn("recipient opt-in check skipped by operator override",
				"merchant", a.Merchant.String(), "asset_id", a.AssetID)
			return nil
		}
		ok, err := c.gw.RecipientOptedIn(gctx, a.Merchant, a.AssetID)
		if err != nil {
			return err
		}
		if !ok {
			return stoerrors.NotOptedIn(a.Merchant.String(), a.AssetID)
		}
		return nil
	})
	g.Go(func() error {
		acct, err := c.gw.Account(gctx, a.Payer)
		if err != nil {
			return err
		}
		// User transactions in a sponsored group carry fee 0, so only the
		// minimum balance binds the payer.
		report.NeedsFunding = acct.Amount < acct.MinBalance || acct.Amount == 0
		return nil
	})
	if err := g.Wait(); err != nil {
		return PaymentReport{}, err
	}
	if report.NeedsFunding {
		c.logger.Info("payer below minimum balance", "payer", a.Payer.String())
	}
	return report, nil
}

// SendArgs describe a sponsored send.
type SendArgs struct {
	Sender    types.Address
	Recipient types.Address
	AssetID   uint64
	Amount    uint64
}

// Send checks a sponsored transfer. Sends touch no application, so the
// sponsor is checked against the configured address.
func (c *Checker) Send(ctx context.Context, a SendArgs) error {
	if a.AssetID == 0 || (a.AssetID != c.cfg.Send.CUSDAssetID && a.AssetID != c.cfg.Send.CONFIOAssetID) {
		return stoerrors.UnsupportedAsset(a.AssetID)
	}
	if err := c.sponsor.AssertMatches(c.cfg.Send.Sponsor.String()); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.balanceAtLeast(gctx, a.Sender, a.AssetID, a.Amount) })
	g.Go(func() error {
		ok, err := c.gw.RecipientOptedIn(gctx, a.Recipient, a.AssetID)
		if err != nil {
			return err
		}
		if !ok {
			return stoerrors.NotOptedIn(a.Recipient.String(), a.AssetID)
		}
		return nil
	})
	return g.Wait()
}

// Deployment checks both applications against the configured sponsor and
// stable assets. It is the startup and operator health check; per-action
// checks repeat the relevant parts.
func (c *Checker) Deployment(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	assets := []uint64{c.cfg.Payment.CUSDAssetID, c.cfg.Payment.CONFIOAssetID}
	for _, appID := range []uint64{c.cfg.Payment.AppID, c.cfg.P2P.AppID} {
		appID := appID
		g.Go(func() error {
			_, err := c.common(gctx, appID, assets...)
			return err
		})
	}
	return g.Wait()
}

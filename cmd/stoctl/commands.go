package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"confio/cmd/internal/passphrase"
	"confio/config"
	"confio/crypto"
	"confio/ledger"
	"confio/native/escrow"
	"confio/services/sto/auth"
	"confio/services/sto/preflight"
)

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

func sponsorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sponsor",
		Short: "Inspect the configured sponsor account",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "address",
		Short: "Derive the sponsor address from the key reference and compare it with sponsor_address",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			kind, value := cfg.SponsorKey()
			if kind == config.KeyRefKMS {
				fmt.Fprintf(cmd.OutOrStdout(), "%s (kms key %s, not derivable locally)\n", cfg.SponsorAddress, value)
				return nil
			}
			if kind == config.KeyRefPrompt {
				if value, err = passphrase.NewSource(passphrase.DefaultEnvVar).Get(); err != nil {
					return err
				}
			}
			key, err := crypto.PrivateKeyFromMnemonic(value)
			if err != nil {
				return err
			}
			derived := key.Address().String()
			fmt.Fprintln(cmd.OutOrStdout(), derived)
			if derived != cfg.SponsorAddress {
				return fmt.Errorf("derived address %s does not match sponsor_address %s", derived, cfg.SponsorAddress)
			}
			return nil
		},
	})
	return cmd
}

// addressOnly satisfies preflight.SponsorView without key material.
type addressOnly struct{ addr types.Address }

func (a addressOnly) Address() types.Address { return a.addr }

func (a addressOnly) AssertMatches(expected string) error {
	want, err := crypto.ParseAddress(expected)
	if err != nil {
		return err
	}
	if want != a.addr {
		return fmt.Errorf("application sponsor %s does not match sponsor_address %s", want, a.addr)
	}
	return nil
}

func checkCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify both applications name the configured sponsor and stable assets",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			node, err := ledger.NewAlgodNode(ledger.AlgodConfig{
				AlgodURL:     cfg.AlgodEndpoint,
				AlgodToken:   cfg.AlgodToken,
				IndexerURL:   cfg.IndexerEndpoint,
				IndexerToken: cfg.IndexerToken,
			})
			if err != nil {
				return err
			}
			sponsor, err := crypto.ParseAddress(cfg.SponsorAddress)
			if err != nil {
				return err
			}
			gw := ledger.NewGateway(node, ledger.Config{ReadTimeout: cfg.ReadTimeout}, nil)
			pcfg := preflight.Config{}
			pcfg.Payment.AppID, pcfg.Payment.Sponsor = cfg.PaymentAppID, sponsor
			pcfg.Payment.CUSDAssetID, pcfg.Payment.CONFIOAssetID = cfg.CUSDAssetID, cfg.CONFIOAssetID
			pcfg.P2P = escrow.Config{AppID: cfg.P2PAppID, Sponsor: sponsor, CUSDAssetID: cfg.CUSDAssetID, CONFIOAssetID: cfg.CONFIOAssetID}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			checker := preflight.New(gw, addressOnly{addr: sponsor}, pcfg, nil)
			if err := checker.Deployment(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: payment app %d and p2p app %d are configured for %s\n", cfg.PaymentAppID, cfg.P2PAppID, sponsor)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "overall deadline for the chain reads")
	return cmd
}

func mbrCmd() *cobra.Command {
	var lang string
	cmd := &cobra.Command{
		Use:   "mbr <trade_id>",
		Short: "Print the box minimum balance the sponsor funds for a trade",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tag, err := language.Parse(lang)
			if err != nil {
				return fmt.Errorf("invalid --lang %q: %w", lang, err)
			}
			p := message.NewPrinter(tag)
			id := args[0]
			trade, paid, dispute := escrow.TradeBoxMBR(id), escrow.PaidBoxMBR(id), escrow.DisputeBoxMBR(id)
			out := cmd.OutOrStdout()
			p.Fprintf(out, "trade   %d µALGO\n", trade)
			p.Fprintf(out, "paid    %d µALGO\n", paid)
			p.Fprintf(out, "dispute %d µALGO\n", dispute)
			p.Fprintf(out, "total   %d µALGO\n", trade+paid+dispute)
			return nil
		},
	}
	cmd.Flags().StringVar(&lang, "lang", "en", "BCP 47 tag for number formatting")
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		subject     string
		accountType string
		index       int
		businessID  string
		perms       []string
		ttl         time.Duration
		secret      string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development session token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			issuer, audience := "", ""
			if secret == "" {
				cfg, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				secret, issuer, audience = cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience
			}
			if strings.TrimSpace(subject) == "" {
				return fmt.Errorf("--subject is required")
			}
			now := time.Now().UTC()
			claims := auth.Claims{
				AccountType:  accountType,
				AccountIndex: index,
				BusinessID:   businessID,
				Perms:        perms,
				RegisteredClaims: jwt.RegisteredClaims{
					Subject:   subject,
					Issuer:    issuer,
					IssuedAt:  jwt.NewNumericDate(now),
					ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
				},
			}
			if audience != "" {
				claims.Audience = jwt.ClaimStrings{audience}
			}
			token, err := auth.Issue(secret, claims)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "user id")
	cmd.Flags().StringVar(&accountType, "account-type", "personal", "personal or business")
	cmd.Flags().IntVar(&index, "index", 0, "account index")
	cmd.Flags().StringVar(&businessID, "business", "", "business id for business accounts")
	cmd.Flags().StringSliceVar(&perms, "perm", nil, "permissions to grant, repeatable")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	cmd.Flags().StringVar(&secret, "secret", "", "signing secret; read from the config when empty")
	return cmd
}

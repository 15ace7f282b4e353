package main

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"formrelay/backend/internal/config"
	"formrelay/backend/internal/token"
)

var (
	tokenEmail  string
	tokenTicket string
	tokenTTL    time.Duration
)

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenIssueCmd)
	tokenCmd.AddCommand(tokenVerifyCmd)

	tokenIssueCmd.Flags().StringVar(&tokenEmail, "email", "", "customer email the link is bound to")
	tokenIssueCmd.Flags().StringVar(&tokenTicket, "ticket", "", "public ticket number")
	tokenIssueCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (default from FORMRELAY_TOKEN_TTL)")
	_ = tokenIssueCmd.MarkFlagRequired("email")
	_ = tokenIssueCmd.MarkFlagRequired("ticket")
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue or verify ticket status links",
}

// loadIssuer 令牌命令只需要配置，不打开队列
func loadIssuer() (*config.Config, *token.Issuer, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	issuer, err := token.NewIssuer(cfg.Token.Secret, cfg.Token.TTL)
	if err != nil {
		return nil, nil, err
	}
	return cfg, issuer, nil
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Print a status link for a ticket",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, issuer, err := loadIssuer()
		if err != nil {
			return err
		}

		email := strings.ToLower(strings.TrimSpace(tokenEmail))
		ref := strings.TrimPrefix(strings.TrimSpace(tokenTicket), "#")
		tkn, exp, err := issuer.Issue(email, ref, tokenTTL)
		if err != nil {
			return err
		}
		link := strings.TrimRight(cfg.Server.PublicURL, "/") + "/tickets/status?tkn=" + url.QueryEscape(tkn)

		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"token":      tkn,
				"link":       link,
				"expires_at": exp,
			})
		}
		fmt.Fprintln(cmd.OutOrStdout(), link)
		fmt.Fprintf(cmd.OutOrStdout(), "expires %s\n", exp.Local().Format(time.DateTime))
		return nil
	},
}

var tokenVerifyCmd = &cobra.Command{
	Use:   "verify <token>",
	Short: "Check a status link token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, issuer, err := loadIssuer()
		if err != nil {
			return err
		}

		claims, err := issuer.Verify(args[0])
		if err != nil {
			return &exitError{code: 1, msg: err.Error()}
		}
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), claims)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "email:   %s\nticket:  %s\nexpires: %s\n",
			claims.Email,
			claims.PublicRef,
			time.Unix(claims.Exp, 0).Local().Format(time.DateTime),
		)
		return nil
	},
}

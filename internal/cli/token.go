package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/4Players/odin-go/pkg/token"
	"github.com/4Players/odin-go/pkg/validation"
)

var (
	tokenRoom string
	tokenUser string
	tokenTTL  time.Duration
	tokenKey  string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a room token",
	RunE: func(cmd *cobra.Command, args []string) error {
		key := tokenKey
		if key == "" {
			key = cfg.Auth.AccessKey
		}
		if key == "" {
			return errors.New("no access key: set auth.access_key or pass --access-key")
		}
		if err := validation.ValidateRoomID(tokenRoom); err != nil {
			return err
		}
		if err := validation.ValidateUserID(tokenUser); err != nil {
			return err
		}

		ttl := tokenTTL
		if ttl <= 0 {
			ttl = cfg.Auth.TokenTTL
		}
		gen, err := token.NewGenerator(key, ttl)
		if err != nil {
			return err
		}
		tok, err := gen.RoomToken(tokenRoom, tokenUser)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

var tokenInspectCmd = &cobra.Command{
	Use:   "inspect TOKEN",
	Short: "Print a token's claims without verifying its signature",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		claims, err := token.PeekClaims(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "room_id: %s\n", claims.RoomID)
		fmt.Fprintf(out, "user_id: %s\n", claims.UserID)
		if claims.IssuedAt != nil {
			fmt.Fprintf(out, "issued:  %s\n", claims.IssuedAt.Time.Format(time.RFC3339))
		}
		if claims.ExpiresAt != nil {
			fmt.Fprintf(out, "expires: %s\n", claims.ExpiresAt.Time.Format(time.RFC3339))
		}
		return nil
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a new access key",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := token.GenerateAccessKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenRoom, "room", "lobby", "room the token grants access to")
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user identifier embedded in the token")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (default auth.token_ttl)")
	tokenCmd.Flags().StringVar(&tokenKey, "access-key", "", "signing key (default auth.access_key)")
	tokenCmd.AddCommand(tokenInspectCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(keygenCmd)
}

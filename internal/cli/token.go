package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/replbridge/replbridge/internal/auth"
	"github.com/replbridge/replbridge/internal/config"
)

var tokenFromPrompt bool

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Generate an access token for the kernel server",
	Long: `Generates a random access token, stores its argon2id hash in the
config file and prints the token once. Front ends present the token as
a bearer token when connecting; the config never holds the plain token.

With --set the token is entered interactively instead of generated.`,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().BoolVar(&tokenFromPrompt, "set", false, "enter a token interactively instead of generating one")

	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var token, hash string
	if tokenFromPrompt {
		token, err = auth.PromptToken("Enter access token: ")
		if err != nil {
			return err
		}
		hash, err = auth.HashToken(token)
		if err != nil {
			return err
		}
	} else {
		token, hash, err = auth.GenerateToken()
		if err != nil {
			return err
		}
	}

	cfg.Server.AuthTokenHash = hash
	cfg.Server.AuthToken = ""
	if err := config.Save(configPath, cfg); err != nil {
		return err
	}

	fmt.Printf("Token hash saved to %s\n", configPath)
	if !tokenFromPrompt {
		fmt.Printf("Access token (shown once): %s\n", token)
	}
	return nil
}

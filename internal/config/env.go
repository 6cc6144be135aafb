package config

import (
	"errors"
	"io/fs"

	"github.com/joho/godotenv"
)

const (
	EnvAPIKey           = "POLY_API_KEY"
	EnvAPISecret        = "POLY_API_SECRET"
	EnvPassphrase       = "POLY_PASSPHRASE"
	EnvAddress          = "POLY_ADDRESS"
	EnvTelegramBotToken = "TELEGRAM_BOT_TOKEN"
	EnvTelegramChatID   = "TELEGRAM_CHAT_ID"
)

// LoadEnv reads dotenv files into the process environment without overriding
// variables that are already set. Missing files are ignored.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

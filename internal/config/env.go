package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

const (
	EnvDiscordToken = "DISCORD_TOKEN"
	EnvPretalxToken = "PRETALX_API_TOKEN"
)

// Secrets are credentials that never live in the YAML file.
type Secrets struct {
	DiscordToken  string
	ScheduleToken string
}

// LoadEnv loads a dotenv file into the process environment without
// overriding variables that are already set. A missing file is fine.
func LoadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

// SecretsFromEnv reads the credentials from the environment.
func SecretsFromEnv() Secrets {
	return Secrets{
		DiscordToken:  strings.TrimSpace(os.Getenv(EnvDiscordToken)),
		ScheduleToken: strings.TrimSpace(os.Getenv(EnvPretalxToken)),
	}
}

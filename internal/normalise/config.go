package normalise

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/viper"
)

// DefaultStripPunctuation is applied when the configuration omits
// strip_punctuation.
const DefaultStripPunctuation = ".,'-"

// Config holds the tunable parts of the street-name casefold.
type Config struct {
	AliasMap         map[string]string `mapstructure:"alias_map"`
	StripPunctuation string            `mapstructure:"strip_punctuation"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{StripPunctuation: DefaultStripPunctuation}
}

// LoadConfig reads the normalisation configuration file. A missing file is
// not an error; defaults apply.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("strip_punctuation", DefaultStripPunctuation)

	if err := v.ReadInConfig(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return DefaultConfig(), nil
		}
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return DefaultConfig(), nil
		}
		return Config{}, fmt.Errorf("read normalisation config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse normalisation config %s: %w", path, err)
	}
	return cfg, nil
}

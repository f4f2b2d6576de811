package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

const (
	CONFIG_NAME         = "bitswarm"
	DEFAULT_CONFIG_FILE = "./bitswarm.yaml"
)

type Config struct {
	DownloadDirectory string        `yaml:"DownloadDirectory"`
	IncomingPort      int           `yaml:"IncomingPort"`
	MaxPeers          int           `yaml:"MaxPeers"`
	MaxLeechers       int           `yaml:"MaxLeechers"`
	MaxSeeders        int           `yaml:"MaxSeeders"`
	UploadRate        string        `yaml:"UploadRate"`
	DownloadRate      string        `yaml:"DownloadRate"`
	PeerTimeout       time.Duration `yaml:"PeerTimeout"`
	ConnectTimeout    time.Duration `yaml:"ConnectTimeout"`
	DialRate          float64       `yaml:"DialRate"`
	Debug             bool          `yaml:"Debug"`

	v  *viper.Viper
	fs afero.Fs
}

// Load reads bitswarm.yaml from specPath, or from the first of
// /etc/bitswarm, $HOME/.bitswarm and the working directory that has one.
// When no file exists the defaults are written to specPath.
func Load(fs afero.Fs, specPath string) (*Config, error) {
	v := viper.New()
	v.SetFs(fs)
	v.SetConfigName(CONFIG_NAME)
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/bitswarm/")
	v.AddConfigPath("$HOME/.bitswarm")
	v.AddConfigPath(".")

	v.SetDefault("DownloadDirectory", "./downloads")
	v.SetDefault("IncomingPort", 6881)
	v.SetDefault("MaxPeers", 100)
	v.SetDefault("MaxLeechers", 5)
	v.SetDefault("MaxSeeders", 5)
	v.SetDefault("UploadRate", "16kb")
	v.SetDefault("DownloadRate", "128kb")
	v.SetDefault("PeerTimeout", "30s")
	v.SetDefault("ConnectTimeout", "5s")
	v.SetDefault("DialRate", 10)
	v.SetDefault("Debug", false)

	// user specific config path
	if ok, _ := afero.Exists(fs, specPath); ok && specPath != "" {
		v.SetConfigFile(specPath)
	}

	configExists := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		configExists = false
		if specPath == "" {
			specPath = DEFAULT_CONFIG_FILE
		}
		v.SetConfigFile(specPath)
	}

	c := &Config{v: v, fs: fs}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if dl, err := filepath.Abs(c.DownloadDirectory); err == nil {
		c.DownloadDirectory = dl
	}

	log.Info().Str("file", v.ConfigFileUsed()).Bool("exists", configExists).Msg("selected config file")
	if !configExists {
		if err := c.WriteYaml(); err != nil {
			return nil, err
		}
		log.Info().Str("file", v.ConfigFileUsed()).Msg("config file written")
	}
	return c, nil
}

func (c *Config) File() string {
	return c.v.ConfigFileUsed()
}

func (c *Config) WriteYaml() error {
	d, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return afero.WriteFile(c.fs, c.v.ConfigFileUsed(), d, 0666)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	if c.DownloadDirectory == "" {
		result = multierror.Append(result, errors.New("DownloadDirectory is empty"))
	}
	if c.IncomingPort < 0 || c.IncomingPort > 65535 {
		result = multierror.Append(result, fmt.Errorf("IncomingPort %d out of range", c.IncomingPort))
	}
	if c.MaxPeers <= 0 {
		result = multierror.Append(result, fmt.Errorf("MaxPeers must be positive, got %d", c.MaxPeers))
	}
	if c.MaxLeechers < 0 {
		result = multierror.Append(result, fmt.Errorf("MaxLeechers is negative"))
	}
	if c.MaxSeeders <= 0 {
		result = multierror.Append(result, fmt.Errorf("MaxSeeders must be positive, got %d", c.MaxSeeders))
	}
	if _, err := ParseRate(c.UploadRate); err != nil {
		result = multierror.Append(result, fmt.Errorf("UploadRate: %w", err))
	}
	if _, err := ParseRate(c.DownloadRate); err != nil {
		result = multierror.Append(result, fmt.Errorf("DownloadRate: %w", err))
	}
	if c.PeerTimeout <= 0 {
		result = multierror.Append(result, errors.New("PeerTimeout must be positive"))
	}
	if c.ConnectTimeout <= 0 {
		result = multierror.Append(result, errors.New("ConnectTimeout must be positive"))
	}
	if c.DialRate < 0 {
		result = multierror.Append(result, errors.New("DialRate is negative"))
	}
	return result.ErrorOrNil()
}

// ParseRate turns "16kb", "1mb" and the like into bytes per second. An
// empty string, "0" and "unlimited" mean no limit and return 0.
func ParseRate(rstr string) (int64, error) {
	rstr = strings.ToLower(strings.TrimSpace(rstr))
	switch rstr {
	case "unlimited", "0", "":
		return 0, nil
	}
	var v datasize.ByteSize
	if err := v.UnmarshalText([]byte(rstr)); err != nil {
		return 0, err
	}
	if v > 1<<40 {
		return 0, fmt.Errorf("rate %s too large", rstr)
	}
	return int64(v), nil
}

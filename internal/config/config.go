// Package config loads the daemon configuration from YAML and resolves
// credentials from the system keyring.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// IMAPConfig holds the incoming mail server settings.
type IMAPConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	StartTLS bool   `mapstructure:"starttls" yaml:"starttls"`
	Username string `mapstructure:"username" yaml:"username"`

	// Password is the plaintext fallback; the keyring entry
	// "imap.password" wins when present.
	Password string `mapstructure:"password" yaml:"password"`
}

// SMTPConfig holds the outgoing mail server settings.
type SMTPConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	StartTLS bool   `mapstructure:"starttls" yaml:"starttls"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
}

// SyncConfig tunes the mailbox watchers and heuristics.
type SyncConfig struct {
	InboxFolder   string `mapstructure:"inbox_folder" yaml:"inbox_folder"`
	MvboxFolder   string `mapstructure:"mvbox_folder" yaml:"mvbox_folder"`
	SentboxFolder string `mapstructure:"sentbox_folder" yaml:"sentbox_folder"`

	WatchInbox   bool `mapstructure:"watch_inbox" yaml:"watch_inbox"`
	WatchMvbox   bool `mapstructure:"watch_mvbox" yaml:"watch_mvbox"`
	WatchSentbox bool `mapstructure:"watch_sentbox" yaml:"watch_sentbox"`

	MvboxMove        bool `mapstructure:"mvbox_move" yaml:"mvbox_move"`
	SendReadReceipts bool `mapstructure:"send_read_receipts" yaml:"send_read_receipts"`
	ChatOnly         bool `mapstructure:"chat_only" yaml:"chat_only"`
}

// Config is the top-level daemon configuration.
type Config struct {
	DBPath   string     `mapstructure:"db_path" yaml:"db_path"`
	SpoolDir string     `mapstructure:"spool_dir" yaml:"spool_dir"`
	LogLevel string     `mapstructure:"log_level" yaml:"log_level"`
	IMAP     IMAPConfig `mapstructure:"imap" yaml:"imap"`
	SMTP     SMTPConfig `mapstructure:"smtp" yaml:"smtp"`
	Sync     SyncConfig `mapstructure:"sync" yaml:"sync"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailsync/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailsync", "config.yaml")
}

// defaultDataDir is where the database and spool live unless overridden.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share", "mailsync")
}

// Load reads configuration from the given YAML file path using Viper.
// Missing files yield the defaults; missing keys resolve to them.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("db_path", filepath.Join(defaultDataDir(), "mailsync.db"))
	v.SetDefault("spool_dir", filepath.Join(defaultDataDir(), "spool"))
	v.SetDefault("log_level", "info")
	v.SetDefault("imap.port", 993)
	v.SetDefault("smtp.port", 465)
	v.SetDefault("sync.inbox_folder", "INBOX")
	v.SetDefault("sync.mvbox_folder", "Chats")
	v.SetDefault("sync.sentbox_folder", "Sent")
	v.SetDefault("sync.watch_inbox", true)
	v.SetDefault("sync.watch_mvbox", true)
	v.SetDefault("sync.watch_sentbox", false)
	v.SetDefault("sync.mvbox_move", true)
	v.SetDefault("sync.send_read_receipts", true)
	v.SetDefault("sync.chat_only", false)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); !ok {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

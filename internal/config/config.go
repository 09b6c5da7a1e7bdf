package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultInterval      = 5 * time.Minute
	defaultTolerance     = "2.00"
	defaultAutoSendScore = 0.8
	defaultLeaseTTL      = 10 * time.Minute
)

func checkFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %04o; should be 0600", path, perm)
	}
	return nil
}

type Config struct {
	Inbox    InboxConfig    `yaml:"inbox"`
	Email    EmailConfig    `yaml:"email"`
	LLM      LLMConfig      `yaml:"llm"`
	OCR      OCRConfig      `yaml:"ocr"`
	Blob     BlobConfig     `yaml:"blob"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis,omitempty"`
	Pipeline Pipeline       `yaml:"pipeline"`
	Timeouts Timeouts       `yaml:"timeouts"`
	Server   ServerConfig   `yaml:"server,omitempty"`
	Log      LogConfig      `yaml:"log,omitempty"`
}

// InboxConfig holds IMAP settings for the payments mailbox
type InboxConfig struct {
	Provider string `yaml:"provider"` // "gmail", "outlook", "imap"
	Server   string `yaml:"server"`
	Port     int    `yaml:"port"`
	Email    string `yaml:"email"`
	Password string `yaml:"password"` // App password
	Folder   string `yaml:"folder"`
}

type EmailConfig struct {
	Provider string         `yaml:"provider"` // "smtp", "sendgrid", "resend"
	From     string         `yaml:"from"`
	SMTP     SMTPConfig     `yaml:"smtp,omitempty"`
	SendGrid APIKeyProvider `yaml:"sendgrid,omitempty"`
	Resend   APIKeyProvider `yaml:"resend,omitempty"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	UseTLS   bool   `yaml:"use_tls"`
}

type APIKeyProvider struct {
	APIKey string `yaml:"api_key"`
}

type LLMConfig struct {
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url,omitempty"`
	Model       string  `yaml:"model"`
	Temperature float32 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// OCRConfig selects the vision backend used for scanned PDFs and photos.
type OCRConfig struct {
	Provider string `yaml:"provider"` // "openai" or "gemini"
	APIKey   string `yaml:"api_key,omitempty"`
	Model    string `yaml:"model"`
	DPI      int    `yaml:"dpi"`
}

// BlobConfig points at Cloudinary. Without a URL, files are kept under
// LocalDir instead.
type BlobConfig struct {
	CloudinaryURL string `yaml:"cloudinary_url"`
	Folder        string `yaml:"folder"`
	LocalDir      string `yaml:"local_dir,omitempty"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "sqlite" or "postgres"
	Path     string `yaml:"path,omitempty"`
	DSN      string `yaml:"dsn,omitempty"`
	MaxConns int32  `yaml:"max_conns,omitempty"`
	MinConns int32  `yaml:"min_conns,omitempty"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	LeaseKey string        `yaml:"lease_key"`
	LeaseTTL time.Duration `yaml:"lease_ttl"`
}

// Pipeline holds settings for the batch job
type Pipeline struct {
	Interval        time.Duration `yaml:"interval"`
	AttachmentDir   string        `yaml:"attachment_dir"`
	CannedResponses string        `yaml:"canned_responses"` // file or directory
	Tolerance       string        `yaml:"tolerance"`        // absolute, in invoice currency
	AutoSendScore   float64       `yaml:"auto_send_score"`
	Signature       string        `yaml:"signature,omitempty"`
	ChromePath      string        `yaml:"chrome_path,omitempty"`
}

// Timeouts bound every external call made while processing an email.
type Timeouts struct {
	IMAP   time.Duration `yaml:"imap"`
	LLM    time.Duration `yaml:"llm"`
	OCR    time.Duration `yaml:"ocr"`
	Blob   time.Duration `yaml:"blob"`
	DB     time.Duration `yaml:"db"`
	SMTP   time.Duration `yaml:"smtp"`
	Render time.Duration `yaml:"render"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

func DefaultConfigPath() string {
	if p := os.Getenv("PAYINBOX_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".payinbox", "config.yaml")
}

func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".payinbox"
	}
	return filepath.Join(home, ".payinbox")
}

// Load reads the YAML file, expands ${VAR} references and applies defaults.
func Load(path string) (*Config, error) {
	if err := checkFilePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: %v\n", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Inbox.Folder == "" {
		c.Inbox.Folder = "INBOX"
	}
	if c.Inbox.Provider == "gmail" && c.Inbox.Server == "" {
		c.Inbox.Server = "imap.gmail.com"
		c.Inbox.Port = 993
	}
	if c.Inbox.Provider == "outlook" && c.Inbox.Server == "" {
		c.Inbox.Server = "outlook.office365.com"
		c.Inbox.Port = 993
	}
	if c.Inbox.Port == 0 {
		c.Inbox.Port = 993
	}

	if c.Email.Provider == "" {
		c.Email.Provider = "smtp"
	}
	if c.Email.From == "" {
		c.Email.From = c.Inbox.Email
	}

	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o"
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 1500
	}

	if c.OCR.Provider == "" {
		c.OCR.Provider = "openai"
	}
	if c.OCR.Model == "" {
		if c.OCR.Provider == "gemini" {
			c.OCR.Model = "gemini-1.5-flash"
		} else {
			c.OCR.Model = c.LLM.Model
		}
	}
	if c.OCR.DPI == 0 {
		c.OCR.DPI = 150
	}

	if c.Blob.Folder == "" {
		c.Blob.Folder = "receipts"
	}
	if c.Blob.LocalDir == "" {
		c.Blob.LocalDir = filepath.Join(DefaultDataDir(), "blobs")
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = filepath.Join(DefaultDataDir(), "payinbox.db")
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = 10
	}
	if c.Database.MinConns == 0 {
		c.Database.MinConns = 2
	}

	if c.Redis.LeaseKey == "" {
		c.Redis.LeaseKey = "payinbox:batch"
	}
	if c.Redis.LeaseTTL == 0 {
		c.Redis.LeaseTTL = defaultLeaseTTL
	}

	if c.Pipeline.Interval == 0 {
		c.Pipeline.Interval = defaultInterval
	}
	if c.Pipeline.AttachmentDir == "" {
		c.Pipeline.AttachmentDir = filepath.Join(os.TempDir(), "payinbox")
	}
	if c.Pipeline.Tolerance == "" {
		c.Pipeline.Tolerance = defaultTolerance
	}
	if c.Pipeline.AutoSendScore == 0 {
		c.Pipeline.AutoSendScore = defaultAutoSendScore
	}

	t := &c.Timeouts
	setDuration(&t.IMAP, 60*time.Second)
	setDuration(&t.LLM, 60*time.Second)
	setDuration(&t.OCR, 45*time.Second)
	setDuration(&t.Blob, 30*time.Second)
	setDuration(&t.DB, 10*time.Second)
	setDuration(&t.SMTP, 30*time.Second)
	setDuration(&t.Render, 30*time.Second)

	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8090"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

func (c *Config) Validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("llm: api_key is required")
	}
	if c.OCR.Provider != "openai" && c.OCR.Provider != "gemini" {
		return fmt.Errorf("ocr: unknown provider %q (openai or gemini)", c.OCR.Provider)
	}
	if c.OCR.Provider == "gemini" && c.OCR.APIKey == "" {
		return fmt.Errorf("ocr: api_key is required for gemini")
	}
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database: path is required for sqlite")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database: dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database: unknown driver %q (sqlite or postgres)", c.Database.Driver)
	}

	if c.Pipeline.AutoSendScore < 0 || c.Pipeline.AutoSendScore > 1 {
		return fmt.Errorf("pipeline: auto_send_score must be within [0,1]")
	}
	return c.ValidateEmail()
}

func (c *Config) ValidateEmail() error {
	if c.Email.From == "" {
		return fmt.Errorf("email: from address is required")
	}
	switch c.Email.Provider {
	case "smtp":
		if c.Email.SMTP.Host == "" {
			return fmt.Errorf("email.smtp: host is required")
		}
		if c.Email.SMTP.Port == 0 {
			return fmt.Errorf("email.smtp: port is required")
		}
	case "sendgrid":
		if c.Email.SendGrid.APIKey == "" {
			return fmt.Errorf("email.sendgrid: api_key is required")
		}
	case "resend":
		if c.Email.Resend.APIKey == "" {
			return fmt.Errorf("email.resend: api_key is required")
		}
	default:
		return fmt.Errorf("email: unknown provider %q", c.Email.Provider)
	}
	return nil
}

// ValidateInbox validates the IMAP settings (only needed by batch runs)
func (c *Config) ValidateInbox() error {
	if c.Inbox.Email == "" {
		return fmt.Errorf("inbox: email address is required")
	}
	if c.Inbox.Password == "" {
		return fmt.Errorf("inbox: password (app password) is required")
	}
	if c.Inbox.Server == "" {
		return fmt.Errorf("inbox: IMAP server is required")
	}
	return nil
}

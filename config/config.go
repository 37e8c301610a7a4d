package config

import (
	"os"
	"path"
	"strings"
	"time"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

const envPrefix = "JADWAL_"

// DBConfig Database configuration
type DBConfig struct {
	Type     string `yaml:"type"` // postgres | sqlite
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"` // database name, or file path for sqlite
	User     string `yaml:"user"`
	Passwd   string `yaml:"passwd"`
	MaxConn  int    `yaml:"max_conn"`
	IdleConn int    `yaml:"idle_conn"`
	Debug    bool   `yaml:"debug"`
}

// SysConfig System configuration
type SysConfig struct {
	Appid    string `yaml:"appid"`
	Location string `yaml:"location"`
	Workdir  string `yaml:"workdir"`
	Debug    bool   `yaml:"debug"`
}

// WebConfig Admin API configuration
type WebConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Secret string `yaml:"secret"`
}

// LogConfig Logging configuration
type LogConfig struct {
	Mode       string `yaml:"mode"`
	FileEnable bool   `yaml:"file_enable"`
	Filename   string `yaml:"filename"`
}

// CloudAPIConfig WhatsApp Business Cloud API credentials
type CloudAPIConfig struct {
	Token         string `yaml:"token"`
	PhoneNumberID string `yaml:"phone_number_id"`
	BaseURL       string `yaml:"base_url"`
	APIVersion    string `yaml:"api_version"`
}

// WhatsAppConfig session manager and transport settings
type WhatsAppConfig struct {
	SessionID       string         `yaml:"session_id"`
	Transport       string         `yaml:"transport"` // multidevice | cloudapi
	ReconnectDelay  time.Duration  `yaml:"reconnect_delay"`
	InProgressDelay time.Duration  `yaml:"in_progress_delay"`
	MaxAuthRetries  int            `yaml:"max_auth_retries"`
	CountryCode     string         `yaml:"country_code"`
	DeviceName      string         `yaml:"device_name"`
	KeyWorkers      int            `yaml:"key_workers"`
	CloudAPI        CloudAPIConfig `yaml:"cloudapi"`
}

// NotifyConfig broadcast settings
type NotifyConfig struct {
	SendInterval        time.Duration `yaml:"send_interval"`
	ConnectWaitRetries  int           `yaml:"connect_wait_retries"`
	ConnectWaitInterval time.Duration `yaml:"connect_wait_interval"`
	MaxFailuresReported int           `yaml:"max_failures_reported"`
	LogRetentionDays    int           `yaml:"log_retention_days"`
}

type AppConfig struct {
	System   SysConfig      `yaml:"system"`
	Web      WebConfig      `yaml:"web"`
	Database DBConfig       `yaml:"database"`
	Logger   LogConfig      `yaml:"logger"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
	Notify   NotifyConfig   `yaml:"notify"`
}

func (c *AppConfig) GetLogDir() string {
	return path.Join(c.System.Workdir, "logs")
}

func (c *AppConfig) GetDataDir() string {
	return path.Join(c.System.Workdir, "data")
}

func (c *AppConfig) initDirs() {
	_ = os.MkdirAll(c.GetLogDir(), 0o755)
	_ = os.MkdirAll(c.GetDataDir(), 0o755)
}

// DefaultAppConfig returns a configuration with every default applied.
func DefaultAppConfig() *AppConfig {
	cfg := &AppConfig{}
	cfg.applyDefaults()
	return cfg
}

func (c *AppConfig) applyDefaults() {
	if c.System.Appid == "" {
		c.System.Appid = "jadwal"
	}
	if c.System.Location == "" {
		c.System.Location = "Asia/Jakarta"
	}
	if c.System.Workdir == "" {
		c.System.Workdir = "/var/jadwal"
	}
	if c.Web.Host == "" {
		c.Web.Host = "0.0.0.0"
	}
	if c.Web.Port == 0 {
		c.Web.Port = 1816
	}
	if c.Database.Type == "" {
		c.Database.Type = "postgres"
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.Name == "" {
		c.Database.Name = "jadwal"
	}
	if c.Database.MaxConn == 0 {
		c.Database.MaxConn = 20
	}
	if c.Database.IdleConn == 0 {
		c.Database.IdleConn = 5
	}
	if c.Logger.Mode == "" {
		c.Logger.Mode = "development"
	}
	if c.Logger.Filename == "" {
		c.Logger.Filename = path.Join(c.GetLogDir(), "jadwal.log")
	}

	wa := &c.WhatsApp
	if wa.SessionID == "" {
		wa.SessionID = "default"
	}
	if wa.Transport == "" {
		wa.Transport = "multidevice"
	}
	if wa.ReconnectDelay <= 0 {
		wa.ReconnectDelay = 2 * time.Second
	}
	if wa.InProgressDelay <= 0 {
		wa.InProgressDelay = 3 * time.Second
	}
	if wa.MaxAuthRetries <= 0 {
		wa.MaxAuthRetries = 3
	}
	if wa.CountryCode == "" {
		wa.CountryCode = "62"
	}
	if wa.DeviceName == "" {
		wa.DeviceName = "Jadwal Kelurahan"
	}
	if wa.KeyWorkers <= 0 {
		wa.KeyWorkers = 16
	}
	if wa.CloudAPI.BaseURL == "" {
		wa.CloudAPI.BaseURL = "https://graph.facebook.com"
	}
	if wa.CloudAPI.APIVersion == "" {
		wa.CloudAPI.APIVersion = "v18.0"
	}

	n := &c.Notify
	if n.SendInterval <= 0 {
		n.SendInterval = time.Second
	}
	if n.ConnectWaitRetries <= 0 {
		n.ConnectWaitRetries = 3
	}
	if n.ConnectWaitInterval <= 0 {
		n.ConnectWaitInterval = 5 * time.Second
	}
	if n.MaxFailuresReported <= 0 {
		n.MaxFailuresReported = 20
	}
	if n.LogRetentionDays <= 0 {
		n.LogRetentionDays = 90
	}
}

// LoadConfig reads the YAML file (jadwal.yml, then /etc/jadwal.yml when
// cfile is empty), applies JADWAL_* environment overrides and defaults.
func LoadConfig(cfile string) (*AppConfig, error) {
	if cfile == "" {
		cfile = "jadwal.yml"
		if !fileExists(cfile) {
			cfile = "/etc/jadwal.yml"
		}
	}
	cfg := new(AppConfig)
	if fileExists(cfile) {
		data, err := os.ReadFile(cfile)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	setEnvValue("SYSTEM_WORKDIR", &cfg.System.Workdir)
	setEnvValue("SYSTEM_LOCATION", &cfg.System.Location)
	setEnvBoolValue("SYSTEM_DEBUG", &cfg.System.Debug)

	setEnvValue("WEB_HOST", &cfg.Web.Host)
	setEnvIntValue("WEB_PORT", &cfg.Web.Port)
	setEnvValue("WEB_SECRET", &cfg.Web.Secret)

	setEnvValue("DB_TYPE", &cfg.Database.Type)
	setEnvValue("DB_HOST", &cfg.Database.Host)
	setEnvIntValue("DB_PORT", &cfg.Database.Port)
	setEnvValue("DB_NAME", &cfg.Database.Name)
	setEnvValue("DB_USER", &cfg.Database.User)
	setEnvValue("DB_PASSWD", &cfg.Database.Passwd)
	setEnvBoolValue("DB_DEBUG", &cfg.Database.Debug)

	setEnvValue("LOGGER_MODE", &cfg.Logger.Mode)
	setEnvBoolValue("LOGGER_FILE_ENABLE", &cfg.Logger.FileEnable)

	setEnvValue("WHATSAPP_SESSION_ID", &cfg.WhatsApp.SessionID)
	setEnvValue("WHATSAPP_TRANSPORT", &cfg.WhatsApp.Transport)
	setEnvDurationValue("WHATSAPP_RECONNECT_DELAY", &cfg.WhatsApp.ReconnectDelay)
	setEnvIntValue("WHATSAPP_MAX_AUTH_RETRIES", &cfg.WhatsApp.MaxAuthRetries)
	setEnvValue("WHATSAPP_CLOUDAPI_TOKEN", &cfg.WhatsApp.CloudAPI.Token)
	setEnvValue("WHATSAPP_CLOUDAPI_PHONE_NUMBER_ID", &cfg.WhatsApp.CloudAPI.PhoneNumberID)

	setEnvDurationValue("NOTIFY_SEND_INTERVAL", &cfg.Notify.SendInterval)

	cfg.applyDefaults()
	cfg.initDirs()
	return cfg, nil
}

func fileExists(file string) bool {
	info, err := os.Stat(file)
	return err == nil && !info.IsDir()
}

func lookupEnv(name string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func setEnvValue(name string, val *string) {
	if v, ok := lookupEnv(name); ok {
		*val = v
	}
}

func setEnvBoolValue(name string, val *bool) {
	if v, ok := lookupEnv(name); ok {
		*val = cast.ToBool(v)
	}
}

func setEnvIntValue(name string, val *int) {
	if v, ok := lookupEnv(name); ok {
		*val = cast.ToInt(v)
	}
}

func setEnvDurationValue(name string, val *time.Duration) {
	if v, ok := lookupEnv(name); ok {
		*val = cast.ToDuration(v)
	}
}

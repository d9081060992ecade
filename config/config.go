package config

import (
	"errors"
	"os"
	"time"

	"github.com/embedkit/chatsync/pkg/logger"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Flow struct {
	FlowID         string `yaml:"flow_id" env:"FLOW_ID,required"`
	APIHost        string `yaml:"api_host" env:"API_HOST,required"`
	WelcomeMessage string `yaml:"welcome_message" env:"WELCOME_MESSAGE" env-default:"Hi there! How can I help?"`
	// CustomerID, when set, prefixes every generated conversation identifier.
	CustomerID string `yaml:"customer_id" env:"CUSTOMER_ID"`
	// OverrideConfig is a raw JSON object forwarded verbatim with every
	// prediction request. When empty the engine sends its analytics block.
	OverrideConfig string `yaml:"override_config" env:"OVERRIDE_CONFIG"`
	// ClearOnReload skips rehydration: every mount starts a fresh conversation.
	ClearOnReload bool `yaml:"clear_on_reload" env:"CLEAR_ON_RELOAD"`
}

// Upload is the per-kind attachment policy. An empty mime list disables the
// kind; "*" allows any mime type; a zero size means unlimited.
type Upload struct {
	ImageMimes    []string `yaml:"image_mimes" env:"UPLOAD_IMAGE_MIMES" env-separator:","`
	ImageMaxBytes int64    `yaml:"image_max_bytes" env:"UPLOAD_IMAGE_MAX_BYTES"`
	AudioMimes    []string `yaml:"audio_mimes" env:"UPLOAD_AUDIO_MIMES" env-separator:","`
	AudioMaxBytes int64    `yaml:"audio_max_bytes" env:"UPLOAD_AUDIO_MAX_BYTES"`
	FileMimes     []string `yaml:"file_mimes" env:"UPLOAD_FILE_MIMES" env-separator:","`
	FileMaxBytes  int64    `yaml:"file_max_bytes" env:"UPLOAD_FILE_MAX_BYTES"`
	AllowURL      bool     `yaml:"allow_url" env:"UPLOAD_ALLOW_URL"`
}

type LeadCapture struct {
	Status         bool     `yaml:"status" env:"LEAD_CAPTURE_STATUS"`
	RequiredFields []string `yaml:"required_fields" env:"LEAD_CAPTURE_REQUIRED_FIELDS" env-separator:","`
}

type Prediction struct {
	// UploadSettleInterval is the fixed wait after a side-channel upload
	// before the primary request is sent. The server exposes no indexing
	// acknowledgment to poll, so this stays a coarse delay.
	UploadSettleInterval time.Duration `yaml:"upload_settle_interval" env:"UPLOAD_SETTLE_INTERVAL" env-default:"2500ms"`
	RequestTimeout       time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT" env-default:"60s"`
}

type Redis struct {
	// Endpoint of the durable session mirror. Empty selects the in-memory
	// mirror: conversation state then lives only as long as the process.
	Endpoint string `yaml:"endpoint" env:"REDIS_ENDPOINT"`
}

type Config struct {
	Flow        Flow          `yaml:"flow"`
	Upload      Upload        `yaml:"upload"`
	LeadCapture LeadCapture   `yaml:"lead_capture"`
	Prediction  Prediction    `yaml:"prediction"`
	Redis       Redis         `yaml:"redis"`
	Log         logger.Config `yaml:"log"`
}

func LoadConfig(cfgPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	var cfg Config
	if cfgPath != "" {
		if err := cleanenv.ReadConfig(cfgPath, &cfg); err != nil {
			return nil, err
		}
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

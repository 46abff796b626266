package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию бота.
type AppConfig struct {
	AppEnv      string `envconfig:"APP_ENV" default:"dev"`
	Port        int    `envconfig:"PORT" default:"8080"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	Telegram struct {
		Token      string `envconfig:"TG_BOT_TOKEN"`
		WebhookURL string `envconfig:"TG_WEBHOOK_URL"`

		// WebhookSecret сверяется с заголовком X-Telegram-Bot-Api-Secret-Token.
		WebhookSecret string `envconfig:"TG_WEBHOOK_SECRET"`
	} `envconfig:""`

	Captcha struct {
		ChatID   int64   `envconfig:"CAPTCHA_CHAT_ID"`
		Link     string  `envconfig:"CAPTCHA_LINK"`
		NoSpamID int64   `envconfig:"NOSPAM_ID"`
		WhiteIDs []int64 `envconfig:"WHITE_IDS"`
		Lang     string  `envconfig:"CAPTCHA_LANG" default:"ru"`
	} `envconfig:""`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	Limits struct {
		Try     int `envconfig:"LIMIT_TRY" default:"3"`
		Flood   int `envconfig:"LIMIT_FLOOD" default:"10"`
		Mention int `envconfig:"LIMIT_MENTION" default:"5"`
		Workers int `envconfig:"TASK_WORKERS" default:"8"`
	} `envconfig:""`

	Times struct {
		Captcha time.Duration `envconfig:"TIME_CAPTCHA" default:"5m"`
		Punish  time.Duration `envconfig:"TIME_PUNISH" default:"10m"`
		Recheck time.Duration `envconfig:"TIME_RECHECK" default:"30m"`
		Remove  time.Duration `envconfig:"TIME_REMOVE" default:"5m"`
		Save    time.Duration `envconfig:"SAVE_INTERVAL" default:"1m"`
		Invite  time.Duration `envconfig:"INVITE_TTL" default:"1h"`
	} `envconfig:""`

	Render struct {
		FontPath string `envconfig:"FONT_PATH"`
		PicsDir  string `envconfig:"PICS_DIR"`
	} `envconfig:""`

	Queues struct {
		Events string `envconfig:"EVENTS_KEY" default:"captcha_events"`
	} `envconfig:""`

	Monitor struct {
		// ChatID указывает, куда captcha-monitor пересылает события. При 0 события только пишутся в журнал.
		ChatID int64 `envconfig:"MONITOR_CHAT_ID"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}

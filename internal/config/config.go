package config

import (
	"log"
	"sync"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	IsDebug       *bool  `yaml:"is_debug"`
	ChargePointId string `yaml:"charge_point_id" env:"CHARGE_POINT_ID" env-default:"chargerd"`
	TimeZone      string `yaml:"time_zone" env-default:"UTC"`
	CentralSystem struct {
		Url           string `yaml:"url" env:"CENTRAL_SYSTEM_URL" env-default:""`
		RetrySeconds  int    `yaml:"retry_seconds" env-default:"10"`
		CallTimeoutMs int    `yaml:"call_timeout_ms" env-default:"30000"`
	} `yaml:"central_system"`
	Storage struct {
		SessionPath     string `yaml:"session_path" env-default:"/var/lib/chargerd/offs"`
		TransactionPath string `yaml:"transaction_path" env-default:"/var/lib/chargerd/txn"`
		DiagnosticsFile string `yaml:"diagnostics_file" env-default:"/var/lib/chargerd/diagnostics.bin"`
		LockTimeoutMs   int    `yaml:"lock_timeout_ms" env-default:"5000"`
	} `yaml:"storage"`
	Transaction struct {
		MaxFileSize  int `yaml:"max_file_size" env-default:"65536"`
		MaxQueueSize int `yaml:"max_queue_size" env-default:"30"`
	} `yaml:"transaction"`
	Diagnostics struct {
		MaxLogSize   int `yaml:"max_log_size" env-default:"262144"`
		MaxEntrySize int `yaml:"max_entry_size" env-default:"256"`
	} `yaml:"diagnostics"`
	Meter struct {
		Enabled        bool   `yaml:"enabled" env-default:"false"`
		Address        string `yaml:"address" env-default:"127.0.0.1:502"`
		SlaveId        int    `yaml:"slave_id" env-default:"1"`
		EnergyRegister int    `yaml:"energy_register" env-default:"256"`
		SampleSeconds  int    `yaml:"sample_seconds" env-default:"60"`
	} `yaml:"meter"`
	Metrics struct {
		Enabled bool   `yaml:"enabled" env-default:"false"`
		BindIP  string `yaml:"bind_ip" env-default:"0.0.0.0"`
		Port    string `yaml:"port" env-default:"9100"`
	} `yaml:"metrics"`
	Api struct {
		Enabled bool   `yaml:"enabled" env-default:"true"`
		BindIP  string `yaml:"bind_ip" env-default:"127.0.0.1"`
		Port    string `yaml:"port" env-default:"5010"`
	} `yaml:"api"`
	Telegram struct {
		Enabled bool   `yaml:"enabled" env-default:"false"`
		ApiKey  string `yaml:"api_key" env:"TELEGRAM_API_KEY" env-default:""`
		ChatId  int64  `yaml:"chat_id" env:"TELEGRAM_CHAT_ID" env-default:"0"`
	} `yaml:"telegram"`
}

var instance *Config
var once sync.Once

func GetConfig() (*Config, error) {
	var err error
	once.Do(func() {
		log.Println("reading config")
		instance = &Config{}
		if err = cleanenv.ReadConfig("config.yml", instance); err != nil {
			desc, _ := cleanenv.GetDescription(instance, nil)
			log.Println(desc)
			log.Println(err)
			instance = nil
		}
	})
	return instance, err
}

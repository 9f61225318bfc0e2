package db

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"gopkg.in/yaml.v3"
)

const driverName = "mysql"

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
}

type Certs struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

// 会社サーバ（ポリシーオラクル・打刻・リコンシリエーション）への接続設定
type ServerConfig struct {
	BaseURL      string `yaml:"base_url"`
	DeviceID     string `yaml:"device_id"`
	DeviceSecret string `yaml:"device_secret"`
}

// このエージェントが担当する従業員・拠点と、キオスクUIの資格情報
type AgentConfig struct {
	EmployeeID      string `yaml:"employee_id"`
	SiteID          string `yaml:"site_id"`
	Timezone        string `yaml:"timezone"`         // 例: "Asia/Tokyo"
	CheckoutPinHash string `yaml:"checkout_pin_hash"` // 手動退勤確認PINのbcrypt
	APISecret       string `yaml:"api_secret"`        // ローカルAPIのJWT署名鍵
	KioskID         string `yaml:"kiosk_id"`
	KioskSecretHash string `yaml:"kiosk_secret_hash"` // bcrypt
}

type Config struct {
	Version     string         `yaml:"version"`
	Mode        string         `yaml:"mode"`
	DB          DatabaseConfig `yaml:"database"`
	Certificate Certs          `yaml:"certificate"`
	Server      ServerConfig   `yaml:"server"`
	Agent       AgentConfig    `yaml:"agent"`
}

func LoadConfig(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("設定ファイルの読み込み失敗: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("設定ファイルのパース失敗: %w", err)
	}
	return &cfg, nil
}

func Connect(c DatabaseConfig) (*sql.DB, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&tls=false&timeout=3s&readTimeout=5s&writeTimeout=5s&loc=UTC",
		c.Username, c.Password, c.Host, c.Port, c.DBName)

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("接続準備に失敗: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("DB接続に失敗: %w", err)
	}

	// 端末ローカルのミラーDB。控えめなプール設定で十分
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return db, nil
}

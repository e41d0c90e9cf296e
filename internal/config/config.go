package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port           int      `yaml:"port"`
		AllowedOrigins []string `yaml:"allowedOrigins"`
		RateLimit      int      `yaml:"rateLimit"`      // requests per window per key
		RateWindowSecs int      `yaml:"rateWindowSecs"` // window length
		MaxBodyBytes   int64    `yaml:"maxBodyBytes"`   // raw body capture bound
	} `yaml:"server"`

	Database struct {
		Driver   string `yaml:"driver"` // postgres | mysql
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"name"`
		SSLMode  string `yaml:"sslMode"`
	} `yaml:"database"`

	Minio struct {
		Endpoint   string `yaml:"endpoint"`
		AccessKey  string `yaml:"accessKey"`
		SecretKey  string `yaml:"secretKey"`
		BucketName string `yaml:"bucketName"`
		Region     string `yaml:"region"`
		UseSSL     bool   `yaml:"useSSL"`
	} `yaml:"minio"`

	Auth struct {
		ProxySharedSecret string `yaml:"proxySharedSecret"`
		UserHeader        string `yaml:"userHeader"`
		ProxySecretHeader string `yaml:"proxySecretHeader"`
	} `yaml:"auth"`

	Pipeline struct {
		HMACSecret             string `yaml:"hmacSecret"`
		TimestampSkewSecs      int    `yaml:"timestampSkewSecs"`
		MaxBulkAnnotations     int    `yaml:"maxBulkAnnotations"`
		MaxArtifactsPerRequest int    `yaml:"maxArtifactsPerRequest"`
		PresignExpirySecs      int    `yaml:"presignExpirySecs"`
		AllowedModels          string `yaml:"allowedModels"` // comma separated
		MaxAnalysesPerImage    int    `yaml:"maxAnalysesPerImage"`
	} `yaml:"pipeline"`
}

// Load reads the YAML config file then applies env overrides. Secrets
// are usually supplied through the environment in deployment; the file
// itself may be absent entirely.
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setInt(&c.Server.Port, "PORT")
	setStr(&c.Database.Driver, "DB_DRIVER")
	setStr(&c.Database.Host, "DB_HOST")
	setInt(&c.Database.Port, "DB_PORT")
	setStr(&c.Database.User, "DB_USER")
	setStr(&c.Database.Password, "DB_PASSWORD")
	setStr(&c.Database.Name, "DB_NAME")
	setStr(&c.Minio.Endpoint, "MINIO_ENDPOINT")
	setStr(&c.Minio.AccessKey, "MINIO_ACCESS_KEY")
	setStr(&c.Minio.SecretKey, "MINIO_SECRET_KEY")
	setStr(&c.Minio.BucketName, "MINIO_BUCKET_NAME")
	setStr(&c.Auth.ProxySharedSecret, "PROXY_SHARED_SECRET")
	setStr(&c.Pipeline.HMACSecret, "ML_CALLBACK_HMAC_SECRET")
	setStr(&c.Pipeline.AllowedModels, "ML_ALLOWED_MODELS")
	setInt(&c.Pipeline.TimestampSkewSecs, "ML_HMAC_TIMESTAMP_SKEW_SECONDS")
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.RateLimit == 0 {
		c.Server.RateLimit = 120
	}
	if c.Server.RateWindowSecs == 0 {
		c.Server.RateWindowSecs = 60
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Auth.UserHeader == "" {
		c.Auth.UserHeader = "X-User-Email"
	}
	if c.Auth.ProxySecretHeader == "" {
		c.Auth.ProxySecretHeader = "X-Proxy-Secret"
	}
	if c.Pipeline.TimestampSkewSecs == 0 {
		c.Pipeline.TimestampSkewSecs = 300
	}
	if c.Pipeline.MaxBulkAnnotations == 0 {
		c.Pipeline.MaxBulkAnnotations = 1000
	}
	if c.Pipeline.MaxArtifactsPerRequest == 0 {
		c.Pipeline.MaxArtifactsPerRequest = 10
	}
	if c.Pipeline.PresignExpirySecs == 0 {
		c.Pipeline.PresignExpirySecs = 3600
	}
	if c.Pipeline.MaxAnalysesPerImage == 0 {
		c.Pipeline.MaxAnalysesPerImage = 10
	}
}

// PostgresDSN builds a lib/pq connection string.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

// MySQLDSN builds a go-sql-driver/mysql connection string.
func (c *Config) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4&loc=UTC",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
	)
}

// AllowedModels splits the configured model allow-list.
func (c *Config) AllowedModels() []string {
	var out []string
	for _, m := range strings.Split(c.Pipeline.AllowedModels, ",") {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	return out
}

// TimestampSkew returns the signature replay window.
func (c *Config) TimestampSkew() time.Duration {
	return time.Duration(c.Pipeline.TimestampSkewSecs) * time.Second
}

// PresignExpiry returns the presigned URL lifetime.
func (c *Config) PresignExpiry() time.Duration {
	return time.Duration(c.Pipeline.PresignExpirySecs) * time.Second
}

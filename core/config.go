package core

import (
	"log"
	"net"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type (
	ServerConfig struct {
		Host                      string
		DebugHost                 string
		ShutdownTimeout           time.Duration
		JWTExpirationDelta        time.Duration
		JWTRefreshExpirationDelta time.Duration
	}

	DatabaseConfig struct {
		Engine        string
		Host          string
		Port          string
		Name          string
		User          string
		Password      string
		AdminUser     string
		AdminPassword string
		DisableTLS    bool
	}

	ApprovalConfig struct {
		SLA           time.Duration // default deadline of a fanned-out request
		MaxEscalation int
		Sequential    bool // only dispatch a level once the previous one approved
	}

	AuditConfig struct {
		BusinessHoursStart int // hour of day, inclusive
		BusinessHoursEnd   int // hour of day, exclusive
		Location           *time.Location
	}

	BlobConfig struct {
		Driver string // disk | s3
		Dir    string
		Bucket string
		Region string
	}

	Config struct {
		AppName          string
		Env              string
		Build            string
		Debug            bool
		TestMode         bool
		WorkDir          string
		SecretKey        string
		RollbarToken     string
		SendgridApiKey   string
		DefaultFromEmail mail.Address
		FrontendBaseURL  string

		Server   ServerConfig
		Database DatabaseConfig
		Approval ApprovalConfig
		Audit    AuditConfig
		Blob     BlobConfig
	}
)

func (c DatabaseConfig) Address() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// NewConfig loads the configuration from the environment.
// The ENV variable selects the prefix of the other variables and which config/.env.<env> file gets loaded.
func NewConfig() *Config {
	v := viper.New()

	// defaults
	v.SetTypeByDefaultValue(true)
	v.SetDefault("appName", "Shule")
	v.SetDefault("build", "develop")
	v.SetDefault("debug", true)
	v.SetDefault("testMode", false)
	v.SetDefault("secretKey", "k9#w2-rq!v7@shule+dev&only$zt4(p)x8")
	v.SetDefault("rollbarToken", "")
	v.SetDefault("sendgridApiKey", "")
	v.SetDefault("defaultFromName", "Shule")
	v.SetDefault("defaultFromEmail", "noreply@localhost")
	v.SetDefault("frontendBaseURL", "http://localhost:3000")

	v.SetDefault("serverHost", "0.0.0.0:8000")
	v.SetDefault("serverDebugHost", "0.0.0.0:4000")
	v.SetDefault("serverShutdownTimeout", 5*time.Second)
	v.SetDefault("jwtExpirationDelta", 4*time.Hour)
	v.SetDefault("jwtRefreshExpirationDelta", 7*24*time.Hour)

	v.SetDefault("dbEngine", "postgres")
	v.SetDefault("dbHost", "localhost")
	v.SetDefault("dbPort", "5432")
	v.SetDefault("dbName", "shule")
	v.SetDefault("dbUser", "shule")
	v.SetDefault("dbPassword", "shule")
	v.SetDefault("dbAdminUser", "postgres")
	v.SetDefault("dbAdminPassword", "postgres")
	v.SetDefault("dbDisableTLS", true)

	v.SetDefault("approvalSLA", 72*time.Hour)
	v.SetDefault("approvalMaxEscalation", 4)
	v.SetDefault("approvalSequential", false)

	v.SetDefault("auditBusinessHoursStart", 6)
	v.SetDefault("auditBusinessHoursEnd", 20)
	v.SetDefault("auditTimezone", "Africa/Kinshasa")

	v.SetDefault("blobDriver", "disk")
	v.SetDefault("blobDir", filepath.Join(os.TempDir(), "shule-blobs"))
	v.SetDefault("blobBucket", "")
	v.SetDefault("blobRegion", "eu-west-1")

	env := strings.ToUpper(os.Getenv("ENV")) // DEV (local; default), TEST, QA, PROD
	switch env {
	case "":
		env = "DEV"
	case "TEST":
		v.SetDefault("testMode", true)
	}
	v.SetEnvPrefix(env)

	wd := Getwd()

	// load .env if it exists (ignore if it does not)
	dotEnvPath := filepath.Join(wd, "config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}
	v.AutomaticEnv()

	loc, err := time.LoadLocation(v.GetString("auditTimezone"))
	if err != nil {
		loc = time.UTC
	}

	return &Config{
		AppName:        v.GetString("appName"),
		Env:            strings.ToLower(env),
		Build:          v.GetString("build"),
		Debug:          v.GetBool("debug"),
		TestMode:       v.GetBool("testMode"),
		WorkDir:        wd,
		SecretKey:      v.GetString("secretKey"),
		RollbarToken:   v.GetString("rollbarToken"),
		SendgridApiKey: v.GetString("sendgridApiKey"),
		DefaultFromEmail: mail.Address{
			Name:    v.GetString("defaultFromName"),
			Address: v.GetString("defaultFromEmail"),
		},
		FrontendBaseURL: v.GetString("frontendBaseURL"),
		Server: ServerConfig{
			Host:                      v.GetString("serverHost"),
			DebugHost:                 v.GetString("serverDebugHost"),
			ShutdownTimeout:           v.GetDuration("serverShutdownTimeout"),
			JWTExpirationDelta:        v.GetDuration("jwtExpirationDelta"),
			JWTRefreshExpirationDelta: v.GetDuration("jwtRefreshExpirationDelta"),
		},
		Database: DatabaseConfig{
			Engine:        v.GetString("dbEngine"),
			Host:          v.GetString("dbHost"),
			Port:          v.GetString("dbPort"),
			Name:          v.GetString("dbName"),
			User:          v.GetString("dbUser"),
			Password:      v.GetString("dbPassword"),
			AdminUser:     v.GetString("dbAdminUser"),
			AdminPassword: v.GetString("dbAdminPassword"),
			DisableTLS:    v.GetBool("dbDisableTLS"),
		},
		Approval: ApprovalConfig{
			SLA:           v.GetDuration("approvalSLA"),
			MaxEscalation: v.GetInt("approvalMaxEscalation"),
			Sequential:    v.GetBool("approvalSequential"),
		},
		Audit: AuditConfig{
			BusinessHoursStart: v.GetInt("auditBusinessHoursStart"),
			BusinessHoursEnd:   v.GetInt("auditBusinessHoursEnd"),
			Location:           loc,
		},
		Blob: BlobConfig{
			Driver: v.GetString("blobDriver"),
			Dir:    v.GetString("blobDir"),
			Bucket: v.GetString("blobBucket"),
			Region: v.GetString("blobRegion"),
		},
	}
}

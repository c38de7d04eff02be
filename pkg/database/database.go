package database

import (
	"fmt"
	"journey_backend/internal/config"
	"journey_backend/internal/model"
	"log"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func InitDB(cfg *config.DatabaseConfig, mode string) (*gorm.DB, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=%t&loc=Local",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.DBName,
		cfg.Charset,
		cfg.ParseTime,
	)

	logLevel := logger.Warn
	if mode == "debug" {
		logLevel = logger.Info
	}

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
		// 唯一键冲突统一转换为 gorm.ErrDuplicatedKey
		TranslateError: true,
	})

	if err != nil {
		return nil, err
	}

	log.Println("Database connection established")
	return db, nil
}

// Models lists every table owned by this service, in dependency order.
func Models() []interface{} {
	return []interface{}{
		&model.Institution{},
		&model.User{},
		&model.ProfileField{},
		&model.UserProfileValue{},
		&model.Certificate{},
		&model.JourneyCollection{},
		&model.Journey{},
		&model.JourneyStep{},
		&model.JourneyAttempt{},
		&model.JourneyStepResponse{},
		&model.JourneyPromptLog{},
		&model.CertificateIssue{},
		&model.UserTokenGrant{},
		&model.TokenTransaction{},
	}
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return err
	}
	log.Println("Database migration completed")
	return nil
}

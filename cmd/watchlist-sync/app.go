package main

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/auth"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/backup"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/config"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/database"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/logging"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/session"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/store"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/transport"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const deviceIDKey = "device_id"

// application holds everything one command invocation opens.
type application struct {
	config     config.AppConfig
	logger     *zap.Logger
	db         *gorm.DB
	credential *auth.Credential
	session    *session.Session
	backups    *backup.Service
}

func openApplication(ctx context.Context) (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewFileLogger(appConfig.LogLevel, logging.FileConfig{
		Path:       appConfig.LogFile,
		MaxSizeMB:  appConfig.LogMaxSizeMB,
		MaxBackups: appConfig.LogMaxBackups,
	})
	if err != nil {
		return nil, err
	}

	credential, err := auth.NewCredential(auth.CredentialConfig{
		Token:     appConfig.AuthToken,
		TokenFile: appConfig.AuthTokenFile,
	})
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	if claims, err := credential.Claims(); err == nil && claims.UserID != "" {
		logger = logger.With(zap.String("user_id", claims.UserID))
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger.Named("database"))
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}

	deviceID, err := resolveDeviceID(ctx, db, appConfig.DeviceID, logger)
	if err != nil {
		_ = database.Close(db)
		_ = logger.Sync()
		return nil, err
	}

	client, err := transport.NewClient(transport.Config{
		BaseURL:        appConfig.BackendURL,
		RequestTimeout: appConfig.RequestTimeout,
		Credentials:    credential,
		DeviceID:       deviceID,
		Logger:         logger.Named("transport"),
	})
	if err != nil {
		_ = database.Close(db)
		_ = logger.Sync()
		return nil, err
	}

	sess, err := session.Open(session.Config{
		Database:        db,
		Client:          client,
		Logger:          logger.Named("session"),
		SyncInterval:    appConfig.SyncInterval,
		FreshnessWindow: appConfig.FreshnessWindow,
		MaxRetries:      appConfig.MaxRetries,
		BackoffBase:     appConfig.BackoffBase,
		BackoffCeiling:  appConfig.BackoffCeiling,
		PingInterval:    appConfig.PingInterval,
		Realtime:        appConfig.Realtime,
	})
	if err != nil {
		_ = database.Close(db)
		_ = logger.Sync()
		return nil, err
	}

	backups, err := backup.NewService(backup.Config{
		Filesystem: afero.NewOsFs(),
		Library:    sess.Repository(),
		Logger:     logger.Named("backup"),
	})
	if err != nil {
		sess.Close()
		_ = database.Close(db)
		_ = logger.Sync()
		return nil, err
	}

	return &application{
		config:     appConfig,
		logger:     logger,
		db:         db,
		credential: credential,
		session:    sess,
		backups:    backups,
	}, nil
}

func (a *application) Close() {
	a.session.Close()
	if err := database.Close(a.db); err != nil {
		a.logger.Warn("database close failed", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// backupPath places relative export names inside the configured backup directory.
func (a *application) backupPath(path string) string {
	if path == "" {
		return a.config.BackupDir + string(filepath.Separator)
	}
	if filepath.IsAbs(path) || filepath.Dir(path) != "." {
		return path
	}
	return filepath.Join(a.config.BackupDir, path)
}

// resolveDeviceID prefers the configured id and otherwise keeps a generated one in the cache database.
func resolveDeviceID(ctx context.Context, db *gorm.DB, configured string, logger *zap.Logger) (string, error) {
	if configured != "" {
		return configured, nil
	}
	st, err := store.New(store.Config{Database: db, Logger: logger.Named("store")})
	if err != nil {
		return "", err
	}
	existing, ok, err := st.Value(ctx, deviceIDKey)
	if err != nil {
		return "", err
	}
	if ok && existing != "" {
		return existing, nil
	}
	generated, err := uuid.NewV7()
	if err != nil {
		return "", errors.Join(errors.New("generate device id"), err)
	}
	if err := st.SetValue(ctx, deviceIDKey, generated.String()); err != nil {
		return "", err
	}
	logger.Info("device id generated", zap.String("device_id", generated.String()))
	return generated.String(), nil
}

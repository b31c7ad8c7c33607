// Package postgres reads trader accounts from the platform's PostgreSQL
// database through gorm.
package postgres

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"signalrelay/internal/model"
)

type traderRow struct {
	ID          int64  `gorm:"primaryKey"`
	Name        string `gorm:"type:varchar(200)"`
	Role        string `gorm:"type:varchar(20);not null;default:TRADER"`
	IsActive    bool   `gorm:"not null;default:true"`
	KYCVerified bool   `gorm:"column:kyc_verified;not null;default:false"`
	DefaultQty  int64  `gorm:"not null;default:1"`
}

func (traderRow) TableName() string { return "traders" }

type dhanCredentialRow struct {
	TraderID    int64  `gorm:"primaryKey;autoIncrement:false"`
	ClientID    string `gorm:"type:varchar(50);not null"`
	AccessToken string `gorm:"type:text;not null"`
	IsActive    bool   `gorm:"not null;default:true"`
}

func (dhanCredentialRow) TableName() string { return "dhan_credentials" }

type angelOneCredentialRow struct {
	TraderID   int64  `gorm:"primaryKey;autoIncrement:false"`
	APIKey     string `gorm:"column:api_key;type:varchar(100);not null"`
	ClientCode string `gorm:"type:varchar(50);not null"`
	Password   string `gorm:"type:text;not null"`
	TOTPSecret string `gorm:"column:totp_secret;type:text;not null"`
	IsActive   bool   `gorm:"not null;default:true"`
}

func (angelOneCredentialRow) TableName() string { return "angelone_credentials" }

type strategyRow struct {
	TraderID     int64  `gorm:"primaryKey"`
	StrategyCode string `gorm:"primaryKey;type:varchar(50)"`
}

func (strategyRow) TableName() string { return "trader_strategies" }

// AccountStore loads trader accounts with gorm.
type AccountStore struct {
	db *gorm.DB
}

// Open connects to PostgreSQL with the given DSN.
func Open(dsn string) (*AccountStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	log.Info().Msg("[postgres] connected")
	return NewAccountStore(db), nil
}

// NewAccountStore wraps an open gorm handle.
func NewAccountStore(db *gorm.DB) *AccountStore {
	return &AccountStore{db: db}
}

// Migrate creates the account tables if missing.
func (s *AccountStore) Migrate() error {
	return s.db.AutoMigrate(&traderRow{}, &dhanCredentialRow{}, &angelOneCredentialRow{}, &strategyRow{})
}

// Accounts loads every trader with its credentials and strategy codes.
func (s *AccountStore) Accounts(ctx context.Context) ([]model.Account, error) {
	db := s.db.WithContext(ctx)

	var traders []traderRow
	if err := db.Order("id").Find(&traders).Error; err != nil {
		return nil, fmt.Errorf("postgres list traders: %w", err)
	}
	var dhan []dhanCredentialRow
	if err := db.Order("trader_id").Find(&dhan).Error; err != nil {
		return nil, fmt.Errorf("postgres list dhan credentials: %w", err)
	}
	var angel []angelOneCredentialRow
	if err := db.Order("trader_id").Find(&angel).Error; err != nil {
		return nil, fmt.Errorf("postgres list angelone credentials: %w", err)
	}
	var subs []strategyRow
	if err := db.Order("trader_id, strategy_code").Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("postgres list strategies: %w", err)
	}

	accounts := make([]model.Account, len(traders))
	index := make(map[int64]*model.Account, len(traders))
	for i, t := range traders {
		accounts[i].Trader = model.Trader{
			ID:          t.ID,
			Name:        t.Name,
			Role:        t.Role,
			IsActive:    t.IsActive,
			KYCVerified: t.KYCVerified,
			DefaultLots: t.DefaultQty,
		}
		index[t.ID] = &accounts[i]
	}
	for _, c := range dhan {
		if a, ok := index[c.TraderID]; ok {
			a.Credentials = append(a.Credentials, model.Credentials{
				Broker:      model.BrokerDhan,
				IsActive:    c.IsActive,
				ClientID:    c.ClientID,
				AccessToken: c.AccessToken,
			})
		}
	}
	for _, c := range angel {
		if a, ok := index[c.TraderID]; ok {
			a.Credentials = append(a.Credentials, model.Credentials{
				Broker:     model.BrokerAngelOne,
				IsActive:   c.IsActive,
				APIKey:     c.APIKey,
				ClientCode: c.ClientCode,
				Password:   c.Password,
				TOTPSecret: c.TOTPSecret,
			})
		}
	}
	for _, r := range subs {
		if a, ok := index[r.TraderID]; ok {
			a.Strategies = append(a.Strategies, r.StrategyCode)
		}
	}
	return accounts, nil
}

// Close closes the underlying connection pool.
func (s *AccountStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/sumire-labs/poolkeeper/internal/models"
)

var ErrAccountNotFound = errors.New("account not found")

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// LoadAll retrieves every account record.
func (r *AccountRepository) LoadAll(ctx context.Context) ([]models.Account, error) {
	var accounts []models.Account
	result := r.db.WithContext(ctx).Order("id ASC").Find(&accounts)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", result.Error)
	}
	return accounts, nil
}

// GetByID retrieves account by ID
func (r *AccountRepository) GetByID(ctx context.Context, accountID string) (*models.Account, error) {
	var account models.Account
	result := r.db.WithContext(ctx).First(&account, "id = ?", accountID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", result.Error)
	}
	return &account, nil
}

// Insert creates a new account record.
func (r *AccountRepository) Insert(ctx context.Context, account *models.Account) error {
	now := time.Now()
	account.CreatedAt = now
	account.UpdatedAt = now
	result := r.db.WithContext(ctx).Create(account)
	if result.Error != nil {
		return fmt.Errorf("failed to insert account: %w", result.Error)
	}
	return nil
}

// UpdateOne replaces a single account row in place.
func (r *AccountRepository) UpdateOne(ctx context.Context, accountID string, account *models.Account) error {
	account.ID = accountID
	account.UpdatedAt = time.Now()
	result := r.db.WithContext(ctx).Save(account)
	if result.Error != nil {
		return fmt.Errorf("failed to update account: %w", result.Error)
	}
	return nil
}

// DeleteMany removes the given accounts and returns the number deleted.
func (r *AccountRepository) DeleteMany(ctx context.Context, accountIDs []string) (int64, error) {
	if len(accountIDs) == 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).Where("id IN ?", accountIDs).Delete(&models.Account{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete accounts: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// CountActive counts non-disabled accounts whose session has not expired.
func (r *AccountRepository) CountActive(ctx context.Context) (int64, error) {
	var count int64
	result := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("disabled = ? AND expires_at > ?", false, time.Now()).
		Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to count active accounts: %w", result.Error)
	}
	return count, nil
}

package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lessonforge/lessonforge-backend/internal/logger"
	"github.com/lessonforge/lessonforge-backend/internal/types"
)

type AccountRepo interface {
	Create(ctx context.Context, tx *gorm.DB, accounts []*types.Account) ([]*types.Account, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Account, error)

	// AddCredits is an atomic increment; the cost ledger calls it best-effort
	// at job completion.
	AddCredits(ctx context.Context, tx *gorm.DB, id uuid.UUID, amount float64) error
}

type accountRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAccountRepo(db *gorm.DB, baseLog *logger.Logger) AccountRepo {
	return &accountRepo{
		db:  db,
		log: baseLog.With("repo", "AccountRepo"),
	}
}

func (r *accountRepo) Create(ctx context.Context, tx *gorm.DB, accounts []*types.Account) ([]*types.Account, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(accounts) == 0 {
		return []*types.Account{}, nil
	}
	for _, a := range accounts {
		if a != nil && a.ID == uuid.Nil {
			a.ID = uuid.New()
		}
	}
	if err := transaction.WithContext(ctx).Create(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

func (r *accountRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Account, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var account types.Account
	err := transaction.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&account).Error
	if err != nil {
		return nil, err
	}
	if account.ID == uuid.Nil {
		return nil, nil
	}
	return &account, nil
}

func (r *accountRepo) AddCredits(ctx context.Context, tx *gorm.DB, id uuid.UUID, amount float64) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil || amount == 0 {
		return nil
	}
	return transaction.WithContext(ctx).
		Model(&types.Account{}).
		Where("id = ?", id).
		Update("credits", gorm.Expr("credits + ?", amount)).Error
}

package service

import (
	"context"
	"fmt"
	"journey_backend/internal/model"
	"journey_backend/internal/repository"
	"journey_backend/internal/util"
	"time"

	"gorm.io/gorm"
)

// SpendReceipt describes one successful spend, possibly across several grants.
type SpendReceipt struct {
	Amount         int
	BalanceAfter   int
	TransactionIDs []uint
}

type GrantInput struct {
	UserID    uint
	Amount    int
	Source    string
	ExpiresAt *time.Time
	GrantedBy *uint
	Notes     string
}

// TokenLedger 用户 token 余额：按发放批次记账，消费时按过期时间先进先出
type TokenLedger struct {
	db   *gorm.DB
	repo *repository.TokenRepository
	now  func() time.Time
}

func NewTokenLedger(db *gorm.DB, repo *repository.TokenRepository) *TokenLedger {
	return &TokenLedger{db: db, repo: repo, now: time.Now}
}

func (l *TokenLedger) Balance(ctx context.Context, userID uint) (int, error) {
	return l.repo.WithTx(l.db.WithContext(ctx)).SumAvailable(userID, l.now())
}

func (l *TokenLedger) History(ctx context.Context, userID uint, limit int) ([]model.TokenTransaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return l.repo.WithTx(l.db.WithContext(ctx)).ListTransactions(userID, limit)
}

func (l *TokenLedger) Grant(ctx context.Context, in GrantInput) (*model.UserTokenGrant, error) {
	if in.Amount <= 0 {
		return nil, fmt.Errorf("%w: got %d", util.ErrInvalidAmount, in.Amount)
	}
	source := in.Source
	if source == "" {
		source = model.TokenGrantSourceManual
	}
	now := l.now()
	grant := &model.UserTokenGrant{
		UserID:          in.UserID,
		Source:          source,
		TokensTotal:     in.Amount,
		TokensRemaining: in.Amount,
		ExpiresAt:       in.ExpiresAt,
		GrantedAt:       now,
		GrantedBy:       in.GrantedBy,
		Notes:           in.Notes,
	}

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := l.repo.WithTx(tx)
		if err := repo.CreateGrant(grant); err != nil {
			return err
		}
		balance, err := repo.SumAvailable(in.UserID, now)
		if err != nil {
			return err
		}
		return repo.CreateTransaction(&model.TokenTransaction{
			UserID:       in.UserID,
			GrantID:      grant.ID,
			Type:         model.TokenTransactionCredit,
			Amount:       in.Amount,
			BalanceAfter: balance,
			Description:  fmt.Sprintf("%s grant", source),
			OccurredAt:   now,
		})
	})
	if err != nil {
		return nil, err
	}
	return grant, nil
}

// Spend debits amount inside tx. It fails with *util.InsufficientTokensError and
// writes nothing when the balance is short.
func (l *TokenLedger) Spend(tx *gorm.DB, userID uint, amount int, journeyID *uint, description string) (*SpendReceipt, error) {
	receipt := &SpendReceipt{Amount: amount}
	if amount <= 0 {
		return receipt, nil
	}

	repo := l.repo.WithTx(tx)
	now := l.now()
	grants, err := repo.LockSpendableGrants(userID, now)
	if err != nil {
		return nil, err
	}

	available := 0
	for _, g := range grants {
		available += g.TokensRemaining
	}
	if available < amount {
		return nil, &util.InsufficientTokensError{Required: amount, Available: available}
	}

	remaining := amount
	balance := available
	for i := range grants {
		if remaining == 0 {
			break
		}
		g := &grants[i]
		take := g.TokensRemaining
		if take > remaining {
			take = remaining
		}
		g.TokensUsed += take
		g.TokensRemaining -= take
		remaining -= take
		balance -= take

		if err := repo.SaveGrantUsage(g); err != nil {
			return nil, err
		}
		txn := &model.TokenTransaction{
			UserID:       userID,
			GrantID:      g.ID,
			JourneyID:    journeyID,
			Type:         model.TokenTransactionDebit,
			Amount:       take,
			BalanceAfter: balance,
			Description:  description,
			OccurredAt:   now,
		}
		if err := repo.CreateTransaction(txn); err != nil {
			return nil, err
		}
		receipt.TransactionIDs = append(receipt.TransactionIDs, txn.ID)
	}
	receipt.BalanceAfter = balance
	return receipt, nil
}

// SpendForJourney charges the journey's token cost.
func (l *TokenLedger) SpendForJourney(tx *gorm.DB, userID uint, journey *model.Journey) (*SpendReceipt, error) {
	id := journey.ID
	return l.Spend(tx, userID, journey.TokenCost, &id, fmt.Sprintf("Journey start: %s", journey.Title))
}

// LinkReceipt attaches the debit rows of a spend to the attempt it paid for.
func (l *TokenLedger) LinkReceipt(tx *gorm.DB, receipt *SpendReceipt, attemptID uint) error {
	if receipt == nil {
		return nil
	}
	return l.repo.WithTx(tx).LinkTransactionsToAttempt(receipt.TransactionIDs, attemptID)
}

package service

import (
	"context"
	"journey_backend/internal/model"
	"journey_backend/internal/util"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func grantsOf(t *testing.T, db *gorm.DB, userID uint) []model.UserTokenGrant {
	t.Helper()
	var grants []model.UserTokenGrant
	require.NoError(t, db.Where("user_id = ?", userID).Order("id ASC").Find(&grants).Error)
	return grants
}

func TestSpendUsesSoonestExpiringFirst(t *testing.T) {
	e := newTestEngine(t)
	user := e.seedUser(t, model.Student)
	ctx := context.Background()
	in10 := time.Now().Add(10 * 24 * time.Hour)
	in2 := time.Now().Add(2 * 24 * time.Hour)

	e.grant(t, user.ID, 5, &in10)
	e.grant(t, user.ID, 5, &in2)
	e.grant(t, user.ID, 5, nil)

	balance, err := e.ledger.Balance(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 15, balance)

	var receipt *SpendReceipt
	err = e.db.Transaction(func(tx *gorm.DB) error {
		var err error
		receipt, err = e.ledger.Spend(tx, user.ID, 7, nil, "test spend")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 7, receipt.Amount)
	assert.Equal(t, 8, receipt.BalanceAfter)
	assert.Len(t, receipt.TransactionIDs, 2)

	grants := grantsOf(t, e.db, user.ID)
	require.Len(t, grants, 3)
	assert.Equal(t, 3, grants[0].TokensRemaining)
	assert.Equal(t, 2, grants[0].TokensUsed)
	assert.Equal(t, 0, grants[1].TokensRemaining)
	assert.Equal(t, 5, grants[2].TokensRemaining)

	history, err := e.ledger.History(ctx, user.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 5)
	assert.Equal(t, model.TokenTransactionDebit, history[0].Type)
	assert.Equal(t, 8, history[0].BalanceAfter)
}

func TestExpiredGrantsAreNotSpendable(t *testing.T) {
	e := newTestEngine(t)
	user := e.seedUser(t, model.Student)
	yesterday := time.Now().Add(-24 * time.Hour)
	e.grant(t, user.ID, 10, &yesterday)
	e.grant(t, user.ID, 3, nil)

	balance, err := e.ledger.Balance(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, balance)
}

func TestSpendInsufficientWritesNothing(t *testing.T) {
	e := newTestEngine(t)
	user := e.seedUser(t, model.Student)
	e.grant(t, user.ID, 4, nil)

	err := e.db.Transaction(func(tx *gorm.DB) error {
		_, err := e.ledger.Spend(tx, user.ID, 6, nil, "too much")
		return err
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, util.ErrInsufficientTokens)
	var short *util.InsufficientTokensError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, 6, short.Required)
	assert.Equal(t, 4, short.Available)

	grants := grantsOf(t, e.db, user.ID)
	require.Len(t, grants, 1)
	assert.Equal(t, 4, grants[0].TokensRemaining)

	var debits int64
	require.NoError(t, e.db.Model(&model.TokenTransaction{}).Where("user_id = ? AND type = ?", user.ID, model.TokenTransactionDebit).Count(&debits).Error)
	assert.Zero(t, debits)
}

func TestGrantValidation(t *testing.T) {
	e := newTestEngine(t)
	user := e.seedUser(t, model.Student)

	_, err := e.ledger.Grant(context.Background(), GrantInput{UserID: user.ID, Amount: 0})
	assert.ErrorIs(t, err, util.ErrInvalidAmount)

	admin := e.seedUser(t, model.Admin)
	g, err := e.ledger.Grant(context.Background(), GrantInput{UserID: user.ID, Amount: 12, GrantedBy: &admin.ID, Notes: "welcome"})
	require.NoError(t, err)
	assert.Equal(t, model.TokenGrantSourceManual, g.Source)
	assert.Equal(t, 12, g.TokensRemaining)
	require.NotNil(t, g.GrantedBy)
	assert.Equal(t, admin.ID, *g.GrantedBy)
}

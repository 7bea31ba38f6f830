package dao

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

var transactionColumns = []string{"id", "global_tx_id", "branch_qualifier", "status", "transaction_type", "retried_count", "version", "content", "created_at", "updated_at"}

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	mock.ExpectQuery("SELECT VERSION()").WillReturnRows(sqlmock.NewRows([]string{"VERSION"}).AddRow("1"))

	gdb, err := gorm.Open(mysql.New(mysql.Config{
		Conn: db,
	}), &gorm.Config{
		DisableAutomaticPing: true,
	})
	require.NoError(t, err)
	return gdb, mock
}

func Test_GetTransactions(t *testing.T) {
	gdb, mock := newMockDB(t)
	transactionDAO := NewTransactionDAO(gdb)
	ctx := context.Background()
	now := time.Now()

	tests := []struct {
		name string
		f    func()
	}{
		{
			name: "GetTransactionsByXid",
			f: func() {
				rows := sqlmock.NewRows(transactionColumns).AddRow(1, "g", "b", 2, 1, 0, 3, []byte("{}"), now, now)
				mock.ExpectQuery("SELECT \\* FROM `tcc_transaction` WHERE global_tx_id = \\? AND branch_qualifier = \\?").WithArgs("g", "b").WillReturnRows(rows)
				records, err := transactionDAO.GetTransactions(ctx, WithXid("g", "b"))
				require.NoError(t, err)
				require.Equal(t, 1, len(records))
				assert.Equal(t, uint(1), records[0].ID)
				assert.Equal(t, 2, records[0].Status)
				assert.Equal(t, int64(3), records[0].Version)
				assert.Equal(t, []byte("{}"), records[0].Content)
			},
		},
		{
			name: "GetTransactionsUpdatedBefore",
			f: func() {
				rows := sqlmock.NewRows(transactionColumns).
					AddRow(1, "g1", "b1", 2, 1, 0, 3, []byte("{}"), now, now).
					AddRow(2, "g2", "b2", 3, 1, 1, 5, []byte("{}"), now, now)
				mock.ExpectQuery("SELECT \\* FROM `tcc_transaction` WHERE updated_at < \\? AND status = \\?").WillReturnRows(rows)
				records, err := transactionDAO.GetTransactions(ctx, WithUpdatedBefore(now), WithStatus(2), WithLimit(10))
				require.NoError(t, err)
				assert.Equal(t, 2, len(records))
				assert.Equal(t, "g2", records[1].GlobalTxID)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.f()
		})
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func Test_CreateTransaction(t *testing.T) {
	gdb, mock := newMockDB(t)
	transactionDAO := NewTransactionDAO(gdb)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `tcc_transaction`").WillReturnResult(sqlmock.NewResult(7, 1))
	mock.ExpectCommit()
	id, err := transactionDAO.CreateTransaction(context.Background(), &TransactionPO{
		GlobalTxID:      "g",
		BranchQualifier: "b",
		Status:          1,
		TransactionType: 1,
		Version:         1,
		Content:         []byte("{}"),
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, uint(7), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func Test_UpdateTransaction(t *testing.T) {
	gdb, mock := newMockDB(t)
	transactionDAO := NewTransactionDAO(gdb)
	ctx := context.Background()
	record := &TransactionPO{
		GlobalTxID:      "g",
		BranchQualifier: "b",
		Status:          2,
		Version:         4,
		Content:         []byte("{}"),
		UpdatedAt:       time.Now(),
	}

	tests := []struct {
		name     string
		affected int64
	}{
		{
			name:     "UpdateTransactionSuccess",
			affected: 1,
		},
		{
			name:     "UpdateTransactionVersionChanged",
			affected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock.ExpectBegin()
			mock.ExpectExec("UPDATE `tcc_transaction` SET").WillReturnResult(sqlmock.NewResult(0, tt.affected))
			mock.ExpectCommit()
			affected, err := transactionDAO.UpdateTransaction(ctx, record, 3)
			assert.Equal(t, nil, err)
			assert.Equal(t, tt.affected, affected)
		})
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func Test_DeleteTransaction(t *testing.T) {
	gdb, mock := newMockDB(t)
	transactionDAO := NewTransactionDAO(gdb)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM `tcc_transaction` WHERE global_tx_id = \\? AND branch_qualifier = \\?").WithArgs("g", "b").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	assert.Equal(t, nil, transactionDAO.DeleteTransaction(context.Background(), "g", "b"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func Test_LockAndDo(t *testing.T) {
	gdb, mock := newMockDB(t)
	transactionDAO := NewTransactionDAO(gdb)
	now := time.Now()

	mock.ExpectBegin()
	rows := sqlmock.NewRows(transactionColumns).AddRow(1, "g", "b", 2, 1, 31, 3, []byte("{}"), now, now)
	mock.ExpectQuery("SELECT \\* FROM `tcc_transaction` WHERE global_tx_id = \\? AND branch_qualifier = \\?.*FOR UPDATE").WillReturnRows(rows)
	mock.ExpectExec("UPDATE `tcc_transaction` SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := transactionDAO.LockAndDo(context.Background(), "g", "b", func(ctx context.Context, dao *TransactionDAO, record *TransactionPO) error {
		assert.Equal(t, 31, record.RetriedCount)
		expect := record.Version
		record.RetriedCount = 0
		record.Version++
		_, err := dao.UpdateTransaction(ctx, record, expect)
		return err
	})
	assert.Equal(t, nil, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func Test_Migrate(t *testing.T) {
	gdb, mock := newMockDB(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS `tcc_transaction`").WillReturnResult(sqlmock.NewResult(0, 0))
	assert.Equal(t, nil, NewTransactionDAO(gdb).Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

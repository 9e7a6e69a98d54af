package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"deadswitch/internal/types"
)

func TestCheckInRecorder_Record_Commits(t *testing.T) {
	db := new(mockDBTX)
	tx := &mockTx{db: db}
	recorder := NewCheckInRecorder(&mockBeginner{tx: tx})

	db.On("QueryRow", mock.Anything, sqlContains("INSERT INTO check_ins"), mock.Anything).
		Return(&mockRow{values: []any{repoNow}})
	db.On("QueryRow", mock.Anything, sqlContains("UPDATE switches"), mock.Anything).
		Return(&mockRow{values: []any{int64(5), repoNow}})

	sw := sampleSwitch()
	err := recorder.Record(context.Background(), &types.CheckIn{ID: "ci_1", SwitchID: sw.ID, Timestamp: repoNow}, sw)

	require.NoError(t, err)
	assert.True(t, tx.committed)
	assert.False(t, tx.rolledBack)
	assert.Equal(t, int64(5), sw.Version)
}

func TestCheckInRecorder_Record_ConflictRollsBack(t *testing.T) {
	db := new(mockDBTX)
	tx := &mockTx{db: db}
	recorder := NewCheckInRecorder(&mockBeginner{tx: tx})

	db.On("QueryRow", mock.Anything, sqlContains("INSERT INTO check_ins"), mock.Anything).
		Return(&mockRow{values: []any{repoNow}})
	db.On("QueryRow", mock.Anything, sqlContains("UPDATE switches"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})
	db.On("QueryRow", mock.Anything, sqlContains("SELECT EXISTS"), mock.Anything).
		Return(&mockRow{values: []any{true}})

	sw := sampleSwitch()
	err := recorder.Record(context.Background(), &types.CheckIn{ID: "ci_1", SwitchID: sw.ID}, sw)

	require.Error(t, err)
	assert.True(t, types.IsConflict(err))
	assert.False(t, tx.committed)
	assert.True(t, tx.rolledBack)
	assert.Equal(t, int64(4), sw.Version)
}

func TestCheckInRecorder_Record_CommitFailureRestoresVersion(t *testing.T) {
	db := new(mockDBTX)
	tx := &mockTx{db: db, commitErr: errors.New("serialization failure")}
	recorder := NewCheckInRecorder(&mockBeginner{tx: tx})

	db.On("QueryRow", mock.Anything, sqlContains("INSERT INTO check_ins"), mock.Anything).
		Return(&mockRow{values: []any{repoNow}})
	db.On("QueryRow", mock.Anything, sqlContains("UPDATE switches"), mock.Anything).
		Return(&mockRow{values: []any{int64(5), repoNow}})

	sw := sampleSwitch()
	err := recorder.Record(context.Background(), &types.CheckIn{ID: "ci_1"}, sw)

	require.Error(t, err)
	assert.True(t, types.HasCode(err, types.ErrCodeInternalDB))
	assert.Equal(t, int64(4), sw.Version)
	assert.True(t, tx.rolledBack)
}

func TestCheckInRecorder_Record_BeginFailure(t *testing.T) {
	recorder := NewCheckInRecorder(&mockBeginner{err: errors.New("pool exhausted")})

	err := recorder.Record(context.Background(), &types.CheckIn{ID: "ci_1"}, sampleSwitch())
	require.Error(t, err)
	assert.True(t, types.HasCode(err, types.ErrCodeInternalDB))
}

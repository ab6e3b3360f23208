package outbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/relaycore/internal/runtime/sidechannel"
	"github.com/relaycore/relaycore/internal/runtime/storage"
)

func noopResolver(eventType string) (Destination, error) {
	return Destination{Topic: "orders"}, nil
}

func newTestPublisher(t *testing.T, resolve Resolver, sc *sidechannel.Sidechannel) (*Publisher, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := storage.NewForTest(db, "relaycore")
	pub, err := New(Config{
		Store:       store,
		InstanceID:  "instance-1",
		Resolve:     resolve,
		Sidechannel: sc,
	})
	require.NoError(t, err)
	return pub, mock
}

func TestNewRequiresStoreAndResolver(t *testing.T) {
	_, err := New(Config{Resolve: noopResolver})
	assert.Error(t, err)

	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	_, err = New(Config{Store: storage.NewForTest(db, "relaycore")})
	assert.Error(t, err)
}

func TestRunOnceDeletesInactiveEvent(t *testing.T) {
	pub, mock := newTestPublisher(t, noopResolver, nil)

	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, type, payload, is_active, created_at, updated_at").
		WillReturnRows(sqlmock.NewRows([]string{"id", "type", "payload", "is_active", "created_at", "updated_at"}).
			AddRow("e1", "OrderPlaced", []byte("{}"), false, now, now))
	mock.ExpectExec("INSERT INTO relaycore.distributed_locks").
		WithArgs("LockEventId-e1", "instance-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM relaycore.events").
		WithArgs("e1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec("DELETE FROM relaycore.distributed_locks").
		WithArgs("LockEventId-e1", "instance-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, pub.RunOnce(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunOnceSkipsRowLockedByAnotherInstance(t *testing.T) {
	pub, mock := newTestPublisher(t, noopResolver, nil)

	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, type, payload, is_active, created_at, updated_at").
		WillReturnRows(sqlmock.NewRows([]string{"id", "type", "payload", "is_active", "created_at", "updated_at"}).
			AddRow("e1", "OrderPlaced", []byte("{}"), true, now, now))
	mock.ExpectExec("INSERT INTO relaycore.distributed_locks").
		WithArgs("LockEventId-e1", "instance-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, pub.RunOnce(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunOncePublishFailureRollsBackAndRecordsFailure(t *testing.T) {
	failResolve := func(eventType string) (Destination, error) {
		return Destination{}, errors.New("no destination bound")
	}
	logPath := filepath.Join(t.TempDir(), "failures.log")
	sc := sidechannel.New(sidechannel.Config{FilePath: logPath})
	pub, mock := newTestPublisher(t, failResolve, sc)

	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, type, payload, is_active, created_at, updated_at").
		WillReturnRows(sqlmock.NewRows([]string{"id", "type", "payload", "is_active", "created_at", "updated_at"}).
			AddRow("e1", "OrderPlaced", []byte("{}"), true, now, now))
	mock.ExpectExec("INSERT INTO relaycore.distributed_locks").
		WithArgs("LockEventId-e1", "instance-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()
	mock.ExpectExec("DELETE FROM relaycore.distributed_locks").
		WithArgs("LockEventId-e1", "instance-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := pub.RunOnce(context.Background())
	assert.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	content, readErr := os.ReadFile(logPath)
	require.NoError(t, readErr)
	assert.Contains(t, string(content), `"message_id":"e1"`)
}

func TestHealthyBeforeFirstPassIsNotStale(t *testing.T) {
	pub, _ := newTestPublisher(t, noopResolver, nil)

	status := pub.Healthy(time.Minute)
	assert.True(t, status.OK)
	assert.False(t, status.LastPassStale)
	assert.True(t, status.LastPassAt.IsZero())
}

func TestHealthyStaleAfterOldPass(t *testing.T) {
	pub, _ := newTestPublisher(t, noopResolver, nil)
	pub.lastPassAt = time.Now().Add(-time.Hour)

	status := pub.Healthy(time.Minute)
	assert.False(t, status.OK)
	assert.True(t, status.LastPassStale)
}

func TestHealthyRecordedAfterSuccessfulPass(t *testing.T) {
	pub, mock := newTestPublisher(t, noopResolver, nil)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, type, payload, is_active, created_at, updated_at").
		WillReturnRows(sqlmock.NewRows([]string{"id", "type", "payload", "is_active", "created_at", "updated_at"}))
	mock.ExpectCommit()

	require.NoError(t, pub.RunOnce(context.Background()))

	status := pub.Healthy(time.Minute)
	assert.True(t, status.OK)
	assert.False(t, status.LastPassAt.IsZero())
}

func TestRunOnceEmptyBatchCommits(t *testing.T) {
	pub, mock := newTestPublisher(t, noopResolver, nil)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, type, payload, is_active, created_at, updated_at").
		WillReturnRows(sqlmock.NewRows([]string{"id", "type", "payload", "is_active", "created_at", "updated_at"}))
	mock.ExpectCommit()

	require.NoError(t, pub.RunOnce(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

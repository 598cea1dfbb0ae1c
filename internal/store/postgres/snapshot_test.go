package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"appbroker/internal/store"
	"appbroker/internal/store/storetest"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return &Store{db: db}, mock
}

func TestPut_Upserts(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	snap := storetest.Snapshot("kj-1")

	mock.ExpectExec(`INSERT INTO snapshots \(app_id, plugin, state, body, updated_at\)`).
		WithArgs("kj-1", "kubejobs", "ongoing", sqlmock.AnyArg(), snap.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.Put(context.Background(), "kj-1", snap); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPut_DatabaseError(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectExec(`INSERT INTO snapshots`).
		WillReturnError(errors.New("connection refused"))

	if err := s.Put(context.Background(), "kj-1", storetest.Snapshot("kj-1")); err == nil {
		t.Error("expected error, got nil")
	}
}

func TestGet_Success(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	body, err := storetest.Snapshot("kj-1").Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	mock.ExpectQuery(`SELECT body FROM snapshots WHERE app_id = \$1`).
		WithArgs("kj-1").
		WillReturnRows(sqlmock.NewRows([]string{"body"}).AddRow(body))

	got, err := s.Get(context.Background(), "kj-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.AppID != "kj-1" {
		t.Errorf("got AppID %v, want kj-1", got.AppID)
	}
	if got.Handle["job"] != "kj-1" {
		t.Errorf("got Handle %v, want job=kj-1", got.Handle)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestGet_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectQuery(`SELECT body FROM snapshots WHERE app_id = \$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("got %v, want store.ErrNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectExec(`DELETE FROM snapshots WHERE app_id = \$1`).
		WithArgs("kj-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.Delete(context.Background(), "kj-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestList(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	a, _ := storetest.Snapshot("a").Marshal()
	b, _ := storetest.Snapshot("b").Marshal()

	mock.ExpectQuery(`SELECT body FROM snapshots ORDER BY app_id`).
		WillReturnRows(sqlmock.NewRows([]string{"body"}).AddRow(a).AddRow(b))

	list, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d snapshots, want 2", len(list))
	}
	if list[0].AppID != "a" || list[1].AppID != "b" {
		t.Errorf("got %s,%s, want a,b", list[0].AppID, list[1].AppID)
	}
}

func TestList_RejectsNewerVersion(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectQuery(`SELECT body FROM snapshots ORDER BY app_id`).
		WillReturnRows(sqlmock.NewRows([]string{"body"}).AddRow([]byte(`{"version": 99, "app_id": "x"}`)))

	if _, err := s.List(context.Background()); err == nil {
		t.Error("expected error for unsupported snapshot version")
	}
}

func TestCountByState(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectQuery(`SELECT state, COUNT\(\*\) FROM snapshots GROUP BY state`).
		WillReturnRows(sqlmock.NewRows([]string{"state", "count"}).
			AddRow("ongoing", 3).
			AddRow("completed", 7))

	counts, err := s.CountByState(context.Background())
	if err != nil {
		t.Fatalf("CountByState failed: %v", err)
	}
	if counts["ongoing"] != 3 || counts["completed"] != 7 {
		t.Errorf("got %v, want ongoing=3 completed=7", counts)
	}
}

package store

import (
	"context"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/ragline/ragline/internal/engine"
)

func TestAppendTurnAssignsSequenceInOneTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &Store{DB: db}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO sessions \(id\) VALUES \(\$1\) ON CONFLICT \(id\) DO NOTHING`).
		WithArgs("sess-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO turns`).
		WithArgs("turn-1", "sess-1", "what is the refund window?", sqlmock.AnyArg(), sqlmock.AnyArg(),
			"30 days", "", sqlmock.AnyArg(), sqlmock.AnyArg(), false, false, int64(0), 0.0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	turn := engine.Turn{ID: "turn-1", Query: "what is the refund window?", Answer: "30 days"}
	if err := st.AppendTurn(context.Background(), "sess-1", turn); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAppendTurnRetriesOnceOnSequenceCollision(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &Store{DB: db}

	// A replica racing the same session wins the first seq; the retry
	// re-reads MAX(seq) and succeeds.
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO sessions`).
		WithArgs("sess-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO turns`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "turns_session_id_seq_key"})
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO sessions`).
		WithArgs("sess-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO turns`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	turn := engine.Turn{ID: "turn-1", Query: "q", Answer: "a"}
	if err := st.AppendTurn(context.Background(), "sess-1", turn); err != nil {
		t.Fatalf("AppendTurn should succeed after one retry: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAppendTurnGivesUpAfterSecondCollision(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &Store{DB: db}

	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO sessions`).
			WithArgs("sess-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`INSERT INTO turns`).
			WillReturnError(&pq.Error{Code: "23505", Constraint: "turns_session_id_seq_key"})
		mock.ExpectRollback()
	}

	turn := engine.Turn{ID: "turn-1", Query: "q", Answer: "a"}
	err = st.AppendTurn(context.Background(), "sess-1", turn)
	if !isUniqueViolation(err) {
		t.Fatalf("expected the collision to surface after the retry, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAppendTurnRollsBackOnInsertFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &Store{DB: db}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO sessions`).
		WithArgs("sess-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO turns`).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	turn := engine.Turn{ID: "turn-1", Query: "q", Answer: "a"}
	if err := st.AppendTurn(context.Background(), "sess-1", turn); err == nil {
		t.Fatal("expected insert failure to surface")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRecentTurnsUnknownSession(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &Store{DB: db}

	mock.ExpectQuery(`SELECT 1 FROM sessions WHERE id=\$1`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))

	if _, err := st.RecentTurns(context.Background(), "ghost", 5); !errors.Is(err, engine.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSearchPassagesOrdersByDistanceThenDocument(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &Store{DB: db}

	rows := sqlmock.NewRows([]string{"passage_id", "document_id", "document_name", "content", "page", "distance"}).
		AddRow("p1", "doc-a", "a.md", "alpha", 1, 0.1).
		AddRow("p2", "doc-b", "b.md", "beta", 2, 0.3)
	mock.ExpectQuery(`ORDER BY distance, p\.document_id`).
		WillReturnRows(rows)

	got, err := st.SearchPassages(context.Background(), []float32{1, 0, 0}, 4, nil)
	if err != nil {
		t.Fatalf("SearchPassages: %v", err)
	}
	if len(got) != 2 || got[0].PassageID != "p1" || got[1].Distance != 0.3 {
		t.Fatalf("unexpected results: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSearchPassagesRejectsEmptyVector(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &Store{DB: db}

	if _, err := st.SearchPassages(context.Background(), nil, 4, nil); err == nil {
		t.Fatal("expected error for empty vector")
	}
}

package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/quorralabs/tabula/internal/schema"
)

func TestCreateDocument(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	query := regexp.QuoteMeta(`INSERT INTO documents (business_id, filename, content_type, status) VALUES ($1,$2,$3,'pending') RETURNING id`)
	mock.ExpectQuery(query).
		WithArgs("biz-1", "fees.xlsx", "application/vnd.ms-excel").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("doc-1"))

	id, err := st.CreateDocument(context.Background(), "biz-1", "fees.xlsx", "application/vnd.ms-excel")
	if err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	if id != "doc-1" {
		t.Fatalf("unexpected id %q", id)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpsertSheet(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	sheet := schema.Sheet{
		DocumentID: "doc-1",
		Filename:   "fees.xlsx",
		SheetName:  "Fees",
		RowCount:   42,
		Columns:    []schema.ColumnInfo{{Name: "local authority", Hint: schema.HintLocalAuthority}},
		Coverage:   []string{"Redbridge"},
	}
	mock.ExpectQuery("INSERT INTO table_sheets").
		WithArgs("biz-1", "doc-1", "fees.xlsx", "Fees", 42, sqlmock.AnyArg(), "doc-1/fees").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("sheet-1"))

	id, err := st.UpsertSheet(context.Background(), "biz-1", sheet, "doc-1/fees")
	if err != nil {
		t.Fatalf("UpsertSheet: %v", err)
	}
	if id != "sheet-1" {
		t.Fatalf("unexpected id %q", id)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListSheetsDecodesSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	payload := `{"document_id":"doc-1","filename":"fees.xlsx","sheet_name":"Fees","row_count":2,"columns":[{"name":"local authority","hint":"local_authority","null_fraction":0,"distinct_count":2}],"coverage_entities":["Redbridge"]}`
	rows := sqlmock.NewRows([]string{"id", "business_id", "document_id", "filename", "sheet_name", "row_count", "schema", "row_store_ref", "created_at"}).
		AddRow("sheet-1", "biz-1", "doc-1", "fees.xlsx", "Fees", 2, []byte(payload), "doc-1/fees", time.Now())
	mock.ExpectQuery("FROM table_sheets WHERE business_id").
		WithArgs("biz-1").
		WillReturnRows(rows)

	out, err := st.ListSheets(context.Background(), "biz-1")
	if err != nil {
		t.Fatalf("ListSheets: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 sheet, got %d", len(out))
	}
	if out[0].Schema.Coverage[0] != "Redbridge" {
		t.Fatalf("schema payload not decoded: %+v", out[0].Schema)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateConversationContextKeepsExisting(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectExec("UPDATE conversations SET").
		WithArgs("conv-1", "Redbridge", "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = st.UpdateConversationContext(context.Background(), "conv-1", ConversationContext{LastAuthority: "Redbridge"})
	if err != nil {
		t.Fatalf("UpdateConversationContext: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

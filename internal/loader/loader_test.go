package loader

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"writepath/internal/backfill"
	"writepath/internal/catalog"
	"writepath/internal/sqlbuild"
	"writepath/internal/storage"
	"writepath/pkg/records"
)

var errBoom = errors.New("boom")

func qualName(schema, table string) string {
	if schema == "" {
		return table
	}
	return schema + "." + table
}

type txCall struct {
	op       string // "select" | "delete" | "insert"
	columns  []string
	rows     [][]any
	keyCols  []string
	keys     [][]any
	conflict sqlbuild.Conflict
}

type fakeTx struct {
	repo       *fakeRepo
	calls      []txCall
	committed  bool
	rolledBack bool
}

func (t *fakeTx) InsertRows(ctx context.Context, schema, table string, columns []string, rows [][]any, conflict sqlbuild.Conflict) (int64, error) {
	t.calls = append(t.calls, txCall{op: "insert", columns: columns, rows: rows, conflict: conflict})
	t.repo.insertCalls++
	if t.repo.insertErrAt == t.repo.insertCalls {
		return 0, errBoom
	}
	if conflict.Mode == sqlbuild.ConflictDoNothing {
		exist := t.repo.existing[qualName(schema, table)]
		var n int64
		for _, row := range rows {
			if _, ok := exist[rowKey(columns, row, conflict.KeyColumns)]; !ok {
				n++
			}
		}
		return n, nil
	}
	return int64(len(rows)), nil
}

func (t *fakeTx) DeleteByKeys(ctx context.Context, schema, table string, keyColumns []string, keys [][]any) (int64, error) {
	t.calls = append(t.calls, txCall{op: "delete", keyCols: keyColumns, keys: keys})
	return int64(len(keys)), nil
}

func (t *fakeTx) SelectExistingKeys(ctx context.Context, schema, table string, keyColumns []string, keys [][]any) (map[string]struct{}, error) {
	t.calls = append(t.calls, txCall{op: "select", keyCols: keyColumns, keys: keys})
	return t.repo.lookup(schema, table, keys), nil
}

func (t *fakeTx) Commit(ctx context.Context) error {
	if t.repo.commitErr != nil {
		return t.repo.commitErr
	}
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}

type fakeRepo struct {
	columns  map[string][]catalog.Column
	existing map[string]map[string]struct{}

	insertErrAt int // 1-based insert ordinal that fails, 0 never
	commitErr   error

	insertCalls int
	txs         []*fakeTx
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		columns:  make(map[string][]catalog.Column),
		existing: make(map[string]map[string]struct{}),
	}
}

func (r *fakeRepo) setColumns(table string, names ...string) {
	cols := make([]catalog.Column, len(names))
	for i, n := range names {
		cols[i] = catalog.Column{Name: n, DataType: "text", OrdinalPosition: i + 1}
	}
	r.columns[table] = cols
}

func (r *fakeRepo) seed(table string, keys ...string) {
	m := r.existing[table]
	if m == nil {
		m = make(map[string]struct{})
		r.existing[table] = m
	}
	for _, k := range keys {
		m[storage.KeyString([]any{k})] = struct{}{}
	}
}

func (r *fakeRepo) lookup(schema, table string, keys [][]any) map[string]struct{} {
	exist := r.existing[qualName(schema, table)]
	found := make(map[string]struct{})
	for _, k := range keys {
		ks := storage.KeyString(k)
		if _, ok := exist[ks]; ok {
			found[ks] = struct{}{}
		}
	}
	return found
}

func (r *fakeRepo) Close()                         {}
func (r *fakeRepo) Ping(ctx context.Context) error { return nil }

func (r *fakeRepo) TableColumns(ctx context.Context, schema, table string) ([]catalog.Column, error) {
	return r.columns[qualName(schema, table)], nil
}

func (r *fakeRepo) SelectExistingKeys(ctx context.Context, schema, table string, keyColumns []string, keys [][]any) (map[string]struct{}, error) {
	return r.lookup(schema, table, keys), nil
}

func (r *fakeRepo) Begin(ctx context.Context) (storage.Tx, error) {
	tx := &fakeTx{repo: r}
	r.txs = append(r.txs, tx)
	return tx, nil
}

var (
	_ storage.Repository = (*fakeRepo)(nil)
	_ storage.Tx         = (*fakeTx)(nil)
)

func rowKey(columns []string, row []any, keyCols []string) string {
	parts := make([]any, len(keyCols))
	for i, kc := range keyCols {
		for pos, c := range columns {
			if c == kc {
				parts[i] = row[pos]
				break
			}
		}
	}
	return storage.KeyString(parts)
}

func newLoader(repo *fakeRepo) *Loader {
	return &Loader{
		Repo:    repo,
		Catalog: &catalog.Introspector{Source: repo},
		now:     func() time.Time { return time.Date(2026, 3, 15, 9, 30, 0, 0, time.UTC) },
	}
}

func grantedToken(table string) backfill.Token {
	res := &backfill.Result{FactTable: table, Success: true}
	return res.Token()
}

func holdingsRepo() *fakeRepo {
	repo := newFakeRepo()
	repo.setColumns("raw.fact_holdings", "plan_code", "plan_name", "units")
	return repo
}

func holdingsBatch(rows ...[3]string) []records.Record {
	batch := make([]records.Record, len(rows))
	for i, r := range rows {
		batch[i] = records.Record{"plan_code": r[0], "plan_name": r[1], "units": r[2]}
	}
	return batch
}

func insertsOf(tx *fakeTx) []txCall {
	var out []txCall
	for _, c := range tx.calls {
		if c.op == "insert" {
			out = append(out, c)
		}
	}
	return out
}

func opsOf(tx *fakeTx) []string {
	ops := make([]string, len(tx.calls))
	for i, c := range tx.calls {
		ops[i] = c.op
	}
	return ops
}

func TestLoad_GateRejectionNeverTouchesStorage(t *testing.T) {
	t.Parallel()

	repo := holdingsRepo()
	l := newLoader(repo)

	res, err := l.Load(context.Background(), backfill.Token{}, holdingsBatch([3]string{"P001", "Alpha", "10"}), Options{
		Schema: "raw", Table: "fact_holdings", Mode: ModeInsert,
	})
	if !errors.Is(err, backfill.ErrGateNotSatisfied) {
		t.Fatalf("err = %v, want ErrGateNotSatisfied", err)
	}
	if res.Success {
		t.Fatal("result reported success")
	}
	if res.ExecutionID == "" {
		t.Fatal("missing execution id")
	}
	if len(res.Errors) != 1 || res.Errors[0].Op != "gate" {
		t.Fatalf("errors = %+v, want one gate entry", res.Errors)
	}
	if len(repo.txs) != 0 {
		t.Fatalf("opened %d transactions, want 0", len(repo.txs))
	}
}

func TestLoad_TokenForOtherTableIsRejected(t *testing.T) {
	t.Parallel()

	repo := holdingsRepo()
	l := newLoader(repo)

	_, err := l.Load(context.Background(), grantedToken("raw.other"), holdingsBatch([3]string{"P001", "Alpha", "10"}), Options{
		Schema: "raw", Table: "fact_holdings", Mode: ModeInsert,
	})
	if !errors.Is(err, backfill.ErrGateNotSatisfied) {
		t.Fatalf("err = %v, want ErrGateNotSatisfied", err)
	}
}

func TestLoad_InsertModeChunksInOneTransaction(t *testing.T) {
	t.Parallel()

	repo := holdingsRepo()
	l := newLoader(repo)

	batch := make([]records.Record, 0, 2500)
	for i := 0; i < 2500; i++ {
		batch = append(batch, records.Record{"plan_code": fmt.Sprintf("P%04d", i), "units": "1"})
	}

	res, err := l.Load(context.Background(), grantedToken("raw.fact_holdings"), batch, Options{
		Schema: "raw", Table: "fact_holdings", Mode: ModeInsert,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.RowsInserted != 2500 || res.RowsUpdated != 0 {
		t.Fatalf("result = %+v, want 2500 inserted", res)
	}
	if len(repo.txs) != 1 {
		t.Fatalf("opened %d transactions, want 1", len(repo.txs))
	}
	tx := repo.txs[0]
	if !tx.committed {
		t.Fatal("transaction not committed")
	}

	inserts := insertsOf(tx)
	if len(inserts) != 3 {
		t.Fatalf("inserts = %d, want 3 chunks", len(inserts))
	}
	for i, want := range []int{1000, 1000, 500} {
		if len(inserts[i].rows) != want {
			t.Fatalf("chunk %d has %d rows, want %d", i+1, len(inserts[i].rows), want)
		}
	}
	want := []string{"plan_code", "units"}
	if !reflect.DeepEqual(inserts[0].columns, want) {
		t.Fatalf("insert columns = %v, want %v", inserts[0].columns, want)
	}
}

func TestLoad_ChunkSizeOverride(t *testing.T) {
	t.Parallel()

	repo := holdingsRepo()
	l := newLoader(repo)

	batch := holdingsBatch(
		[3]string{"P001", "A", "1"},
		[3]string{"P002", "B", "2"},
		[3]string{"P003", "C", "3"},
		[3]string{"P004", "D", "4"},
		[3]string{"P005", "E", "5"},
	)
	res, err := l.Load(context.Background(), grantedToken("raw.fact_holdings"), batch, Options{
		Schema: "raw", Table: "fact_holdings", Mode: ModeInsert, ChunkSize: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := len(insertsOf(repo.txs[0])); got != 3 {
		t.Fatalf("inserts = %d, want 3", got)
	}
	if res.RowsInserted != 5 {
		t.Fatalf("inserted = %d, want 5", res.RowsInserted)
	}
}

func TestLoad_DeleteInsertSplitsInsertedAndUpdated(t *testing.T) {
	t.Parallel()

	repo := holdingsRepo()
	repo.seed("raw.fact_holdings", "P002")
	l := newLoader(repo)

	batch := holdingsBatch(
		[3]string{"P001", "Alpha", "10"},
		[3]string{"P002", "Beta", "20"},
		[3]string{"P003", "Gamma", "30"},
	)
	res, err := l.Load(context.Background(), grantedToken("raw.fact_holdings"), batch, Options{
		Schema: "raw", Table: "fact_holdings",
		Mode: ModeUpsert, UpsertStyle: StyleDeleteInsert, ConflictKeys: []string{"plan_code"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.RowsInserted != 2 || res.RowsUpdated != 1 {
		t.Fatalf("inserted/updated = %d/%d, want 2/1", res.RowsInserted, res.RowsUpdated)
	}

	tx := repo.txs[0]
	wantOps := []string{"select", "delete", "insert"}
	if !reflect.DeepEqual(opsOf(tx), wantOps) {
		t.Fatalf("ops = %v, want %v", opsOf(tx), wantOps)
	}
	if del := tx.calls[1]; !reflect.DeepEqual(del.keyCols, []string{"plan_code"}) || len(del.keys) != 3 {
		t.Fatalf("delete call = %+v, want 3 keys on plan_code", del)
	}
	if ins := tx.calls[2]; ins.conflict.Mode != sqlbuild.ConflictNone {
		t.Fatalf("delete_insert used conflict mode %v", ins.conflict.Mode)
	}
}

func TestLoad_OnConflictUpdateBuildsUpdateClause(t *testing.T) {
	t.Parallel()

	repo := holdingsRepo()
	repo.seed("raw.fact_holdings", "P002")
	l := newLoader(repo)

	batch := holdingsBatch(
		[3]string{"P001", "Alpha", "10"},
		[3]string{"P002", "Beta", "20"},
		[3]string{"P003", "Gamma", "30"},
	)
	res, err := l.Load(context.Background(), grantedToken("raw.fact_holdings"), batch, Options{
		Schema: "raw", Table: "fact_holdings",
		Mode: ModeUpsert, UpsertStyle: StyleOnConflictUpdate, ConflictKeys: []string{"plan_code"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.RowsInserted != 2 || res.RowsUpdated != 1 {
		t.Fatalf("inserted/updated = %d/%d, want 2/1", res.RowsInserted, res.RowsUpdated)
	}

	tx := repo.txs[0]
	wantOps := []string{"select", "insert"}
	if !reflect.DeepEqual(opsOf(tx), wantOps) {
		t.Fatalf("ops = %v, want %v", opsOf(tx), wantOps)
	}
	want := sqlbuild.Conflict{
		Mode:          sqlbuild.ConflictUpdate,
		KeyColumns:    []string{"plan_code"},
		UpdateColumns: []string{"plan_name", "units"},
	}
	if got := tx.calls[1].conflict; !reflect.DeepEqual(got, want) {
		t.Fatalf("conflict = %+v, want %+v", got, want)
	}
}

func TestLoad_KeyOnlyTableFallsBackToDoNothing(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.setColumns("ref.plan_codes", "plan_code")
	repo.seed("ref.plan_codes", "P001")
	l := newLoader(repo)

	batch := []records.Record{
		{"plan_code": "P001"},
		{"plan_code": "P002"},
	}
	res, err := l.Load(context.Background(), grantedToken("ref.plan_codes"), batch, Options{
		Schema: "ref", Table: "plan_codes",
		Mode: ModeUpsert, UpsertStyle: StyleOnConflictUpdate, ConflictKeys: []string{"plan_code"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.RowsInserted != 1 || res.RowsUpdated != 0 {
		t.Fatalf("inserted/updated = %d/%d, want 1/0", res.RowsInserted, res.RowsUpdated)
	}
	ins := insertsOf(repo.txs[0])
	if len(ins) != 1 || ins[0].conflict.Mode != sqlbuild.ConflictDoNothing {
		t.Fatalf("insert calls = %+v, want one do-nothing insert", ins)
	}
}

func TestLoad_FailedChunkRollsBackWholeBatch(t *testing.T) {
	t.Parallel()

	repo := holdingsRepo()
	repo.insertErrAt = 2
	l := newLoader(repo)

	batch := holdingsBatch(
		[3]string{"P001", "A", "1"},
		[3]string{"P002", "B", "2"},
		[3]string{"P003", "C", "3"},
	)
	res, err := l.Load(context.Background(), grantedToken("raw.fact_holdings"), batch, Options{
		Schema: "raw", Table: "fact_holdings", Mode: ModeInsert, ChunkSize: 1,
	})
	if err == nil {
		t.Fatal("expected error")
	}

	var ce *ChunkError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %T, want *ChunkError", err)
	}
	if ce.Chunk != 2 || ce.Chunks != 3 || ce.Op != "insert" {
		t.Fatalf("chunk error = %+v, want chunk 2/3 insert", ce)
	}
	if !errors.Is(err, errBoom) {
		t.Fatalf("err %v does not unwrap to the backend error", err)
	}

	tx := repo.txs[0]
	if tx.committed || !tx.rolledBack {
		t.Fatalf("committed=%v rolledBack=%v, want rollback only", tx.committed, tx.rolledBack)
	}
	if res.Success || res.RowsInserted != 0 || res.RowsUpdated != 0 {
		t.Fatalf("result = %+v, want zero counts after rollback", res)
	}
	if len(res.Errors) != 1 || res.Errors[0].Chunk != 2 {
		t.Fatalf("errors = %+v, want one entry for chunk 2", res.Errors)
	}
}

func TestLoad_CommitErrorFailsTheRun(t *testing.T) {
	t.Parallel()

	repo := holdingsRepo()
	repo.commitErr = errBoom
	l := newLoader(repo)

	res, err := l.Load(context.Background(), grantedToken("raw.fact_holdings"), holdingsBatch([3]string{"P001", "A", "1"}), Options{
		Schema: "raw", Table: "fact_holdings", Mode: ModeInsert,
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("err = %v, want commit error", err)
	}
	if res.Success || res.RowsInserted != 0 {
		t.Fatalf("result = %+v, want failure with zero counts", res)
	}
	if len(res.Errors) != 1 || res.Errors[0].Op != "commit" {
		t.Fatalf("errors = %+v, want one commit entry", res.Errors)
	}
	if tx := repo.txs[0]; !tx.rolledBack {
		t.Fatal("failed commit was not rolled back")
	}
}

func TestLoad_EmptyBatchSucceedsWithoutTransaction(t *testing.T) {
	t.Parallel()

	repo := holdingsRepo()
	l := newLoader(repo)

	res, err := l.Load(context.Background(), grantedToken("raw.fact_holdings"), nil, Options{
		Schema: "raw", Table: "fact_holdings", Mode: ModeInsert,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.RowsInserted != 0 || res.RowsUpdated != 0 {
		t.Fatalf("result = %+v, want empty success", res)
	}
	if len(repo.txs) != 0 {
		t.Fatalf("opened %d transactions, want 0", len(repo.txs))
	}
}

func TestLoad_ConflictKeyMissingFromTable(t *testing.T) {
	t.Parallel()

	repo := holdingsRepo()
	l := newLoader(repo)

	_, err := l.Load(context.Background(), grantedToken("raw.fact_holdings"), holdingsBatch([3]string{"P001", "A", "1"}), Options{
		Schema: "raw", Table: "fact_holdings",
		Mode: ModeUpsert, UpsertStyle: StyleDeleteInsert, ConflictKeys: []string{"holding_id"},
	})
	if err == nil || !strings.Contains(err.Error(), `no conflict key column "holding_id"`) {
		t.Fatalf("err = %v, want missing column error", err)
	}
	if len(repo.txs) != 0 {
		t.Fatal("opened a transaction for a misconfigured upsert")
	}
}

func TestLoad_ConflictKeyAbsentFromBatch(t *testing.T) {
	t.Parallel()

	repo := holdingsRepo()
	l := newLoader(repo)

	batch := []records.Record{{"plan_name": "Alpha", "units": "1"}}
	_, err := l.Load(context.Background(), grantedToken("raw.fact_holdings"), batch, Options{
		Schema: "raw", Table: "fact_holdings",
		Mode: ModeUpsert, UpsertStyle: StyleDeleteInsert, ConflictKeys: []string{"plan_code"},
	})
	if err == nil || !strings.Contains(err.Error(), `no values for conflict key "plan_code"`) {
		t.Fatalf("err = %v, want missing values error", err)
	}
}

func TestLoad_UnknownColumnsNeverReachInsert(t *testing.T) {
	t.Parallel()

	repo := holdingsRepo()
	l := newLoader(repo)

	batch := []records.Record{
		{"plan_code": "P001", "plan_name": "Alpha", "units": "10", "legacy_code": "LC-1"},
	}
	_, err := l.Load(context.Background(), grantedToken("raw.fact_holdings"), batch, Options{
		Schema: "raw", Table: "fact_holdings", Mode: ModeInsert,
	})
	if err != nil {
		t.Fatal(err)
	}
	ins := insertsOf(repo.txs[0])
	want := []string{"plan_code", "plan_name", "units"}
	if !reflect.DeepEqual(ins[0].columns, want) {
		t.Fatalf("insert columns = %v, want %v", ins[0].columns, want)
	}
}

func TestLoad_BadOptionsRejected(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		opts Options
		want string
	}{
		{
			name: "unknown mode",
			opts: Options{Schema: "raw", Table: "fact_holdings", Mode: "replace"},
			want: `unknown mode "replace"`,
		},
		{
			name: "unknown upsert style",
			opts: Options{Schema: "raw", Table: "fact_holdings", Mode: ModeUpsert, UpsertStyle: "merge", ConflictKeys: []string{"plan_code"}},
			want: `unknown upsert_style "merge"`,
		},
		{
			name: "upsert without keys",
			opts: Options{Schema: "raw", Table: "fact_holdings", Mode: ModeUpsert, UpsertStyle: StyleDeleteInsert},
			want: "requires conflict_keys",
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			repo := holdingsRepo()
			l := newLoader(repo)
			res, err := l.Load(context.Background(), grantedToken("raw.fact_holdings"), holdingsBatch([3]string{"P001", "A", "1"}), tc.opts)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want %q", err, tc.want)
			}
			if res.Success || len(repo.txs) != 0 {
				t.Fatal("misconfigured load touched storage")
			}
		})
	}
}

// Package session implements the per-connection driver: it binds one
// client's transaction state to the shared executor, translating parsed
// statements into engine calls and enforcing spec.md §7's statement-atomic
// error propagation and §4.8's transaction lifecycle. internal/wire calls
// into this package; it never touches internal/exec or internal/txn
// directly.
package session

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/relforge/relforge/internal/catalog"
	"github.com/relforge/relforge/internal/checkpoint"
	"github.com/relforge/relforge/internal/exec"
	"github.com/relforge/relforge/internal/sql"
	"github.com/relforge/relforge/internal/storage/tuple"
	"github.com/relforge/relforge/internal/txn"
)

// Column describes one output column for RowDescription.
type Column struct {
	Name string
	Type tuple.DataType
}

// Result is one statement's outcome: either a row set (Columns non-nil,
// even for zero rows) or a bare command tag (Columns nil).
type Result struct {
	Columns []Column
	Rows    [][]tuple.Value
	Tag     string
}

// Engine is the subset of exec.Engine plus txn.Manager a Session drives.
// Kept as a concrete struct (not an interface) since internal/exec and
// internal/txn are both already narrow, single-implementation packages
// within this module — an interface boundary here would only indirect
// through the one type that ever satisfies it.
type Engine struct {
	Exec  *exec.Engine
	Txns  *txn.Manager
	Cat   *catalog.Catalog
	Check *checkpoint.Checkpointer
	Log   *zap.Logger
}

// Session holds one client connection's transaction state across
// statements. It is not safe for concurrent use — spec.md §5 assigns one
// OS thread per connection, so a Session is only ever driven serially by
// its own goroutine.
type Session struct {
	eng Engine

	inTxn    bool
	txnID    uint64
	snapshot txn.Snapshot
}

// New starts a session bound to eng. No transaction is active until the
// first statement either runs under an explicit BEGIN or, for a bare
// statement, under its own autocommit snapshot.
func New(eng Engine) *Session {
	return &Session{eng: eng}
}

// Close runs the implicit-rollback path for an active transaction on
// connection loss (spec.md §7).
func (s *Session) Close() {
	if s.inTxn {
		if err := s.eng.Txns.DisconnectRollback(s.txnID); err != nil {
			s.eng.Log.Warn("rollback on disconnect failed", zap.Error(err), zap.Uint64("txn", s.txnID))
		}
		s.inTxn = false
	}
}

// ExecuteQuery parses text (possibly several semicolon-separated
// statements, as one simple-query wire message may carry) and runs each
// in turn, stopping at the first error. Each statement is its own atomic
// unit: an error here aborts only that statement, never earlier ones
// already committed to the engine.
func (s *Session) ExecuteQuery(text string) ([]Result, error) {
	p := sql.NewParser(text)
	stmts, err := p.ParseStatements()
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	results := make([]Result, 0, len(stmts))
	for _, stmt := range stmts {
		r, err := s.executeOne(stmt)
		if err != nil {
			return results, err
		}
		results = append(results, r)
	}
	return results, nil
}

func (s *Session) executeOne(stmt sql.Statement) (Result, error) {
	switch st := stmt.(type) {
	case *sql.Begin:
		return s.begin()
	case *sql.Commit:
		return s.commit()
	case *sql.Rollback:
		return s.rollback()
	case *sql.Checkpoint:
		return s.checkpointStmt()
	default:
		return s.executeDML(st)
	}
}

func (s *Session) begin() (Result, error) {
	if s.inTxn {
		return Result{}, fmt.Errorf("session: BEGIN while a transaction is already active")
	}
	id, snap, err := s.eng.Txns.Begin()
	if err != nil {
		return Result{}, err
	}
	s.inTxn, s.txnID, s.snapshot = true, id, snap
	return Result{Tag: "BEGIN"}, nil
}

func (s *Session) commit() (Result, error) {
	if !s.inTxn {
		return Result{}, fmt.Errorf("session: COMMIT with no active transaction")
	}
	id := s.txnID
	s.inTxn = false
	if err := s.eng.Txns.Commit(id); err != nil {
		return Result{}, err
	}
	return Result{Tag: "COMMIT"}, nil
}

func (s *Session) rollback() (Result, error) {
	if !s.inTxn {
		return Result{}, fmt.Errorf("session: ROLLBACK with no active transaction")
	}
	id := s.txnID
	s.inTxn = false
	if err := s.eng.Txns.Rollback(id); err != nil {
		return Result{}, err
	}
	return Result{Tag: "ROLLBACK"}, nil
}

// checkpointStmt runs a checkpoint synchronously and reports its outcome
// as a one-row result instead of a bare CommandComplete, per SPEC_FULL.md
// §4.13 (grounded in original_source's operator-console summary output).
func (s *Session) checkpointStmt() (Result, error) {
	before := s.eng.Txns.NextTxnID()
	if err := s.eng.Check.Run(); err != nil {
		return Result{}, err
	}
	return Result{
		Columns: []Column{{Name: "next_txn_id", Type: tuple.TypeInt}},
		Rows:    [][]tuple.Value{{tuple.IntValue(int64(before))}},
		Tag:     "CHECKPOINT",
	}, nil
}

// withStatementTxn runs fn under txnID/snapshot, using the session's own
// active transaction if one is open, or a fresh autocommit transaction
// that is committed (or rolled back, on error) before returning otherwise
// — spec.md §4.8's "Disconnect with active txn behaves as rollback" and
// §7's "no autorollback on statement error inside an explicit transaction"
// both fall out of this: only the autocommit path ever commits/aborts on
// the caller's behalf.
func (s *Session) withStatementTxn(fn func(txnID uint64, snap txn.Snapshot) (Result, error)) (Result, error) {
	if s.inTxn {
		return fn(s.txnID, s.snapshot)
	}
	id, snap, err := s.eng.Txns.Begin()
	if err != nil {
		return Result{}, err
	}
	res, err := fn(id, snap)
	if err != nil {
		if rerr := s.eng.Txns.Rollback(id); rerr != nil {
			s.eng.Log.Warn("autocommit rollback failed", zap.Error(rerr), zap.Uint64("txn", id))
		}
		return Result{}, err
	}
	if err := s.eng.Txns.Commit(id); err != nil {
		return Result{}, err
	}
	return res, nil
}

func (s *Session) executeDML(stmt sql.Statement) (Result, error) {
	an := sql.NewAnalyzer(s.eng.Cat)
	switch st := stmt.(type) {
	case *sql.Select:
		bsel, err := an.AnalyzeSelect(st)
		if err != nil {
			return Result{}, err
		}
		return s.withStatementTxn(func(_ uint64, snap txn.Snapshot) (Result, error) {
			return s.runSelect(snap, bsel)
		})
	case *sql.Insert:
		bins, err := an.AnalyzeInsert(st)
		if err != nil {
			return Result{}, err
		}
		return s.withStatementTxn(func(txnID uint64, _ txn.Snapshot) (Result, error) {
			if err := s.eng.Exec.Insert(txnID, bins); err != nil {
				return Result{}, err
			}
			return Result{Tag: "INSERT 0 1"}, nil
		})
	case *sql.Update:
		bupd, err := an.AnalyzeUpdate(st)
		if err != nil {
			return Result{}, err
		}
		return s.withStatementTxn(func(txnID uint64, snap txn.Snapshot) (Result, error) {
			n, err := s.eng.Exec.Update(txnID, snap, bupd)
			if err != nil {
				return Result{}, err
			}
			return Result{Tag: fmt.Sprintf("UPDATE %d", n)}, nil
		})
	case *sql.Delete:
		bdel, err := an.AnalyzeDelete(st)
		if err != nil {
			return Result{}, err
		}
		return s.withStatementTxn(func(txnID uint64, snap txn.Snapshot) (Result, error) {
			n, err := s.eng.Exec.Delete(txnID, snap, bdel)
			if err != nil {
				return Result{}, err
			}
			return Result{Tag: fmt.Sprintf("DELETE %d", n)}, nil
		})
	case *sql.CreateTable:
		bct, err := an.AnalyzeCreateTable(st)
		if err != nil {
			return Result{}, err
		}
		return s.withStatementTxn(func(txnID uint64, _ txn.Snapshot) (Result, error) {
			if _, err := s.eng.Exec.CreateTable(txnID, bct); err != nil {
				return Result{}, err
			}
			return Result{Tag: "CREATE TABLE"}, nil
		})
	case *sql.CreateIndex:
		bci, err := an.AnalyzeCreateIndex(st)
		if err != nil {
			return Result{}, err
		}
		return s.withStatementTxn(func(txnID uint64, _ txn.Snapshot) (Result, error) {
			if _, err := s.eng.Exec.CreateIndex(txnID, bci); err != nil {
				return Result{}, err
			}
			return Result{Tag: "CREATE INDEX"}, nil
		})
	default:
		return Result{}, fmt.Errorf("session: unsupported statement %T", stmt)
	}
}

func (s *Session) runSelect(snap txn.Snapshot, bsel *sql.BoundSelect) (Result, error) {
	op, _, err := s.eng.Exec.BuildSelect(snap, bsel)
	if err != nil {
		return Result{}, err
	}
	cols := make([]Column, len(bsel.Projs))
	for i, p := range bsel.Projs {
		cols[i] = Column{Name: p.Alias, Type: sql.ExprType(p.Expr)}
	}
	if err := op.Open(); err != nil {
		return Result{}, err
	}
	defer op.Close()
	var rows [][]tuple.Value
	for {
		row, ok, err := op.Next()
		if err != nil {
			return Result{}, err
		}
		if !ok {
			break
		}
		rows = append(rows, row.Vals)
	}
	return Result{Columns: cols, Rows: rows, Tag: fmt.Sprintf("SELECT %d", len(rows))}, nil
}

// Explain runs the planner only, returning one text row per range-table
// entry describing the scan strategy chosen (SPEC_FULL.md §4.13), instead
// of executing the statement.
func (s *Session) Explain(text string) (Result, error) {
	p := sql.NewParser(text)
	stmt, err := p.ParseStatement()
	if err != nil {
		return Result{}, fmt.Errorf("parse: %w", err)
	}
	sel, ok := stmt.(*sql.Select)
	if !ok {
		return Result{}, fmt.Errorf("session: EXPLAIN only supports SELECT")
	}
	an := sql.NewAnalyzer(s.eng.Cat)
	bsel, err := an.AnalyzeSelect(sel)
	if err != nil {
		return Result{}, err
	}
	return s.withStatementTxn(func(_ uint64, snap txn.Snapshot) (Result, error) {
		_, steps, err := s.eng.Exec.BuildSelect(snap, bsel)
		if err != nil {
			return Result{}, err
		}
		rows := make([][]tuple.Value, len(steps))
		for i, st := range steps {
			line := fmt.Sprintf("%s on %s", st.Strategy, st.Table)
			if st.Index != "" {
				line = fmt.Sprintf("%s using %s on %s", st.Strategy, st.Index, st.Table)
			}
			rows[i] = []tuple.Value{tuple.StringValue(line)}
		}
		return Result{
			Columns: []Column{{Name: "QUERY PLAN", Type: tuple.TypeVarchar}},
			Rows:    rows,
			Tag:     fmt.Sprintf("EXPLAIN %d", len(rows)),
		}, nil
	})
}

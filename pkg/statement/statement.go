// Package statement exposes the client-facing surface: exec, query, and
// prepared statements with lazily-created server handles, layered over
// pkg/session's state machine and pkg/tds's wire codec.
package statement

import (
	"fmt"
	"strings"

	"github.com/ha1tch/gotds/pkg/log"
	"github.com/ha1tch/gotds/pkg/session"
	"github.com/ha1tch/gotds/pkg/tds"

	tdserrors "github.com/ha1tch/gotds/pkg/errors"
)

// Client owns one session and exposes the statement operations. It holds
// no result-set state of its own between calls: every exec/query reads
// its own response to completion before returning.
type Client struct {
	sess   *session.Session
	logger *log.Logger
}

// NewClient wraps a connected session. sess must already be in the Ready
// state (i.e. session.Connect has succeeded).
func NewClient(sess *session.Session, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	return &Client{sess: sess, logger: logger}
}

// Row is one decoded result-set tuple, with positional and name-based
// column lookup against the owning QueryResult's columns.
type Row struct {
	values  []tds.ColumnValue
	columns []tds.ColumnInfo
}

// Get returns the i-th column value.
func (r Row) Get(i int) tds.ColumnValue {
	if i < 0 || i >= len(r.values) {
		return tds.ColumnValue{}
	}
	return r.values[i]
}

// GetNamed returns the value of the column with the given name, or a NULL
// ColumnValue if no such column exists.
func (r Row) GetNamed(name string) tds.ColumnValue {
	for i, c := range r.columns {
		if strings.EqualFold(c.Name, name) {
			return r.values[i]
		}
	}
	return tds.ColumnValue{}
}

// Len returns the number of columns in the row.
func (r Row) Len() int { return len(r.values) }

// QueryResult is the row collection returned by Query.
type QueryResult struct {
	Columns []tds.ColumnInfo
	Rows    []Row
}

// ExecResult is the outcome of Exec: the number of rows reported by the
// server's DONE(Count) status, if any.
type ExecResult struct {
	RowsAffected int64
}

// consumeTokens drains a response to its terminal DONE, collecting rows
// against the most recent COLMETADATA and surfacing the first ERROR token
// as a recoverable ServerError while still draining subsequent DONEs so
// the session stays Ready.
func (c *Client) consumeTokens() (*QueryResult, *ExecResult, error) {
	parser, _, err := c.sess.ReadResponse()
	if err != nil {
		return nil, nil, err
	}

	var (
		result    QueryResult
		execRes   ExecResult
		firstErr  *tds.ServerError
		sawCount  bool
	)

	for {
		tok, err := parser.Next()
		if err != nil {
			if tdserrors.GetCode(err) == tdserrors.CodeIOUnexpectedEOF {
				break
			}
			c.sess.Invalidate()
			return nil, nil, err
		}

		switch tok.Kind {
		case tds.TokenError:
			if firstErr == nil {
				firstErr = tok.Error
			}
		case tds.TokenColMetadata:
			result.Columns = tok.Columns
		case tds.TokenRow:
			result.Rows = append(result.Rows, Row{values: tok.Row, columns: result.Columns})
		case tds.TokenDone, tds.TokenDoneProc, tds.TokenDoneInProc:
			if tok.Done.HasCount() && !sawCount {
				execRes.RowsAffected = int64(tok.Done.RowCount)
				sawCount = true
			}
			if !tok.Done.More() {
				c.sess.MarkReady()
				if firstErr != nil {
					return &result, &execRes, firstErr
				}
				return &result, &execRes, nil
			}
		}
	}

	c.sess.MarkReady()
	if firstErr != nil {
		return &result, &execRes, firstErr
	}
	return &result, &execRes, nil
}

// Exec sends sql as a SQLBATCH and returns the affected-row count from the
// first DONE carrying the Count status bit.
func (c *Client) Exec(sql string) (ExecResult, error) {
	c.logger.Statement().Debug("exec", "sql", sql)
	body := tds.EncodeSQLBatch(sql)
	if err := c.sess.Send(tds.PacketSQLBatch, body); err != nil {
		return ExecResult{}, err
	}
	_, execRes, err := c.consumeTokens()
	if execRes == nil {
		return ExecResult{}, err
	}
	return *execRes, err
}

// Query sends sql as a SQLBATCH and collects every ROW token against the
// result set's COLMETADATA.
func (c *Client) Query(sql string) (*QueryResult, error) {
	c.logger.Statement().Debug("query", "sql", sql)
	body := tds.EncodeSQLBatch(sql)
	if err := c.sess.Send(tds.PacketSQLBatch, body); err != nil {
		return nil, err
	}
	result, _, err := c.consumeTokens()
	return result, err
}

// EncodeParamValue builds the TYPE_INFO + TYPE_VARBYTE wire payload for a
// bound value, dispatching on its Kind. Callers construct a tds.ColumnValue
// via its typed fields and pass it to this helper before binding.
func EncodeParamValue(v tds.ColumnValue) []byte {
	w := tds.NewWriter()
	switch v.Kind {
	case tds.KindValBool:
		tds.EncodeBit(w, v.Bool)
	case tds.KindValI64:
		tds.EncodeInt8(w, v.I64)
	case tds.KindValF64:
		tds.EncodeFloat8(w, v.F64)
	case tds.KindValString:
		tds.EncodeString(w, v.Str)
	case tds.KindValDatetime:
		tds.EncodeDateTime2(w, v.Datetime)
	case tds.KindValDecimal:
		tds.EncodeDecimal(w, v.Decimal, 38)
	default:
		tds.EncodeString(w, "")
	}
	return w.Bytes()
}

// PreparedStatement lazily compiles sql into a server-side handle on the
// first call that carries parameter bindings, then reuses that handle for
// subsequent calls. The handle is released with sp_unprepare on Close.
type PreparedStatement struct {
	client *Client
	sql    string
	handle int32
	ready  bool
}

// Prepare returns a PreparedStatement for sql. No RPC is sent yet: the
// handle is created lazily on first Query/Exec, because sp_prepare's
// parameter-declaration string depends on the first parameter vector.
func (c *Client) Prepare(sql string) *PreparedStatement {
	return &PreparedStatement{client: c, sql: sql}
}

// paramDeclaration builds the comma-separated "@P1 int,@P2 nvarchar(4000)"
// string sp_prepare requires, derived from the bound values' wire types.
func paramDeclaration(values []tds.ColumnValue) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprintf("@P%d %s", i+1, tds.ColumnTypeName(v))
	}
	return strings.Join(parts, ",")
}

func (p *PreparedStatement) ensureHandle(values []tds.ColumnValue) error {
	if p.ready {
		return nil
	}

	decl := paramDeclaration(values)
	body := tds.BuildSpPrepare(decl, p.sql)
	if err := p.client.sess.Send(tds.PacketRPCRequest, body); err != nil {
		return err
	}

	parser, _, err := p.client.sess.ReadResponse()
	if err != nil {
		return err
	}

	var handle int32
	var gotHandle bool
	var firstErr *tds.ServerError
	for {
		tok, err := parser.Next()
		if err != nil {
			if tdserrors.GetCode(err) == tdserrors.CodeIOUnexpectedEOF {
				break
			}
			p.client.sess.Invalidate()
			return err
		}
		switch tok.Kind {
		case tds.TokenError:
			if firstErr == nil {
				firstErr = tok.Error
			}
		case tds.TokenReturnValue:
			if tok.ReturnValue.Name == "@handle" {
				handle = int32(tok.ReturnValue.Value.I64)
				gotHandle = true
			}
		case tds.TokenDone, tds.TokenDoneProc, tds.TokenDoneInProc:
			if !tok.Done.More() {
				p.client.sess.MarkReady()
				if firstErr != nil {
					return firstErr
				}
				if !gotHandle {
					return tdserrors.ProtocolError("sp_prepare did not return a handle")
				}
				p.handle = handle
				p.ready = true
				p.client.logger.Statement().Debug("prepared", "sql", p.sql, "handle", handle)
				return nil
			}
		}
	}
	p.client.sess.MarkReady()
	if firstErr != nil {
		return firstErr
	}
	if !gotHandle {
		return tdserrors.ProtocolError("sp_prepare did not return a handle")
	}
	p.handle = handle
	p.ready = true
	return nil
}

// Query executes the prepared statement with the given parameter values,
// preparing the server-side handle first if this is the first call.
func (p *PreparedStatement) Query(values ...tds.ColumnValue) (*QueryResult, error) {
	if err := p.ensureHandle(values); err != nil {
		return nil, err
	}
	params := make([]tds.Param, len(values))
	for i, v := range values {
		params[i] = tds.Param{Name: fmt.Sprintf("@P%d", i+1), Encoded: EncodeParamValue(v)}
	}
	body := tds.BuildSpExecute(p.handle, params)
	if err := p.client.sess.Send(tds.PacketRPCRequest, body); err != nil {
		return nil, err
	}
	result, _, err := p.client.consumeTokens()
	return result, err
}

// Exec executes the prepared statement with the given parameter values and
// returns the affected-row count.
func (p *PreparedStatement) Exec(values ...tds.ColumnValue) (ExecResult, error) {
	if err := p.ensureHandle(values); err != nil {
		return ExecResult{}, err
	}
	params := make([]tds.Param, len(values))
	for i, v := range values {
		params[i] = tds.Param{Name: fmt.Sprintf("@P%d", i+1), Encoded: EncodeParamValue(v)}
	}
	body := tds.BuildSpExecute(p.handle, params)
	if err := p.client.sess.Send(tds.PacketRPCRequest, body); err != nil {
		return ExecResult{}, err
	}
	_, execRes, err := p.client.consumeTokens()
	if execRes == nil {
		return ExecResult{}, err
	}
	return *execRes, err
}

// Close releases the server-side handle, if one was assigned, via
// sp_unprepare. Safe to call on a statement never used with bound
// parameters (no handle was ever created).
func (p *PreparedStatement) Close() error {
	if !p.ready {
		return nil
	}
	body := tds.BuildSpUnprepare(p.handle)
	if err := p.client.sess.Send(tds.PacketRPCRequest, body); err != nil {
		return err
	}
	_, _, err := p.client.consumeTokens()
	p.ready = false
	return err
}

package database

import (
	"fmt"
	"strings"

	"github.com/huandu/go-sqlbuilder"
)

// Builders in this file always use the PostgreSQL flavor, so placeholders
// come out as $1, $2, ... and queries can run on DB.Conn without Rebind.

// Excluded refers to the row proposed for insertion inside an ON CONFLICT
// DO UPDATE clause.
func Excluded(column string) any {
	return sqlbuilder.Raw("EXCLUDED." + column)
}

type InsertBuilder struct {
	*sqlbuilder.InsertBuilder
}

func NewInsertBuilder() *InsertBuilder {
	return &InsertBuilder{sqlbuilder.PostgreSQL.NewInsertBuilder()}
}

func (ib *InsertBuilder) InsertInto(table string) *InsertBuilder {
	ib.InsertBuilder.InsertInto(table)
	return ib
}

func (ib *InsertBuilder) Cols(col ...string) *InsertBuilder {
	ib.InsertBuilder.Cols(col...)
	return ib
}

func (ib *InsertBuilder) Values(value ...any) *InsertBuilder {
	ib.InsertBuilder.Values(value...)
	return ib
}

func (ib *InsertBuilder) Returning(col ...string) *InsertBuilder {
	ib.InsertBuilder.Returning(col...)
	return ib
}

// OnConflict turns the insert into an upsert on the unique columns. Assign
// the columns to overwrite on the returned builder, usually with Excluded.
//
//	ub := ib.OnConflict("slug")
//	ub.Set(ub.Assign("name", database.Excluded("name")))
func (ib *InsertBuilder) OnConflict(columns ...string) *UpdateBuilder {
	ub := NewUpdateBuilder()
	ib.SQL(fmt.Sprintf("ON CONFLICT (%s) DO UPDATE %s", strings.Join(columns, ", "), ib.Var(ub)))
	return ub
}

// OnConflictDoNothing skips rows that would violate any unique constraint.
// With Returning, a skipped row yields no result row.
func (ib *InsertBuilder) OnConflictDoNothing() *InsertBuilder {
	ib.SQL("ON CONFLICT DO NOTHING")
	return ib
}

type UpdateBuilder struct {
	*sqlbuilder.UpdateBuilder
}

func NewUpdateBuilder() *UpdateBuilder {
	return &UpdateBuilder{sqlbuilder.PostgreSQL.NewUpdateBuilder()}
}

type DeleteBuilder struct {
	*sqlbuilder.DeleteBuilder
}

func NewDeleteBuilder() *DeleteBuilder {
	return &DeleteBuilder{sqlbuilder.PostgreSQL.NewDeleteBuilder()}
}

type SelectBuilder struct {
	*sqlbuilder.SelectBuilder
}

func NewSelectBuilder() *SelectBuilder {
	return &SelectBuilder{sqlbuilder.PostgreSQL.NewSelectBuilder()}
}

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

var (
	// ErrInvalidQuery is returned for unbounded or malformed queries.
	ErrInvalidQuery = errors.New("store: invalid query")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store: closed")
)

// Score is one ranking entry. Records are immutable apart from NewWeek.
type Score struct {
	bun.BaseModel `bun:"table:scores,alias:s"`

	ID        uuid.UUID `bun:"id,pk,type:uuid"`
	Partition string    `bun:"partition,notnull"`
	Name      string    `bun:"name,notnull"`
	Comment   string    `bun:"comment,notnull"`
	Points    int64     `bun:"points,notnull"`
	Control   string    `bun:"control,notnull"`
	Location  string    `bun:"location,notnull"`
	Date      time.Time `bun:"date,notnull"`
	NewWeek   bool      `bun:"new_week,notnull"`
}

var _ bun.BeforeInsertHook = (*Score)(nil)

func (s *Score) BeforeInsert(context.Context, *bun.InsertQuery) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// Location registers that scores were observed for a location.
type Location struct {
	bun.BaseModel `bun:"table:locations,alias:l"`

	Name      string    `bun:"name,pk"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

// Order selects the sort applied by Find.
type Order int

const (
	// OrderPointsDesc ranks best first; equal points keep submission order.
	OrderPointsDesc Order = iota
	OrderDateDesc
	OrderDateAsc
)

// Query filters scores within a partition. Zero-valued fields do not filter.
type Query struct {
	Control  string
	Location string
	NewWeek  *bool

	Name    *string
	Comment *string
	Points  *int64
	// PointsBelow keeps records with points strictly lower than the value.
	PointsBelow *int64

	// DateAtOrBefore keeps records with date <= the value.
	DateAtOrBefore time.Time
	// DateAfter keeps records with date > the value.
	DateAfter time.Time

	Order Order
	// Limit bounds the fetch and must be positive.
	Limit int
}

func (q Query) validate() error {
	if q.Limit <= 0 {
		return ErrInvalidQuery
	}
	switch q.Order {
	case OrderPointsDesc, OrderDateDesc, OrderDateAsc:
	default:
		return ErrInvalidQuery
	}
	return nil
}

// Store is the durable score store. Every score call carries the shared
// partition identifier so that all records order against one anchor.
type Store interface {
	Insert(ctx context.Context, partition string, score *Score) error
	Find(ctx context.Context, partition string, q Query) ([]Score, error)
	// Put overwrites the NewWeek flag of existing records. Unknown ids are
	// ignored; Put never creates a record.
	Put(ctx context.Context, partition string, scores []Score) error
	Delete(ctx context.Context, partition string, ids []uuid.UUID) error

	SaveLocation(ctx context.Context, name string) error
	Locations(ctx context.Context) ([]string, error)

	Close() error
}

// Bool and Int64 build optional query fields.
func Bool(v bool) *bool { return &v }

func Int64(v int64) *int64 { return &v }

func String(v string) *string { return &v }

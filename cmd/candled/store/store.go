package store

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/gob"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	golog "github.com/ipfs/go-log/v2"
	"github.com/oklog/ulid/v2"
	"github.com/textileio/candle-auction/auction"
	"github.com/textileio/candle-auction/candle"
	dsextensions "github.com/textileio/go-datastore-extensions"
)

const (
	// defaultListLimit is the default list page size.
	defaultListLimit = 10
	// maxListLimit is the max list page size.
	maxListLimit = 1000
)

var (
	log = golog.Logger("candled/store")

	// dsPrefix is the prefix for auctions.
	// Structure: /auctions/<auction_id> -> Record.
	dsPrefix = ds.NewKey("/auctions")
)

// Record holds the durable state of a single auction.
// The snapshot is the full engine state; everything else is bookkeeping.
type Record struct {
	ID        auction.ID
	Snapshot  candle.Snapshot
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TxnDatastoreExtended adds QueryExtensions to TxnDatastore.
type TxnDatastoreExtended interface {
	ds.TxnDatastore
	dsextensions.DatastoreExtensions
}

// Store persists auction records in a durable datastore.
type Store struct {
	store TxnDatastoreExtended

	entropy *ulid.MonotonicEntropy
	lk      sync.Mutex
}

// NewStore returns a new Store backed by store.
func NewStore(store TxnDatastoreExtended) *Store {
	return &Store{store: store}
}

// CreateAuction persists a new auction record from an engine snapshot,
// assigning it a new id. The returned record is the stored form.
func (s *Store) CreateAuction(snapshot candle.Snapshot) (*Record, error) {
	if err := validate(snapshot); err != nil {
		return nil, fmt.Errorf("invalid auction: %v", err)
	}
	id, err := s.newID(time.Now())
	if err != nil {
		return nil, fmt.Errorf("creating id: %v", err)
	}
	r := &Record{
		ID:        id,
		Snapshot:  snapshot,
		CreatedAt: time.Now(),
	}
	txn, err := s.store.NewTransaction(context.Background(), false)
	if err != nil {
		return nil, fmt.Errorf("creating txn: %v", err)
	}
	defer txn.Discard(context.Background())

	if err := s.save(txn, r); err != nil {
		return nil, fmt.Errorf("saving auction: %v", err)
	}
	if err := txn.Commit(context.Background()); err != nil {
		return nil, fmt.Errorf("committing txn: %v", err)
	}

	log.Debugf("created auction %s", id)
	return r, nil
}

func validate(s candle.Snapshot) error {
	if err := s.Config.Validate(); err != nil {
		return err
	}
	if uint64(len(s.Slots)) != s.Config.Samples() {
		return fmt.Errorf("snapshot has %d sample slots; expected %d", len(s.Slots), s.Config.Samples())
	}
	return nil
}

// newID returns new monotonically increasing auction ids.
func (s *Store) newID(t time.Time) (auction.ID, error) {
	s.lk.Lock() // entropy is not safe for concurrent use

	if s.entropy == nil {
		s.entropy = ulid.Monotonic(rand.Reader, 0)
	}
	id, err := ulid.New(ulid.Timestamp(t.UTC()), s.entropy)
	if errors.Is(err, ulid.ErrMonotonicOverflow) {
		s.entropy = nil
		s.lk.Unlock()
		return s.newID(t)
	} else if err != nil {
		s.lk.Unlock()
		return "", fmt.Errorf("generating id: %v", err)
	}
	s.lk.Unlock()
	return auction.ID(strings.ToLower(id.String())), nil
}

// GetAuction returns an auction record by id.
func (s *Store) GetAuction(id auction.ID) (*Record, error) {
	r, err := getAuction(s.store, id)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func getAuction(reader ds.Read, id auction.ID) (*Record, error) {
	val, err := reader.Get(context.Background(), dsPrefix.ChildString(string(id)))
	if errors.Is(err, ds.ErrNotFound) {
		return nil, auction.ErrAuctionNotFound
	} else if err != nil {
		return nil, fmt.Errorf("getting auction: %v", err)
	}
	r, err := decode(val)
	if err != nil {
		return nil, fmt.Errorf("decoding auction: %v", err)
	}
	return &r, nil
}

// SaveSnapshot replaces the engine snapshot of an existing auction.
func (s *Store) SaveSnapshot(id auction.ID, snapshot candle.Snapshot) error {
	txn, err := s.store.NewTransaction(context.Background(), false)
	if err != nil {
		return fmt.Errorf("creating txn: %v", err)
	}
	defer txn.Discard(context.Background())

	r, err := getAuction(txn, id)
	if err != nil {
		return err
	}
	r.Snapshot = snapshot
	if err := s.save(txn, r); err != nil {
		return fmt.Errorf("saving auction: %v", err)
	}
	if err := txn.Commit(context.Background()); err != nil {
		return fmt.Errorf("committing txn: %v", err)
	}

	log.Debugf("saved snapshot for auction %s", id)
	return nil
}

// Query is used to query for auctions.
type Query struct {
	Offset string
	Order  Order
	Limit  int
}

func (q Query) setDefaults() Query {
	if q.Limit == -1 {
		q.Limit = maxListLimit
	} else if q.Limit <= 0 {
		q.Limit = defaultListLimit
	} else if q.Limit > maxListLimit {
		q.Limit = maxListLimit
	}
	return q
}

// Order specifies the order of list results.
// Default is decending by time created.
type Order int

const (
	// OrderDescending orders results decending.
	OrderDescending Order = iota
	// OrderAscending orders results ascending.
	OrderAscending
)

// ListAuctions lists auctions by applying a Query.
func (s *Store) ListAuctions(query Query) ([]Record, error) {
	query = query.setDefaults()

	var (
		order dsq.Order
		seek  string
		limit = query.Limit
	)

	if len(query.Offset) != 0 {
		seek = dsPrefix.ChildString(query.Offset).String()
		limit++
	}

	switch query.Order {
	case OrderDescending:
		order = dsq.OrderByKeyDescending{}
		if len(seek) == 0 {
			// Seek to largest possible key and decend from there
			seek = dsPrefix.ChildString(
				strings.ToLower(ulid.MustNew(ulid.MaxTime(), nil).String())).String()
		}
	case OrderAscending:
		order = dsq.OrderByKey{}
	}

	results, err := s.store.QueryExtended(dsextensions.QueryExt{
		Query: dsq.Query{
			Prefix: dsPrefix.String(),
			Orders: []dsq.Order{order},
			Limit:  limit,
		},
		SeekPrefix: seek,
	})
	if err != nil {
		return nil, fmt.Errorf("querying auctions: %v", err)
	}
	defer func() { _ = results.Close() }()

	var list []Record
	for res := range results.Next() {
		if res.Error != nil {
			return nil, fmt.Errorf("getting next result: %v", res.Error)
		}
		r, err := decode(res.Value)
		if err != nil {
			return nil, fmt.Errorf("decoding value: %v", err)
		}
		list = append(list, r)
	}

	// Remove seek from list
	if len(query.Offset) != 0 && len(list) > 0 {
		list = list[1:]
	}

	log.Debugf("listed %d auctions", len(list))
	return list, nil
}

func (s *Store) save(txn ds.Write, r *Record) error {
	r.UpdatedAt = time.Now()
	val, err := encode(r)
	if err != nil {
		return fmt.Errorf("encoding auction: %v", err)
	}
	return txn.Put(context.Background(), dsPrefix.ChildString(string(r.ID)), val)
}

func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(v []byte) (r Record, err error) {
	var buf bytes.Buffer
	if _, err := buf.Write(v); err != nil {
		return r, err
	}
	dec := gob.NewDecoder(&buf)
	if err := dec.Decode(&r); err != nil {
		return r, err
	}
	return r, nil
}

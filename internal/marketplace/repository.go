package marketplace

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/R3E-Network/carmarket/internal/logging"
	"github.com/R3E-Network/carmarket/internal/metrics"
)

// DefaultFetchConcurrency bounds the reads FetchAll keeps in flight.
const DefaultFetchConcurrency = 16

// readsPerListing is the number of field reads needed to build one Listing:
// the core record, the image reference and the deletion flag.
const readsPerListing = 3

// Repository holds the point-in-time snapshot of every listing on the ledger.
// The snapshot is only ever replaced as a whole by FetchAll.
type Repository struct {
	session     *Session
	concurrency int
	log         *logging.Logger

	mu        sync.RWMutex
	snapshot  []Listing
	fetchedAt time.Time
	// started numbers fetches in start order; published is the number of
	// the fetch that produced the current snapshot.
	started   uint64
	published uint64
}

// NewRepository creates an empty repository reading through session.
func NewRepository(session *Session, concurrency int, log *logging.Logger) *Repository {
	if concurrency <= 0 {
		concurrency = DefaultFetchConcurrency
	}
	if log == nil {
		log = logging.NewDefault("carmarket")
	}
	return &Repository{session: session, concurrency: concurrency, log: log}
}

// FetchAll re-reads every listing and replaces the snapshot. Nothing is
// published unless every read succeeded, and a fetch never replaces the
// result of a fetch that started after it.
func (r *Repository) FetchAll(ctx context.Context) error {
	listings, err := r.session.Listings()
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.started++
	gen := r.started
	r.mu.Unlock()

	start := time.Now()
	next, err := r.fetch(ctx, listings)
	metrics.RecordRefresh(len(next), err)
	if err != nil {
		r.log.WithContext(ctx).WithError(err).Warn("listing refresh failed, keeping previous snapshot")
		return err
	}

	r.mu.Lock()
	if gen < r.published {
		r.mu.Unlock()
		r.log.WithContext(ctx).WithField("duration_ms", time.Since(start).Milliseconds()).
			Debug("listing refresh superseded by a later one, discarded")
		return nil
	}
	r.snapshot = next
	r.fetchedAt = time.Now()
	r.published = gen
	r.mu.Unlock()

	r.log.WithContext(ctx).WithFields(map[string]interface{}{
		"listings":    len(next),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("listings refreshed")
	return nil
}

func (r *Repository) fetch(ctx context.Context, listings ListingsContract) ([]Listing, error) {
	count, err := listings.CarsLength(ctx)
	if err != nil {
		return nil, wrap(ErrLedgerReadFailure, fmt.Errorf("getCarsLength: %w", err))
	}
	if count < 0 {
		return nil, wrapf(ErrLedgerReadFailure, "getCarsLength returned %d", count)
	}

	records := make([]CarRecord, count)
	images := make([]string, count)
	deleted := make([]bool, count)

	err = gather(ctx, count*readsPerListing, r.concurrency, func(ctx context.Context, task int) error {
		i := task / readsPerListing
		var err error
		switch task % readsPerListing {
		case 0:
			records[i], err = listings.ReadCar(ctx, i)
			if err != nil {
				return fmt.Errorf("readCars(%d): %w", i, err)
			}
		case 1:
			images[i], err = listings.CarImage(ctx, i)
			if err != nil {
				return fmt.Errorf("carImage(%d): %w", i, err)
			}
		case 2:
			deleted[i], err = listings.IsCarDeleted(ctx, i)
			if err != nil {
				return fmt.Errorf("isCarDeleted(%d): %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrap(ErrLedgerReadFailure, err)
	}

	out := make([]Listing, count)
	for i := range out {
		rec := records[i]
		out[i] = Listing{
			Index:     i,
			Owner:     rec.Owner,
			Name:      rec.Name,
			Model:     rec.Model,
			Color:     rec.Color,
			ImageURL:  images[i],
			Price:     rec.Price,
			Sold:      rec.Sold,
			Available: rec.Available,
			IsDeleted: deleted[i],
		}
	}
	return out, nil
}

// Snapshot returns a copy of the current snapshot without contacting the ledger.
func (r *Repository) Snapshot() []Listing {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Listing, len(r.snapshot))
	for i, l := range r.snapshot {
		out[i] = l.clone()
	}
	return out
}

// Active returns the listings that have not been retired, in index order.
func (r *Repository) Active() []Listing {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Listing, 0, len(r.snapshot))
	for _, l := range r.snapshot {
		if !l.IsDeleted {
			out = append(out, l.clone())
		}
	}
	return out
}

// Listing returns the snapshot entry at index.
func (r *Repository) Listing(index int) (Listing, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if index < 0 || index >= len(r.snapshot) {
		return Listing{}, false
	}
	return r.snapshot[index].clone(), true
}

// Len returns the number of listings in the snapshot, retired ones included.
func (r *Repository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.snapshot)
}

// FetchedAt returns when the snapshot was last replaced.
func (r *Repository) FetchedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fetchedAt
}

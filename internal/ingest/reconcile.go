package ingest

import (
	"context"
	"errors"
	"fmt"

	"calmerge/internal/config"
	appLog "calmerge/internal/log"
	"calmerge/internal/model"
	"calmerge/internal/store"
)

// EventStore is the subset of *store.Store the reconciler needs.
type EventStore interface {
	FindByKey(ctx context.Context, key model.Key) (model.Event, error)
	Insert(ctx context.Context, ev model.Event) (int64, error)
	UpdateColor(ctx context.Context, id int64, color model.Color) error
	UpdateMutable(ctx context.Context, id int64, ev model.Event) error
}

// Reconcile operations reported in ReconcileError.
const (
	OpFind   = "find"
	OpInsert = "insert"
	OpUpdate = "update"
)

// ReconcileError reports a single record that could not be written. The
// rest of the batch is unaffected.
type ReconcileError struct {
	Key model.Key
	Op  string
	Err error
}

func (e *ReconcileError) Error() string {
	return fmt.Sprintf("ingest: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *ReconcileError) Unwrap() error { return e.Err }

// Result counts what happened to each record of a batch.
type Result struct {
	Inserted  int
	Updated   int
	Unchanged int
	Failed    int

	Errors []error
}

func (r Result) Changed() bool { return r.Inserted+r.Updated > 0 }

// Reconciler merges normalized records into storage: records whose
// identity key is already stored are refreshed in place, new ones are
// inserted.
type Reconciler struct {
	store  EventStore
	policy string

	// OnChange, if set, runs after a batch that inserted or updated at
	// least one record.
	OnChange func(ctx context.Context)
}

// NewReconciler returns a reconciler using the given update policy
// (config.UpdateColor or config.UpdateAll). Unknown policies act as
// config.UpdateColor.
func NewReconciler(s EventStore, policy string) *Reconciler {
	if policy != config.UpdateAll {
		policy = config.UpdateColor
	}
	return &Reconciler{store: s, policy: policy}
}

// Reconcile processes every record in order and returns once all of them
// have been resolved. Per-record failures are logged and counted; they
// never stop the batch.
func (r *Reconciler) Reconcile(ctx context.Context, events []model.Event) Result {
	var res Result
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			res.fail(&ReconcileError{Key: ev.Key(), Op: OpFind, Err: err})
			continue
		}
		r.reconcileOne(ctx, ev, &res)
	}

	if res.Changed() && r.OnChange != nil {
		r.OnChange(ctx)
	}
	return res
}

func (r *Reconciler) reconcileOne(ctx context.Context, ev model.Event, res *Result) {
	key := ev.Key()

	existing, err := r.store.FindByKey(ctx, key)
	switch {
	case err == nil:
		r.refresh(ctx, existing, ev, res)
		return
	case !errors.Is(err, store.ErrNotFound):
		res.fail(&ReconcileError{Key: key, Op: OpFind, Err: err})
		return
	}

	id, err := r.store.Insert(ctx, ev)
	if err == nil {
		appLog.Debug("ingest event inserted", "id", id, "title", ev.Title)
		res.Inserted++
		return
	}
	if !errors.Is(err, store.ErrDuplicate) {
		res.fail(&ReconcileError{Key: key, Op: OpInsert, Err: err})
		return
	}

	// An overlapping pass inserted the same key between our lookup and
	// insert. Treat it as an existing record.
	existing, err = r.store.FindByKey(ctx, key)
	if err != nil {
		res.fail(&ReconcileError{Key: key, Op: OpFind, Err: err})
		return
	}
	r.refresh(ctx, existing, ev, res)
}

func (r *Reconciler) refresh(ctx context.Context, existing, incoming model.Event, res *Result) {
	if r.unchanged(existing, incoming) {
		res.Unchanged++
		return
	}

	var err error
	if r.policy == config.UpdateAll {
		err = r.store.UpdateMutable(ctx, existing.ID, incoming)
	} else {
		err = r.store.UpdateColor(ctx, existing.ID, incoming.Color)
	}
	if err != nil {
		res.fail(&ReconcileError{Key: incoming.Key(), Op: OpUpdate, Err: err})
		return
	}
	appLog.Debug("ingest event updated", "id", existing.ID, "title", incoming.Title, "color", incoming.Color)
	res.Updated++
}

func (r *Reconciler) unchanged(existing, incoming model.Event) bool {
	if existing.Color != incoming.Color {
		return false
	}
	if r.policy == config.UpdateAll {
		return existing.Description == incoming.Description && existing.Location == incoming.Location
	}
	return true
}

func (res *Result) fail(err *ReconcileError) {
	appLog.Error("ingest reconcile failed", err, "op", err.Op, "title", err.Key.Title)
	res.Failed++
	res.Errors = append(res.Errors, err)
}

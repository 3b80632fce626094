// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dynaplug Contributors

// Package txn batches plugin operations into an all-or-nothing unit.
// A transaction records load, unload, and configure steps, applies them
// in order on Commit, and on failure unwinds the already-applied steps
// in reverse with their recorded inverses.
package txn

import (
	"context"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"

	plugin "github.com/dynaplug/dynaplug/internal/plugin"
	"github.com/dynaplug/dynaplug/pkg/plugerr"
)

// Executor applies individual steps. Each apply returns the information
// needed to undo it: a load is undone by unload, an unload by a load of
// the returned path and options, a configure by re-applying the
// previous blob.
type Executor interface {
	ExecLoad(ctx context.Context, path string, opts plugin.LoadOptions) (pluginID string, err error)
	ExecUnload(ctx context.Context, pluginID string) (path string, opts plugin.LoadOptions, err error)
	ExecConfigure(ctx context.Context, pluginID string, cfg []byte) (prev []byte, err error)
}

// Kind is a step type.
type Kind int

const (
	KindLoad Kind = iota
	KindUnload
	KindConfigure
)

var kindNames = [...]string{"load", "unload", "configure"}

func (k Kind) String() string {
	if k < KindLoad || k > KindConfigure {
		return "unknown"
	}
	return kindNames[k]
}

// State is a transaction's state.
type State int

const (
	StatePending State = iota
	StateCommitted
	StateRolledBack
	StateAborted
)

var txnStateNames = [...]string{"pending", "committed", "rolled-back", "aborted"}

func (s State) String() string {
	if s < StatePending || s > StateAborted {
		return "unknown"
	}
	return txnStateNames[s]
}

// Step is one recorded operation.
type Step struct {
	Kind     Kind
	Path     string              // load
	PluginID string              // unload, configure
	Options  plugin.LoadOptions  // load
	Config   []byte              // configure
}

// JournalEntry records the outcome of one step during commit.
type JournalEntry struct {
	Step    Step
	Applied bool
	// UndoErr is set when rollback of this step failed. The rollback
	// continues past it; the affected plugin may be left inconsistent.
	UndoErr error
}

// Txn is a single-use transaction. Not safe for concurrent use by
// multiple goroutines; the manager serializes access.
type Txn struct {
	id     string
	exec   Executor
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	steps   []Step
	journal []JournalEntry
	onClose func()
}

// New creates a pending transaction over the executor. onClose, if
// non-nil, runs exactly once when the transaction leaves the pending
// state.
func New(exec Executor, logger *slog.Logger, onClose func()) *Txn {
	if logger == nil {
		logger = slog.Default()
	}
	return &Txn{
		id:      ulid.Make().String(),
		exec:    exec,
		logger:  logger,
		onClose: onClose,
	}
}

// ID returns the transaction's unique id.
func (t *Txn) ID() string { return t.id }

// State returns the transaction's current state.
func (t *Txn) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Journal returns the commit journal. Empty before Commit.
func (t *Txn) Journal() []JournalEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]JournalEntry(nil), t.journal...)
}

// AddLoad queues a plugin load.
func (t *Txn) AddLoad(path string, opts plugin.LoadOptions) error {
	return t.add(Step{Kind: KindLoad, Path: path, Options: opts})
}

// AddUnload queues a plugin unload.
func (t *Txn) AddUnload(pluginID string) error {
	return t.add(Step{Kind: KindUnload, PluginID: pluginID})
}

// AddConfigure queues a configuration update.
func (t *Txn) AddConfigure(pluginID string, cfg []byte) error {
	return t.add(Step{Kind: KindConfigure, PluginID: pluginID, Config: append([]byte(nil), cfg...)})
}

func (t *Txn) add(s Step) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StatePending {
		return plugerr.New(plugerr.CodeInvalidOperation,
			"cannot add steps to a %s transaction", t.state)
	}
	t.steps = append(t.steps, s)
	return nil
}

// Abort discards a pending transaction. Nothing has been applied yet,
// so there is nothing to undo. Aborting a non-pending transaction is an
// InvalidOperation.
func (t *Txn) Abort() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StatePending {
		return plugerr.New(plugerr.CodeInvalidOperation,
			"cannot abort a %s transaction", t.state)
	}
	t.close(StateAborted)
	return nil
}

// Commit applies the recorded steps in order. On the first failure the
// already-applied steps are undone in reverse order, best effort: an
// undo failure is journaled and logged but does not stop the unwind.
// The returned error is the failure that triggered the rollback.
func (t *Txn) Commit(ctx context.Context) error {
	t.mu.Lock()
	if t.state != StatePending {
		t.mu.Unlock()
		return plugerr.New(plugerr.CodeInvalidOperation,
			"cannot commit a %s transaction", t.state)
	}
	steps := append([]Step(nil), t.steps...)
	t.mu.Unlock()

	type applied struct {
		step Step
		// undo inputs captured from the executor.
		loadedID   string
		unloadPath string
		unloadOpts plugin.LoadOptions
		prevConfig []byte
	}
	var done []applied

	var failure error
	for _, s := range steps {
		a := applied{step: s}
		switch s.Kind {
		case KindLoad:
			id, err := t.exec.ExecLoad(ctx, s.Path, s.Options)
			if err != nil {
				failure = err
			}
			a.loadedID = id
		case KindUnload:
			path, opts, err := t.exec.ExecUnload(ctx, s.PluginID)
			if err != nil {
				failure = err
			}
			a.unloadPath, a.unloadOpts = path, opts
		case KindConfigure:
			prev, err := t.exec.ExecConfigure(ctx, s.PluginID, s.Config)
			if err != nil {
				failure = err
			}
			a.prevConfig = prev
		}
		if failure != nil {
			break
		}
		done = append(done, a)
		t.journalAppend(JournalEntry{Step: s, Applied: true})
	}

	if failure == nil {
		t.mu.Lock()
		t.close(StateCommitted)
		t.mu.Unlock()
		return nil
	}

	// Unwind in reverse.
	for i := len(done) - 1; i >= 0; i-- {
		a := done[i]
		var undoErr error
		switch a.step.Kind {
		case KindLoad:
			_, _, undoErr = t.exec.ExecUnload(ctx, a.loadedID)
		case KindUnload:
			_, undoErr = t.exec.ExecLoad(ctx, a.unloadPath, a.unloadOpts)
		case KindConfigure:
			_, undoErr = t.exec.ExecConfigure(ctx, a.step.PluginID, a.prevConfig)
		}
		if undoErr != nil {
			t.journalSetUndoErr(i, undoErr)
			t.logger.ErrorContext(ctx, "transaction rollback step failed",
				slog.String("txn_id", t.id),
				slog.String("kind", a.step.Kind.String()),
				slog.Any("error", undoErr))
		}
	}

	t.mu.Lock()
	t.close(StateRolledBack)
	t.mu.Unlock()
	return plugerr.Wrapf(plugerr.CodeExecutionFailed, failure,
		"transaction %s rolled back", t.id)
}

func (t *Txn) journalAppend(e JournalEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.journal = append(t.journal, e)
}

func (t *Txn) journalSetUndoErr(i int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= 0 && i < len(t.journal) {
		t.journal[i].UndoErr = err
	}
}

// close transitions to a terminal state. Caller holds t.mu.
func (t *Txn) close(s State) {
	t.state = s
	if t.onClose != nil {
		t.onClose()
		t.onClose = nil
	}
}

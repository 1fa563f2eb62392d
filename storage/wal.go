package storage

import (
	"os"
	"path/filepath"

	"gitlab.com/NebulousLabs/encoding"
	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/writeaheadlog"
)

// walUpdateName identifies the single kind of update this store logs:
// "a write to destPath is in flight, its temp file is destPath+.tmp".
const walUpdateName = "pendingWrite"

// walPayload is the instruction payload for walUpdateName, encoded
// with gitlab.com/NebulousLabs/encoding so the journal survives a
// process restart in a stable, versioned format.
type walPayload struct {
	DestPath string
}

// journal makes the disk store's temp-file-plus-rename writes
// crash-safe: a transaction is logged before the temp file is written,
// and marked applied only after the rename succeeds. On restart,
// openJournal reports the temp file left behind by every transaction
// that never reached "applied", and cleanupOrphans removes them.
type journal struct {
	wal *writeaheadlog.WAL
}

// openJournal opens (creating if necessary) the write-ahead log at
// root/.wal and returns any writes that were left in flight by a
// previous, uncleanly terminated process.
func openJournal(root string) (*journal, []string, error) {
	walPath := filepath.Join(root, ".wal")
	w, unapplied, err := writeaheadlog.New(walPath)
	if err != nil {
		return nil, nil, errors.AddContext(err, "unable to open write-ahead log")
	}
	var orphanedTemps []string
	for _, u := range unapplied {
		if u.Name != walUpdateName {
			continue
		}
		var payload walPayload
		if err := encoding.Unmarshal(u.Instructions, &payload); err != nil {
			continue
		}
		orphanedTemps = append(orphanedTemps, tempPathFor(payload.DestPath))
	}
	return &journal{wal: w}, orphanedTemps, nil
}

// begin logs that a write to destPath is starting and blocks until the
// log entry itself is durable, returning a commit function to call
// once the rename has completed.
func (j *journal) begin(destPath string) (commit func() error, err error) {
	update := writeaheadlog.Update{
		Name:         walUpdateName,
		Version:      "1.0",
		Instructions: encoding.Marshal(walPayload{DestPath: destPath}),
	}
	txn, err := j.wal.NewTransaction([]writeaheadlog.Update{update})
	if err != nil {
		return nil, errors.AddContext(err, "unable to create wal transaction")
	}
	if setupErr := <-txn.SignalSetupComplete(); setupErr != nil {
		return nil, errors.AddContext(setupErr, "wal setup did not complete")
	}
	return txn.SignalUpdatesApplied, nil
}

func (j *journal) close() error {
	return j.wal.Close()
}

func tempPathFor(destPath string) string { return destPath + ".tmp" }

// cleanupOrphans removes temp files identified by openJournal as belonging
// to writes that never completed.
func cleanupOrphans(paths []string) {
	for _, p := range paths {
		_ = os.Remove(p)
	}
}

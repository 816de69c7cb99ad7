// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package cache

// C5 - maintenance loop. tryToFreeUpSpace performs one round and reports
// whether it made progress; freeUpSpace loops until CacheAvailable is no
// longer negative, giving up with a KindUnbalanced error when a round makes
// no progress. This is the simplest eviction policy that satisfies the
// invariants: any qualifying file, no LRU; a more sophisticated policy is
// left as a documented future refinement (spec §4.5).

import (
	"context"
	"database/sql"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// tryToFreeUpSpace performs one round of: recovery, pending deletions,
// pending uploads, eviction selection - in that order, returning after the
// first step that did real work. It returns progress=true if the round
// freed or queued the freeing of any space.
func (s *Store) tryToFreeUpSpace(ctx context.Context) (progress bool, err kv.Error) {
	before, err := s.CacheAvailable(ctx)
	if err != nil {
		return false, err
	}
	if err = s.Recover(ctx); err != nil {
		return false, err
	}
	after, err := s.CacheAvailable(ctx)
	if err != nil {
		return false, err
	}
	if after > before {
		// Reaping dead workers' jobs released their disk reservations.
		return true, nil
	}

	deleted, err := s.executePendingDeletions(ctx)
	if err != nil {
		return false, err
	}
	if deleted > 0 {
		return true, nil
	}

	uploaded, err := s.executePendingUploads(ctx)
	if err != nil {
		return false, err
	}
	if uploaded > 0 {
		return true, nil
	}

	claimed, err := s.claimEvictionCandidate(ctx)
	if err != nil {
		return false, err
	}
	if !claimed {
		// Nothing is evictable right now; someone else may be mid-eviction
		// or mid-upload. freeUpSpace gives up on such a round, while
		// makeRoomForMutableCopy waits and retries.
		return false, nil
	}

	deleted, err = s.executePendingDeletions(ctx)
	if err != nil {
		return false, err
	}
	return deleted > 0, nil
}

// claimEvictionCandidate finds one cached file with no non-mutable
// references and atomically claims it for deletion, subject to nobody
// having started reading it in the meantime.
func (s *Store) claimEvictionCandidate(ctx context.Context) (claimed bool, err kv.Error) {
	var fileID string
	row := s.db.QueryRowContext(ctx, `
		SELECT files.id FROM files WHERE files.state = ? AND NOT EXISTS (
			SELECT 1 FROM refs WHERE refs.file_id = files.id AND refs.state != ?
		) LIMIT 1`, string(FileCached), string(RefMutable))
	if errGo := row.Scan(&fileID); errGo != nil {
		if errGo == sql.ErrNoRows {
			return false, nil
		}
		return false, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}

	res, errGo := s.db.ExecContext(ctx, `
		UPDATE files SET owner = ?, state = ? WHERE id = ? AND state = ?
		AND owner IS NULL AND NOT EXISTS (
			SELECT 1 FROM refs WHERE refs.file_id = files.id AND refs.state != ?
		)`, s.pid, string(FileDeleting), fileID, string(FileCached), string(RefMutable))
	if errGo != nil {
		return false, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	n, errGo := res.RowsAffected()
	if errGo != nil {
		return false, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	return n > 0, nil
}

// freeUpSpace runs maintenance rounds until CacheAvailable is no longer
// negative. If a round makes no progress while space is still short, it
// returns a KindUnbalanced error instead of waiting. It is monotonic: repeated invocation either increases
// CacheAvailable or leaves it unchanged (spec §8).
func (s *Store) freeUpSpace(ctx context.Context) (err kv.Error) {
	for {
		available, err := s.CacheAvailable(ctx)
		if err != nil {
			return err
		}
		if available >= 0 {
			return nil
		}

		progress, err := s.tryToFreeUpSpace(ctx)
		if err != nil {
			return err
		}
		if !progress {
			return newUnbalancedErr(available)
		}
	}
}

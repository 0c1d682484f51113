// Package indexer keeps a store in step with the files of one project.
//
// # Basic Usage
//
//	lock, err := indexer.AcquireWriterLock(paths.LockDir())
//	if err != nil {
//	    return err // errors.Is(err, indexer.ErrLockHeld) when another writer runs
//	}
//	defer lock.Release()
//
//	idx := indexer.New(st, walker, cache, logger)
//	stats, err := idx.IndexProject(ctx, indexer.Config{
//	    Root:    paths.Root,
//	    StoreID: storeID,
//	    Workers: 4,
//	})
//
// # Pipeline
//
// A producer goroutine ranges over the walker and feeds a bounded channel.
// Workers drain it, each one:
//
//  1. reads the file and hashes its bytes (SHA-256, mtime is never used)
//  2. skips it when the metadata cache holds the same hash
//  3. uploads it to the store, which chunks and embeds it on the worker pool
//  4. records the new hash in the cache, only after the upload succeeded
//
// A file that cannot be read or processed is reported in
// Statistics.Failures and the run continues. Any other store error cancels
// the run through the errgroup context.
//
// After a complete walk, paths present in the store or the cache but not on
// disk are deleted from both.
//
// # Writer Lock
//
// One index directory has at most one writer across processes. The lock is
// a LOCK file holding the pid and start time of its owner, created with a
// hard link so readers never see it half written. A crashed writer leaves
// the file behind; `osgrep unlock` removes it.
package indexer

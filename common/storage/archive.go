package storage

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/scusemua/distributed-cluster/common/types"
)

// ChunkKeyPrefix prefixes every archived log chunk key.
const ChunkKeyPrefix string = "containerlog"

// ChunkKey returns the storage key for the seq-th chunk of a kernel's logs.
func ChunkKey(kernelId types.KernelId, seq int) string {
	return fmt.Sprintf("%s.%s.%d", ChunkKeyPrefix, kernelId, seq)
}

// ArchiveLogs splits the given container logs into fixed-size chunks and
// writes them to the provider under sequential keys. When the logs exceed the
// configured maximum length, the oldest output is dropped and only the tail is
// kept. Empty logs still produce a single empty chunk so that a later retrieve
// can tell "archived nothing" apart from "never archived".
//
// Re-archiving the same kernel overwrites the chunks in place, so the call is
// safe to repeat.
func ArchiveLogs(ctx context.Context, provider Provider, kernelId types.KernelId, logs []byte, opts *Options) (int, error) {
	chunkSize := opts.ChunkSizeBytes()
	if chunkSize <= 0 {
		return 0, errors.Errorf("invalid log chunk size: %d", chunkSize)
	}

	if maxLength := opts.MaxLengthBytes(); maxLength > 0 && len(logs) > maxLength {
		logs = logs[len(logs)-maxLength:]
	}

	numChunks := 0
	for {
		end := len(logs)
		if end > chunkSize {
			end = chunkSize
		}
		if err := provider.WriteChunk(ctx, ChunkKey(kernelId, numChunks), logs[:end]); err != nil {
			return numChunks, errors.Wrapf(err, "failed to archive log chunk %d for kernel \"%s\"", numChunks, kernelId)
		}
		numChunks++
		logs = logs[end:]
		if len(logs) == 0 {
			break
		}
	}

	// A longer previous archive may have left chunks past the new tail.
	for seq := numChunks; ; seq++ {
		key := ChunkKey(kernelId, seq)
		if _, err := provider.Read(ctx, key); err != nil {
			if errors.Is(err, ErrKeyNotFound) {
				break
			}
			return numChunks, errors.Wrapf(err, "failed to inspect stale log chunk %d for kernel \"%s\"", seq, kernelId)
		}
		if err := provider.Delete(ctx, key); err != nil {
			return numChunks, errors.Wrapf(err, "failed to drop stale log chunk %d for kernel \"%s\"", seq, kernelId)
		}
	}

	return numChunks, nil
}

// RetrieveLogs reads archived chunks back in order and reassembles them. It
// returns ErrKeyNotFound when no logs were ever archived for the kernel.
func RetrieveLogs(ctx context.Context, provider Provider, kernelId types.KernelId) ([]byte, error) {
	var logs []byte
	for seq := 0; ; seq++ {
		chunk, err := provider.Read(ctx, ChunkKey(kernelId, seq))
		if err != nil {
			if errors.Is(err, ErrKeyNotFound) {
				if seq == 0 {
					return nil, errors.Wrapf(ErrKeyNotFound, "no archived logs for kernel \"%s\"", kernelId)
				}
				return logs, nil
			}
			return nil, errors.Wrapf(err, "failed to retrieve log chunk %d for kernel \"%s\"", seq, kernelId)
		}
		logs = append(logs, chunk...)
	}
}

// PurgeLogs deletes every archived chunk for the kernel. Missing chunks are
// not an error, so purging an unknown kernel is a no-op.
func PurgeLogs(ctx context.Context, provider Provider, kernelId types.KernelId) (int, error) {
	numDeleted := 0
	for seq := 0; ; seq++ {
		key := ChunkKey(kernelId, seq)
		if _, err := provider.Read(ctx, key); err != nil {
			if errors.Is(err, ErrKeyNotFound) {
				return numDeleted, nil
			}
			return numDeleted, errors.Wrapf(err, "failed to inspect log chunk %d for kernel \"%s\"", seq, kernelId)
		}
		if err := provider.Delete(ctx, key); err != nil {
			return numDeleted, errors.Wrapf(err, "failed to purge log chunk %d for kernel \"%s\"", seq, kernelId)
		}
		numDeleted++
	}
}

package storage_test

import (
	"bytes"
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"

	"github.com/scusemua/distributed-cluster/common/storage"
	"github.com/scusemua/distributed-cluster/common/types"
)

var _ = Describe("Log Archive", func() {
	const kernelId types.KernelId = "kernel-a"

	var (
		ctx      context.Context
		provider *storage.LocalProvider
		opts     *storage.Options
	)

	BeforeEach(func() {
		ctx = context.Background()
		opts = &storage.Options{
			Scheme:    storage.SchemeLocal,
			Directory: GinkgoT().TempDir(),
			ChunkSize: "8",
			MaxLength: "20",
		}
		Expect(opts.Validate()).To(Succeed())

		provider = storage.NewLocalProvider(opts.Directory)
		Expect(provider.Connect()).To(Succeed())
	})

	AfterEach(func() {
		Expect(provider.Close()).To(Succeed())
	})

	It("should chunk logs at the configured size", func() {
		logs := []byte("abcdefghijklmnopqrst")

		numChunks, err := storage.ArchiveLogs(ctx, provider, kernelId, logs, opts)
		Expect(err).ToNot(HaveOccurred())
		Expect(numChunks).To(Equal(3))

		first, err := provider.Read(ctx, storage.ChunkKey(kernelId, 0))
		Expect(err).ToNot(HaveOccurred())
		Expect(first).To(Equal([]byte("abcdefgh")))

		retrieved, err := storage.RetrieveLogs(ctx, provider, kernelId)
		Expect(err).ToNot(HaveOccurred())
		Expect(retrieved).To(Equal(logs))
	})

	It("should keep only the tail when logs exceed the cap", func() {
		logs := bytes.Repeat([]byte("0123456789"), 3)

		numChunks, err := storage.ArchiveLogs(ctx, provider, kernelId, logs, opts)
		Expect(err).ToNot(HaveOccurred())
		Expect(numChunks).To(Equal(3))

		retrieved, err := storage.RetrieveLogs(ctx, provider, kernelId)
		Expect(err).ToNot(HaveOccurred())
		Expect(retrieved).To(Equal(logs[10:]))
	})

	It("should archive empty logs as a single empty chunk", func() {
		numChunks, err := storage.ArchiveLogs(ctx, provider, kernelId, nil, opts)
		Expect(err).ToNot(HaveOccurred())
		Expect(numChunks).To(Equal(1))

		retrieved, err := storage.RetrieveLogs(ctx, provider, kernelId)
		Expect(err).ToNot(HaveOccurred())
		Expect(retrieved).To(BeEmpty())
	})

	It("should distinguish kernels that never archived logs", func() {
		_, err := storage.RetrieveLogs(ctx, provider, "kernel-unknown")
		Expect(errors.Is(err, storage.ErrKeyNotFound)).To(BeTrue())
	})

	It("should drop stale chunks when re-archiving shorter logs", func() {
		_, err := storage.ArchiveLogs(ctx, provider, kernelId, []byte("abcdefghijklmnopqrst"), opts)
		Expect(err).ToNot(HaveOccurred())

		numChunks, err := storage.ArchiveLogs(ctx, provider, kernelId, []byte("short"), opts)
		Expect(err).ToNot(HaveOccurred())
		Expect(numChunks).To(Equal(1))

		retrieved, err := storage.RetrieveLogs(ctx, provider, kernelId)
		Expect(err).ToNot(HaveOccurred())
		Expect(retrieved).To(Equal([]byte("short")))
	})

	It("should purge every chunk", func() {
		_, err := storage.ArchiveLogs(ctx, provider, kernelId, []byte("abcdefghijklmnopqrst"), opts)
		Expect(err).ToNot(HaveOccurred())

		numDeleted, err := storage.PurgeLogs(ctx, provider, kernelId)
		Expect(err).ToNot(HaveOccurred())
		Expect(numDeleted).To(Equal(3))

		_, err = storage.RetrieveLogs(ctx, provider, kernelId)
		Expect(errors.Is(err, storage.ErrKeyNotFound)).To(BeTrue())

		numDeleted, err = storage.PurgeLogs(ctx, provider, kernelId)
		Expect(err).ToNot(HaveOccurred())
		Expect(numDeleted).To(Equal(0))
	})
})

package rpc_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"

	"github.com/scusemua/distributed-cluster/common/rpc"
	"github.com/scusemua/distributed-cluster/common/types"
)

var _ = Describe("Envelope", func() {
	key := []byte("0123456789abcdef")

	It("should round-trip a signed request", func() {
		request, err := rpc.NewRequest(rpc.MethodPing, &rpc.PingRequest{Nonce: "n-1"})
		Expect(err).ToNot(HaveOccurred())

		frames, err := request.Frames(key)
		Expect(err).ToNot(HaveOccurred())
		Expect(frames).To(HaveLen(4))

		parsed, err := rpc.Parse(frames, key)
		Expect(err).ToNot(HaveOccurred())
		Expect(parsed.Header.MessageId).To(Equal(request.Header.MessageId))
		Expect(parsed.Header.MessageType).To(Equal(rpc.MethodPing))
		Expect(parsed.Header.Version).To(Equal(rpc.Version))
		Expect(parsed.Identities).To(BeEmpty())

		var payload rpc.PingRequest
		Expect(parsed.DecodeBody(&payload)).To(Succeed())
		Expect(payload.Nonce).To(Equal("n-1"))
	})

	It("should preserve identity frames the way a router sees them", func() {
		request, err := rpc.NewRequest(rpc.MethodDestroyKernel, &rpc.DestroyKernelRequest{KernelId: "k-1"})
		Expect(err).ToNot(HaveOccurred())

		frames, err := request.Frames(nil)
		Expect(err).ToNot(HaveOccurred())

		// A ROUTER socket prepends the peer identity before handing the
		// message to us.
		routed := append([][]byte{[]byte("peer-1")}, frames...)
		parsed, err := rpc.Parse(routed, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(parsed.Identities).To(HaveLen(1))
		Expect(string(parsed.Identities[0])).To(Equal("peer-1"))

		reply, err := rpc.NewReply(parsed, &rpc.DestroyKernelReply{Found: true})
		Expect(err).ToNot(HaveOccurred())
		Expect(reply.Identities).To(Equal(parsed.Identities))
		Expect(reply.Header.MessageId).To(Equal(request.Header.MessageId))
		Expect(reply.Header.MessageType).To(Equal(rpc.MethodDestroyKernel + rpc.ReplySuffix))
		Expect(reply.IsReply()).To(BeTrue())
	})

	It("should reject a tampered body", func() {
		request, err := rpc.NewRequest(rpc.MethodPing, &rpc.PingRequest{Nonce: "n-1"})
		Expect(err).ToNot(HaveOccurred())

		frames, err := request.Frames(key)
		Expect(err).ToNot(HaveOccurred())
		frames[3] = []byte(`{"nonce":"forged"}`)

		_, err = rpc.Parse(frames, key)
		Expect(errors.Is(err, rpc.ErrBadSignature)).To(BeTrue())
	})

	It("should reject a signature made with a different key", func() {
		request, err := rpc.NewRequest(rpc.MethodPing, nil)
		Expect(err).ToNot(HaveOccurred())

		frames, err := request.Frames([]byte("another-key"))
		Expect(err).ToNot(HaveOccurred())

		_, err = rpc.Parse(frames, key)
		Expect(errors.Is(err, rpc.ErrBadSignature)).To(BeTrue())
	})

	It("should reject an unsigned message when a key is required", func() {
		request, err := rpc.NewRequest(rpc.MethodPing, nil)
		Expect(err).ToNot(HaveOccurred())

		frames, err := request.Frames(nil)
		Expect(err).ToNot(HaveOccurred())

		_, err = rpc.Parse(frames, key)
		Expect(errors.Is(err, rpc.ErrBadSignature)).To(BeTrue())
	})

	It("should skip signing entirely when both sides carry no key", func() {
		request, err := rpc.NewRequest(rpc.MethodPing, nil)
		Expect(err).ToNot(HaveOccurred())

		frames, err := request.Frames(nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(frames[1]).To(BeEmpty())

		_, err = rpc.Parse(frames, nil)
		Expect(err).ToNot(HaveOccurred())
	})

	It("should reject frames without a delimiter", func() {
		_, err := rpc.Parse([][]byte{[]byte("peer-1"), []byte("garbage")}, nil)
		Expect(errors.Is(err, rpc.ErrMissingDelimiter)).To(BeTrue())
	})

	It("should reject truncated messages", func() {
		request, err := rpc.NewRequest(rpc.MethodPing, nil)
		Expect(err).ToNot(HaveOccurred())

		frames, err := request.Frames(nil)
		Expect(err).ToNot(HaveOccurred())

		_, err = rpc.Parse(frames[:3], nil)
		Expect(errors.Is(err, rpc.ErrTruncatedMessage)).To(BeTrue())
	})

	It("should mark acks with the request's message id", func() {
		request, err := rpc.NewRequest(rpc.MethodCreateKernels, nil)
		Expect(err).ToNot(HaveOccurred())

		ack := rpc.NewAck(request)
		Expect(ack.IsAck()).To(BeTrue())
		Expect(ack.Header.MessageId).To(Equal(request.Header.MessageId))

		frames, err := ack.Frames(key)
		Expect(err).ToNot(HaveOccurred())
		parsed, err := rpc.Parse(frames, key)
		Expect(err).ToNot(HaveOccurred())
		Expect(parsed.IsAck()).To(BeTrue())
	})

	Context("error replies", func() {
		It("should rehydrate known sentinels", func() {
			request, err := rpc.NewRequest(rpc.MethodRestartKernel, &rpc.RestartKernelRequest{KernelId: "k-404"})
			Expect(err).ToNot(HaveOccurred())

			reply := rpc.NewErrorReply(request, errors.Wrap(rpc.ErrKernelNotFound, "kernel k-404"))
			frames, err := reply.Frames(nil)
			Expect(err).ToNot(HaveOccurred())

			parsed, err := rpc.Parse(frames, nil)
			Expect(err).ToNot(HaveOccurred())

			remoteErr := parsed.ReplyError()
			Expect(remoteErr).To(HaveOccurred())
			Expect(errors.Is(remoteErr, rpc.ErrKernelNotFound)).To(BeTrue())
			Expect(remoteErr.Error()).To(ContainSubstring("k-404"))
		})

		It("should carry unknown errors as InternalError", func() {
			request, err := rpc.NewRequest(rpc.MethodGetLogs, nil)
			Expect(err).ToNot(HaveOccurred())

			reply := rpc.NewErrorReply(request, errors.New("disk exploded"))
			frames, err := reply.Frames(nil)
			Expect(err).ToNot(HaveOccurred())

			parsed, err := rpc.Parse(frames, nil)
			Expect(err).ToNot(HaveOccurred())

			remoteErr := parsed.ReplyError()
			Expect(remoteErr).To(HaveOccurred())

			var remote *rpc.RemoteError
			Expect(errors.As(remoteErr, &remote)).To(BeTrue())
			Expect(remote.Name).To(Equal("InternalError"))
			Expect(remote.Message).To(ContainSubstring("disk exploded"))
		})

		It("should report no error for ordinary replies", func() {
			request, err := rpc.NewRequest(rpc.MethodSyncKernelRegistry, nil)
			Expect(err).ToNot(HaveOccurred())

			reply, err := rpc.NewReply(request, &rpc.SyncKernelRegistryReply{
				Kernels: []*rpc.RegisteredKernel{{KernelId: "k-1", SessionId: "s-1", Status: types.StatusRunning}},
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(reply.ReplyError()).To(BeNil())
		})
	})
})

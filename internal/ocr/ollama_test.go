package ocr

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/zombor/invoice-pipeline/internal/invoice"
)

var _ = Describe("Ollama", func() {
	var (
		server *ghttp.Server
		engine *Ollama
		page   Page
		tokens []invoice.Token
		err    error
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		engine = NewOllama(server.URL(), "llava")
		var perr error
		page, perr = newPage(2, testImage(10, 10))
		Expect(perr).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		server.Close()
	})

	JustBeforeEach(func() {
		tokens, err = engine.Recognize(context.Background(), page)
	})

	When("the model answers with tokens", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/api/chat"),
				ghttp.VerifyContentType("application/json"),
				ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]any{
					"message": map[string]any{
						"role":    "assistant",
						"content": "```json\n{\"tokens\":[{\"text\":\"Total\",\"x\":1,\"y\":2,\"width\":30,\"height\":8,\"confidence\":0.92}]}\n```",
					},
					"done": true,
				}),
			))
		})

		It("should return the parsed tokens for the page", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(tokens).To(HaveLen(1))
			Expect(tokens[0].Text).To(Equal("Total"))
			Expect(tokens[0].Page).To(Equal(2))
			Expect(tokens[0].Box.Width).To(Equal(30.0))
			Expect(tokens[0].Confidence).To(Equal(0.92))
		})

		It("should send one request", func() {
			Expect(server.ReceivedRequests()).To(HaveLen(1))
		})
	})

	When("the API returns an error status", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusInternalServerError, "model not loaded"))
		})

		It("should return an error with the body", func() {
			Expect(err).To(MatchError(ContainSubstring("model not loaded")))
		})

		It("should report the engine as unavailable so the job retries", func() {
			Expect(invoice.KindOf(err)).To(Equal(invoice.KindEngineUnavailable))
			Expect(invoice.KindOf(err).Transient()).To(BeTrue())
		})
	})

	When("the API rejects the request", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusBadRequest, "unknown model"))
		})

		It("should fail without marking the engine unavailable", func() {
			Expect(err).To(MatchError(ContainSubstring("unknown model")))
			Expect(invoice.KindOf(err)).To(Equal(invoice.KindInternal))
		})
	})

	When("the server cannot be reached", func() {
		BeforeEach(func() {
			server.Close()
		})

		It("should report the engine as unavailable", func() {
			Expect(invoice.KindOf(err)).To(Equal(invoice.KindEngineUnavailable))
		})
	})
})

var _ = Describe("retryableGemini", func() {
	DescribeTable("classifying failures",
		func(err error, retry bool) {
			Expect(retryableGemini(fmt.Errorf("generating content: %w", err))).To(Equal(retry))
		},
		Entry("service unavailable over REST", &googleapi.Error{Code: http.StatusServiceUnavailable}, true),
		Entry("quota exceeded over REST", &googleapi.Error{Code: http.StatusTooManyRequests}, true),
		Entry("bad request over REST", &googleapi.Error{Code: http.StatusBadRequest}, false),
		Entry("unavailable over gRPC", status.Error(codes.Unavailable, "try later"), true),
		Entry("invalid argument over gRPC", status.Error(codes.InvalidArgument, "bad image"), false),
		Entry("unclassified", errors.New("boom"), false),
	)
})

var _ = Describe("parseTokensJSON", func() {
	It("should default missing confidences and scale percentages", func() {
		tokens, err := parseTokensJSON(`{"tokens":[{"text":"a"},{"text":"b","confidence":87}]}`, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(tokens[0].Confidence).To(Equal(0.5))
		Expect(tokens[1].Confidence).To(BeNumerically("~", 0.87, 1e-9))
	})

	It("should fail without a JSON object", func() {
		_, err := parseTokensJSON("I could not read this image", 0)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("RateLimited", func() {
	It("should delegate to the wrapped engine", func() {
		inner := &mockEngine{tokens: map[int][]invoice.Token{0: {tok("x", 0, 0, 1)}}}
		limited := NewRateLimited(inner, 100, 1)
		page, err := newPage(0, testImage(4, 4))
		Expect(err).NotTo(HaveOccurred())

		tokens, err := limited.Recognize(context.Background(), page)
		Expect(err).NotTo(HaveOccurred())
		Expect(tokens).To(HaveLen(1))
		Expect(limited.Name()).To(Equal("mock"))
	})

	It("should stop waiting when the context is done", func() {
		inner := &mockEngine{}
		limited := NewRateLimited(inner, 0.001, 1)
		page, err := newPage(0, testImage(4, 4))
		Expect(err).NotTo(HaveOccurred())

		_, err = limited.Recognize(context.Background(), page)
		Expect(err).NotTo(HaveOccurred())

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err = limited.Recognize(ctx, page)
		Expect(err).To(HaveOccurred())
		Expect(inner.calls).To(Equal(1))
	})
})

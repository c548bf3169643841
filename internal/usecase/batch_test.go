package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/ncshot-verify/internal/logging"
	"github.com/example/ncshot-verify/internal/ncshot"
)

const onePlatePayload = `<result><exdata><data name="plate1"><value name="symbol">AB1234C</value><value name="level">87</value></data></exdata></result>`

type submitReply struct {
	payload string
	err     error
}

type stubRecognizer struct {
	pushErrs  []error
	pushCalls int
	replies   []submitReply
	submitted int
	released  []string
	releaseOK bool
	onSubmit  func(n int)
}

func (s *stubRecognizer) PushConfiguration(ctx context.Context, blob string) error {
	s.pushCalls++
	if len(s.pushErrs) == 0 {
		return nil
	}
	err := s.pushErrs[0]
	s.pushErrs = s.pushErrs[1:]
	return err
}

func (s *stubRecognizer) Submit(ctx context.Context, image []byte) (*ncshot.Session, error) {
	n := s.submitted
	s.submitted++
	if s.onSubmit != nil {
		s.onSubmit(n)
	}
	reply := submitReply{payload: onePlatePayload}
	if n < len(s.replies) {
		reply = s.replies[n]
	}
	if reply.err != nil {
		return nil, reply.err
	}
	return &ncshot.Session{Token: fmt.Sprintf("tok-%d", n), RawPayload: []byte(reply.payload)}, nil
}

func (s *stubRecognizer) Release(ctx context.Context, session *ncshot.Session) bool {
	s.released = append(s.released, session.Token)
	return s.releaseOK
}

type stubRetriever struct {
	panicOn string
	calls   []string
}

func (s *stubRetriever) Fetch(ctx context.Context, token string, expected int) [][]byte {
	s.calls = append(s.calls, token)
	if token == s.panicOn {
		panic("boom")
	}
	out := make([][]byte, expected)
	for i := range out {
		out[i] = []byte("plate")
	}
	return out
}

type stubLocker struct {
	err      error
	acquired int
	unlocked int
}

func (s *stubLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Unlock, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.acquired++
	return func(ctx context.Context) error {
		s.unlocked++
		return nil
	}, nil
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func testBatchOptions() BatchOptions {
	opts := DefaultBatchOptions()
	opts.ConfigBackoff = time.Millisecond
	return opts
}

func newTestUseCase(rec *stubRecognizer, retriever PlateRetriever, locker Locker, opts BatchOptions) *BatchUseCase {
	factory := func(batchID string) Recognizer { return rec }
	return NewBatchUseCase(factory, retriever, locker, opts, zap.NewNop())
}

func images(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte(fmt.Sprintf("image-%d", i))
	}
	return out
}

func systemicErr() error {
	return logging.NewOperationError("ncshot.submit", "batch", &ncshot.StatusError{
		Kind:       ncshot.ErrSystemicFailure,
		StatusCode: 500,
		Snippet:    ncshot.AllocationFailureMarker,
	})
}

func TestRunCompletesAllImages(t *testing.T) {
	rec := &stubRecognizer{releaseOK: true}
	retriever := &stubRetriever{}
	uc := newTestUseCase(rec, retriever, nil, testBatchOptions())

	res, err := uc.Run(context.Background(), "[global]", images(3))
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if res.BatchID == "" {
		t.Fatal("expected batch id")
	}
	if res.Processed != 3 || res.Failed != 0 || res.NotAttempted != 0 {
		t.Fatalf("unexpected counters: %+v", res)
	}
	if res.TotalPlates != 3 || res.TotalVehicles != 3 {
		t.Fatalf("expected 3 plates and vehicles, got %d/%d", res.TotalPlates, res.TotalVehicles)
	}
	for i, item := range res.Items {
		if item.Index != i || item.Status != StatusCompleted {
			t.Fatalf("slot %d: unexpected outcome %+v", i, item)
		}
		if len(item.PlateImages) != 1 || item.PlateImages[0] == nil {
			t.Fatalf("slot %d: expected one plate image", i)
		}
	}
	if rec.pushCalls != 1 {
		t.Fatalf("expected a single configuration push, got %d", rec.pushCalls)
	}
	if len(rec.released) != 3 {
		t.Fatalf("expected 3 releases, got %v", rec.released)
	}
}

func TestRunSystemicFailureAbortsRemainingImages(t *testing.T) {
	rec := &stubRecognizer{
		releaseOK: true,
		replies: []submitReply{
			{payload: onePlatePayload},
			{err: systemicErr()},
			{payload: onePlatePayload},
		},
	}
	uc := newTestUseCase(rec, &stubRetriever{}, nil, testBatchOptions())

	res, err := uc.Run(context.Background(), "cfg", images(3))
	if !errors.Is(err, ncshot.ErrSystemicFailure) {
		t.Fatalf("expected systemic failure, got %v", err)
	}
	if !res.Aborted {
		t.Fatal("expected batch to be aborted")
	}
	if len(res.Items) != 3 {
		t.Fatalf("expected 3 slots, got %d", len(res.Items))
	}
	want := []ImageStatus{StatusCompleted, StatusSystemicFailure, StatusNotAttempted}
	for i, status := range want {
		if res.Items[i].Status != status {
			t.Fatalf("slot %d: expected %s, got %s", i, status, res.Items[i].Status)
		}
	}
	if rec.submitted != 2 {
		t.Fatalf("expected the third image not to be submitted, got %d submissions", rec.submitted)
	}
	if res.Items[1].Failure == nil || res.Items[1].Failure.Snippet != ncshot.AllocationFailureMarker {
		t.Fatalf("expected systemic failure snippet, got %+v", res.Items[1].Failure)
	}
	if res.Processed != 1 || res.Failed != 1 || res.NotAttempted != 1 {
		t.Fatalf("unexpected counters: processed=%d failed=%d not_attempted=%d", res.Processed, res.Failed, res.NotAttempted)
	}
}

func TestRunIsolatesPerImageFailures(t *testing.T) {
	rec := &stubRecognizer{
		releaseOK: true,
		replies: []submitReply{
			{err: &ncshot.StatusError{Kind: ncshot.ErrSubmissionFailed, StatusCode: 415}},
			{payload: "not markup"},
			{payload: onePlatePayload},
		},
	}
	uc := newTestUseCase(rec, &stubRetriever{}, nil, testBatchOptions())

	res, err := uc.Run(context.Background(), "cfg", images(3))
	if err != nil {
		t.Fatalf("expected per-image failures to stay local, got %v", err)
	}
	want := []ImageStatus{StatusSubmissionFailed, StatusParseFailed, StatusCompleted}
	for i, status := range want {
		if res.Items[i].Status != status {
			t.Fatalf("slot %d: expected %s, got %s", i, status, res.Items[i].Status)
		}
	}
	if res.Items[1].Failure == nil || res.Items[1].Failure.Snippet == "" {
		t.Fatalf("expected parse failure with snippet, got %+v", res.Items[1].Failure)
	}
	if len(rec.released) != 2 {
		t.Fatalf("expected releases only for issued tokens, got %v", rec.released)
	}
	if res.Aborted {
		t.Fatal("per-image failures must not abort the batch")
	}
}

func TestRunReleasesTokenWhenRetrievalPanics(t *testing.T) {
	rec := &stubRecognizer{releaseOK: true}
	retriever := &stubRetriever{panicOn: "tok-0"}
	uc := newTestUseCase(rec, retriever, nil, testBatchOptions())

	res, err := uc.Run(context.Background(), "cfg", images(2))
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(rec.released) != 2 || rec.released[0] != "tok-0" || rec.released[1] != "tok-1" {
		t.Fatalf("expected each token released exactly once, got %v", rec.released)
	}
	first := res.Items[0]
	if first.Status != StatusCompleted {
		t.Fatalf("expected retrieval panic to degrade, got %s", first.Status)
	}
	if len(first.PlateImages) != 1 || first.PlateImages[0] != nil {
		t.Fatalf("expected a nil placeholder, got %v", first.PlateImages)
	}
}

func TestRunConfigurationRejected(t *testing.T) {
	rec := &stubRecognizer{
		pushErrs: []error{&ncshot.StatusError{Kind: ncshot.ErrConfigRejected, StatusCode: 400, Snippet: "bad section"}},
	}
	uc := newTestUseCase(rec, &stubRetriever{}, nil, testBatchOptions())

	res, err := uc.Run(context.Background(), "cfg", images(2))
	if !errors.Is(err, ncshot.ErrConfigRejected) {
		t.Fatalf("expected config rejection, got %v", err)
	}
	if rec.pushCalls != 1 {
		t.Fatalf("expected no retry for a 4xx rejection, got %d pushes", rec.pushCalls)
	}
	if rec.submitted != 0 {
		t.Fatalf("expected no submissions, got %d", rec.submitted)
	}
	if res.Failure == nil || res.Failure.Snippet != "bad section" {
		t.Fatalf("unexpected batch failure: %+v", res.Failure)
	}
	if res.NotAttempted != 2 || res.Aborted {
		t.Fatalf("expected all images not attempted without abort, got %+v", res)
	}
}

func TestRunRetriesConfigurationOnceOnTimeout(t *testing.T) {
	rec := &stubRecognizer{
		releaseOK: true,
		pushErrs:  []error{fmt.Errorf("%w: %w", ncshot.ErrConfigRejected, timeoutError{})},
	}
	uc := newTestUseCase(rec, &stubRetriever{}, nil, testBatchOptions())

	if _, err := uc.Run(context.Background(), "cfg", images(1)); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if rec.pushCalls != 2 {
		t.Fatalf("expected 2 pushes, got %d", rec.pushCalls)
	}
}

func TestRunConfigurationRetryIsBounded(t *testing.T) {
	transient := &ncshot.StatusError{Kind: ncshot.ErrConfigRejected, StatusCode: 503}
	rec := &stubRecognizer{pushErrs: []error{transient, transient, transient}}
	uc := newTestUseCase(rec, &stubRetriever{}, nil, testBatchOptions())

	_, err := uc.Run(context.Background(), "cfg", images(1))
	if !errors.Is(err, ncshot.ErrConfigRejected) {
		t.Fatalf("expected config rejection, got %v", err)
	}
	if rec.pushCalls != 2 {
		t.Fatalf("expected exactly one retry, got %d pushes", rec.pushCalls)
	}
}

func TestRunRejectsOversizedBatch(t *testing.T) {
	rec := &stubRecognizer{}
	opts := testBatchOptions()
	opts.MaxBatchSize = 2
	uc := newTestUseCase(rec, &stubRetriever{}, nil, opts)

	res, err := uc.Run(context.Background(), "cfg", images(3))
	if !errors.Is(err, ErrBatchTooLarge) {
		t.Fatalf("expected ErrBatchTooLarge, got %v", err)
	}
	if res == nil || len(res.Items) != 3 || res.NotAttempted != 3 {
		t.Fatalf("expected a result with 3 untouched slots, got %+v", res)
	}
	if rec.pushCalls != 0 {
		t.Fatal("expected nothing sent to the service")
	}
}

func TestRunCancellationBetweenImagesReleasesInFlightToken(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &stubRecognizer{releaseOK: true}
	rec.onSubmit = func(n int) {
		if n == 0 {
			cancel()
		}
	}
	uc := newTestUseCase(rec, &stubRetriever{}, nil, testBatchOptions())

	res, err := uc.Run(ctx, "cfg", images(3))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if !res.Cancelled {
		t.Fatal("expected cancelled flag")
	}
	if res.Items[0].Status != StatusCompleted {
		t.Fatalf("expected in-flight image to complete, got %s", res.Items[0].Status)
	}
	if len(rec.released) != 1 || rec.released[0] != "tok-0" {
		t.Fatalf("expected in-flight token released, got %v", rec.released)
	}
	if res.NotAttempted != 2 {
		t.Fatalf("expected 2 images not attempted, got %d", res.NotAttempted)
	}
}

func TestRunFlagsSuspectedLeak(t *testing.T) {
	rec := &stubRecognizer{releaseOK: false}
	opts := testBatchOptions()
	opts.ReleaseLeakThreshold = 2
	uc := newTestUseCase(rec, &stubRetriever{}, nil, opts)

	res, err := uc.Run(context.Background(), "cfg", images(2))
	if err != nil {
		t.Fatalf("release failures must not fail the batch, got %v", err)
	}
	if res.ReleaseFailures != 2 || !res.LeakSuspected {
		t.Fatalf("expected leak suspicion after 2 release failures, got %+v", res)
	}
	for _, item := range res.Items {
		if item.Status != StatusCompleted || !item.ReleaseFailed {
			t.Fatalf("unexpected outcome %+v", item)
		}
	}
}

func TestRunHoldsHostLock(t *testing.T) {
	rec := &stubRecognizer{releaseOK: true}
	locker := &stubLocker{}
	uc := newTestUseCase(rec, &stubRetriever{}, locker, testBatchOptions())

	if _, err := uc.Run(context.Background(), "cfg", images(1)); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if locker.acquired != 1 || locker.unlocked != 1 {
		t.Fatalf("expected lock acquired and released once, got %d/%d", locker.acquired, locker.unlocked)
	}
}

func TestRunHostBusy(t *testing.T) {
	rec := &stubRecognizer{}
	uc := newTestUseCase(rec, &stubRetriever{}, &stubLocker{err: ErrHostBusy}, testBatchOptions())

	res, err := uc.Run(context.Background(), "cfg", images(1))
	if !errors.Is(err, ErrHostBusy) {
		t.Fatalf("expected ErrHostBusy, got %v", err)
	}
	if rec.pushCalls != 0 {
		t.Fatal("expected no configuration push while the host is busy")
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.BatchID != res.BatchID {
		t.Fatalf("expected OperationError carrying the batch id, got %v", err)
	}
}

func TestIsTransientError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"timeout", timeoutError{}, true},
		{"server error", &ncshot.StatusError{Kind: ncshot.ErrConfigRejected, StatusCode: 502}, true},
		{"client error", &ncshot.StatusError{Kind: ncshot.ErrConfigRejected, StatusCode: 400}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		if got := isTransientError(tc.err); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}
